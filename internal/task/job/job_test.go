package job

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyNormalize(t *testing.T) {
	t.Parallel()

	k := NewKey(" backup ", "")
	assert.Equal(t, Key{Name: "backup", Group: DefaultGroup}, k)
	assert.Equal(t, "DEFAULT.backup", k.String())
	assert.True(t, Key{}.IsZero())
	assert.True(t, NewKey("a", "g1").Less(NewKey("a", "g2")))
}

func TestDataCloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := Data{"n": 1, "nested": map[string]any{"x": "y"}, "list": []any{"a"}}
	cp := orig.Clone()
	cp["nested"].(map[string]any)["x"] = "changed"
	cp["list"].([]any)[0] = "b"

	assert.Equal(t, "y", orig["nested"].(map[string]any)["x"])
	assert.Equal(t, "a", orig["list"].([]any)[0])
	assert.Nil(t, Data(nil).Clone())
}

func TestDataMergeOrder(t *testing.T) {
	t.Parallel()

	got := Data{"a": 1, "b": 1}.Merge(Data{"b": 2, "c": 2}, Data{"c": 3})
	assert.Equal(t, Data{"a": 1, "b": 2, "c": 3}, got)
	assert.Equal(t, Data{}, Data(nil).Merge())
}

func TestTriggerView(t *testing.T) {
	t.Parallel()

	tr := &Trigger{Key: NewKey("t", ""), Data: Data{"k": "v"}}
	v := ViewOf(tr)
	assert.Equal(t, TriggerRetired, v.State)
	v.Data["k"] = "mutated"
	assert.Equal(t, "v", tr.Data["k"])
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	noop := func(context.Context, Fire) (Data, error) { return nil, nil }

	require.NoError(t, r.Register("b", noop))
	require.NoError(t, r.Register("a", noop))
	assert.True(t, errors.Is(r.Register("", noop), ErrInvalidJob))
	assert.True(t, errors.Is(r.Register("c", nil), ErrInvalidJob))

	_, ok := r.Lookup("a")
	assert.True(t, ok)
	_, ok = r.Lookup("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, r.Kinds())
}
