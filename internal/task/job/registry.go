package job

import (
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Registry maps job kinds to their Func.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{kinds: map[string]Func{}}
}

// Register binds kind to fn, replacing any previous binding.
func (r *Registry) Register(kind string, fn Func) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return errors.Wrap(ErrInvalidJob, "empty job kind")
	}
	if fn == nil {
		return errors.Wrapf(ErrInvalidJob, "nil func for kind %q", kind)
	}
	r.mu.Lock()
	r.kinds[kind] = fn
	r.mu.Unlock()
	return nil
}

func (r *Registry) Lookup(kind string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.kinds[strings.TrimSpace(kind)]
	return fn, ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
