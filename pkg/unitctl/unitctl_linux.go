//go:build linux

package unitctl

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager holds a lazily opened system bus connection. A dropped connection is
// reopened on the next call.
type Manager struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func NewManager() *Manager { return &Manager{} }

func (m *Manager) connect(ctx context.Context) (*dbus.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil && m.conn.Connected() {
		return m.conn, nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unitctl: connect to systemd")
	}
	m.conn = conn
	return conn, nil
}

// Do runs action on unit and waits for the systemd job to finish. It returns
// the job result ("done" on success). ActionStatus answers with the unit's
// active state.
func (m *Manager) Do(ctx context.Context, action Action, unit string) (string, error) {
	name, err := UnitName(unit)
	if err != nil {
		return "", err
	}
	if action == ActionStatus {
		st, err := m.Status(ctx, name)
		if err != nil {
			return "", err
		}
		return st.Active, nil
	}
	conn, err := m.connect(ctx)
	if err != nil {
		return "", err
	}

	done := make(chan string, 1)
	switch action {
	case ActionStart:
		_, err = conn.StartUnitContext(ctx, name, "replace", done)
	case ActionStop:
		_, err = conn.StopUnitContext(ctx, name, "replace", done)
	case ActionRestart:
		_, err = conn.RestartUnitContext(ctx, name, "replace", done)
	case ActionReload:
		_, err = conn.ReloadUnitContext(ctx, name, "replace", done)
	default:
		return "", errors.Newf("unitctl: unknown action %q", action)
	}
	if err != nil {
		if isNoSuchUnitErr(err) {
			return "", errors.Wrapf(ErrNoSuchUnit, "%s %s", action, name)
		}
		return "", errors.Wrapf(err, "unitctl: %s %s", action, name)
	}

	select {
	case <-ctx.Done():
		return "", errors.Wrapf(ctx.Err(), "unitctl: waiting for %s %s", action, name)
	case res := <-done:
		if res != "done" {
			return res, errors.Wrapf(ErrJobFailed, "%s %s: %s", action, name, res)
		}
		return res, nil
	}
}

func (m *Manager) Status(ctx context.Context, unit string) (Status, error) {
	name, err := UnitName(unit)
	if err != nil {
		return Status{}, err
	}
	conn, err := m.connect(ctx)
	if err != nil {
		return Status{}, err
	}
	props, err := conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return Status{}, errors.Wrap(ErrNoSuchUnit, name)
		}
		return Status{}, errors.Wrapf(err, "unitctl: status %s", name)
	}
	st := Status{
		Unit:        name,
		Active:      stringProp(props, "ActiveState"),
		SubState:    stringProp(props, "SubState"),
		LoadState:   stringProp(props, "LoadState"),
		Description: stringProp(props, "Description"),
		ActiveSince: timestampProp(props, "ActiveEnterTimestamp"),
		StateChange: timestampProp(props, "StateChangeTimestamp"),
	}
	if st.LoadState == "not-found" {
		return st, errors.Wrap(ErrNoSuchUnit, name)
	}
	return st, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func stringProp(props map[string]interface{}, key string) string {
	s, _ := props[key].(string)
	return s
}

// systemd timestamps are microseconds since the Unix epoch.
func timestampProp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}
