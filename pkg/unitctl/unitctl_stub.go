//go:build !linux

package unitctl

import "context"

type Manager struct{}

func NewManager() *Manager { return &Manager{} }

func (m *Manager) Do(context.Context, Action, string) (string, error) {
	return "", ErrUnsupported
}

func (m *Manager) Status(context.Context, string) (Status, error) {
	return Status{}, ErrUnsupported
}

func (m *Manager) Close() error { return nil }
