// Package extensions lets embedding applications observe and veto writes
// without forking the library. Hooks run in-process; a before-write hook
// error aborts the operation, after-write hooks are fire-and-forget.
package extensions

import (
	"context"
	"fmt"
	"sync"

	"github.com/chronos-store/chronos/domain/core/valueobjects"
)

// HookPoint is a point in the write path where hooks run
type HookPoint string

const (
	// HookBeforeWrite runs before any backend work; an error aborts the write
	HookBeforeWrite HookPoint = "before_write"

	// HookAfterWrite runs asynchronously after a successful commit
	HookAfterWrite HookPoint = "after_write"

	// HookWriteFailed runs asynchronously when a write surfaces an error
	HookWriteFailed HookPoint = "write_failed"
)

// WriteEvent describes the write a hook observes. ID, OV and CV are zero
// before the commit.
type WriteEvent struct {
	Context valueobjects.RouteContext
	Op      string
	ID      string
	OV      int64
	CV      int64
	Payload map[string]interface{}
	Actor   string
	Err     error
}

// Hook is one callback registered at a hook point
type Hook func(ctx context.Context, ev *WriteEvent) error

// HookManager holds the registered hooks. Registration is expected at init
// time but is safe at any point.
type HookManager struct {
	mu    sync.RWMutex
	hooks map[HookPoint][]Hook
}

// NewHookManager creates an empty hook manager
func NewHookManager() *HookManager {
	return &HookManager{hooks: make(map[HookPoint][]Hook)}
}

// Register adds a hook at a point. Hooks run in registration order.
func (m *HookManager) Register(point HookPoint, hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[point] = append(m.hooks[point], hook)
}

// Execute runs the hooks at a point, stopping at the first error
func (m *HookManager) Execute(ctx context.Context, point HookPoint, ev *WriteEvent) error {
	m.mu.RLock()
	hooks := m.hooks[point]
	m.mu.RUnlock()

	for i, hook := range hooks {
		if err := hook(ctx, ev); err != nil {
			return fmt.Errorf("hook %d at %s: %w", i, point, err)
		}
	}
	return nil
}

// ExecuteAsync runs the hooks at a point in a goroutine each, dropping errors
func (m *HookManager) ExecuteAsync(ctx context.Context, point HookPoint, ev *WriteEvent) {
	m.mu.RLock()
	hooks := m.hooks[point]
	m.mu.RUnlock()

	for _, hook := range hooks {
		go func(h Hook) {
			_ = h(context.WithoutCancel(ctx), ev)
		}(hook)
	}
}

// Clear removes the hooks at a point
func (m *HookManager) Clear(point HookPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hooks, point)
}
