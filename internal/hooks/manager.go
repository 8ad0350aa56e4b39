package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultTimeout = 30 * time.Second

// HookManager routes events to the hooks registered for their type.
type HookManager struct {
	mu        sync.RWMutex
	hooks     map[EventType][]Hook
	stdioHook *StdioHook
	closed    bool

	pool    *executionPool
	timeout time.Duration
	logger  *slog.Logger
}

// NewHookManager creates a manager. An unparsable timeout falls back to 30s.
func NewHookManager(config HookConfig, logger *slog.Logger) *HookManager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "hooks")

	timeout := defaultTimeout
	if config.Timeout != "" {
		d, err := time.ParseDuration(config.Timeout)
		if err != nil || d <= 0 {
			logger.Warn("invalid hook timeout, using default", "timeout", config.Timeout, "error", err)
		} else {
			timeout = d
		}
	}

	hm := &HookManager{
		hooks:   make(map[EventType][]Hook),
		pool:    newExecutionPool(config.Concurrency, logger),
		timeout: timeout,
		logger:  logger,
	}
	if config.StdioFormat != "" {
		if err := hm.EnableStdioOutput(config.StdioFormat); err != nil {
			logger.Warn("stdio output not enabled", "error", err)
		}
	}
	return hm
}

// RegisterHook adds hook for eventType.
func (hm *HookManager) RegisterHook(eventType EventType, hook Hook) error {
	if hook == nil {
		return fmt.Errorf("cannot register nil hook")
	}

	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.hooks[eventType] = append(hm.hooks[eventType], hook)
	hm.logger.Info("hook registered", "event_type", eventType, "hook_type", hook.Type(), "hook_id", hook.ID())
	return nil
}

// RegisterAll adds hook for every event type.
func (hm *HookManager) RegisterAll(hook Hook) error {
	for _, et := range AllEventTypes() {
		if err := hm.RegisterHook(et, hook); err != nil {
			return err
		}
	}
	return nil
}

// AllEventTypes lists every event the recorder emits.
func AllEventTypes() []EventType {
	return []EventType{
		EventStateChanged,
		EventOverrun,
		EventRecordingStart,
		EventRecordingStop,
		EventStopTimeout,
	}
}

// UnregisterHook removes the hook with hookID from eventType.
func (hm *HookManager) UnregisterHook(eventType EventType, hookID string) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hooks := hm.hooks[eventType]
	for i, hook := range hooks {
		if hook.ID() == hookID {
			hm.hooks[eventType] = append(hooks[:i:i], hooks[i+1:]...)
			hm.logger.Info("hook unregistered", "event_type", eventType, "hook_id", hookID)
			return true
		}
	}
	return false
}

// TriggerEvent dispatches event to its hooks and returns immediately. It is
// safe on a nil manager and after Close.
func (hm *HookManager) TriggerEvent(ctx context.Context, event Event) {
	if hm == nil {
		return
	}

	hm.mu.RLock()
	if hm.closed {
		hm.mu.RUnlock()
		return
	}
	hooks := make([]Hook, 0, len(hm.hooks[event.Type])+1)
	hooks = append(hooks, hm.hooks[event.Type]...)
	if hm.stdioHook != nil {
		hooks = append(hooks, hm.stdioHook)
	}
	// Add under the read lock so Close cannot start waiting in between.
	hm.pool.reserve(len(hooks))
	hm.mu.RUnlock()

	if len(hooks) == 0 {
		return
	}
	hm.logger.Debug("triggering event", "event", event.String(), "hook_count", len(hooks))
	for _, hook := range hooks {
		hm.pool.execute(ctx, hook, event, hm.timeout)
	}
}

// EnableStdioOutput mirrors every event to stderr in format ("json" or "env").
func (hm *HookManager) EnableStdioOutput(format string) error {
	if format != "json" && format != "env" {
		return fmt.Errorf("unsupported stdio format: %s", format)
	}

	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.stdioHook = NewStdioHook("stdio", format)
	hm.logger.Info("stdio output enabled", "format", format)
	return nil
}

// DisableStdioOutput stops mirroring events.
func (hm *HookManager) DisableStdioOutput() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.stdioHook = nil
}

// Stats summarises registrations and pool usage.
type Stats struct {
	TotalHooks   int
	HooksByType  map[EventType]int
	StdioEnabled bool
	PoolSize     int
	PoolActive   int
	Failures     uint64
}

// GetStats returns a snapshot of the manager.
func (hm *HookManager) GetStats() Stats {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	st := Stats{
		HooksByType:  make(map[EventType]int, len(hm.hooks)),
		StdioEnabled: hm.stdioHook != nil,
		PoolSize:     hm.pool.size,
	}
	for et, hooks := range hm.hooks {
		st.HooksByType[et] = len(hooks)
		st.TotalHooks += len(hooks)
	}
	st.PoolActive, st.Failures = hm.pool.snapshot()
	return st
}

// Close stops accepting events and waits for pending executions.
func (hm *HookManager) Close() error {
	if hm == nil {
		return nil
	}
	hm.mu.Lock()
	hm.closed = true
	hm.mu.Unlock()

	hm.pool.wait()
	hm.logger.Info("hook manager closed")
	return nil
}

// executionPool bounds concurrent hook executions.
type executionPool struct {
	slots   chan struct{}
	size    int
	pending sync.WaitGroup

	mu       sync.Mutex
	active   int
	failures uint64
	logger   *slog.Logger
}

func newExecutionPool(size int, logger *slog.Logger) *executionPool {
	if size <= 0 {
		size = 10
	}
	return &executionPool{
		slots:  make(chan struct{}, size),
		size:   size,
		logger: logger,
	}
}

func (ep *executionPool) reserve(n int) { ep.pending.Add(n) }

// execute runs hook on its own goroutine once a slot is free. Each call must
// be preceded by a matching reserve.
func (ep *executionPool) execute(ctx context.Context, hook Hook, event Event, timeout time.Duration) {
	go func() {
		defer ep.pending.Done()

		ep.slots <- struct{}{}
		defer func() { <-ep.slots }()

		ep.mu.Lock()
		ep.active++
		ep.mu.Unlock()

		execCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := hook.Execute(execCtx, event)
		cancel()
		elapsed := time.Since(start)

		ep.mu.Lock()
		ep.active--
		if err != nil {
			ep.failures++
		}
		ep.mu.Unlock()

		if err != nil {
			ep.logger.Error("hook execution failed",
				"hook_type", hook.Type(),
				"hook_id", hook.ID(),
				"event_type", event.Type,
				"duration_ms", elapsed.Milliseconds(),
				"error", err)
			return
		}
		ep.logger.Debug("hook executed",
			"hook_type", hook.Type(),
			"hook_id", hook.ID(),
			"event_type", event.Type,
			"duration_ms", elapsed.Milliseconds())
	}()
}

func (ep *executionPool) snapshot() (active int, failures uint64) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.active, ep.failures
}

func (ep *executionPool) wait() { ep.pending.Wait() }
