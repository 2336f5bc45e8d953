package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/c360/rtstreams/errors"
	"github.com/c360/rtstreams/health"
	"github.com/c360/rtstreams/metric"
)

// Manager owns a set of stages and drives their collective lifecycle.
// A stage fault never stops the Manager or any other stage.
type Manager struct {
	name        string
	logger      *slog.Logger
	registry    *metric.MetricsRegistry
	monitor     *health.Monitor
	stopTimeout time.Duration

	mu      sync.RWMutex
	stages  []Stage
	members map[Stage]struct{}
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithManagerName names the manager in logs and health output
func WithManagerName(name string) ManagerOption {
	return func(m *Manager) {
		m.name = name
	}
}

// WithManagerLogger sets the manager logger
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithStopTimeout sets the per-stage timeout Run uses on shutdown
func WithStopTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.stopTimeout = d
		}
	}
}

// WithMetricsRegistry shares an existing registry instead of creating one
func WithMetricsRegistry(registry *metric.MetricsRegistry) ManagerOption {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// NewManager creates an independent manager
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		name:        "pipeline",
		logger:      slog.Default(),
		monitor:     health.NewMonitor(),
		stopTimeout: DefaultStopTimeout,
		members:     make(map[Stage]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.registry == nil {
		m.registry = metric.NewMetricsRegistry()
	}
	m.logger = m.logger.With("manager", m.name)
	return m
}

var (
	sessionMu sync.Mutex
	session   *Manager
)

// Session returns the process-scoped default manager, creating it on first use.
// Stages built without WithManager register here.
func Session() *Manager {
	sessionMu.Lock()
	defer sessionMu.Unlock()

	if session == nil {
		session = NewManager(WithManagerName("session"))
	}
	return session
}

// ResetSession shuts down the process-scoped manager and discards it. The next
// Session call creates a fresh one.
func ResetSession() error {
	sessionMu.Lock()
	old := session
	session = nil
	sessionMu.Unlock()

	if old == nil {
		return nil
	}
	return old.Shutdown(old.stopTimeout)
}

// Register adds stage to the manager. Registering the same stage twice is a no-op.
func (m *Manager) Register(stage Stage) {
	if stage == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.members[stage]; exists {
		return
	}
	m.members[stage] = struct{}{}
	m.stages = append(m.stages, stage)
}

// Stages returns the registered stages in registration order
func (m *Manager) Stages() []Stage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Stage, len(m.stages))
	copy(result, m.stages)
	return result
}

// Stage returns the first registered stage with the given name
func (m *Manager) Stage(name string) (Stage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.stages {
		if s.Meta().Name == name {
			return s, true
		}
	}
	return nil, false
}

// Metrics returns the manager's metrics registry
func (m *Manager) Metrics() *metric.MetricsRegistry {
	return m.registry
}

// Start starts every registered stage that has not been started yet, each in
// its own goroutine. Stages that fail to start are reported in the joined
// error; the others keep running, and the caller decides whether to go on
// or call Shutdown.
func (m *Manager) Start(ctx context.Context) error {
	var errs []error
	for _, s := range m.Stages() {
		if s.State() != StateCreated {
			continue
		}

		meta := s.Meta()
		m.logger.Info("Starting stage", "stage", meta.Name, "role", meta.Role.String())
		if err := s.Start(ctx); err != nil {
			m.logger.Error("Stage failed to start", "stage", meta.Name, "error", err)
			errs = append(errs, fmt.Errorf("stage '%s': %w", meta.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Run starts all stages and blocks until ctx is cancelled, the process gets
// SIGINT or SIGTERM, or every stage has finished on its own. It then shuts
// everything down. Unlike Start, Run does not keep a partial pipeline: if
// any stage fails to start, every stage is shut down and the start errors
// are returned.
func (m *Manager) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := m.Start(ctx); err != nil {
		return errors.Join(err, m.Shutdown(m.stopTimeout))
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for _, s := range m.Stages() {
			select {
			case <-s.Done():
			case <-ctx.Done():
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		m.logger.Info("Shutdown requested")
	case <-finished:
		m.logger.Info("All stages finished")
	}
	return m.Shutdown(m.stopTimeout)
}

// Shutdown stops every stage concurrently, each bounded by timeout, and waits
// for all of them. There is no stop ordering: every blocking wait in a stage
// is interruptible, so stopping in parallel cannot deadlock.
func (m *Manager) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.stopTimeout
	}

	p := pool.New().WithErrors()
	for _, s := range m.Stages() {
		p.Go(func() error {
			name := s.Meta().Name
			if err := s.Stop(timeout); err != nil {
				m.logger.Warn("Stage stop failed", "stage", name, "error", err)
				return fmt.Errorf("stage '%s': %w", name, err)
			}
			m.logger.Debug("Stage stopped", "stage", name, "state", s.State().String())
			return nil
		})
	}
	return p.Wait()
}

// Health refreshes and aggregates the health of every registered stage
func (m *Manager) Health() health.Status {
	for _, s := range m.Stages() {
		name := s.Meta().Name
		h := s.Health()
		flow := s.DataFlow()
		status := health.FromStage(name, health.StageReport{
			State:          h.State.String(),
			Running:        h.State == StateRunning,
			Failed:         h.State == StateFailed,
			LastError:      h.LastError,
			ErrorCount:     h.ErrorCount,
			ItemsProcessed: flow.ItemsIn + flow.ItemsOut,
			Uptime:         h.Uptime,
			LastActivity:   flow.LastActivity,
		})
		if prev, changed := m.monitor.Update(name, status); changed && prev != "" {
			m.logger.Info("Stage health changed", "stage", name, "from", prev, "to", status.Status)
		}
	}
	return m.monitor.Snapshot(m.name)
}
