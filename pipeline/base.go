package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"

	"github.com/c360/rtstreams/errors"
	"github.com/c360/rtstreams/metric"
)

// core carries the lifecycle, signal and accounting state shared by every
// stage role. The role types supply loop, and optionally check and closeOutputs.
type core struct {
	meta     Metadata
	settings settings
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	startedAt time.Time
	stoppedAt time.Time
	exitErr   error
	loopErr   error
	subs      []*Subscription
	bindings  []signalBinding

	done       chan struct{}
	finishOnce sync.Once

	portsMu sync.Mutex
	ports   map[string]*SignalPort

	loop         func(ctx context.Context) error
	check        func() error
	closeOutputs func()

	itemsIn      atomic.Int64
	itemsOut     atomic.Int64
	dropped      atomic.Int64
	ticks        atomic.Int64
	errorCount   atomic.Int64
	lastActivity atomic.Int64
	lastError    atomic.Value // string
}

type signalBinding struct {
	port    *SignalPort
	handler SignalHandler
}

func newCore(name string, role Role, opts []Option) *core {
	s := applyOptions(opts)

	id := uuid.NewString()
	if name == "" {
		name = fmt.Sprintf("%s-%s", role, id[:8])
	}

	c := &core{
		meta: Metadata{
			ID:          id,
			Name:        name,
			Role:        role,
			Description: s.description,
		},
		settings: s,
		logger:   s.logger.With("stage", name, "role", role.String()),
		done:     make(chan struct{}),
		ports:    make(map[string]*SignalPort),
	}
	if s.manager != nil {
		c.metrics = s.manager.Metrics().CoreMetrics()
	}
	c.metrics.RecordStageState(name, int(StateCreated))
	return c
}

// register hands the fully built stage to its manager.
func (c *core) register(stage Stage) {
	if c.settings.manager != nil {
		c.settings.manager.Register(stage)
	}
}

// Meta returns the stage metadata
func (c *core) Meta() Metadata {
	return c.meta
}

// Name returns the stage name
func (c *core) Name() string {
	return c.meta.Name
}

// Logger returns the stage logger, already tagged with stage and role
func (c *core) Logger() *slog.Logger {
	return c.logger
}

// CoreMetrics returns the runtime metrics of the owning manager, or nil
func (c *core) CoreMetrics() *metric.Metrics {
	return c.metrics
}

// PollInterval returns the configured poll interval
func (c *core) PollInterval() time.Duration {
	return c.settings.pollInterval
}

// IdleBackoff returns how long a producer waits after a poll with no item
func (c *core) IdleBackoff() time.Duration {
	return c.settings.idleBackoff
}

// State returns the current lifecycle state
func (c *core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the stage has fully stopped and released its resources
func (c *core) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the loop, if the stage failed
func (c *core) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loopErr
}

// Start launches the stage loop in its own goroutine.
func (c *core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateCreated {
		c.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, c.meta.Name, "Start", "start stage")
	}
	if c.check != nil {
		if err := c.check(); err != nil {
			c.mu.Unlock()
			return errors.WrapFatal(err, c.meta.Name, "Start", "validate stage")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateRunning
	c.startedAt = time.Now()
	for _, b := range c.bindings {
		c.subs = append(c.subs, b.port.Subscribe(b.handler))
	}
	c.mu.Unlock()

	c.metrics.RecordStageState(c.meta.Name, int(StateRunning))
	c.logger.Debug("Stage started")

	go c.run(ctx)
	return nil
}

func (c *core) run(ctx context.Context) {
	var err error
	if r := panics.Try(func() { err = c.loop(ctx) }); r != nil {
		err = errors.WrapFatal(r.AsError(), c.meta.Name, "run", "stage loop")
	}
	c.finish(err)
}

// finish releases everything the stage holds. It runs exactly once, either
// when the loop exits or when a never-started stage is stopped.
func (c *core) finish(loopErr error) {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		subs := c.subs
		c.subs = nil
		cancel := c.cancel
		c.mu.Unlock()

		for _, sub := range subs {
			sub.Cancel()
		}
		for _, sub := range subs {
			<-sub.Done()
		}

		var cleanupErrs []error
		for i := len(c.settings.cleanups) - 1; i >= 0; i-- {
			if err := c.settings.cleanups[i](); err != nil {
				c.logger.Warn("Stage cleanup failed", "error", err)
				cleanupErrs = append(cleanupErrs, err)
			}
		}

		if c.closeOutputs != nil {
			c.closeOutputs()
		}

		final := StateStopped
		if loopErr != nil {
			final = StateFailed
			c.recordError(loopErr)
			c.logger.Error("Stage failed", "error", loopErr)
		} else {
			c.logger.Debug("Stage stopped")
		}

		c.mu.Lock()
		c.state = final
		c.loopErr = loopErr
		c.exitErr = errors.Join(cleanupErrs...)
		c.stoppedAt = time.Now()
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.metrics.RecordStageState(c.meta.Name, int(final))
		close(c.done)
	})
}

// Stop requests shutdown and waits up to timeout for the loop to exit and
// resources to be released. Stopping a stage that never started releases its
// resources directly. Stopping a stopped stage is a no-op.
func (c *core) Stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	c.mu.Lock()
	switch c.state {
	case StateCreated:
		c.state = StateStopping
		c.mu.Unlock()
		c.finish(nil)
		return c.exitError()
	case StateStopped, StateFailed:
		c.mu.Unlock()
		return nil
	case StateRunning:
		c.state = StateStopping
	}
	cancel := c.cancel
	c.mu.Unlock()

	c.metrics.RecordStageState(c.meta.Name, int(StateStopping))
	if cancel != nil {
		cancel()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return c.exitError()
	case <-timer.C:
		return errors.WrapTransient(errors.ErrStopTimeout, c.meta.Name, "Stop",
			fmt.Sprintf("wait %s for loop exit", timeout))
	}
}

func (c *core) exitError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

// Port returns the named signal port owned by this stage, creating it on first use.
func (c *core) Port(name string) *SignalPort {
	c.portsMu.Lock()
	defer c.portsMu.Unlock()

	port, ok := c.ports[name]
	if !ok {
		port = newSignalPort(c.meta.Name, name, c.logger, c.metrics)
		c.ports[name] = port
	}
	return port
}

// RaiseEvent raises payload on the named port of this stage.
func (c *core) RaiseEvent(name string, payload any) {
	c.Port(name).Raise(payload)
}

// OnSignal subscribes handler to port for as long as this stage runs. The
// handler runs on its own goroutine, concurrently with the data loop, so any
// state it shares with the loop must be synchronized.
func (c *core) OnSignal(port *SignalPort, handler SignalHandler) {
	if port == nil || handler == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.bindings = append(c.bindings, signalBinding{port: port, handler: handler})
	if c.state == StateRunning {
		c.subs = append(c.subs, port.Subscribe(handler))
	}
}

// Tick records one heartbeat; its rate is reported by DataFlow.
func (c *core) Tick() {
	c.ticks.Add(1)
	c.touch()
	c.metrics.RecordTick(c.meta.Name)
}

func (c *core) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *core) countIn() {
	c.itemsIn.Add(1)
	c.touch()
	c.metrics.RecordItemIn(c.meta.Name)
}

func (c *core) countOut() {
	c.itemsOut.Add(1)
	c.metrics.RecordItemOut(c.meta.Name)
}

func (c *core) countDrop(reason string) {
	c.dropped.Add(1)
	c.metrics.RecordDropped(c.meta.Name, reason)
}

func (c *core) recordError(err error) {
	c.errorCount.Add(1)
	c.lastError.Store(err.Error())
	c.metrics.RecordError(c.meta.Name, errors.Classify(err).String())
}

// handleError applies the error policy and reports whether the loop must stop.
// Invalid input is dropped. Fatal errors always stop the stage.
func (c *core) handleError(err error, op string) bool {
	class := errors.Classify(err)

	if class == errors.ErrorInvalid {
		c.recordError(err)
		c.countDrop("invalid")
		c.logger.Debug("Dropping invalid item", "op", op, "error", err)
		return false
	}

	if class == errors.ErrorFatal || c.settings.policy == StopOnError {
		return true
	}

	c.recordError(err)
	c.logger.Warn("Stage error", "op", op, "class", class.String(), "error", err)
	return false
}

// call runs a user function, turning a panic into a fatal error.
func (c *core) call(fn func() error) error {
	start := time.Now()
	var err error
	if r := panics.Try(func() { err = fn() }); r != nil {
		return errors.WrapFatal(r.AsError(), c.meta.Name, "call", "user function")
	}
	c.metrics.RecordProcessingDuration(c.meta.Name, time.Since(start))
	return err
}

func (c *core) uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.startedAt.IsZero() {
		return 0
	}
	if !c.stoppedAt.IsZero() {
		return c.stoppedAt.Sub(c.startedAt)
	}
	return time.Since(c.startedAt)
}

// Health reports the stage's health
func (c *core) Health() HealthStatus {
	state := c.State()
	lastErr, _ := c.lastError.Load().(string)

	return HealthStatus{
		Healthy:    state == StateRunning,
		State:      state,
		LastCheck:  time.Now(),
		ErrorCount: int(c.errorCount.Load()),
		LastError:  lastErr,
		Uptime:     c.uptime(),
	}
}

// DataFlow reports item counters and rates averaged over the stage's uptime
func (c *core) DataFlow() FlowMetrics {
	flow := FlowMetrics{
		ItemsIn:  c.itemsIn.Load(),
		ItemsOut: c.itemsOut.Load(),
		Dropped:  c.dropped.Load(),
		Ticks:    c.ticks.Load(),
	}
	if ts := c.lastActivity.Load(); ts > 0 {
		flow.LastActivity = time.Unix(0, ts)
	}

	if secs := c.uptime().Seconds(); secs > 0 {
		processed := flow.ItemsOut
		if c.meta.Role == RoleSink {
			processed = flow.ItemsIn
		}
		flow.ItemsPerSecond = float64(processed) / secs
		flow.TickRate = float64(flow.Ticks) / secs
	}
	return flow
}

// sleep waits for d or until ctx ends; it reports false if ctx ended.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
