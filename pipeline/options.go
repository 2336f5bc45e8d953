package pipeline

import (
	"log/slog"
	"time"
)

const (
	// DefaultPollInterval bounds how long a blocking wait goes without checking for shutdown
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultIdleBackoff is how long a producer waits after ErrSkip
	DefaultIdleBackoff = 10 * time.Millisecond
	// DefaultStopTimeout is used by Manager.Shutdown when no timeout is given
	DefaultStopTimeout = 5 * time.Second
)

// Option configures a stage at construction
type Option func(*settings)

type settings struct {
	description     string
	rateHz          float64
	cleanups        []func() error
	policy          ErrorPolicy
	manager         *Manager
	noManager       bool
	logger          *slog.Logger
	pollInterval    time.Duration
	idleBackoff     time.Duration
	channelCapacity int
	overflow        OverflowPolicy
}

func defaultSettings() settings {
	return settings{
		policy:       ContinueOnError,
		pollInterval: DefaultPollInterval,
		idleBackoff:  DefaultIdleBackoff,
		overflow:     Block,
	}
}

func applyOptions(opts []Option) settings {
	s := defaultSettings()
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.manager == nil && !s.noManager {
		s.manager = Session()
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	return s
}

// WithDescription sets a human-readable description reported in Metadata
func WithDescription(description string) Option {
	return func(s *settings) {
		s.description = description
	}
}

// WithRate caps a producer at hz items per second. The limiter has a burst of
// one, so the loop never runs faster than the target; when the source itself
// blocks for longer than a period the cap has no effect. hz <= 0 disables it.
func WithRate(hz float64) Option {
	return func(s *settings) {
		s.rateHz = hz
	}
}

// WithCleanup registers fn to run once after the stage loop exits, before its
// output channels are closed. Cleanups run in reverse registration order.
func WithCleanup(fn func() error) Option {
	return func(s *settings) {
		if fn != nil {
			s.cleanups = append(s.cleanups, fn)
		}
	}
}

// WithErrorPolicy sets what happens on non-invalid errors
func WithErrorPolicy(policy ErrorPolicy) Option {
	return func(s *settings) {
		s.policy = policy
	}
}

// WithManager registers the stage with m instead of the process session
func WithManager(m *Manager) Option {
	return func(s *settings) {
		s.manager = m
		s.noManager = m == nil
	}
}

// WithoutManager leaves the stage unregistered. The caller owns its lifecycle.
func WithoutManager() Option {
	return WithManager(nil)
}

// WithLogger sets the base logger. Stage and role attributes are added.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithPollInterval sets the longest a blocking wait may go without observing shutdown
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) {
		s.pollInterval = d
	}
}

// WithIdleBackoff sets how long a producer sleeps after ErrSkip
func WithIdleBackoff(d time.Duration) Option {
	return func(s *settings) {
		s.idleBackoff = d
	}
}

// WithChannelCapacity sets the capacity of output channels created by
// Subscribe. 0, the default, means unbounded.
func WithChannelCapacity(capacity int, policy OverflowPolicy) Option {
	return func(s *settings) {
		s.channelCapacity = capacity
		s.overflow = policy
	}
}
