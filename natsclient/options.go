package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/rtstreams/metric"
)

type options struct {
	name           string
	timeout        time.Duration
	maxReconnects  int
	reconnectWait  time.Duration
	drainTimeout   time.Duration
	handlerTimeout time.Duration

	breakerThreshold int
	breakerMaxWait   time.Duration

	username, password, token string

	logger   *slog.Logger
	metrics  *metric.Metrics
	onStatus func(ConnectionStatus)
}

func defaultOptions() options {
	return options{
		timeout:          5 * time.Second,
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		drainTimeout:     30 * time.Second,
		handlerTimeout:   30 * time.Second,
		breakerThreshold: 5,
		breakerMaxWait:   time.Minute,
		logger:           slog.Default(),
	}
}

// ClientOption configures a Client
type ClientOption func(*options) error

// WithName sets the client name reported to the server
func WithName(name string) ClientOption {
	return func(o *options) error {
		o.name = name
		return nil
	}
}

// WithTimeout bounds a single connection attempt
func WithTimeout(d time.Duration) ClientOption {
	return func(o *options) error {
		o.timeout = d
		return nil
	}
}

// WithReconnect sets how the underlying connection reconnects after it was
// established. max -1 retries forever.
func WithReconnect(max int, wait time.Duration) ClientOption {
	return func(o *options) error {
		o.maxReconnects = max
		if wait > 0 {
			o.reconnectWait = wait
		}
		return nil
	}
}

func WithDrainTimeout(d time.Duration) ClientOption {
	return func(o *options) error {
		o.drainTimeout = d
		return nil
	}
}

// WithHandlerTimeout bounds the context passed to each subscription handler call
func WithHandlerTimeout(d time.Duration) ClientOption {
	return func(o *options) error {
		if d > 0 {
			o.handlerTimeout = d
		}
		return nil
	}
}

// WithCircuitBreaker opens the circuit after threshold failed connects and
// caps its backoff at maxWait
func WithCircuitBreaker(threshold int, maxWait time.Duration) ClientOption {
	return func(o *options) error {
		if threshold < 1 {
			return fmt.Errorf("circuit breaker threshold must be at least 1, got %d", threshold)
		}
		if maxWait < time.Second {
			return fmt.Errorf("circuit breaker max wait must be at least 1s, got %v", maxWait)
		}
		o.breakerThreshold = threshold
		o.breakerMaxWait = maxWait
		return nil
	}
}

func WithCredentials(username, password string) ClientOption {
	return func(o *options) error {
		o.username, o.password = username, password
		return nil
	}
}

func WithToken(token string) ClientOption {
	return func(o *options) error {
		o.token = token
		return nil
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *options) error {
		if logger != nil {
			o.logger = logger
		}
		return nil
	}
}

// WithMetrics mirrors the connection status and reconnects into registry
func WithMetrics(registry *metric.MetricsRegistry) ClientOption {
	return func(o *options) error {
		o.metrics = registry.CoreMetrics()
		return nil
	}
}

// WithStatusCallback is called, on its own goroutine, after every status change
func WithStatusCallback(fn func(ConnectionStatus)) ClientOption {
	return func(o *options) error {
		o.onStatus = fn
		return nil
	}
}
