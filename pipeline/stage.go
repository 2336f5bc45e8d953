package pipeline

import (
	"context"
	"time"

	"github.com/c360/rtstreams/errors"
)

// ErrSkip is returned by a produce or transform function to signal "no item
// this cycle". It is never treated as a failure.
var ErrSkip = errors.New("pipeline: no item this cycle")

// Role is the scheduling role of a stage, fixed at construction.
type Role int

const (
	// RoleProducer generates items from nothing (a socket, a clock, a generator).
	RoleProducer Role = iota
	// RoleTransform consumes one item and emits zero or one item.
	RoleTransform
	// RoleSink consumes items for their side effect and emits nothing.
	RoleSink
)

// String returns the role name
func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleTransform:
		return "transform"
	case RoleSink:
		return "sink"
	default:
		return "unknown"
	}
}

// State represents the lifecycle state of a stage
type State int

const (
	// StateCreated means the stage has been constructed but not started
	StateCreated State = iota
	// StateRunning means the stage loop is active
	StateRunning
	// StateStopping means shutdown was requested and the loop is exiting
	StateStopping
	// StateStopped means the loop exited and resources were released
	StateStopped
	// StateFailed means the loop exited because of an error
	StateFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Metadata describes a stage
type Metadata struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Role        Role   `json:"role"`
	Description string `json:"description,omitempty"`
}

// HealthStatus is a stage's view of its own health
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	State      State         `json:"state"`
	LastCheck  time.Time     `json:"last_check"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Uptime     time.Duration `json:"uptime"`
}

// FlowMetrics describes the data flowing through a stage
type FlowMetrics struct {
	ItemsIn        int64     `json:"items_in"`
	ItemsOut       int64     `json:"items_out"`
	Dropped        int64     `json:"dropped"`
	Ticks          int64     `json:"ticks"`
	ItemsPerSecond float64   `json:"items_per_second"`
	TickRate       float64   `json:"tick_rate"`
	LastActivity   time.Time `json:"last_activity"`
}

// Stage is a unit of concurrent work in a pipeline.
type Stage interface {
	Meta() Metadata
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	State() State
	Health() HealthStatus
	DataFlow() FlowMetrics
	Port(name string) *SignalPort
	Done() <-chan struct{}
}

// Source is a stage whose output can feed another stage. Every Subscribe adds
// an independent output channel; each emitted item is sent to all of them.
type Source[T any] interface {
	Stage
	Subscribe(opts ...ChannelOption) *Channel[T]
}

// ErrorPolicy decides what a stage does with a non-invalid error
type ErrorPolicy int

const (
	// ContinueOnError logs the error and keeps the loop running
	ContinueOnError ErrorPolicy = iota
	// StopOnError moves the stage to StateFailed
	StopOnError
)

// String returns the policy name
func (p ErrorPolicy) String() string {
	if p == StopOnError {
		return "stop"
	}
	return "continue"
}
