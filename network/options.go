package network

import (
	"time"

	"github.com/c360/rtstreams/pipeline"
)

// Options configures a network endpoint stage
type Options struct {
	Name         string
	BufferSize   int
	PollInterval time.Duration
	Stage        []pipeline.Option
}

// Option configures an endpoint
type Option func(*Options)

// WithName sets the stage name
func WithName(name string) Option {
	return func(o *Options) {
		o.Name = name
	}
}

// WithBufferSize sets the largest payload read in one receive
func WithBufferSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.BufferSize = n
		}
	}
}

// WithPollInterval sets the socket deadline used to observe shutdown.
// Lower values stop faster; higher values wake less often.
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.PollInterval = d
		}
	}
}

// WithStageOptions passes options through to the underlying pipeline stage
func WithStageOptions(opts ...pipeline.Option) Option {
	return func(o *Options) {
		o.Stage = append(o.Stage, opts...)
	}
}

// Apply resolves opts over the endpoint defaults
func Apply(name string, bufferSize int, opts []Option) Options {
	o := Options{
		Name:         name,
		BufferSize:   bufferSize,
		PollInterval: pipeline.DefaultPollInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// StageOptions returns the pipeline options for an endpoint stage. Endpoints
// stop on I/O errors and never idle between polls; caller options come after
// these defaults and may override them. extra options are appended last.
func (o Options) StageOptions(extra ...pipeline.Option) []pipeline.Option {
	opts := make([]pipeline.Option, 0, len(o.Stage)+len(extra)+3)
	opts = append(opts,
		pipeline.WithErrorPolicy(pipeline.StopOnError),
		pipeline.WithPollInterval(o.PollInterval),
		pipeline.WithIdleBackoff(0),
	)
	opts = append(opts, o.Stage...)
	return append(opts, extra...)
}

// PairName names one stage of an endpoint pair. A WithName option in opts
// becomes the prefix, so both stages of a pair built from the same options
// get distinct names.
func PairName(opts []Option, prefix, role string) string {
	o := Apply(prefix, 0, opts)
	if o.Name == "" {
		o.Name = prefix
	}
	return o.Name + "-" + role
}
