package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how often and how far apart attempts are made
type Policy struct {
	Attempts   int           // total attempts; <= 0 runs once
	Initial    time.Duration // delay after the first failure
	Max        time.Duration // delay cap
	Multiplier float64       // growth per attempt
	Jitter     float64       // randomize each delay by this fraction, 0..1
}

// DialPolicy suits connecting to peers at startup: many quick attempts
func DialPolicy() Policy {
	return Policy{
		Attempts:   10,
		Initial:    50 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 1.5,
		Jitter:     0.25,
	}
}

// Validate rejects negative durations and out of range factors
func (p Policy) Validate() error {
	switch {
	case p.Initial < 0 || p.Max < 0:
		return errors.New("retry: delays cannot be negative")
	case p.Multiplier < 0:
		return errors.New("retry: multiplier cannot be negative")
	case p.Jitter < 0 || p.Jitter > 1:
		return errors.New("retry: jitter must be within [0, 1]")
	}
	return nil
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	if eb.InitialInterval == 0 {
		eb.InitialInterval = 100 * time.Millisecond
	}
	eb.MaxInterval = max(p.Max, eb.InitialInterval)
	eb.Multiplier = p.Multiplier
	if eb.Multiplier == 0 {
		eb.Multiplier = 2
	}
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	retries := max(p.Attempts-1, 0)
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// Notify is called after each failed attempt that will be retried
type Notify func(attempt int, err error, wait time.Duration)

type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop marks err as final: Do returns it without further attempts
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err}
}

// IsStopped reports whether err was marked with Stop
func IsStopped(err error) bool {
	var se *stopError
	return errors.As(err, &se)
}

// Do runs fn until it succeeds, the policy's attempts are spent, ctx ends or
// fn returns a Stop error. notify may be nil.
func Do(ctx context.Context, p Policy, fn func() error, notify Notify) error {
	if err := p.Validate(); err != nil {
		return err
	}

	attempts := 0
	op := func() error {
		attempts++
		err := fn()
		if IsStopped(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) { notify(attempts, err, wait) }
	}

	err := backoff.RetryNotify(op, p.backOff(ctx), onRetry)
	switch {
	case err == nil, IsStopped(err):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("retry cancelled after %d attempts: %w", attempts, ctx.Err())
	default:
		return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
	}
}

// Value is Do for functions that produce a result
func Value[T any](ctx context.Context, p Policy, fn func() (T, error), notify Notify) (T, error) {
	var result T
	err := Do(ctx, p, func() error {
		var err error
		result, err = fn()
		return err
	}, notify)
	return result, err
}
