package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrorClass tells a stage loop what to do with an error
type ErrorClass int

const (
	// ErrorTransient is an I/O failure local to one endpoint or handler
	ErrorTransient ErrorClass = iota
	// ErrorInvalid is malformed input; the item is dropped
	ErrorInvalid
	// ErrorFatal leaves no valid resource to run on
	ErrorFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	// Stage lifecycle
	ErrAlreadyStarted = errors.New("stage already started")
	ErrStopTimeout    = errors.New("stop timeout exceeded")
	ErrNoInput        = errors.New("stage has no input attached")

	ErrChannelClosed = errors.New("channel closed")

	// Endpoints
	ErrNoConnection   = errors.New("no connection available")
	ErrConnectionLost = errors.New("connection lost")
	ErrBindFailed     = errors.New("bind failed")
	ErrServerClosed   = errors.New("server closed")

	// Payload codecs
	ErrInvalidData   = errors.New("invalid data format")
	ErrParsingFailed = errors.New("parsing failed")
	ErrEncodeFailed  = errors.New("encoding failed")

	// Configuration
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	ErrResourceExhausted = errors.New("resource exhausted")
)

// sentinels maps well-known causes to their class when no ClassifiedError
// is present in the chain. Invalid is checked first, then fatal.
var sentinels = []struct {
	class ErrorClass
	errs  []error
}{
	{ErrorInvalid, []error{ErrInvalidData, ErrParsingFailed, ErrEncodeFailed}},
	{ErrorFatal, []error{
		ErrInvalidConfig, ErrMissingConfig, ErrBindFailed, ErrResourceExhausted,
		syscall.EADDRINUSE,
	}},
	{ErrorTransient, []error{
		ErrConnectionLost, ErrNoConnection, ErrServerClosed,
		io.EOF, io.ErrUnexpectedEOF, net.ErrClosed,
		syscall.ECONNRESET, syscall.ECONNABORTED, syscall.ECONNREFUSED, syscall.EPIPE,
		context.DeadlineExceeded, context.Canceled,
	}},
}

// Message fragments used as a last resort for errors from libraries that
// return unwrapped strings.
var patterns = []struct {
	class ErrorClass
	words []string
}{
	{ErrorFatal, []string{"fatal", "panic", "address already in use", "invalid config", "missing config"}},
	{ErrorTransient, []string{"timeout", "connection", "network", "temporary", "unavailable", "broken pipe"}},
}

// ClassifiedError carries a class and the stage operation that produced it
type ClassifiedError struct {
	Class ErrorClass
	Err   error
	Stage string
	Op    string
}

func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// lookup returns the class of err and whether one could be determined
func lookup(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}

	for _, s := range sentinels {
		for _, target := range s.errs {
			if errors.Is(err, target) {
				return s.class, true
			}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTransient, true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		for _, w := range p.words {
			if strings.Contains(msg, w) {
				return p.class, true
			}
		}
	}
	return ErrorTransient, false
}

// IsTransient reports whether err is an I/O failure local to one endpoint.
// Connection aborts, resets, broken pipes, EOF on a stream and timeouts all count.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	class, ok := lookup(err)
	return ok && class == ErrorTransient
}

// IsFatal reports whether err should stop the stage regardless of policy
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	class, ok := lookup(err)
	return ok && class == ErrorFatal
}

// IsInvalid reports whether err was caused by malformed input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	class, ok := lookup(err)
	return ok && class == ErrorInvalid
}

// Classify returns the class of err. Unrecognised errors are transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	class, _ := lookup(err)
	return class
}

// Wrap adds stage context using the pattern "stage.op: action failed: cause"
func Wrap(err error, stage, op, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", stage, op, action, err)
}

func wrapClass(class ErrorClass, err error, stage, op, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class: class,
		Err:   Wrap(err, stage, op, action),
		Stage: stage,
		Op:    op,
	}
}

// WrapTransient wraps err as a transient failure of stage.op
func WrapTransient(err error, stage, op, action string) error {
	return wrapClass(ErrorTransient, err, stage, op, action)
}

// WrapFatal wraps err as a fatal failure of stage.op
func WrapFatal(err error, stage, op, action string) error {
	return wrapClass(ErrorFatal, err, stage, op, action)
}

// WrapInvalid wraps err as an invalid-input failure of stage.op
func WrapInvalid(err error, stage, op, action string) error {
	return wrapClass(ErrorInvalid, err, stage, op, action)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// New returns an error that formats as the given text.
func New(text string) error { return errors.New(text) }

// Join returns an error that wraps the given errors, discarding nils.
func Join(errs ...error) error { return errors.Join(errs...) }
