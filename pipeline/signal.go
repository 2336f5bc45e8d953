package pipeline

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"

	"github.com/c360/rtstreams/metric"
)

// SignalHandler receives payloads raised on a SignalPort. Handlers may only
// mutate state; they have no way to emit data items.
type SignalHandler func(payload any)

// SignalPort is a named broadcast side channel owned by a stage. Every raise is
// queued for every current subscriber and handed to that subscriber's own
// dispatcher goroutine, so Raise never blocks and a slow handler never delays
// the raiser, other handlers, or any data loop.
type SignalPort struct {
	owner   string
	name    string
	logger  *slog.Logger
	metrics *metric.Metrics

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	raised    atomic.Int64
	delivered atomic.Int64
}

func newSignalPort(owner, name string, logger *slog.Logger, metrics *metric.Metrics) *SignalPort {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalPort{
		owner:   owner,
		name:    name,
		logger:  logger.With("port", name),
		metrics: metrics,
		subs:    make(map[*Subscription]struct{}),
	}
}

// NewSignalPort creates a standalone port not owned by any stage.
func NewSignalPort(name string) *SignalPort {
	return newSignalPort("", name, nil, nil)
}

// Name returns the port name.
func (p *SignalPort) Name() string {
	return p.name
}

// Raise enqueues payload for every subscribed handler and returns immediately.
func (p *SignalPort) Raise(payload any) {
	p.raised.Add(1)
	p.metrics.RecordSignalRaised(p.owner, p.name)

	p.mu.RLock()
	defer p.mu.RUnlock()
	for sub := range p.subs {
		sub.enqueue(payload)
	}
}

// Subscribe registers handler and starts its dispatcher goroutine.
// Payloads raised before Subscribe are not replayed.
func (p *SignalPort) Subscribe(handler SignalHandler) *Subscription {
	sub := &Subscription{
		port:    p,
		handler: handler,
		notify:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	go sub.dispatch()
	return sub
}

// Subscribers returns the number of active subscriptions.
func (p *SignalPort) Subscribers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}

// Raised returns how many payloads have been raised on the port.
func (p *SignalPort) Raised() int64 {
	return p.raised.Load()
}

// Delivered returns how many handler invocations have completed.
func (p *SignalPort) Delivered() int64 {
	return p.delivered.Load()
}

func (p *SignalPort) remove(sub *Subscription) {
	p.mu.Lock()
	delete(p.subs, sub)
	p.mu.Unlock()
}

// Subscription is one handler's registration on a SignalPort.
type Subscription struct {
	port    *SignalPort
	handler SignalHandler

	mu     sync.Mutex
	queue  []any
	notify chan struct{}

	quit       chan struct{}
	done       chan struct{}
	cancelOnce sync.Once
}

func (s *Subscription) enqueue(payload any) {
	s.mu.Lock()
	s.queue = append(s.queue, payload)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil, false
	}
	payload := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return payload, true
}

func (s *Subscription) dispatch() {
	defer close(s.done)

	for {
		select {
		case <-s.quit:
			return
		case <-s.notify:
		}

		for {
			select {
			case <-s.quit:
				return
			default:
			}

			payload, ok := s.next()
			if !ok {
				break
			}
			s.deliver(payload)
		}
	}
}

func (s *Subscription) deliver(payload any) {
	if r := panics.Try(func() { s.handler(payload) }); r != nil {
		s.port.logger.Error("Signal handler panicked", "stage", s.port.owner, "panic", r.Value)
		return
	}
	s.port.delivered.Add(1)
	s.port.metrics.RecordSignalDelivered(s.port.owner, s.port.name)
}

// Cancel unsubscribes the handler. Undelivered payloads are discarded.
// Cancel does not wait for an in-flight handler; use Done for that.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		s.port.remove(s)
		close(s.quit)
	})
}

// Done is closed once the dispatcher goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Pending returns the number of queued, undelivered payloads.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
