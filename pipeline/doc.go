// Package pipeline provides the rtstreams stage runtime: concurrent stages
// connected by FIFO channels, side-channel signal ports, and a Manager that
// owns their collective lifecycle.
//
// # Overview
//
// A pipeline is a directed graph of stages. Each stage has exactly one role,
// fixed at construction:
//
//   - Producer: generates items from nothing (a socket, a clock, a generator)
//   - Transform: consumes one input item and emits zero or one output item
//   - Sink: consumes items for their side effect and emits nothing
//
// Every started stage runs its loop on its own goroutine. Stages exchange data
// only through Channel values; a Subscribe on a producer or transform adds an
// independent output channel, so one stage can feed many.
//
// # Building a Pipeline
//
//	m := pipeline.NewManager()
//
//	clock := pipeline.Clock("clock", 20, pipeline.WithManager(m))
//	double := pipeline.NewTransform("double", clock,
//	    func(_ context.Context, n int64) (int64, error) {
//	        return n * 2, nil
//	    }, pipeline.WithManager(m))
//	pipeline.NewSink("print", double,
//	    func(_ context.Context, n int64) error {
//	        fmt.Println(n)
//	        return nil
//	    }, pipeline.WithManager(m))
//
//	if err := m.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Stages built without WithManager register with the process-scoped Session
// manager. Registration is idempotent.
//
// # Signals
//
// Every stage owns named SignalPorts. A stage raises a payload on one of its
// ports with RaiseEvent; any number of other stages subscribe with OnSignal.
// Each subscription has its own dispatcher goroutine, so raising never blocks
// and a handler never runs on the data loop of any stage:
//
//	offset := &atomic.Int64{}
//	shift := pipeline.NewTransform("offset", src,
//	    func(_ context.Context, v int64) (int64, error) {
//	        return v - offset.Load(), nil
//	    })
//	shift.OnSignal(plotter.Port("click"), func(any) { offset.Store(last.Load()) })
//
// Handlers share state with the data loop and must synchronize it.
//
// # Errors
//
// Functions return errors classified by the errors package. Invalid errors
// (malformed input) are logged and the item is dropped. Fatal errors and
// panics end the stage in StateFailed without affecting any other stage.
// Other errors follow the stage's ErrorPolicy. Returning ErrSkip from a
// producer or transform means "no item this cycle" and is never an error.
//
// # Shutdown
//
// Every blocking wait in a stage observes its context, and socket endpoints
// wait on deadlines no longer than the poll interval, so Manager.Shutdown can
// stop all stages in parallel without ordering and without deadlock. When a
// stage stops it closes its output channels; downstream stages drain what is
// queued and then stop on their own.
package pipeline
