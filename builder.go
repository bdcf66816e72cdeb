package xbroker

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

const (
	defaultQueueCapacity   = 1000
	defaultHistoryCapacity = 500
	defaultSweepInterval   = 100 * time.Millisecond
)

// BusBuilder constructs Bus instances (Builder pattern). There is deliberately
// no process-wide singleton: callers own the instance and its lifecycle.
type BusBuilder struct {
	codecName string
	codecInst Codec

	queueCapacity   int
	historyCapacity int
	sweepInterval   time.Duration

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock

	poolWorkers int
	poolBuffer  int

	baseCtx context.Context
}

// NewBusBuilder returns a new builder with sensible defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		codecName:       "json",
		queueCapacity:   defaultQueueCapacity,
		historyCapacity: defaultHistoryCapacity,
		sweepInterval:   defaultSweepInterval,
	}
}

// WithCodec selects a registered codec by name (default: json).
func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

// WithQueueCapacity bounds the pending queue (drop-oldest beyond it).
func (bb *BusBuilder) WithQueueCapacity(n int) *BusBuilder {
	if n > 0 {
		bb.queueCapacity = n
	}
	return bb
}

// WithHistoryCapacity bounds the published-message log.
func (bb *BusBuilder) WithHistoryCapacity(n int) *BusBuilder {
	if n > 0 {
		bb.historyCapacity = n
	}
	return bb
}

// WithSweepInterval sets the periodic TTL sweep; the dispatcher otherwise
// wakes on enqueue.
func (bb *BusBuilder) WithSweepInterval(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.sweepInterval = d
	}
	return bb
}

// WithMiddleware adds processing middlewares around every handler.
func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

// WithObserver attaches observers for lifecycle notifications.
func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool sizes the async notification pool.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	bb.poolWorkers = workers
	bb.poolBuffer = bufferSize
	return bb
}

// WithLogger injects a structured logger.
func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

// WithClock injects a time source.
func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// WithBaseContext sets the root context handlers receive; Close cancels it.
func (bb *BusBuilder) WithBaseContext(ctx context.Context) *BusBuilder {
	if ctx != nil {
		bb.baseCtx = ctx
	}
	return bb
}

// Build assembles the bus and starts its dispatcher.
func (bb *BusBuilder) Build() (*Bus, error) {
	var cd Codec
	var err error
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}
	root := bb.baseCtx
	if root == nil {
		root = context.Background()
	}

	runCtx, cancel := context.WithCancel(root)

	b := &Bus{
		queue:       newBoundedQueue(bb.queueCapacity),
		registry:    newSubscriptionRegistry(),
		history:     newHistoryBuffer(bb.historyCapacity),
		metrics:     newBusMetrics(),
		codec:       cd,
		clock:       clk,
		logger:      lg,
		middlewares: bb.middlewares,
		pool:        newObserverPool(runCtx, bb.poolWorkers, bb.poolBuffer),
		runCancel:   cancel,
	}

	hctx := injectCodec(runCtx, cd)
	hctx = injectLogger(hctx, lg)
	hctx = injectClock(hctx, clk)
	b.baseCtx = hctx

	b.disp = newDispatcher(b.queue, b.registry, b.metrics, clk, lg, b.notifyAsync, bb.sweepInterval)

	// Attach a logging observer first for dependable telemetry unless one was
	// supplied externally.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	b.runWG.Add(1)
	go func() {
		defer b.runWG.Done()
		b.disp.run(b.baseCtx)
	}()

	return b, nil
}

// New constructs a Bus via Builder and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	bb := NewBusBuilder()
	if init != nil {
		init(bb)
	}
	bus, err := bb.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}
