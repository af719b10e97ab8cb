package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// drainTimeout bounds how long Close waits on a sink that honors its
// context while flushing buffered events.
const drainTimeout = 5 * time.Second

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// Dispatcher asynchronously forwards audit events to a sink. A nil
// Dispatcher is valid and drops everything, so call sites never need to
// branch on whether auditing is enabled.
type Dispatcher struct {
	cfg    Config
	sink   Sink
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closeOnce sync.Once
}

func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:    cfg,
		sink:   sink,
		events: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	d.wg.Add(1)
	go d.pump()

	return d
}

// pump delivers events until Close, then flushes whatever is buffered.
// Sinks receive the dispatcher's context, so a context-aware sink can bail
// out of an in-flight emission during shutdown.
func (d *Dispatcher) pump() {
	defer d.wg.Done()

	for {
		select {
		case ev := <-d.events:
			d.sink.Emit(d.ctx, ev)
		case <-d.ctx.Done():
			d.drain()
			return
		}
	}
}

// drain empties the buffer after Close under a bounded deadline.
func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case ev := <-d.events:
			d.sink.Emit(ctx, ev)
		default:
			return
		}
	}
}

// Emit queues one event for delivery. The event's data map is sanitized
// before it leaves the caller's goroutine. With DropIfFull set a full
// buffer drops the event instead of blocking; otherwise Emit blocks until
// there is room, the caller's context ends, or the dispatcher closes.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.ctx.Err() != nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	event.Data = SanitizeData(event.Data)

	if d.cfg.DropIfFull {
		select {
		case d.events <- event:
		case <-d.ctx.Done():
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.events <- event:
	case <-ctx.Done():
	case <-d.ctx.Done():
	}
}

// Close stops the pump, flushes buffered events, and waits for delivery to
// finish. Subsequent Emit calls are dropped silently.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
	})
}

// Dropped reports how many events were discarded under backpressure.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
