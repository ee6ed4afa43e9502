// Package logging provides an asynchronous slog.Handler: records are
// cloned onto a bounded queue and written by a single background worker, so
// hot paths (event loops, session ticks) never block on log output.
// Producers drop on queue-full; drops are counted.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// defaultQueueSize bounds the record queue when NewAsyncHandler is given a
// non-positive size.
const defaultQueueSize = 256

// entry pairs a record with the derived handler it must be written through,
// so WithAttrs/WithGroup chains resolve correctly on the worker.
type entry struct {
	h   slog.Handler
	ctx context.Context
	rec slog.Record
}

// AsyncHandler decouples log production from log writing. All handlers
// derived via WithAttrs/WithGroup share one queue and one worker; Close is
// only meaningful on the root handler.
type AsyncHandler struct {
	inner slog.Handler

	records  chan entry
	quit     chan struct{}
	finished chan struct{}

	closed  *atomic.Bool
	dropped *atomic.Uint64
}

// NewAsyncHandler wraps inner and starts the worker.
func NewAsyncHandler(inner slog.Handler, queueSize int) *AsyncHandler {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	h := &AsyncHandler{
		inner:    inner,
		records:  make(chan entry, queueSize),
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
		closed:   new(atomic.Bool),
		dropped:  new(atomic.Uint64),
	}

	go h.run()
	return h
}

// run writes queued records until Close, then drains what is left.
func (h *AsyncHandler) run() {
	defer close(h.finished)

	for {
		select {
		case e := <-h.records:
			_ = e.h.Handle(e.ctx, e.rec)
		case <-h.quit:
			for {
				select {
				case e := <-h.records:
					_ = e.h.Handle(e.ctx, e.rec)
				default:
					return
				}
			}
		}
	}
}

// Enabled defers to the wrapped handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record. If the queue is full or the handler is closed
// the record is dropped and counted.
func (h *AsyncHandler) Handle(ctx context.Context, rec slog.Record) error {
	if h.closed.Load() {
		h.dropped.Add(1)
		return nil
	}

	select {
	case h.records <- entry{h: h.inner, ctx: ctx, rec: rec.Clone()}:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// WithAttrs derives a handler sharing this handler's queue and worker.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(h.inner.WithAttrs(attrs))
}

// WithGroup derives a handler sharing this handler's queue and worker.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return h.derive(h.inner.WithGroup(name))
}

func (h *AsyncHandler) derive(inner slog.Handler) *AsyncHandler {
	return &AsyncHandler{
		inner:    inner,
		records:  h.records,
		quit:     h.quit,
		finished: h.finished,
		closed:   h.closed,
		dropped:  h.dropped,
	}
}

// Dropped returns how many records were discarded because the queue was
// full or the handler was closed.
func (h *AsyncHandler) Dropped() uint64 {
	return h.dropped.Load()
}

// Close stops the worker after it drains the queue and blocks until it has
// exited. Records handed in after Close are dropped.
func (h *AsyncHandler) Close() {
	if h.closed.Swap(true) {
		<-h.finished
		return
	}
	close(h.quit)
	<-h.finished
}

// New builds an asynchronous logger writing to w. Format "json" selects the
// JSON handler, anything else the text handler. The returned AsyncHandler
// must be closed on shutdown to flush buffered records.
func New(w io.Writer, format string, level slog.Leveler, queueSize int) (*slog.Logger, *AsyncHandler) {
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}

	var inner slog.Handler
	if format == "json" {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}

	async := NewAsyncHandler(inner, queueSize)
	return slog.New(async), async
}
