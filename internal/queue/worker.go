package queue

import (
	"context"
	"log/slog"
	"time"
)

// Handler performs the side effect for one operation kind. The handler
// owns its own timeouts; the queue only hands out ready work and
// records the outcome.
type Handler func(ctx context.Context, op Operation) error

// Result describes the outcome of one processed operation, for event
// subscribers.
type Result struct {
	Op       Operation
	Retrying bool
	Err      error
}

// Worker polls the queue on an interval and dispatches ready
// operations to registered handlers.
type Worker struct {
	queue    *Queue
	interval time.Duration
	batch    int
	logger   *slog.Logger
	handlers map[string]Handler

	// OnResult, when set, is invoked after each completion or failure
	// report. Used by the server to publish queue events.
	OnResult func(Result)
}

// NewWorker builds a worker polling every interval, claiming up to
// batch operations per tick.
func NewWorker(q *Queue, interval time.Duration, batch int, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 16
	}
	return &Worker{
		queue:    q,
		interval: interval,
		batch:    batch,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register installs the handler for an operation kind.
func (w *Worker) Register(kind string, h Handler) {
	w.handlers[kind] = h
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("queue worker: stopped")
			return nil
		case now := <-ticker.C:
			w.Tick(ctx, now.UTC())
		}
	}
}

// Tick claims and processes one batch of ready operations. Only kinds
// with a registered handler are claimed; everything else stays pending
// for external collaborators.
func (w *Worker) Tick(ctx context.Context, now time.Time) {
	if len(w.handlers) == 0 {
		return
	}
	kinds := make([]string, 0, len(w.handlers))
	for k := range w.handlers {
		kinds = append(kinds, k)
	}
	ops, err := w.queue.DequeueReadyKinds(now, w.batch, kinds)
	if err != nil {
		w.logger.Warn("queue worker: dequeue failed", slog.String("error", err.Error()))
		return
	}
	for _, op := range ops {
		w.process(ctx, op)
	}
}

func (w *Worker) process(ctx context.Context, op Operation) {
	h := w.handlers[op.Kind]
	if err := h(ctx, op); err != nil {
		retrying, failErr := w.queue.Fail(op.ID, err.Error())
		if failErr != nil {
			w.logger.Warn("queue worker: fail report failed",
				slog.String("id", op.ID), slog.String("error", failErr.Error()))
			return
		}
		w.logger.Warn("queue worker: operation failed",
			slog.String("id", op.ID),
			slog.String("kind", op.Kind),
			slog.Bool("retrying", retrying),
			slog.String("error", err.Error()))
		w.notify(Result{Op: op, Retrying: retrying, Err: err})
		return
	}

	if err := w.queue.Complete(op.ID); err != nil {
		w.logger.Warn("queue worker: complete report failed",
			slog.String("id", op.ID), slog.String("error", err.Error()))
		return
	}
	w.logger.Debug("queue worker: operation completed",
		slog.String("id", op.ID), slog.String("kind", op.Kind))
	w.notify(Result{Op: op})
}

func (w *Worker) notify(r Result) {
	if w.OnResult != nil {
		w.OnResult(r)
	}
}
