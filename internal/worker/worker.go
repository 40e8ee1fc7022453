// Package worker advances queued sessions one step at a time.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dealdesk/leadscraper/internal/metrics"
	"github.com/dealdesk/leadscraper/internal/queue"
	"github.com/dealdesk/leadscraper/internal/scrape"
)

// Stepper runs one orchestrator step.
type Stepper interface {
	Step(ctx context.Context, id string) (scrape.StepResult, error)
}

// Config controls Worker behavior.
type Config struct {
	// RetryBackoff delays the re-enqueue of a session whose step failed.
	RetryBackoff time.Duration
	// MaxStepFailures drops a session after this many consecutive failures.
	MaxStepFailures int
}

const (
	defaultRetryBackoff    = 5 * time.Second
	defaultMaxStepFailures = 3
)

// Worker consumes queue items and re-enqueues sessions while they have
// towns left, so sessions sharing a queue take turns.
type Worker struct {
	queue   queue.Queue
	stepper Stepper
	cfg     Config
	logger  *zap.Logger

	pending sync.WaitGroup
}

// New constructs a Worker.
func New(q queue.Queue, stepper Stepper, cfg Config, logger *zap.Logger) *Worker {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.MaxStepFailures <= 0 {
		cfg.MaxStepFailures = defaultMaxStepFailures
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:   q,
		stepper: stepper,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the
// queue closes. Delayed re-enqueues are abandoned on return.
func (w *Worker) Run(ctx context.Context) {
	defer w.pending.Wait()
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued session", zap.String("session_id", item.SessionID))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item queue.Item) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	result, err := w.stepper.Step(ctx, item.SessionID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, scrape.ErrNotFound) {
			w.logger.Warn("dropping unknown session", zap.String("session_id", item.SessionID))
			return
		}
		item.Failures++
		if item.Failures >= w.cfg.MaxStepFailures {
			w.logger.Error("giving up on session",
				zap.String("session_id", item.SessionID),
				zap.Int("failures", item.Failures),
				zap.Error(err),
			)
			return
		}
		w.logger.Warn("step failed, retrying",
			zap.String("session_id", item.SessionID),
			zap.Int("failures", item.Failures),
			zap.Duration("backoff", w.cfg.RetryBackoff),
			zap.Error(err),
		)
		w.requeue(ctx, item, w.cfg.RetryBackoff)
		return
	}

	if result.Status.Terminal() {
		w.logger.Info("session finished",
			zap.String("session_id", item.SessionID),
			zap.String("status", string(result.Status)),
		)
		return
	}
	// A running session with no towns left still needs the step that marks
	// it completed, so it is requeued regardless of HasMore.
	item.Failures = 0
	w.requeue(ctx, item, 0)
}

// requeue hands item back to the queue without blocking the worker loop,
// since every worker may be waiting on a full queue otherwise.
func (w *Worker) requeue(ctx context.Context, item queue.Item, delay time.Duration) {
	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
		if err := w.queue.Enqueue(ctx, item); err != nil && ctx.Err() == nil {
			w.logger.Error("requeue session failed", zap.String("session_id", item.SessionID), zap.Error(err))
		}
	}()
}
