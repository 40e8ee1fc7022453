// Package dispatcher runs the background driver: a pool of workers draining
// the session queue, plus the hook handlers use to schedule new sessions.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dealdesk/leadscraper/internal/queue"
	"github.com/dealdesk/leadscraper/internal/worker"
)

// ErrNoSession is returned by Enqueue for a blank session id.
var ErrNoSession = errors.New("session id is required")

// Config sizes the worker pool.
type Config struct {
	Workers int
	Worker  worker.Config
}

// Dispatcher owns the workers that step queued sessions.
type Dispatcher struct {
	queue   queue.Queue
	workers []*worker.Worker
	logger  *zap.Logger
}

// New builds cfg.Workers workers, at least one, stepping sessions from q.
func New(q queue.Queue, stepper worker.Stepper, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := make([]*worker.Worker, 0, max(cfg.Workers, 1))
	for i := range cap(workers) {
		workers = append(workers, worker.New(q, stepper, cfg.Worker, logger.Named("worker").With(zap.Int("index", i))))
	}
	return &Dispatcher{
		queue:   q,
		workers: workers,
		logger:  logger,
	}
}

// Run blocks until every worker has stopped, either because ctx finished or
// because the queue closed.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("background driver started", zap.Int("workers", len(d.workers)))
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Go(func() { w.Run(ctx) })
	}
	wg.Wait()
	d.logger.Info("background driver stopped")
}

// Enqueue schedules a session for background stepping.
func (d *Dispatcher) Enqueue(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrNoSession
	}
	if err := d.queue.Enqueue(ctx, queue.Item{SessionID: sessionID}); err != nil {
		return fmt.Errorf("enqueue session %s: %w", sessionID, err)
	}
	d.logger.Debug("session enqueued", zap.String("session_id", sessionID))
	return nil
}
