package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dealdesk/leadscraper/internal/queue"
	"github.com/dealdesk/leadscraper/internal/queue/memory"
	"github.com/dealdesk/leadscraper/internal/scrape"
)

type stepFunc func(id string, call int) (scrape.StepResult, error)

type fakeStepper struct {
	mu    sync.Mutex
	calls []string
	fn    stepFunc
	done  chan struct{}
	once  sync.Once
}

func (f *fakeStepper) Step(_ context.Context, id string) (scrape.StepResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	call := len(f.calls)
	f.mu.Unlock()
	res, err := f.fn(id, call)
	if (err == nil && res.Status.Terminal()) || errors.Is(err, scrape.ErrNotFound) {
		f.once.Do(func() { close(f.done) })
	}
	return res, err
}

func (f *fakeStepper) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func runWorker(t *testing.T, q *memory.Queue, w *Worker) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
		q.Close()
	})
	return cancel, stopped
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not finish the session")
	}
}

func TestWorkerStepsUntilTerminal(t *testing.T) {
	t.Parallel()

	stepper := &fakeStepper{done: make(chan struct{}), fn: func(_ string, call int) (scrape.StepResult, error) {
		switch call {
		case 1:
			return scrape.StepResult{Status: scrape.StatusRunning, HasMore: true}, nil
		case 2:
			return scrape.StepResult{Status: scrape.StatusRunning}, nil
		default:
			return scrape.StepResult{Status: scrape.StatusCompleted}, nil
		}
	}}
	q := memory.NewQueue(4)
	w := New(q, stepper, Config{}, zap.NewNop())
	require.NoError(t, q.Enqueue(context.Background(), queue.Item{SessionID: "s-1"}))

	runWorker(t, q, w)
	waitDone(t, stepper.done)

	require.Equal(t, []string{"s-1", "s-1", "s-1"}, stepper.Calls())
}

func TestWorkerRoundRobinsSessions(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		steps = map[string]int{}
	)
	stepper := &fakeStepper{done: make(chan struct{}), fn: func(id string, _ int) (scrape.StepResult, error) {
		mu.Lock()
		defer mu.Unlock()
		steps[id]++
		if steps[id] >= 2 {
			return scrape.StepResult{Status: scrape.StatusCompleted}, nil
		}
		return scrape.StepResult{Status: scrape.StatusRunning, HasMore: true}, nil
	}}
	q := memory.NewQueue(4)
	w := New(q, stepper, Config{}, zap.NewNop())
	require.NoError(t, q.Enqueue(context.Background(), queue.Item{SessionID: "a"}))
	require.NoError(t, q.Enqueue(context.Background(), queue.Item{SessionID: "b"}))

	runWorker(t, q, w)
	waitDone(t, stepper.done)

	calls := stepper.Calls()
	require.GreaterOrEqual(t, len(calls), 3)
	require.Equal(t, []string{"a", "b"}, calls[:2])
}

func TestWorkerRetriesFailedSteps(t *testing.T) {
	t.Parallel()

	stepper := &fakeStepper{done: make(chan struct{}), fn: func(_ string, call int) (scrape.StepResult, error) {
		if call == 1 {
			return scrape.StepResult{}, &scrape.PersistenceError{Op: "load session", Err: errors.New("db down")}
		}
		return scrape.StepResult{Status: scrape.StatusCompleted}, nil
	}}
	q := memory.NewQueue(4)
	w := New(q, stepper, Config{RetryBackoff: 10 * time.Millisecond, MaxStepFailures: 3}, zap.NewNop())
	require.NoError(t, q.Enqueue(context.Background(), queue.Item{SessionID: "s-1"}))

	runWorker(t, q, w)
	waitDone(t, stepper.done)

	require.Len(t, stepper.Calls(), 2)
}

func TestWorkerGivesUpAfterMaxFailures(t *testing.T) {
	t.Parallel()

	stepper := &fakeStepper{done: make(chan struct{}), fn: func(string, int) (scrape.StepResult, error) {
		return scrape.StepResult{}, errors.New("boom")
	}}
	q := memory.NewQueue(4)
	w := New(q, stepper, Config{RetryBackoff: time.Millisecond, MaxStepFailures: 2}, zap.NewNop())
	require.NoError(t, q.Enqueue(context.Background(), queue.Item{SessionID: "s-1"}))

	runWorker(t, q, w)

	require.Eventually(t, func() bool { return len(stepper.Calls()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, stepper.Calls(), 2)
	require.Zero(t, q.Len())
}

func TestWorkerDropsUnknownSessions(t *testing.T) {
	t.Parallel()

	stepper := &fakeStepper{done: make(chan struct{}), fn: func(string, int) (scrape.StepResult, error) {
		return scrape.StepResult{}, scrape.ErrNotFound
	}}
	q := memory.NewQueue(4)
	w := New(q, stepper, Config{RetryBackoff: time.Millisecond}, zap.NewNop())
	require.NoError(t, q.Enqueue(context.Background(), queue.Item{SessionID: "missing"}))

	runWorker(t, q, w)
	waitDone(t, stepper.done)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, []string{"missing"}, stepper.Calls())
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	w := New(q, &fakeStepper{done: make(chan struct{})}, Config{}, zap.NewNop())
	_, stopped := runWorker(t, q, w)
	q.Close()
	waitDone(t, stopped)
}
