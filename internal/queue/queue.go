// Package queue defines the work item and queue contract used by the
// background session driver.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Dequeue once the queue has been closed and drained.
var ErrClosed = errors.New("queue closed")

// Item asks a worker to advance one session by a single step.
type Item struct {
	SessionID string
	// Failures counts consecutive failed steps for SessionID.
	Failures int
}

// Queue is a bounded FIFO of session work.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
	Dequeue(ctx context.Context) (Item, error)
}
