package lookup

import (
	"context"
	"errors"
)

// ErrPermanent marks carrier failures that retrying cannot fix.
var ErrPermanent = errors.New("permanent lookup failure")

// Carrier resolves a single phone to a carrier name.
type Carrier interface {
	Lookup(ctx context.Context, phone string) (string, error)
}

type idleCloser interface {
	CloseIdleConnections()
}
