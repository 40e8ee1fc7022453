package scrape

import (
	"context"
	"time"
)

// SessionStore persists sessions, their results, and their logs.
type SessionStore interface {
	Create(ctx context.Context, id, ownerID string, towns, industries []string, cfg Config) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	UpdateProgress(ctx context.Context, id string, delta ProgressDelta) (Progress, error)
	AppendBusinesses(ctx context.Context, id string, businesses []Business) error
	AppendLog(ctx context.Context, id string, entry LogEntry) error
}

// Scraper collects listings for a single (town, industry) unit.
type Scraper interface {
	Scrape(ctx context.Context, town, industry string) ([]Business, error)
}

// ProviderLookup resolves phones to carrier names.
type ProviderLookup interface {
	LookupProviders(ctx context.Context, phones []string) map[string]string
	Cleanup()
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs.
type IDGenerator interface {
	NewID() (string, error)
}
