// Package memory provides in-process implementations of storage contracts for
// development and testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dealdesk/leadscraper/internal/scrape"
)

// SessionStore keeps sessions in a map guarded by a mutex. It is not durable.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*scrape.Session
	now      func() time.Time
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*scrape.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new pending session.
func (s *SessionStore) Create(
	_ context.Context,
	id, ownerID string,
	towns, industries []string,
	cfg scrape.Config,
) (scrape.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[id]; exists {
		return scrape.Session{}, scrape.ErrAlreadyExists
	}
	now := s.now()
	session := &scrape.Session{
		ID:         id,
		OwnerID:    ownerID,
		Towns:      append([]string(nil), towns...),
		Industries: append([]string(nil), industries...),
		Config:     cfg,
		Status:     scrape.StatusPending,
		Progress:   scrape.Progress{TotalTowns: len(towns)},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.sessions[id] = session
	return session.Clone(), nil
}

// Get returns a copy of the session.
func (s *SessionStore) Get(_ context.Context, id string) (scrape.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return scrape.Session{}, scrape.ErrNotFound
	}
	return session.Clone(), nil
}

// UpdateStatus moves the session to status, refusing to leave a terminal state.
func (s *SessionStore) UpdateStatus(_ context.Context, id string, status scrape.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return scrape.ErrNotFound
	}
	if !session.Status.CanTransition(status) {
		return scrape.ErrInvalidTransition
	}
	session.Status = status
	session.UpdatedAt = s.now()
	return nil
}

// UpdateProgress applies delta and returns the resulting progress.
func (s *SessionStore) UpdateProgress(
	_ context.Context,
	id string,
	delta scrape.ProgressDelta,
) (scrape.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return scrape.Progress{}, scrape.ErrNotFound
	}
	p := &session.Progress
	p.CompletedTowns = min(p.CompletedTowns+max(delta.Towns, 0), p.TotalTowns)
	p.TotalBusinesses += max(delta.Businesses, 0)
	session.UpdatedAt = s.now()
	return *p, nil
}

// AppendBusinesses adds results to the session.
func (s *SessionStore) AppendBusinesses(_ context.Context, id string, businesses []scrape.Business) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return scrape.ErrNotFound
	}
	session.Results = append(session.Results, businesses...)
	session.UpdatedAt = s.now()
	return nil
}

// AppendLog adds an entry to the session audit trail.
func (s *SessionStore) AppendLog(_ context.Context, id string, entry scrape.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return scrape.ErrNotFound
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	session.Logs = append(session.Logs, entry)
	return nil
}
