package progress

import (
	"context"
	"time"

	"github.com/dealdesk/leadscraper/internal/scrape"
)

// PublishingStore decorates a SessionStore so every successful write is
// mirrored to observers. Failed writes publish nothing.
type PublishingStore struct {
	scrape.SessionStore
	pub Publisher
	now func() time.Time
}

// NewPublishingStore wraps store. now defaults to time.Now.
func NewPublishingStore(store scrape.SessionStore, pub Publisher, now func() time.Time) *PublishingStore {
	if now == nil {
		now = time.Now
	}
	return &PublishingStore{SessionStore: store, pub: pub, now: now}
}

// UpdateStatus publishes a complete event on completion and a progress event
// carrying the new status otherwise.
func (s *PublishingStore) UpdateStatus(ctx context.Context, id string, status scrape.Status) error {
	if err := s.SessionStore.UpdateStatus(ctx, id, status); err != nil {
		return err
	}
	ts := s.now().UTC()
	if status == scrape.StatusCompleted {
		s.pub.Publish(CompleteEvent(id, ts))
		return nil
	}
	s.pub.Publish(Event{SessionID: id, Kind: KindProgress, TS: ts, Status: status})
	return nil
}

// UpdateProgress publishes the counters returned by the underlying store.
func (s *PublishingStore) UpdateProgress(ctx context.Context, id string, delta scrape.ProgressDelta) (scrape.Progress, error) {
	p, err := s.SessionStore.UpdateProgress(ctx, id, delta)
	if err != nil {
		return p, err
	}
	s.pub.Publish(ProgressEvent(id, "", p, s.now().UTC()))
	return p, nil
}

// AppendLog publishes the entry as a log event.
func (s *PublishingStore) AppendLog(ctx context.Context, id string, entry scrape.LogEntry) error {
	if err := s.SessionStore.AppendLog(ctx, id, entry); err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	s.pub.Publish(LogEvent(id, entry))
	return nil
}
