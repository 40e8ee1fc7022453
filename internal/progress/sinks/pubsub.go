package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/dealdesk/leadscraper/internal/progress"
)

// MessagePublisher publishes one payload with an ordering key.
type MessagePublisher interface {
	Publish(ctx context.Context, orderingKey string, payload any) (string, error)
}

// PubSubSink forwards events to a message topic ordered by session ID.
type PubSubSink struct {
	publisher MessagePublisher
	stop      func()
}

// NewPubSubSink wraps publisher. stop, when non-nil, runs on Close.
func NewPubSubSink(publisher MessagePublisher, stop func()) *PubSubSink {
	return &PubSubSink{publisher: publisher, stop: stop}
}

// Consume publishes every event and joins the failures.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if _, err := s.publisher.Publish(ctx, evt.SessionID, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s event for %s: %w", evt.Kind, evt.SessionID, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops the underlying publisher.
func (s *PubSubSink) Close(context.Context) error {
	if s.stop != nil {
		s.stop()
	}
	return nil
}
