package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dealdesk/leadscraper/internal/progress"
	"github.com/dealdesk/leadscraper/internal/scrape"
)

// PrometheusSink derives session-level collectors from the event stream.
type PrometheusSink struct {
	events            *prometheus.CounterVec
	sessionsActive    prometheus.Gauge
	sessionsFinished  *prometheus.CounterVec
	unitErrors        prometheus.Counter
	businessesCounted prometheus.Counter

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadscraper_session_events_total",
			Help: "Session events exported, partitioned by type.",
		}, []string{"type"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "leadscraper_sessions_active",
			Help: "Sessions that are running and not yet finished.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadscraper_sessions_finished_total",
			Help: "Sessions that reached a terminal status.",
		}, []string{"status"}),
		unitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leadscraper_unit_errors_total",
			Help: "Town and industry units that failed to scrape.",
		}),
		businessesCounted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leadscraper_businesses_committed_total",
			Help: "Businesses committed across all sessions.",
		}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.events,
		s.sessionsActive,
		s.sessionsFinished,
		s.unitErrors,
		s.businessesCounted,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register session collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch. It is safe for
// concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	s.events.WithLabelValues(string(evt.Kind)).Inc()
	switch evt.Kind {
	case progress.KindProgress:
		switch evt.Status {
		case scrape.StatusRunning:
			if s.tracker.start(evt.SessionID) {
				s.sessionsActive.Inc()
			}
		case scrape.StatusStopped:
			s.finish(evt.SessionID, scrape.StatusStopped)
		}
		if evt.Progress != nil {
			if delta := s.tracker.businesses(evt.SessionID, evt.Progress.TotalBusinesses); delta > 0 {
				s.businessesCounted.Add(float64(delta))
			}
		}
	case progress.KindComplete:
		s.finish(evt.SessionID, scrape.StatusCompleted)
	case progress.KindError:
		s.unitErrors.Inc()
	}
}

func (s *PrometheusSink) finish(id string, status scrape.Status) {
	s.sessionsFinished.WithLabelValues(string(status)).Inc()
	if s.tracker.complete(id) {
		s.sessionsActive.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
	totals  map[string]int
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{
		running: make(map[string]struct{}),
		totals:  make(map[string]int),
	}
}

func (t *sessionTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.totals, id)
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

// businesses records the latest running total and returns how much it grew.
func (t *sessionTracker) businesses(id string, total int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.totals[id]
	if total <= prev {
		return 0
	}
	t.totals[id] = total
	return total - prev
}
