package progress

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dealdesk/leadscraper/internal/scrape"
)

// SnapshotSource loads the persisted view of a session.
type SnapshotSource interface {
	Get(ctx context.Context, id string) (scrape.Session, error)
}

// BusConfig tunes per-subscriber buffering and keep-alives.
type BusConfig struct {
	BufferSize        int
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

const (
	defaultSubscriberBuffer  = 64
	defaultHeartbeatInterval = 15 * time.Second
)

// Bus routes session events to the observers of that session. Every
// subscriber starts with a snapshot of the stored session, then receives
// live events in publish order. Slow subscribers lose events rather than
// stall publishers.
type Bus struct {
	cfg     BusConfig
	source  SnapshotSource
	forward Emitter
	logger  *zap.Logger
	drops   dropCounter
	now     func() time.Time

	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

// NewBus builds a Bus reading snapshots from source. forward, when non-nil,
// receives a copy of every non-heartbeat event (typically a Hub).
func NewBus(cfg BusConfig, source SnapshotSource, forward Emitter) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultSubscriberBuffer
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		cfg:     cfg,
		source:  source,
		forward: forward,
		logger:  logger,
		drops:   dropCounter{interval: dropLogInterval},
		now:     time.Now,
		topics:  make(map[string]map[*Subscription]struct{}),
	}
}

// Publish delivers evt to current subscribers of evt.SessionID.
func (b *Bus) Publish(evt Event) {
	if evt.TS.IsZero() {
		evt.TS = b.now().UTC()
	}
	if err := evt.Validate(); err != nil {
		b.logger.Debug("discarding invalid event", zap.Error(err))
		return
	}
	if b.forward != nil && evt.Kind != KindHeartbeat {
		b.forward.Emit(evt)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.topics[evt.SessionID] {
		select {
		case sub.in <- evt:
		default:
			b.drops.record(b.logger, "subscriber events dropped", zap.String("session_id", evt.SessionID))
		}
	}
}

// Subscribe registers an observer for sessionID. The returned subscription
// is released when ctx ends or Close is called. A missing session yields
// the store's error (scrape.ErrNotFound).
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	sub := &Subscription{
		bus:       b,
		sessionID: sessionID,
		in:        make(chan Event, b.cfg.BufferSize),
		out:       make(chan Event),
		done:      make(chan struct{}),
	}
	// Register before loading the snapshot so nothing published in between
	// is missed. Progress published before the load is already reflected
	// in the snapshot and is skipped by the pump.
	b.mu.Lock()
	subs, ok := b.topics[sessionID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[sessionID] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	loadedAt := b.now().UTC()
	session, err := b.source.Get(ctx, sessionID)
	if err != nil {
		sub.Close()
		return nil, err
	}
	sub.loadedAt = loadedAt
	go sub.pump(ctx, SnapshotEvent(session, b.now().UTC()), b.cfg.HeartbeatInterval)
	return sub, nil
}

// Subscribers reports how many observers are attached to sessionID.
func (b *Bus) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[sessionID])
}

// Close releases every subscription.
func (b *Bus) Close() {
	b.mu.RLock()
	var all []*Subscription
	for _, subs := range b.topics {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	b.mu.RUnlock()
	for _, sub := range all {
		sub.Close()
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[sub.sessionID]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.topics, sub.sessionID)
	}
}

// Subscription is one observer's view of a session stream.
type Subscription struct {
	bus       *Bus
	sessionID string
	in        chan Event
	out       chan Event
	done      chan struct{}
	loadedAt  time.Time
	closeOnce sync.Once
}

// Events yields the snapshot, live events, and heartbeats. The channel is
// closed once the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.bus.remove(s)
	})
}

func (s *Subscription) pump(ctx context.Context, snapshot Event, heartbeat time.Duration) {
	defer close(s.out)
	defer s.Close()

	if !s.send(ctx, snapshot) {
		return
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case evt := <-s.in:
			if evt.Kind == KindProgress && evt.TS.Before(s.loadedAt) {
				continue
			}
			if !s.send(ctx, evt) {
				return
			}
		case <-ticker.C:
			if !s.send(ctx, HeartbeatEvent(s.sessionID, s.bus.now().UTC())) {
				return
			}
		}
	}
}

func (s *Subscription) send(ctx context.Context, evt Event) bool {
	select {
	case s.out <- evt:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}
