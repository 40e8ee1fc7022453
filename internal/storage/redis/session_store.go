// Package redis provides a Redis-backed SessionStore.
//
// Each session is a hash holding its header and counters, plus two lists for
// results and logs. Counter and status changes run as Lua scripts so they are
// atomic under concurrent writers.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dealdesk/leadscraper/internal/scrape"
)

// Config controls the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

type header struct {
	ID         string        `json:"id"`
	OwnerID    string        `json:"ownerId"`
	Towns      []string      `json:"towns"`
	Industries []string      `json:"industries"`
	Config     scrape.Config `json:"config"`
	CreatedAt  time.Time     `json:"createdAt"`
}

var progressScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return false end
local total = tonumber(redis.call('HGET', KEYS[1], 'total_towns'))
local done = tonumber(redis.call('HGET', KEYS[1], 'completed_towns')) + tonumber(ARGV[1])
if done > total then done = total end
redis.call('HSET', KEYS[1], 'completed_towns', done, 'updated_at', ARGV[3])
local biz = redis.call('HINCRBY', KEYS[1], 'total_businesses', ARGV[2])
return {done, total, biz}
`)

var statusScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return -1 end
for i = 3, #ARGV do
	if ARGV[i] == cur then
		redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
		return 1
	end
end
return 0
`)

var appendScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local n = redis.call('RPUSH', KEYS[2], unpack(ARGV, 2))
if tonumber(ARGV[1]) > 0 then redis.call('PEXPIRE', KEYS[2], ARGV[1]) end
return n
`)

// SessionStore stores sessions in Redis.
type SessionStore struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionStore dials Redis with cfg.
func NewSessionStore(cfg Config) *SessionStore {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewSessionStoreWithClient(client, cfg.Prefix, cfg.TTL)
}

// NewSessionStoreWithClient wraps an existing client.
func NewSessionStoreWithClient(client goredis.UniversalClient, prefix string, ttl time.Duration) *SessionStore {
	return &SessionStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Ping verifies connectivity.
func (s *SessionStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *SessionStore) Close() error {
	return s.client.Close()
}

func (s *SessionStore) sessionKey(id string) string { return s.prefix + "session:" + id }
func (s *SessionStore) resultsKey(id string) string { return s.prefix + "session:" + id + ":results" }
func (s *SessionStore) logsKey(id string) string { return s.prefix + "session:" + id + ":logs" }
func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

// Create writes the session hash unless the id is taken.
func (s *SessionStore) Create(
	ctx context.Context,
	id, ownerID string,
	towns, industries []string,
	cfg scrape.Config,
) (scrape.Session, error) {
	now := s.now()
	h := header{
		ID:         id,
		OwnerID:    ownerID,
		Towns:      append([]string(nil), towns...),
		Industries: append([]string(nil), industries...),
		Config:     cfg,
		CreatedAt:  now,
	}
	payload, err := json.Marshal(h)
	if err != nil {
		return scrape.Session{}, fmt.Errorf("marshal session header: %w", err)
	}
	key := s.sessionKey(id)
	created, err := s.client.HSetNX(ctx, key, "header", payload).Result()
	if err != nil {
		return scrape.Session{}, fmt.Errorf("create session: %w", err)
	}
	if !created {
		return scrape.Session{}, scrape.ErrAlreadyExists
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"status", string(scrape.StatusPending),
			"completed_towns", 0,
			"total_towns", len(towns),
			"total_businesses", 0,
			"updated_at", formatTime(now),
		)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return scrape.Session{}, fmt.Errorf("initialise session counters: %w", err)
	}
	return scrape.Session{
		ID:         id,
		OwnerID:    ownerID,
		Towns:      h.Towns,
		Industries: h.Industries,
		Config:     cfg,
		Status:     scrape.StatusPending,
		Progress:   scrape.Progress{TotalTowns: len(towns)},
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Get reads the hash and both lists.
func (s *SessionStore) Get(ctx context.Context, id string) (scrape.Session, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return scrape.Session{}, fmt.Errorf("read session: %w", err)
	}
	raw, ok := fields["header"]
	if !ok {
		return scrape.Session{}, scrape.ErrNotFound
	}
	var h header
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return scrape.Session{}, fmt.Errorf("decode session header: %w", err)
	}
	session := scrape.Session{
		ID:         h.ID,
		OwnerID:    h.OwnerID,
		Towns:      h.Towns,
		Industries: h.Industries,
		Config:     h.Config,
		Status:     scrape.Status(fields["status"]),
		CreatedAt:  h.CreatedAt,
		Progress: scrape.Progress{
			CompletedTowns:  atoi(fields["completed_towns"]),
			TotalTowns:      atoi(fields["total_towns"]),
			TotalBusinesses: atoi(fields["total_businesses"]),
		},
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		session.UpdatedAt = ts
	}

	results, err := s.client.LRange(ctx, s.resultsKey(id), 0, -1).Result()
	if err != nil {
		return scrape.Session{}, fmt.Errorf("read results: %w", err)
	}
	for _, item := range results {
		var b scrape.Business
		if err := json.Unmarshal([]byte(item), &b); err != nil {
			return scrape.Session{}, fmt.Errorf("decode business: %w", err)
		}
		session.Results = append(session.Results, b)
	}
	logs, err := s.client.LRange(ctx, s.logsKey(id), 0, -1).Result()
	if err != nil {
		return scrape.Session{}, fmt.Errorf("read logs: %w", err)
	}
	for _, item := range logs {
		var entry scrape.LogEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return scrape.Session{}, fmt.Errorf("decode log entry: %w", err)
		}
		session.Logs = append(session.Logs, entry)
	}
	return session, nil
}

// UpdateStatus applies a permitted transition atomically.
func (s *SessionStore) UpdateStatus(ctx context.Context, id string, status scrape.Status) error {
	args := []any{string(status), formatTime(s.now())}
	for _, st := range scrape.TransitionSources(status) {
		args = append(args, string(st))
	}
	res, err := statusScript.Run(ctx, s.client, []string{s.sessionKey(id)}, args...).Int()
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	switch res {
	case -1:
		return scrape.ErrNotFound
	case 0:
		return scrape.ErrInvalidTransition
	default:
		return nil
	}
}

// UpdateProgress applies delta atomically and returns the new counters.
func (s *SessionStore) UpdateProgress(
	ctx context.Context,
	id string,
	delta scrape.ProgressDelta,
) (scrape.Progress, error) {
	vals, err := progressScript.Run(ctx, s.client, []string{s.sessionKey(id)},
		max(delta.Towns, 0), max(delta.Businesses, 0), formatTime(s.now())).Int64Slice()
	if errors.Is(err, goredis.Nil) {
		return scrape.Progress{}, scrape.ErrNotFound
	}
	if err != nil {
		return scrape.Progress{}, fmt.Errorf("update progress: %w", err)
	}
	if len(vals) != 3 {
		return scrape.Progress{}, fmt.Errorf("update progress: unexpected reply %v", vals)
	}
	return scrape.Progress{
		CompletedTowns:  int(vals[0]),
		TotalTowns:      int(vals[1]),
		TotalBusinesses: int(vals[2]),
	}, nil
}

// AppendBusinesses pushes results onto the session list.
func (s *SessionStore) AppendBusinesses(ctx context.Context, id string, businesses []scrape.Business) error {
	if len(businesses) == 0 {
		return nil
	}
	items := make([]any, 0, len(businesses))
	for _, b := range businesses {
		payload, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("marshal business: %w", err)
		}
		items = append(items, payload)
	}
	return s.push(ctx, id, s.resultsKey(id), items)
}

// AppendLog pushes an entry onto the session log list.
func (s *SessionStore) AppendLog(ctx context.Context, id string, entry scrape.LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	return s.push(ctx, id, s.logsKey(id), []any{payload})
}

func (s *SessionStore) push(ctx context.Context, id, listKey string, items []any) error {
	args := append([]any{s.ttl.Milliseconds()}, items...)
	n, err := appendScript.Run(ctx, s.client, []string{s.sessionKey(id), listKey}, args...).Int()
	if err != nil {
		return fmt.Errorf("append %s: %w", listKey, err)
	}
	if n < 0 {
		return scrape.ErrNotFound
	}
	return nil
}

func atoi(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}
