// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dealdesk/leadscraper/internal/scrape"
)

const (
	sessionsTable   = "scrape_sessions"
	businessesTable = "scrape_businesses"
	logsTable       = "scrape_logs"

	foreignKeyViolation = "23503"
	uniqueViolation     = "23505"
)

// Schema creates the session tables when they are missing.
const Schema = `
CREATE TABLE IF NOT EXISTS scrape_sessions (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	towns            TEXT[] NOT NULL,
	industries       TEXT[] NOT NULL,
	config           JSONB NOT NULL,
	status           TEXT NOT NULL,
	completed_towns  INTEGER NOT NULL DEFAULT 0,
	total_towns      INTEGER NOT NULL,
	total_businesses INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS scrape_businesses (
	id            BIGSERIAL PRIMARY KEY,
	session_id    TEXT NOT NULL REFERENCES scrape_sessions(id),
	name          TEXT NOT NULL,
	phone         TEXT NOT NULL,
	provider      TEXT NOT NULL,
	town          TEXT NOT NULL,
	industry      TEXT NOT NULL,
	address       TEXT NOT NULL,
	map_reference TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS scrape_businesses_session_idx ON scrape_businesses (session_id, id);
CREATE TABLE IF NOT EXISTS scrape_logs (
	id         BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES scrape_sessions(id),
	ts         TIMESTAMPTZ NOT NULL,
	message    TEXT NOT NULL,
	level      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS scrape_logs_session_idx ON scrape_logs (session_id, id);
`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// SessionStore persists sessions in three tables: one header row per session
// plus append-only rows for results and logs.
type SessionStore struct {
	pool pool
	sb   sq.StatementBuilderType
	now  func() time.Time
}

// NewSessionStore connects to Postgres using cfg.
func NewSessionStore(ctx context.Context, cfg Config) (*SessionStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewSessionStoreWithPool(p)
}

// NewSessionStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSessionStoreWithPool(p pool) (*SessionStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SessionStore{
		pool: p,
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Migrate applies Schema.
func (s *SessionStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate session schema: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (s *SessionStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *SessionStore) Close() {
	s.pool.Close()
}

// Create inserts a pending session.
func (s *SessionStore) Create(
	ctx context.Context,
	id, ownerID string,
	towns, industries []string,
	cfg scrape.Config,
) (scrape.Session, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return scrape.Session{}, fmt.Errorf("marshal config: %w", err)
	}
	now := s.now()
	query, args, err := s.sb.Insert(sessionsTable).
		Columns("id", "owner_id", "towns", "industries", "config", "status",
			"completed_towns", "total_towns", "total_businesses", "created_at", "updated_at").
		Values(id, ownerID, towns, industries, cfgJSON, string(scrape.StatusPending),
			0, len(towns), 0, now, now).
		ToSql()
	if err != nil {
		return scrape.Session{}, fmt.Errorf("build insert session: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if pgCode(err) == uniqueViolation {
			return scrape.Session{}, scrape.ErrAlreadyExists
		}
		return scrape.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return scrape.Session{
		ID:         id,
		OwnerID:    ownerID,
		Towns:      append([]string(nil), towns...),
		Industries: append([]string(nil), industries...),
		Config:     cfg,
		Status:     scrape.StatusPending,
		Progress:   scrape.Progress{TotalTowns: len(towns)},
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Get loads the session header, results, and logs.
func (s *SessionStore) Get(ctx context.Context, id string) (scrape.Session, error) {
	query, args, err := s.sb.Select("id", "owner_id", "towns", "industries", "config", "status",
		"completed_towns", "total_towns", "total_businesses", "created_at", "updated_at").
		From(sessionsTable).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return scrape.Session{}, fmt.Errorf("build select session: %w", err)
	}
	var (
		session scrape.Session
		status  string
		cfgJSON []byte
	)
	err = s.pool.QueryRow(ctx, query, args...).Scan(
		&session.ID, &session.OwnerID, &session.Towns, &session.Industries, &cfgJSON, &status,
		&session.Progress.CompletedTowns, &session.Progress.TotalTowns, &session.Progress.TotalBusinesses,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Session{}, scrape.ErrNotFound
	}
	if err != nil {
		return scrape.Session{}, fmt.Errorf("select session: %w", err)
	}
	session.Status = scrape.Status(status)
	if err := json.Unmarshal(cfgJSON, &session.Config); err != nil {
		return scrape.Session{}, fmt.Errorf("decode session config: %w", err)
	}
	if session.Results, err = s.listBusinesses(ctx, id); err != nil {
		return scrape.Session{}, err
	}
	if session.Logs, err = s.listLogs(ctx, id); err != nil {
		return scrape.Session{}, err
	}
	return session, nil
}

func (s *SessionStore) listBusinesses(ctx context.Context, id string) ([]scrape.Business, error) {
	query, args, err := s.sb.Select("name", "phone", "provider", "town", "industry", "address", "map_reference").
		From(businessesTable).
		Where(sq.Eq{"session_id": id}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select businesses: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select businesses: %w", err)
	}
	defer rows.Close()
	var out []scrape.Business
	for rows.Next() {
		var b scrape.Business
		if err := rows.Scan(&b.Name, &b.Phone, &b.Provider, &b.Town, &b.Industry, &b.Address, &b.MapReference); err != nil {
			return nil, fmt.Errorf("scan business: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate businesses: %w", err)
	}
	return out, nil
}

func (s *SessionStore) listLogs(ctx context.Context, id string) ([]scrape.LogEntry, error) {
	query, args, err := s.sb.Select("ts", "message", "level").
		From(logsTable).
		Where(sq.Eq{"session_id": id}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select logs: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select logs: %w", err)
	}
	defer rows.Close()
	var out []scrape.LogEntry
	for rows.Next() {
		var (
			entry scrape.LogEntry
			level string
		)
		if err := rows.Scan(&entry.Timestamp, &entry.Message, &level); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		entry.Level = scrape.LogLevel(level)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return out, nil
}

// UpdateStatus sets the status only when the current one permits the transition.
func (s *SessionStore) UpdateStatus(ctx context.Context, id string, status scrape.Status) error {
	from := allowedFrom(status)
	query, args, err := s.sb.Update(sessionsTable).
		Set("status", string(status)).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": id, "status": from}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update status: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.currentStatus(ctx, id); err != nil {
		return err
	}
	return scrape.ErrInvalidTransition
}

func (s *SessionStore) currentStatus(ctx context.Context, id string) (scrape.Status, error) {
	query, args, err := s.sb.Select("status").From(sessionsTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return "", fmt.Errorf("build select status: %w", err)
	}
	var status string
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", scrape.ErrNotFound
		}
		return "", fmt.Errorf("select status: %w", err)
	}
	return scrape.Status(status), nil
}

// UpdateProgress applies delta in a single statement and returns the new counters.
func (s *SessionStore) UpdateProgress(
	ctx context.Context,
	id string,
	delta scrape.ProgressDelta,
) (scrape.Progress, error) {
	query, args, err := s.sb.Update(sessionsTable).
		Set("completed_towns", sq.Expr("LEAST(completed_towns + ?, total_towns)", max(delta.Towns, 0))).
		Set("total_businesses", sq.Expr("total_businesses + ?", max(delta.Businesses, 0))).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING completed_towns, total_towns, total_businesses").
		ToSql()
	if err != nil {
		return scrape.Progress{}, fmt.Errorf("build update progress: %w", err)
	}
	var p scrape.Progress
	err = s.pool.QueryRow(ctx, query, args...).Scan(&p.CompletedTowns, &p.TotalTowns, &p.TotalBusinesses)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Progress{}, scrape.ErrNotFound
	}
	if err != nil {
		return scrape.Progress{}, fmt.Errorf("update progress: %w", err)
	}
	return p, nil
}

// AppendBusinesses inserts one row per business.
func (s *SessionStore) AppendBusinesses(ctx context.Context, id string, businesses []scrape.Business) error {
	if len(businesses) == 0 {
		return nil
	}
	insert := s.sb.Insert(businessesTable).
		Columns("session_id", "name", "phone", "provider", "town", "industry", "address", "map_reference")
	for _, b := range businesses {
		insert = insert.Values(id, b.Name, b.Phone, b.Provider, b.Town, b.Industry, b.Address, b.MapReference)
	}
	query, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("build insert businesses: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if pgCode(err) == foreignKeyViolation {
			return scrape.ErrNotFound
		}
		return fmt.Errorf("insert businesses: %w", err)
	}
	return nil
}

// AppendLog inserts an audit row.
func (s *SessionStore) AppendLog(ctx context.Context, id string, entry scrape.LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	query, args, err := s.sb.Insert(logsTable).
		Columns("session_id", "ts", "message", "level").
		Values(id, entry.Timestamp, entry.Message, string(entry.Level)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert log: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if pgCode(err) == foreignKeyViolation {
			return scrape.ErrNotFound
		}
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

func allowedFrom(target scrape.Status) []string {
	sources := scrape.TransitionSources(target)
	out := make([]string, 0, len(sources))
	for _, st := range sources {
		out = append(out, string(st))
	}
	return out
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
