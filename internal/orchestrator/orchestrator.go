package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dealdesk/leadscraper/internal/lookup"
	"github.com/dealdesk/leadscraper/internal/metrics"
	"github.com/dealdesk/leadscraper/internal/progress"
	"github.com/dealdesk/leadscraper/internal/scrape"
)

const (
	defaultStepBudget    = 300 * time.Second
	defaultCommitTimeout = 15 * time.Second
)

// Config bounds a single step.
type Config struct {
	// StepBudget caps scraping and lookup for one town.
	StepBudget time.Duration
	// CommitTimeout caps persistence of the town batch once the budget is spent.
	CommitTimeout time.Duration
}

// LookupFactory builds a provider lookup bounded by a session's knobs.
type LookupFactory interface {
	ForSession(cfg scrape.Config, onFailure lookup.FailureHandler) scrape.ProviderLookup
}

// StartRequest is the client input for a new session.
type StartRequest struct {
	Towns      []string      `json:"towns"`
	Industries []string      `json:"industries"`
	Config     scrape.Config `json:"config"`
}

// Orchestrator runs the step algorithm against injected collaborators.
type Orchestrator struct {
	store   scrape.SessionStore
	scraper scrape.Scraper
	lookups LookupFactory
	events  progress.Publisher
	clock   scrape.Clock
	ids     scrape.IDGenerator
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer

	// inflight holds session IDs with a step running in this process.
	inflight sync.Map
}

// New constructs an Orchestrator. store should already publish its writes
// (see progress.PublishingStore); events receives unit and lookup failures.
func New(
	store scrape.SessionStore,
	scraper scrape.Scraper,
	lookups LookupFactory,
	events progress.Publisher,
	clock scrape.Clock,
	ids scrape.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.StepBudget <= 0 {
		cfg.StepBudget = defaultStepBudget
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = defaultCommitTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:   store,
		scraper: scraper,
		lookups: lookups,
		events:  events,
		clock:   clock,
		ids:     ids,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("github.com/dealdesk/leadscraper/internal/orchestrator"),
	}
}

// Start validates req and persists a pending session owned by ownerID.
func (o *Orchestrator) Start(ctx context.Context, ownerID string, req StartRequest) (scrape.Session, error) {
	towns, industries, cfg, err := scrape.NormalizeRequest(req.Towns, req.Industries, req.Config)
	if err != nil {
		return scrape.Session{}, err
	}
	id, err := o.ids.NewID()
	if err != nil {
		return scrape.Session{}, fmt.Errorf("generate session id: %w", err)
	}
	session, err := o.store.Create(ctx, id, ownerID, towns, industries, cfg)
	if err != nil {
		return scrape.Session{}, &scrape.PersistenceError{Op: "create session", Err: err}
	}
	msg := fmt.Sprintf("Session created: %d towns, %d industries", len(towns), len(industries))
	if err := o.appendLog(ctx, id, scrape.LevelInfo, msg); err != nil {
		return scrape.Session{}, err
	}
	o.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("owner_id", ownerID),
		zap.Int("towns", len(towns)),
		zap.Int("industries", len(industries)),
	)
	return session, nil
}

// Get loads a session.
func (o *Orchestrator) Get(ctx context.Context, id string) (scrape.Session, error) {
	session, err := o.store.Get(ctx, id)
	if err != nil {
		return scrape.Session{}, wrapLoad(err)
	}
	return session, nil
}

// Stop moves a pending or running session to stopped. Terminal sessions are
// returned unchanged.
func (o *Orchestrator) Stop(ctx context.Context, id string) (scrape.Session, error) {
	session, err := o.Get(ctx, id)
	if err != nil {
		return scrape.Session{}, err
	}
	if session.Status.Terminal() {
		return session, nil
	}
	if err := o.store.UpdateStatus(ctx, id, scrape.StatusStopped); err != nil {
		if errors.Is(err, scrape.ErrInvalidTransition) {
			return o.Get(ctx, id)
		}
		return scrape.Session{}, &scrape.PersistenceError{Op: "stop session", Err: err}
	}
	if err := o.appendLog(ctx, id, scrape.LevelWarning, "Session stopped by user"); err != nil {
		return scrape.Session{}, err
	}
	o.logger.Info("session stopped", zap.String("session_id", id))
	return o.Get(ctx, id)
}

// Step processes at most one town of the session. A step for a session that
// is already stepping in this process reports the current state instead.
func (o *Orchestrator) Step(ctx context.Context, id string) (scrape.StepResult, error) {
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "orchestrator.step", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	var (
		result  scrape.StepResult
		outcome string
		err     error
	)
	if _, busy := o.inflight.LoadOrStore(id, struct{}{}); busy {
		result, _, err = o.reload(ctx, id)
		outcome = "busy"
	} else {
		result, outcome, err = o.step(ctx, id)
		o.inflight.Delete(id)
	}
	metrics.ObserveStep(outcome, time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("step failed", zap.String("session_id", id), zap.Error(err))
		return scrape.StepResult{}, err
	}
	span.SetAttributes(
		attribute.String("session.status", string(result.Status)),
		attribute.Int("session.completed_towns", result.Progress.CompletedTowns),
	)
	return result, nil
}

func (o *Orchestrator) step(ctx context.Context, id string) (scrape.StepResult, string, error) {
	session, err := o.Get(ctx, id)
	if err != nil {
		return scrape.StepResult{}, "error", err
	}
	if session.Status.Terminal() {
		return settled(session), "noop", nil
	}
	if session.Progress.Done() {
		return o.complete(ctx, session)
	}

	budget, cancel := context.WithTimeout(ctx, o.cfg.StepBudget)
	defer cancel()

	if session.Status == scrape.StatusPending {
		if err := o.store.UpdateStatus(budget, id, scrape.StatusRunning); err != nil {
			if errors.Is(err, scrape.ErrInvalidTransition) {
				return o.reload(ctx, id)
			}
			return scrape.StepResult{}, "error", &scrape.PersistenceError{Op: "mark running", Err: err}
		}
	}

	index := session.Progress.CompletedTowns
	town := session.Towns[index]
	msg := fmt.Sprintf("Processing town: %s (%d/%d)", town, index+1, session.Progress.TotalTowns)
	if err := o.appendLog(budget, id, scrape.LevelInfo, msg); err != nil {
		return scrape.StepResult{}, "error", err
	}

	batch, failures := o.scrapeTown(budget, session, town)
	lookupFailures := o.resolveProviders(budget, session, town, batch)

	// A caller that went away leaves the town for the next step; only the
	// budget running out commits a partial town.
	if err := ctx.Err(); err != nil {
		return scrape.StepResult{}, "canceled", fmt.Errorf("step %s interrupted before commit: %w", id, err)
	}

	p, err := o.commitTown(ctx, session.ID, town, batch, append(failures, lookupFailures...))
	if err != nil {
		return scrape.StepResult{}, "error", err
	}
	return scrape.StepResult{
		Status:   scrape.StatusRunning,
		Progress: p,
		HasMore:  p.CompletedTowns < p.TotalTowns,
	}, "town", nil
}

func (o *Orchestrator) complete(ctx context.Context, session scrape.Session) (scrape.StepResult, string, error) {
	if err := o.store.UpdateStatus(ctx, session.ID, scrape.StatusCompleted); err != nil {
		if errors.Is(err, scrape.ErrInvalidTransition) {
			return o.reload(ctx, session.ID)
		}
		return scrape.StepResult{}, "error", &scrape.PersistenceError{Op: "mark completed", Err: err}
	}
	p := session.Progress
	msg := fmt.Sprintf("Scraping completed: %d businesses across %d towns", p.TotalBusinesses, p.TotalTowns)
	if err := o.appendLog(ctx, session.ID, scrape.LevelSuccess, msg); err != nil {
		return scrape.StepResult{}, "error", err
	}
	o.logger.Info("session completed",
		zap.String("session_id", session.ID),
		zap.Int("total_businesses", p.TotalBusinesses),
	)
	return scrape.StepResult{Status: scrape.StatusCompleted, Progress: p}, "completed", nil
}

// reload answers a step that lost a race with a concurrent status change.
func (o *Orchestrator) reload(ctx context.Context, id string) (scrape.StepResult, string, error) {
	session, err := o.Get(ctx, id)
	if err != nil {
		return scrape.StepResult{}, "error", err
	}
	return settled(session), "noop", nil
}

func settled(session scrape.Session) scrape.StepResult {
	return scrape.StepResult{
		Status:   session.Status,
		Progress: session.Progress,
		HasMore:  !session.Status.Terminal() && !session.Progress.Done(),
	}
}

// unitFailure is a recovered error that is recorded with the town commit.
type unitFailure struct {
	town     string
	industry string
	message  string
	err      error
}

// scrapeTown runs every industry for town, at most SimultaneousIndustries at
// a time. The batch keeps industry order regardless of completion order.
func (o *Orchestrator) scrapeTown(ctx context.Context, session scrape.Session, town string) ([]scrape.Business, []unitFailure) {
	results := make([][]scrape.Business, len(session.Industries))
	errs := make([]error, len(session.Industries))

	var g errgroup.Group
	g.SetLimit(max(session.Config.SimultaneousIndustries, 1))
	for i, industry := range session.Industries {
		g.Go(func() error {
			results[i], errs[i] = o.scrapeUnit(ctx, session.ID, town, industry)
			return nil
		})
	}
	_ = g.Wait()

	var (
		batch    []scrape.Business
		failures []unitFailure
	)
	for i, industry := range session.Industries {
		if errs[i] != nil {
			failures = append(failures, unitFailure{
				town:     town,
				industry: industry,
				message:  fmt.Sprintf("Failed to scrape %s in %s: %v", industry, town, errs[i]),
				err:      errs[i],
			})
			continue
		}
		batch = append(batch, results[i]...)
	}
	return batch, failures
}

func (o *Orchestrator) scrapeUnit(ctx context.Context, sessionID, town, industry string) ([]scrape.Business, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.unit", trace.WithAttributes(
		attribute.String("town", town),
		attribute.String("industry", industry),
	))
	defer span.End()

	started := time.Now()
	businesses, err := o.scraper.Scrape(ctx, town, industry)
	if err != nil {
		metrics.ObserveUnit("failed", time.Since(started))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Warn("unit scrape failed",
			zap.String("session_id", sessionID),
			zap.String("town", town),
			zap.String("industry", industry),
			zap.Error(err),
		)
		return nil, err
	}
	metrics.ObserveUnit("succeeded", time.Since(started))
	for i := range businesses {
		businesses[i].Town = town
		businesses[i].Industry = industry
		if businesses[i].Provider == "" {
			businesses[i].Provider = scrape.UnknownProvider
		}
	}
	o.logger.Debug("unit scraped",
		zap.String("session_id", sessionID),
		zap.String("town", town),
		zap.String("industry", industry),
		zap.Int("businesses", len(businesses)),
	)
	return businesses, nil
}

// resolveProviders looks up every distinct phone in batch once and merges
// the providers back in place.
func (o *Orchestrator) resolveProviders(ctx context.Context, session scrape.Session, town string, batch []scrape.Business) []unitFailure {
	var (
		mu       sync.Mutex
		failures []unitFailure
	)
	svc := o.lookups.ForSession(session.Config, func(err *scrape.ProviderLookupError) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, unitFailure{
			town:    town,
			message: fmt.Sprintf("Provider lookup failed in %s for %d numbers: %v", town, len(err.Phones), err.Err),
			err:     err,
		})
	})
	defer svc.Cleanup()

	phones := make([]string, 0, len(batch))
	for _, b := range batch {
		if key := scrape.NormalizePhone(b.Phone); key != "" {
			phones = append(phones, key)
		}
	}
	if len(phones) == 0 {
		return nil
	}
	providers := svc.LookupProviders(ctx, phones)
	for i := range batch {
		if provider, ok := providers[scrape.NormalizePhone(batch[i].Phone)]; ok {
			batch[i].Provider = provider
		}
	}
	o.logger.Debug("providers resolved",
		zap.String("session_id", session.ID),
		zap.String("town", town),
		zap.Int("phone_count", len(providers)),
	)

	mu.Lock()
	defer mu.Unlock()
	return failures
}

// commitTown persists the town batch on a context detached from the step
// budget so a spent budget never discards finished work.
func (o *Orchestrator) commitTown(
	ctx context.Context,
	id, town string,
	batch []scrape.Business,
	failures []unitFailure,
) (scrape.Progress, error) {
	commit, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CommitTimeout)
	defer cancel()

	for _, f := range failures {
		if o.events != nil {
			o.events.Publish(progress.ErrorEvent(id, f.town, f.industry, f.err, o.clock.Now()))
		}
		if err := o.appendLog(commit, id, scrape.LevelWarning, f.message); err != nil {
			return scrape.Progress{}, err
		}
	}
	if len(batch) > 0 {
		if err := o.store.AppendBusinesses(commit, id, batch); err != nil {
			return scrape.Progress{}, &scrape.PersistenceError{Op: "append businesses", Err: err}
		}
	}
	p, err := o.store.UpdateProgress(commit, id, scrape.ProgressDelta{Towns: 1, Businesses: len(batch)})
	if err != nil {
		return scrape.Progress{}, &scrape.PersistenceError{Op: "update progress", Err: err}
	}
	msg := fmt.Sprintf("Completed town: %s, %d businesses found", town, len(batch))
	if err := o.appendLog(commit, id, scrape.LevelSuccess, msg); err != nil {
		return scrape.Progress{}, err
	}
	o.logger.Info("town committed",
		zap.String("session_id", id),
		zap.String("town", town),
		zap.Int("businesses", len(batch)),
		zap.Int("completed_towns", p.CompletedTowns),
		zap.Int("total_towns", p.TotalTowns),
	)
	return p, nil
}

func (o *Orchestrator) appendLog(ctx context.Context, id string, level scrape.LogLevel, msg string) error {
	entry := scrape.LogEntry{Timestamp: o.clock.Now(), Message: msg, Level: level}
	if err := o.store.AppendLog(ctx, id, entry); err != nil {
		return &scrape.PersistenceError{Op: "append log", Err: err}
	}
	return nil
}

func wrapLoad(err error) error {
	if errors.Is(err, scrape.ErrNotFound) {
		return err
	}
	return &scrape.PersistenceError{Op: "load session", Err: err}
}
