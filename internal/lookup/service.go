package lookup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dealdesk/leadscraper/internal/metrics"
	"github.com/dealdesk/leadscraper/internal/scrape"
)

// Config bounds a Service.
type Config struct {
	MaxConcurrentBatches int
	BatchSize            int
	RetryAttempts        int
	// RetryDelay is the shortest wait before the first retry. Later retries
	// double it and add up to half again as jitter.
	RetryDelay time.Duration
	// MaxRetryDelay caps every wait, but never below RetryDelay.
	MaxRetryDelay time.Duration
}

// FailureHandler receives batches that left phones unresolved.
type FailureHandler func(*scrape.ProviderLookupError)

// Service resolves phones in bounded concurrent batches.
type Service struct {
	carrier   Carrier
	cfg       Config
	retry     *retryPolicy
	logger    *zap.Logger
	tracer    trace.Tracer
	onFailure FailureHandler

	cleanupOnce sync.Once
}

// New constructs a Service. Zero config values fall back to one batch of ten
// phones, one attempt, no delay.
func New(carrier Carrier, cfg Config, logger *zap.Logger, onFailure FailureHandler) *Service {
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		carrier:   carrier,
		cfg:       cfg,
		retry:     newRetryPolicy(cfg.RetryAttempts, cfg.RetryDelay, cfg.MaxRetryDelay),
		logger:    logger,
		tracer:    otel.Tracer("github.com/dealdesk/leadscraper/internal/lookup"),
		onFailure: onFailure,
	}
}

// LookupProviders returns one entry per distinct non-blank input phone, keyed
// exactly as supplied. Inputs that differ only by surrounding space share one
// carrier lookup.
func (s *Service) LookupProviders(ctx context.Context, phones []string) map[string]string {
	distinct, inputs := dedupe(phones)
	out := make(map[string]string, len(inputs))
	if len(distinct) == 0 {
		return out
	}
	resolved := make([]string, len(distinct))

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrentBatches)
	for batch, start := 0, 0; start < len(distinct); batch, start = batch+1, start+s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(distinct))
		g.Go(func() error {
			s.runBatch(ctx, batch, distinct[start:end], resolved[start:end])
			return nil
		})
	}
	_ = g.Wait()

	for i, phone := range distinct {
		provider := resolved[i]
		if provider == "" {
			provider = scrape.UnknownProvider
			metrics.ObserveLookup("unknown")
		} else {
			metrics.ObserveLookup("resolved")
		}
		for _, in := range inputs[phone] {
			out[in] = provider
		}
	}
	return out
}

// runBatch resolves phones sequentially into dst. Failures leave dst entries empty.
func (s *Service) runBatch(ctx context.Context, batch int, phones, dst []string) {
	metrics.IncLookupBatches()
	defer metrics.DecLookupBatches()

	ctx, span := s.tracer.Start(ctx, "lookup.batch", trace.WithAttributes(
		attribute.Int("batch", batch),
		attribute.Int("phones", len(phones)),
	))
	defer span.End()

	var (
		failed  []string
		lastErr error
	)
	defer func() {
		if r := recover(); r != nil {
			lastErr = fmt.Errorf("batch panicked: %v", r)
			failed = pending(phones, dst)
		}
		if len(failed) > 0 {
			span.RecordError(lastErr)
			s.report(&scrape.ProviderLookupError{Batch: batch, Phones: failed, Err: lastErr})
		}
	}()

	for i, phone := range phones {
		provider, err := s.resolve(ctx, phone)
		if err != nil {
			failed = append(failed, phone)
			lastErr = err
			continue
		}
		dst[i] = provider
	}
}

func (s *Service) resolve(ctx context.Context, phone string) (string, error) {
	for attempt := 1; ; attempt++ {
		provider, err := s.carrier.Lookup(ctx, phone)
		if err == nil && strings.TrimSpace(provider) != "" {
			return provider, nil
		}
		if err == nil {
			err = errors.New("carrier returned no provider")
		}
		if !s.retry.shouldRetry(err, attempt) {
			return "", fmt.Errorf("resolve %s after %d attempt(s): %w", phone, attempt, err)
		}
		if werr := sleep(ctx, s.retry.backoff(attempt)); werr != nil {
			return "", fmt.Errorf("resolve %s: %w", phone, werr)
		}
	}
}

func (s *Service) report(err *scrape.ProviderLookupError) {
	s.logger.Warn("provider lookup batch degraded",
		zap.Int("batch", err.Batch),
		zap.Int("unresolved", len(err.Phones)),
		zap.Error(err.Err),
	)
	if s.onFailure != nil {
		s.onFailure(err)
	}
}

// Cleanup releases idle carrier connections. It is idempotent.
func (s *Service) Cleanup() {
	s.cleanupOnce.Do(func() {
		if c, ok := s.carrier.(idleCloser); ok {
			c.CloseIdleConnections()
		}
	})
}

// dedupe trims phones and returns each distinct value once, along with the
// raw inputs that collapsed onto it.
func dedupe(phones []string) ([]string, map[string][]string) {
	inputs := make(map[string][]string, len(phones))
	out := make([]string, 0, len(phones))
	for _, raw := range phones {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		seen, ok := inputs[p]
		if !ok {
			out = append(out, p)
		}
		if !slices.Contains(seen, raw) {
			inputs[p] = append(seen, raw)
		}
	}
	return out, inputs
}

func pending(phones, dst []string) []string {
	var out []string
	for i, p := range phones {
		if dst[i] == "" {
			out = append(out, p)
		}
	}
	return out
}

// Factory builds a Service per session from its config.
type Factory struct {
	carrier       Carrier
	batchSize     int
	maxRetryDelay time.Duration
	logger        *zap.Logger
}

// NewFactory constructs a Factory sharing carrier across sessions.
func NewFactory(carrier Carrier, batchSize int, maxRetryDelay time.Duration, logger *zap.Logger) *Factory {
	return &Factory{
		carrier:       carrier,
		batchSize:     batchSize,
		maxRetryDelay: maxRetryDelay,
		logger:        logger,
	}
}

// ForSession returns a Service bounded by the session's lookup knobs.
func (f *Factory) ForSession(cfg scrape.Config, onFailure FailureHandler) scrape.ProviderLookup {
	return New(f.carrier, Config{
		MaxConcurrentBatches: cfg.SimultaneousLookups,
		BatchSize:            f.batchSize,
		RetryAttempts:        cfg.RetryAttempts,
		RetryDelay:           cfg.RetryDelay(),
		MaxRetryDelay:        f.maxRetryDelay,
	}, f.logger, onFailure)
}
