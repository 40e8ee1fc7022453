package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/dealdesk/leadscraper/internal/scrape"
)

const (
	defaultBaseURL    = "https://www.google.com/maps/search/"
	resultsSelector   = `div[role="feed"], div[role="main"] h1`
	feedScrollScript  = `(() => { const f = document.querySelector('div[role="feed"]'); if (!f) return -1; f.scrollBy(0, f.scrollHeight); return f.querySelectorAll('a.hfpxzc').length; })()`
	defaultNavTimeout = 45 * time.Second
)

// Config controls the behavior of the Chrome scraper.
type Config struct {
	BaseURL           string
	UserAgent         string
	ExecPath          string
	NoSandbox         bool
	NavigationTimeout time.Duration
	ScrollPasses      int
	ScrollPause       time.Duration
	MaxResults        int
	// Throttle, when set, paces navigations to the search host.
	Throttle Throttle
}

// Throttle paces requests per key.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

// ChromeScraper implements scrape.Scraper with chromedp. Every call launches
// its own browser process; nothing is shared between concurrent units.
type ChromeScraper struct {
	cfg       Config
	host      string
	allocOpts []chromedp.ExecAllocatorOption
	logger    *zap.Logger
}

// NewChrome creates a scraper backed by headless Chrome.
func NewChrome(cfg Config, logger *zap.Logger) (*ChromeScraper, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.ScrollPasses < 0 {
		return nil, fmt.Errorf("scroll passes must be >= 0")
	}
	if cfg.ScrollPause <= 0 {
		cfg.ScrollPause = 750 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("lang", "en-ZA"),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	return &ChromeScraper{cfg: cfg, host: base.Host, allocOpts: opts, logger: logger}, nil
}

// SearchURL returns the map search URL for "industry in town".
func SearchURL(base, town, industry string) string {
	return base + url.QueryEscape(industry+" in "+town)
}

// Scrape renders the map search for the unit and extracts its listings.
func (s *ChromeScraper) Scrape(ctx context.Context, town, industry string) ([]scrape.Business, error) {
	target := SearchURL(s.cfg.BaseURL, town, industry)
	var html, location string

	if s.cfg.Throttle != nil {
		if err := s.cfg.Throttle.Wait(ctx, s.host); err != nil {
			return nil, &scrape.NavigationTimeoutError{Town: town, Industry: industry, Err: err}
		}
	}

	err := s.withBrowser(ctx, town, industry, func(browserCtx context.Context) error {
		navCtx, cancel := context.WithTimeout(browserCtx, s.cfg.NavigationTimeout)
		defer cancel()
		if err := chromedp.Run(navCtx, s.actions(target, &html, &location)...); err != nil {
			return &scrape.NavigationTimeoutError{Town: town, Industry: industry, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	businesses, err := ParseListings(html, town, industry, location, s.cfg.MaxResults)
	if err != nil {
		return nil, fmt.Errorf("parse listings for %s in %s: %w", industry, town, err)
	}
	s.logger.Debug("unit scraped",
		zap.String("town", town),
		zap.String("industry", industry),
		zap.Int("listings", len(businesses)),
	)
	return businesses, nil
}

// withBrowser launches a browser scoped to fn and tears it down on every path.
func (s *ChromeScraper) withBrowser(
	ctx context.Context,
	town, industry string,
	fn func(context.Context) error,
) error {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, s.allocOpts...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	if err := chromedp.Run(browserCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return &scrape.NavigationTimeoutError{Town: town, Industry: industry, Err: err}
		}
		return &scrape.BrowserLaunchError{Town: town, Industry: industry, Err: err}
	}
	return fn(browserCtx)
}

func (s *ChromeScraper) actions(target string, html, location *string) []chromedp.Action {
	return []chromedp.Action{
		s.networkSetupAction(),
		chromedp.Navigate(target),
		chromedp.WaitVisible(resultsSelector, chromedp.ByQuery),
		s.scrollFeedAction(),
		chromedp.Location(location),
		chromedp.OuterHTML("body", html, chromedp.ByQuery),
	}
}

func (s *ChromeScraper) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// scrollFeedAction scrolls the results feed so lazily loaded cards render.
func (s *ChromeScraper) scrollFeedAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for range s.cfg.ScrollPasses {
			var count int
			if err := chromedp.Evaluate(feedScrollScript, &count).Do(ctx); err != nil {
				return fmt.Errorf("scroll feed: %w", err)
			}
			if count < 0 || (s.cfg.MaxResults > 0 && count >= s.cfg.MaxResults) {
				return nil
			}
			timer := time.NewTimer(s.cfg.ScrollPause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		return nil
	})
}
