package scraper

import (
	"context"
	"errors"

	"github.com/dealdesk/leadscraper/internal/scrape"
)

// Noop implements scrape.Scraper for deployments without a browser. Every
// call fails as a launch error so sessions still advance.
type Noop struct{}

// NewNoop creates a new Noop scraper.
func NewNoop() *Noop {
	return &Noop{}
}

// Scrape always returns a BrowserLaunchError.
func (Noop) Scrape(_ context.Context, town, industry string) ([]scrape.Business, error) {
	return nil, &scrape.BrowserLaunchError{
		Town:     town,
		Industry: industry,
		Err:      errors.New("headless scraper not configured"),
	}
}
