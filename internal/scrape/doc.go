// Package scrape defines the session model, contracts, and error taxonomy shared
// by the lead scraping subsystems (store, scraper, lookup, orchestrator, events).
package scrape
