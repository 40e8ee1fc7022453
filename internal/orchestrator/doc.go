// Package orchestrator advances scraping sessions one town per step. All
// session state lives in the injected SessionStore, so consecutive steps
// may run in different processes.
package orchestrator
