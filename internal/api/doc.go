// Package api hosts the HTTP server, middleware, and session handlers.
// Notable routes:
//   - POST /api/scrape/start, /api/scrape/{session_id}/process and /stop.
//   - GET /api/scrape/{session_id} for the full session record.
//   - GET /api/scrape/{session_id}/status for the Server-Sent Events stream.
//   - GET /healthz, /readyz for probes and /metrics for Prometheus scraping.
package api
