// Package api hosts the HTTP front end of the relay. Routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /search?q=...&getAiAnswer=... answers a query as plain text.
//   - GET /stats reports served counts and per-worker state.
//
// /search, /stats and unknown routes require an API key when auth is
// enabled, taken from the X-API-Key header or the api_key query parameter.
// /search may additionally be throttled per client, answering 429.
package api
