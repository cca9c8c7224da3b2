// Package api hosts the operator HTTP endpoint of a crawl run. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for a JSON snapshot of run progress.
package api
