// Package api hosts the HTTP server, middleware, and REST handlers for
// operators. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to submit source references; GET /v1/runs/{run_id} for
//     status with per-item failure detail.
//   - GET /v1/runs/{run_id}/stages for per-stage aggregates from the progress
//     repository.
//   - GET /v1/runs/{run_id}/report.xlsx for the spreadsheet export.
package api
