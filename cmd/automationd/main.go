// Package main is the product automation service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts runs of source references, reports status with per-item failure
//     detail, cancels and resubmits runs, and exports run reports as XLSX.
//   - Job store: runs and items live in Postgres when db.dsn is set and in a local SQLite file otherwise. The
//     store is the work queue; workers claim items under a lease and record each stage result exactly once.
//   - Worker pool: pipeline.workers workers (default 2) claim items and drive them through
//     scraping → copywriting → image generation → publishing. Each provider call passes through the shared
//     per-provider rate limiter and bounded retry for transient errors.
//   - Persistence & fanout: generated images go to the configured BlobStore (memory/local/GCS); a run summary
//     is published to Pub/Sub when a run finishes and a topic is configured.
//   - Observability: zap structured logs keyed by run_id/item_id/stage; Prometheus metrics on /metrics;
//     OpenTelemetry spans per stage; the progress hub batches pipeline events to log, metric and store sinks.
//
// Quick checklist:
//   - Configure env vars: AUTOMATION_SERVER_PORT, AUTOMATION_PIPELINE_WORKERS, AUTOMATION_PROVIDERS_*_API_KEY,
//     AUTOMATION_PROVIDERS_PUBLISHER_ENDPOINT, AUTOMATION_DB_DSN (or AUTOMATION_DB_SQLITE_PATH), storage and
//     pubsub settings. A .env file in the working directory is loaded first.
//   - Serve: go run ./cmd/automationd serve --config config.yaml
//   - One-shot: go run ./cmd/automationd submit --wait https://shop.example/products/a
package main

import "github.com/JakeFAU/product-automation/cmd"

func main() {
	cmd.Execute()
}
