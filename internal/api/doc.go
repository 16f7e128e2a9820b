// Package api hosts the read-only HTTP status server. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/jobs and /v1/jobs/{job_id} for checkpoint summaries.
//   - GET /v1/jobs/{job_id}/pages?state= for queue contents.
//
// The server never writes job state, so it can run next to a crawl.
package api
