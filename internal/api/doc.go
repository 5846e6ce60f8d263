// Package api hosts the HTTP server for the scanner. Routes:
//   - POST /v1/scans submits a URL for a teaser scan (rate limited per client IP).
//   - GET /v1/jobs/{job_id} polls a job.
//   - GET /v1/scans/{scan_id}?token= returns the teaser or, for paid scans, the full view.
//   - POST /v1/scans/{scan_id}/report?token= renders the report of a paid scan.
//   - POST /internal/payments/confirm records a payment (X-API-Key protected).
//   - GET /healthz and GET /metrics for probes and Prometheus.
package api
