// Package api hosts the HTTP server for siteaudit's service mode. Routes:
//   - GET /healthz and /readyz for liveness and storage readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawls to submit a crawl and GET /v1/jobs/{job_id} to poll it.
//   - GET /v1/runs, GET and DELETE /v1/runs/{run_id}, and POST
//     /v1/runs/delete for run history.
//
// Run IDs embed the seed URL. The run routes take the rest of the path, so an
// ID may be sent raw (/v1/runs/crawl:https://example.com/:1700000000) or
// path-escaped.
package api
