// Package api hosts the operator HTTP surface. Notable routes:
//   - GET /healthz and /readyz for probes; readyz fails when health is critical.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/tasks and /v1/tasks/bulk to submit departments.
//   - GET /v1/tasks/{id}, /v1/stats and /v1/dashboard for progress.
//   - POST /v1/papers/{id}/reanalyze and DELETE /v1/papers/{id} for analysis
//     maintenance.
package api
