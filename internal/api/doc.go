// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/tasks to submit a crawl task, GET /v1/tasks/{task_id}/status,
//     /result and /errors to follow it.
//   - GET /api/runs, /api/runs/{task_id} and /api/runs/{task_id}/stats for
//     task run reporting via store.TaskRunRepository.
package api
