/*
Package metrics provides Prometheus metrics and health endpoints for
repowarden.

Metrics are package-level collectors registered in init(); components bump
them directly. The health checker tracks per-component liveness and backs
the /health, /ready, and /live HTTP endpoints.
*/
package metrics
