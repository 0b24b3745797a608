// Package resilience holds the cross-cutting guards used around every call to
// an external collaborator or the store: retry with backoff, per-dependency
// circuit breakers, correlation-scoped logging and OpenTelemetry metrics.
package resilience
