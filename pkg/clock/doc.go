// Package clock provides a minimal wall-clock abstraction with a fake
// implementation for testing time horizons and backoff schedules.
package clock
