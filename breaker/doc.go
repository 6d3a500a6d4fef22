// Package breaker implements the per-channel circuit breaker used by the
// event router to isolate failing transport deliveries.
package breaker
