// Package ratelimit throttles per-channel deliveries with a token
// bucket. Waits respect the caller's context, so pipeline cancellation
// cuts through a queued delivery.
package ratelimit
