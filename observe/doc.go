// Package observe emits framework events — a lightweight observability
// stream of internal transitions, separate from persisted room events.
// Hosts subscribe by event name to feed their own telemetry.
package observe
