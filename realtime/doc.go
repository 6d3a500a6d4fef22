// Package realtime carries typing, presence, and read-receipt events to
// a room's live subscribers. Nothing here is persisted; missing a
// subscriber is not an error. The in-memory bus is the default, the
// NATS bus covers multi-process hosts.
package realtime
