// Package dedupe drops redelivered inbound messages before they reach a
// room's pipeline. It complements the store's idempotency-key check: the
// cache is a cheap front gate keyed by provider delivery ids, the store
// check is the authoritative per-room guarantee.
package dedupe
