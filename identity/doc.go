// Package identity resolves inbound senders to known identities. The
// resolver itself is host-supplied; this package owns the timeout,
// degradation to unknown, and the escalation hooks that can accept,
// challenge, or reject a degraded result.
package identity
