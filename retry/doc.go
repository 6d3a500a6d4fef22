// Package retry provides exponential backoff for transport deliveries.
// Intelligence channels fail fast and never pass through here.
package retry
