// Package route resolves inbound messages to rooms. The default router
// consults only the store; hosts plug in their own Router to apply
// custom assignment rules.
package route
