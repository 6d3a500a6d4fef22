// Package lock serializes work per room. The inbound pipeline holds a
// room's exclusive section while it assigns event indices and mutates
// room state, so indices stay monotone and gap-free.
package lock
