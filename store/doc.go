// Package store defines the persistent entities of roomkit — rooms,
// events, channel bindings, participants, identities, tasks, and
// observations — together with the Store contract and an in-memory
// reference implementation.
//
// Entities are immutable by convention: all mutation goes through the
// store, and implementations return defensive copies. Cross-entity
// references are by id; there are no back-pointers across ownership
// boundaries.
package store
