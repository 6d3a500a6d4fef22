// Package metrics exposes Prometheus collectors for pipeline outcomes,
// deliveries, and hook failures. Collection is opt-in; the engine runs
// with a nil *Metrics by default.
package metrics
