// Package hook runs user-supplied callbacks at defined pipeline points.
// Sync hooks form a deterministic chain that can block or modify the
// event; async hooks are concurrent side effects. Hook outcomes are
// explicit values — errors never steer the pipeline, they are captured
// as hook errors and reported in the result.
package hook
