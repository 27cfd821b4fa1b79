// Package metrics exposes the cluster's Prometheus instrumentation: DNS
// monitor pass durations and lookup outcomes, scheduler state and
// transitions, synchronization results, and per-resource aggregate
// status, served over an HTTP endpoint via promhttp.
package metrics
