// Package cluster owns the coordinator's lifecycle: it loads the
// configured nodes and resources, identifies which configured node this
// process is, starts one ResourceDnsMonitor and any cron schedulers per
// resource, and serializes result delivery to registered Listeners.
package cluster
