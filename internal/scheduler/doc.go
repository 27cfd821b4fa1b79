// Package scheduler drives cron-gated resource synchronization. Each
// CronResourceSynchronizer owns one (local, remote) resource-node pair of
// a CronResource, evaluates that pair's synchronize and test cron
// schedules once per minute, and runs the resource's Synchronizer under a
// deadline when a schedule matches.
package scheduler
