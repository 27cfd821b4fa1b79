// Package monitor implements the per-resource DNS monitor: fanning out
// DnsLookup tasks across every declared record and enabled nameserver,
// and the pure RoleResolver aggregation that turns the raw lookups into
// a MasterDnsStatus, one NodeDnsStatus per resource node, and the
// diagnostic messages explaining any escalation.
package monitor
