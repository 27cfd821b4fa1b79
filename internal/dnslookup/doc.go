// Package dnslookup performs single-shot A-record lookups for one
// (hostname, nameserver) pair, with per-nameserver resolver memoization,
// bounded retries, and the master-record TTL tolerance rule.
package dnslookup
