/*
Package model defines the core value types and external collaborator
interfaces for the DNS cluster coordinator.

# Data model

Node, Nameserver, Resource, ResourceNode, DnsLookupResult,
ResourceNodeDnsResult, ResourceDnsResult, and ResourceSynchronizationResult
form an immutable value-type graph: a Cluster builds Nodes and Resources
from configuration once at startup, and every result type published
afterward is read-only from the moment it is constructed.

Resource is modeled as a closed family of two shapes — a plain
genericResource and a cron-driven cronResource — behind the Resource and
CronResource interfaces, rather than as a generic self-typed hierarchy.

# External interfaces

ConfigurationSource, NodeConfiguration, ResourceConfiguration,
ResourceNodeConfiguration, Synchronizer, and Listener describe the
collaborators the coordinator consumes but does not implement: the
configuration loader, the resource-type plugin factory, and the concrete
synchronization backends (rsync, csync2, or similar).
*/
package model
