package model

import (
	"context"
	"time"

	"github.com/aoappcluster/dnscluster/pkg/status"
)

// ConfigurationListener is notified when the backing configuration
// source detects a change that should trigger a cluster reload.
type ConfigurationListener interface {
	OnConfigurationChanged()
}

// ConfigurationSource is the external collaborator that owns parsing
// and hot-reload of the node/resource configuration; the coordinator
// treats it as an opaque provider.
type ConfigurationSource interface {
	IsEnabled() bool
	Display() string
	NodeConfigurations() ([]NodeConfiguration, error)
	ResourceConfigurations() ([]ResourceConfiguration, error)
	Start(ctx context.Context) error
	Stop() error
	AddConfigurationListener(l ConfigurationListener)
	RemoveConfigurationListener(l ConfigurationListener)
}

// NodeConfiguration describes one configured node before it is resolved
// into a Node by the cluster.
type NodeConfiguration interface {
	ID() string
	Enabled() bool
	Display() string
	Hostname() string
	Username() string
	// Nameservers maps each configured nameserver hostname to its
	// strictTtl setting.
	Nameservers() map[string]bool
}

// ResourceNodeConfiguration describes one configured (resource, node)
// binding before it is resolved into a ResourceNode.
type ResourceNodeConfiguration interface {
	ResourceID() string
	NodeID() string
	NodeRecords() []DnsName
}

// ResourceConfiguration describes one configured resource and acts as
// the resource-type plugin factory: NewResource builds the runtime
// Resource bound to the already-resolved ResourceNodes.
type ResourceConfiguration interface {
	ID() string
	Enabled() bool
	Display() string
	MasterRecords() []DnsName
	MasterRecordsTTL() int
	Type() string
	AllowMultiMaster() bool
	ResourceNodeConfigurations() []ResourceNodeConfiguration
	NewResource(cluster ClusterContext, resourceNodes []*ResourceNode) (Resource, error)
}

// CronResourceConfiguration is a ResourceConfiguration for resource
// types that are driven by cron schedules.
type CronResourceConfiguration interface {
	ResourceConfiguration
	SynchronizeTimeout() time.Duration
	TestTimeout() time.Duration
	SynchronizeSchedule(local, remote *Node) string
	TestSchedule(local, remote *Node) string
}

// ClusterContext is the capability surface a Resource plugin receives
// when it is constructed: submission to the shared worker pool and
// access to cluster-wide identity.
type ClusterContext interface {
	// Submit runs fn on the cluster's shared worker pool and blocks
	// until it completes or ctx is done.
	Submit(ctx context.Context, fn func(ctx context.Context)) error
	LocalNode() *Node
}

// Synchronizer is the concrete, resource-type-specific implementation
// invoked by the scheduler (rsync, csync2, or any other transport). It
// is never implemented by the coordinator itself.
type Synchronizer interface {
	// CanSynchronize reports whether a run of the given mode is
	// currently meaningful, given the latest DNS views of both sides.
	CanSynchronize(mode status.SynchronizationMode, localDNS, remoteDNS *ResourceDnsResult) bool
	Synchronize(ctx context.Context, mode status.SynchronizationMode, localDNS, remoteDNS *ResourceDnsResult) (*ResourceSynchronizationResult, error)
}

// Listener observes published results. OnResourceDnsResult's old value
// is never nil (a STOPPED placeholder always precedes the first pass);
// OnResourceSynchronizationResult's old value is nil on first delivery.
type Listener interface {
	OnResourceDnsResult(old, new *ResourceDnsResult)
	OnResourceSynchronizationResult(old, new *ResourceSynchronizationResult)
}
