// Package model defines the coordinator's core value types: nodes,
// resources, nameservers, and the immutable result types published by
// the DNS monitor and the synchronizer scheduler.
package model

import (
	"sort"
	"time"

	"github.com/aoappcluster/dnscluster/pkg/status"
)

// DnsName is a configured DNS A-record name, either a master record or a
// node record.
type DnsName string

// Nameserver is one nameserver consulted during a DNS pass. As a map key
// and under == it compares both fields, not Hostname alone;
// EnabledNameservers deduplicates by Hostname. StrictTTL controls which
// TTL tolerance rule applies to master-record lookups resolved through it.
type Nameserver struct {
	Hostname  string
	StrictTTL bool
}

// Node is one machine participating in the cluster.
type Node struct {
	ID          string
	Enabled     bool
	Display     string
	Hostname    string
	Username    string
	Nameservers []Nameserver
}

// IsLocal reports whether this node's (hostname, username) matches the
// process's canonical hostname and current user.
func (n *Node) IsLocal(hostname, username string) bool {
	return n.Hostname == hostname && n.Username == username
}

// ResourceNode binds a Node to one Resource, carrying the DNS A-record
// names that advertise that node's address for the resource.
type ResourceNode struct {
	Node        *Node
	NodeRecords []DnsName
}

// SynchronizerFactory builds the plugin-supplied Synchronizer for one
// (local, remote) resource-node pair. Returning a nil Synchronizer (with
// a nil error) means the pair has no applicable synchronization, per the
// resource-type plugin contract.
type SynchronizerFactory func(local, remote *ResourceNode, cfg ResourceNodeConfiguration) (Synchronizer, error)

// Resource is a clustered service whose active master is advertised via
// DNS. Resource is a closed family of two shapes (plain and cron-driven);
// callers that need cron scheduling information type-assert to
// CronResource.
type Resource interface {
	ID() string
	Enabled() bool
	Display() string
	Type() string
	MasterRecords() []DnsName
	MasterRecordsTTL() int
	AllowMultiMaster() bool
	ResourceNodes() []*ResourceNode
	// EnabledNameservers is the union of Nameservers across all enabled
	// resourceNodes' Nodes, in first-seen order.
	EnabledNameservers() []Nameserver
	NewResourceSynchronizer(local, remote *ResourceNode, cfg ResourceNodeConfiguration) (Synchronizer, error)
}

// CronResource is a Resource whose synchronization and test runs are
// gated by cron schedules, evaluated by the scheduler.
type CronResource interface {
	Resource
	SynchronizeTimeout() time.Duration
	TestTimeout() time.Duration
	SynchronizeSchedule(local, remote *Node) string
	TestSchedule(local, remote *Node) string
}

type baseResource struct {
	id                  string
	enabled             bool
	display             string
	resourceType        string
	masterRecords       []DnsName
	masterRecordsTTL    int
	allowMultiMaster    bool
	resourceNodes       []*ResourceNode
	synchronizerFactory SynchronizerFactory
}

func (r *baseResource) ID() string                     { return r.id }
func (r *baseResource) Enabled() bool                  { return r.enabled }
func (r *baseResource) Display() string                { return r.display }
func (r *baseResource) Type() string                   { return r.resourceType }
func (r *baseResource) MasterRecords() []DnsName       { return r.masterRecords }
func (r *baseResource) MasterRecordsTTL() int          { return r.masterRecordsTTL }
func (r *baseResource) AllowMultiMaster() bool         { return r.allowMultiMaster }
func (r *baseResource) ResourceNodes() []*ResourceNode { return r.resourceNodes }

func (r *baseResource) EnabledNameservers() []Nameserver {
	seen := make(map[string]bool)
	var out []Nameserver
	for _, rn := range r.resourceNodes {
		if rn.Node == nil || !rn.Node.Enabled {
			continue
		}
		for _, ns := range rn.Node.Nameservers {
			if seen[ns.Hostname] {
				continue
			}
			seen[ns.Hostname] = true
			out = append(out, ns)
		}
	}
	return out
}

func (r *baseResource) NewResourceSynchronizer(local, remote *ResourceNode, cfg ResourceNodeConfiguration) (Synchronizer, error) {
	if r.synchronizerFactory == nil {
		return nil, nil
	}
	return r.synchronizerFactory(local, remote, cfg)
}

// genericResource is a Resource with no cron schedule of its own; the
// cluster runs only its DNS monitor and builds no synchronizer scheduler
// for it.
type genericResource struct {
	baseResource
}

// NewGenericResource builds a Resource with no cron schedules attached.
func NewGenericResource(id string, enabled bool, display, resourceType string, masterRecords []DnsName, masterRecordsTTL int, allowMultiMaster bool, resourceNodes []*ResourceNode, factory SynchronizerFactory) Resource {
	return &genericResource{baseResource{
		id:                  id,
		enabled:             enabled,
		display:             display,
		resourceType:        resourceType,
		masterRecords:       masterRecords,
		masterRecordsTTL:    masterRecordsTTL,
		allowMultiMaster:    allowMultiMaster,
		resourceNodes:       resourceNodes,
		synchronizerFactory: factory,
	}}
}

// cronResource is a Resource driven by per-pair cron schedules, consumed
// by the SynchronizerScheduler.
type cronResource struct {
	baseResource
	synchronizeTimeout  time.Duration
	testTimeout         time.Duration
	synchronizeSchedule func(local, remote *Node) string
	testSchedule        func(local, remote *Node) string
}

// NewCronResource builds a Resource whose scheduler derives its cron
// expressions from the given (local, remote) node pair.
func NewCronResource(
	id string, enabled bool, display, resourceType string,
	masterRecords []DnsName, masterRecordsTTL int, allowMultiMaster bool,
	resourceNodes []*ResourceNode, factory SynchronizerFactory,
	synchronizeTimeout, testTimeout time.Duration,
	synchronizeSchedule, testSchedule func(local, remote *Node) string,
) CronResource {
	return &cronResource{
		baseResource: baseResource{
			id:                  id,
			enabled:             enabled,
			display:             display,
			resourceType:        resourceType,
			masterRecords:       masterRecords,
			masterRecordsTTL:    masterRecordsTTL,
			allowMultiMaster:    allowMultiMaster,
			resourceNodes:       resourceNodes,
			synchronizerFactory: factory,
		},
		synchronizeTimeout:  synchronizeTimeout,
		testTimeout:         testTimeout,
		synchronizeSchedule: synchronizeSchedule,
		testSchedule:        testSchedule,
	}
}

func (r *cronResource) SynchronizeTimeout() time.Duration { return r.synchronizeTimeout }
func (r *cronResource) TestTimeout() time.Duration        { return r.testTimeout }
func (r *cronResource) SynchronizeSchedule(local, remote *Node) string {
	return r.synchronizeSchedule(local, remote)
}
func (r *cronResource) TestSchedule(local, remote *Node) string {
	return r.testSchedule(local, remote)
}

// sortedSet returns a sorted copy of values with duplicates removed.
func sortedSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// DnsLookupResult is the outcome of one DnsLookup attempt for one
// (hostname, nameserver) pair.
type DnsLookupResult struct {
	Name           DnsName
	Status         status.DnsLookupStatus
	StatusMessages []string
	Addresses      []string
}

// NewDnsLookupResult builds a DnsLookupResult, sorting and deduplicating
// messages and addresses: addresses is non-empty iff status is
// SUCCESSFUL or WARNING.
func NewDnsLookupResult(name DnsName, s status.DnsLookupStatus, messages, addresses []string) DnsLookupResult {
	return DnsLookupResult{
		Name:           name,
		Status:         s,
		StatusMessages: sortedSet(messages),
		Addresses:      sortedSet(addresses),
	}
}

// RecordLookups maps one declared DNS record name to the lookup result
// observed from each enabled nameserver.
type RecordLookups map[Nameserver]DnsLookupResult

// ResourceNodeDnsResult is one resource node's contribution to a
// ResourceDnsResult: its per-record, per-nameserver lookups and the
// resulting NodeDnsStatus. NodeRecordLookups is nil for disabled nodes.
type ResourceNodeDnsResult struct {
	ResourceNode       *ResourceNode
	NodeRecordLookups  map[DnsName]RecordLookups
	NodeStatus         status.NodeDnsStatus
	NodeStatusMessages []string
}

// ResourceDnsResult is the immutable, published outcome of one
// ResourceDnsMonitor pass.
type ResourceDnsResult struct {
	Resource             Resource
	StartTime            time.Time
	EndTime              time.Time
	MasterRecordLookups  map[DnsName]RecordLookups
	MasterStatus         status.MasterDnsStatus
	MasterStatusMessages []string
	// NodeResults is keyed by Node.ID; NodeOrder preserves the
	// resourceNodes declaration order used throughout the pass.
	NodeResults map[string]*ResourceNodeDnsResult
	NodeOrder   []string
}

// ResourceStatus is the overall severity this DNS result contributes,
// escalating the master status with any node that ended INCONSISTENT.
func (r *ResourceDnsResult) ResourceStatus() status.ResourceStatus {
	s := r.MasterStatus.ResourceStatus()
	for _, id := range r.NodeOrder {
		nr := r.NodeResults[id]
		if nr == nil {
			continue
		}
		s = status.MaxResourceStatus(s, nr.NodeStatus.ResourceStatus())
	}
	return s
}

// StoppedResourceDnsResult constructs the placeholder result a monitor
// publishes before its first pass, used as the "old" value of the first
// listener notification.
func StoppedResourceDnsResult(r Resource) *ResourceDnsResult {
	now := time.Now()
	return &ResourceDnsResult{
		Resource:     r,
		StartTime:    now,
		EndTime:      now,
		MasterStatus: status.MasterStopped,
		NodeResults:  make(map[string]*ResourceNodeDnsResult),
	}
}

// Step is one recorded phase of a synchronization or test run.
type Step struct {
	StartTime      time.Time
	EndTime        time.Time
	ResourceStatus status.ResourceStatus
	Description    string
	Outputs        []string
	Warnings       []string
	Errors         []string
}

// ResourceSynchronizationResult is the immutable, published outcome of
// one synchronizer scheduler work item. Steps is always non-empty.
type ResourceSynchronizationResult struct {
	LocalResourceNode  *ResourceNode
	RemoteResourceNode *ResourceNode
	Mode               status.SynchronizationMode
	Steps              []Step
}

// StartTime is the earliest step start time.
func (r *ResourceSynchronizationResult) StartTime() time.Time {
	if len(r.Steps) == 0 {
		return time.Time{}
	}
	t := r.Steps[0].StartTime
	for _, s := range r.Steps[1:] {
		if s.StartTime.Before(t) {
			t = s.StartTime
		}
	}
	return t
}

// EndTime is the latest step end time.
func (r *ResourceSynchronizationResult) EndTime() time.Time {
	if len(r.Steps) == 0 {
		return time.Time{}
	}
	t := r.Steps[0].EndTime
	for _, s := range r.Steps[1:] {
		if s.EndTime.After(t) {
			t = s.EndTime
		}
	}
	return t
}

// ResourceStatus is the most severe status among the recorded steps.
func (r *ResourceSynchronizationResult) ResourceStatus() status.ResourceStatus {
	var s status.ResourceStatus
	for i, step := range r.Steps {
		if i == 0 {
			s = step.ResourceStatus
			continue
		}
		s = status.MaxResourceStatus(s, step.ResourceStatus)
	}
	return s
}

// ErrorStep builds a single-step result recording a failed synchronize
// or test attempt (timeout or exception), per the scheduler's error
// handling policy.
func ErrorStep(description string, err error, start time.Time) ResourceSynchronizationResult {
	end := time.Now()
	return ResourceSynchronizationResult{
		Steps: []Step{{
			StartTime:      start,
			EndTime:        end,
			ResourceStatus: status.ResourceError,
			Description:    description,
			Errors:         []string{err.Error()},
		}},
	}
}
