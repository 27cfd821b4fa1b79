package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/aoappcluster/dnscluster/internal/dnslookup"
	"github.com/aoappcluster/dnscluster/pkg/logging"
	"github.com/aoappcluster/dnscluster/pkg/model"
)

// CheckInterval is the pause between passes while a monitor is running.
const CheckInterval = 30 * time.Second

// PublishFunc is invoked after each pass with the previous and newly
// published result, so the owning Cluster can hand it to the DNS
// listener channel.
type PublishFunc func(old, new *model.ResourceDnsResult)

type monitorState int

const (
	monitorStopped monitorState = iota
	monitorDisabled
	monitorRunning
)

// ResourceDnsMonitor runs one resource's periodic DNS pass: it fans out
// DnsLookup tasks across every declared record and enabled nameserver,
// aggregates them with ResolveNodes, and publishes the resulting
// ResourceDnsResult under its own lock.
type ResourceDnsMonitor struct {
	resource      model.Resource
	lookup        *dnslookup.Lookup
	maxGoroutines int
	publish       PublishFunc
	log           *logging.Logger

	mu      sync.Mutex
	state   monitorState
	last    *model.ResourceDnsResult
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New builds a ResourceDnsMonitor. maxGoroutines bounds how many DNS
// lookups each of this monitor's passes runs concurrently, on a pool the
// pass creates for itself.
func New(resource model.Resource, lookup *dnslookup.Lookup, maxGoroutines int, publish PublishFunc, log *logging.Logger) *ResourceDnsMonitor {
	return &ResourceDnsMonitor{
		resource:      resource,
		lookup:        lookup,
		maxGoroutines: maxGoroutines,
		publish:       publish,
		log:           log,
		state:         monitorStopped,
	}
}

// Start begins the monitor's pass loop, or marks it DISABLED without
// ever polling DNS if the cluster or the resource is disabled.
func (m *ResourceDnsMonitor) Start(ctx context.Context, clusterEnabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !clusterEnabled || !m.resource.Enabled() {
		m.state = monitorDisabled
		m.last = model.StoppedResourceDnsResult(m.resource)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopped = make(chan struct{})
	m.state = monitorRunning
	m.last = model.StoppedResourceDnsResult(m.resource)

	go m.loop(runCtx)
}

// Stop cancels the running pass loop and waits for it to exit.
func (m *ResourceDnsMonitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	stopped := m.stopped
	m.state = monitorStopped
	m.cancel = nil
	m.stopped = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopped != nil {
		<-stopped
	}
}

// LastResult returns the most recently published result.
func (m *ResourceDnsMonitor) LastResult() *model.ResourceDnsResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *ResourceDnsMonitor) loop(ctx context.Context) {
	defer close(m.stopped)
	for {
		m.runPass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(CheckInterval):
		}
	}
}

// runPass executes one full DNS pass: build the record set, fan out
// lookups on a bounded per-pass worker pool, aggregate with ResolveNodes,
// and publish atomically; a pass cancelled by Stop discards its result
// instead of publishing it. A panicking pass is logged and the loop continues
// on the next tick rather than taking the monitor down.
func (m *ResourceDnsMonitor) runPass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil && m.log != nil {
			m.log.Error("pass for resource %s panicked: %v", m.resource.ID(), r)
		}
	}()

	start := time.Now()
	nameservers := m.resource.EnabledNameservers()
	masterRecords := m.resource.MasterRecords()
	masterRecordsTTL := m.resource.MasterRecordsTTL()

	var mu sync.Mutex
	masterLookups := make(map[model.DnsName]model.RecordLookups, len(masterRecords))
	for _, rec := range masterRecords {
		masterLookups[rec] = make(model.RecordLookups, len(nameservers))
	}

	nodeLookups := make(map[string]map[model.DnsName]model.RecordLookups)
	for _, rn := range m.resource.ResourceNodes() {
		if !rn.Node.Enabled {
			continue
		}
		perRecord := make(map[model.DnsName]model.RecordLookups, len(rn.NodeRecords))
		for _, rec := range rn.NodeRecords {
			perRecord[rec] = make(model.RecordLookups, len(nameservers))
		}
		nodeLookups[rn.Node.ID] = perRecord
	}

	p := pool.New().WithMaxGoroutines(maxInt(m.maxGoroutines, 1))

	for _, rec := range masterRecords {
		rec := rec
		for _, ns := range nameservers {
			ns := ns
			ttl := masterTTLExpectation(ns, masterRecordsTTL)
			p.Go(func() {
				r := m.lookup.Resolve(ctx, rec, ns, ttl)
				mu.Lock()
				masterLookups[rec][ns] = r
				mu.Unlock()
			})
		}
	}

	for _, rn := range m.resource.ResourceNodes() {
		if !rn.Node.Enabled {
			continue
		}
		perRecord := nodeLookups[rn.Node.ID]
		for _, rec := range rn.NodeRecords {
			rec := rec
			for _, ns := range nameservers {
				ns := ns
				p.Go(func() {
					r := m.lookup.Resolve(ctx, rec, ns, nil)
					mu.Lock()
					perRecord[rec][ns] = r
					mu.Unlock()
				})
			}
		}
	}

	p.Wait()

	masterStatus, masterMessages, nodeResults, nodeOrder := ResolveNodes(m.resource, masterLookups, nodeLookups, nameservers)

	result := &model.ResourceDnsResult{
		Resource:             m.resource,
		StartTime:            start,
		EndTime:              time.Now(),
		MasterRecordLookups:  masterLookups,
		MasterStatus:         masterStatus,
		MasterStatusMessages: masterMessages,
		NodeResults:          nodeResults,
		NodeOrder:            nodeOrder,
	}

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	old := m.last
	m.last = result
	m.mu.Unlock()

	if m.publish != nil {
		m.publish(old, result)
	}
}

// saveLastResult is a reserved hook for persisting a pass's result
// across restarts; the coordinator keeps no persisted state, so this is
// intentionally a no-op.
func (m *ResourceDnsMonitor) saveLastResult(result *model.ResourceDnsResult) {}

// loadLastResult is the corresponding reserved hook for restoring a
// persisted result at startup; always returns nil since nothing is ever
// saved.
func (m *ResourceDnsMonitor) loadLastResult() *model.ResourceDnsResult { return nil }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// masterTTLExpectation builds the TTL tolerance rule for one nameserver's
// lookup of a master record: strictness is a per-nameserver property, not
// a per-pass one, so this must be called fresh for every nameserver rather
// than reused across the loop.
func masterTTLExpectation(ns model.Nameserver, masterRecordsTTL int) *dnslookup.TTLExpectation {
	return &dnslookup.TTLExpectation{MasterRecordsTTL: masterRecordsTTL, StrictTTL: ns.StrictTTL}
}
