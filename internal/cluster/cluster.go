package cluster

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/aoappcluster/dnscluster/internal/dnslookup"
	"github.com/aoappcluster/dnscluster/internal/metrics"
	"github.com/aoappcluster/dnscluster/internal/monitor"
	"github.com/aoappcluster/dnscluster/internal/scheduler"
	"github.com/aoappcluster/dnscluster/pkg/clusterrors"
	"github.com/aoappcluster/dnscluster/pkg/logging"
	"github.com/aoappcluster/dnscluster/pkg/model"
	"github.com/aoappcluster/dnscluster/pkg/recovery"
	"github.com/aoappcluster/dnscluster/pkg/status"
)

// notificationBuffer bounds each listener-delivery channel; a monitor or
// scheduler goroutine blocks on send if a listener is falling behind,
// mirroring an unbounded Java single-threaded executor's queue closely
// enough without actually being unbounded.
const notificationBuffer = 256

// Freshness windows for a published ResourceDnsResult, derived from the
// monitor's own pass cadence and retry budget.
var (
	warningSeconds = 10*time.Second + monitor.CheckInterval + time.Duration(dnslookup.Attempts)*dnslookup.QueryTimeout
	errorSeconds   = warningSeconds + monitor.CheckInterval
)

type dnsNotification struct{ old, new *model.ResourceDnsResult }
type syncNotification struct{ old, new *model.ResourceSynchronizationResult }

// Cluster is the coordinator's top-level object: one per process. It
// implements model.ClusterContext (passed to each Resource plugin at
// construction) and model.ConfigurationListener (registered with the
// configuration source to drive reloads).
type Cluster struct {
	configSource model.ConfigurationSource
	maxGoroutines int
	log          *logging.Logger

	startedLock sync.Mutex
	started     bool

	nodes     []*model.Node
	resources []model.Resource
	localNode *model.Node

	lookup   *dnslookup.Lookup
	pool     *pool.Pool
	metrics  *metrics.Collector
	recovery *recovery.Manager

	monitors   map[string]*monitor.ResourceDnsMonitor
	schedulers map[string][]*scheduler.CronResourceSynchronizer

	listenersMu sync.Mutex
	listeners   []model.Listener

	dnsCh      chan dnsNotification
	syncCh     chan syncNotification
	notifyDone sync.WaitGroup
}

// New builds a Cluster bound to the given configuration source.
// maxGoroutines bounds both the DNS lookup fan-out per pass and the
// shared worker pool exposed through Submit.
func New(configSource model.ConfigurationSource, maxGoroutines int, log *logging.Logger) *Cluster {
	return &Cluster{
		configSource:  configSource,
		maxGoroutines: maxGoroutines,
		log:           log,
	}
}

// SetMetrics attaches a metrics.Collector that future monitor passes,
// scheduler work, and status changes report to. Must be called before
// Start; a nil or never-set collector leaves instrumentation off.
func (c *Cluster) SetMetrics(m *metrics.Collector) {
	c.startedLock.Lock()
	defer c.startedLock.Unlock()
	c.metrics = m
}

// SetRecovery attaches a recovery.Manager that future synchronization
// results report to, classifying a resource as degraded once its
// synchronizer has failed repeatedly in a row. Must be called before
// Start; a never-set Manager leaves degraded tracking off.
func (c *Cluster) SetRecovery(r *recovery.Manager) {
	c.startedLock.Lock()
	defer c.startedLock.Unlock()
	c.recovery = r
}

// AddListener registers a Listener to receive future published results.
func (c *Cluster) AddListener(l model.Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// RemoveListener unregisters a previously added Listener.
func (c *Cluster) RemoveListener(l model.Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for i, existing := range c.listeners {
		if existing == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// LocalNode implements model.ClusterContext.
func (c *Cluster) LocalNode() *model.Node {
	c.startedLock.Lock()
	defer c.startedLock.Unlock()
	return c.localNode
}

// Submit implements model.ClusterContext: it runs fn on the shared
// worker pool and blocks until fn completes or ctx is done, whichever
// comes first. fn itself keeps running on the pool after a ctx timeout;
// callers that need a cancellable fn must check ctx inside it.
func (c *Cluster) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	c.startedLock.Lock()
	p := c.pool
	c.startedLock.Unlock()
	if p == nil {
		return clusterrors.New(clusterrors.ErrCodeNotStarted, "cluster worker pool is not running").WithComponent("cluster")
	}

	done := make(chan struct{})
	p.Go(func() {
		defer close(done)
		fn(ctx)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// OnConfigurationChanged implements model.ConfigurationListener: a
// detected configuration change tears the cluster down and rebuilds it
// from scratch under the started lock.
func (c *Cluster) OnConfigurationChanged() {
	c.startedLock.Lock()
	defer c.startedLock.Unlock()
	if !c.started {
		return
	}
	c.shutdownLocked()
	if err := c.startUpLocked(context.Background()); err != nil && c.log != nil {
		c.log.Error("cluster reload failed: %v", err)
	}
}

// Start loads configuration, validates it, and starts every resource's
// monitor and schedulers. It returns a *clusterrors.ClusterError with
// category "configuration" if the configuration is invalid or
// inconsistent; the cluster never transitions to running in that case.
func (c *Cluster) Start(ctx context.Context) error {
	c.startedLock.Lock()
	defer c.startedLock.Unlock()
	if c.started {
		return clusterrors.New(clusterrors.ErrCodeAlreadyStarted, "cluster already started").WithComponent("cluster")
	}
	return c.startUpLocked(ctx)
}

// Stop reverses Start: every scheduler then every monitor, then the
// shared pool, notification goroutines, and finally the configuration
// source.
func (c *Cluster) Stop() {
	c.startedLock.Lock()
	defer c.startedLock.Unlock()
	if !c.started {
		return
	}
	c.shutdownLocked()
}

func (c *Cluster) startUpLocked(ctx context.Context) error {
	if err := c.configSource.Start(ctx); err != nil {
		return clusterrors.ConfigurationError(fmt.Sprintf("starting configuration source: %v", err)).WithCause(err)
	}
	c.configSource.AddConfigurationListener(c)

	nodes, resources, rnConfigs, err := c.buildTopology()
	if err != nil {
		_ = c.configSource.Stop()
		return err
	}
	if err := validateConsistency(nodes, resources); err != nil {
		_ = c.configSource.Stop()
		return clusterrors.ConfigurationError(err.Error()).WithCause(err)
	}

	c.nodes = nodes
	c.resources = resources
	c.localNode = identifyLocalNode(nodes)

	c.lookup = dnslookup.New()
	c.pool = pool.New().WithMaxGoroutines(maxInt(c.maxGoroutines, 1))

	c.dnsCh = make(chan dnsNotification, notificationBuffer)
	c.syncCh = make(chan syncNotification, notificationBuffer)
	c.notifyDone.Add(2)
	go c.dnsNotifyLoop()
	go c.syncNotifyLoop()

	clusterEnabled := c.configSource.IsEnabled()
	c.monitors = make(map[string]*monitor.ResourceDnsMonitor, len(resources))
	c.schedulers = make(map[string][]*scheduler.CronResourceSynchronizer)

	for _, resource := range resources {
		m := monitor.New(resource, c.lookup, c.maxGoroutines, c.publishDnsResult, c.log)
		c.monitors[resource.ID()] = m
		m.Start(ctx, clusterEnabled)

		c.startSchedulersFor(ctx, resource, m, rnConfigs[resource.ID()], clusterEnabled)
	}

	if c.metrics != nil {
		c.metrics.SetActiveResources(len(resources))
	}

	c.started = true
	return nil
}

// startSchedulersFor builds one CronResourceSynchronizer per (local,
// remote) resource-node pair, when the resource is cron-driven and this
// process is one of its resource nodes.
func (c *Cluster) startSchedulersFor(
	ctx context.Context,
	resource model.Resource,
	m *monitor.ResourceDnsMonitor,
	rnConfigs map[string]model.ResourceNodeConfiguration,
	clusterEnabled bool,
) {
	cronResource, ok := resource.(model.CronResource)
	if !ok || c.localNode == nil {
		return
	}

	var localRN *model.ResourceNode
	for _, rn := range resource.ResourceNodes() {
		if rn.Node.ID == c.localNode.ID {
			localRN = rn
			break
		}
	}
	if localRN == nil {
		return
	}

	dnsResult := func() *model.ResourceDnsResult { return m.LastResult() }

	for _, remoteRN := range resource.ResourceNodes() {
		if remoteRN.Node.ID == c.localNode.ID {
			continue
		}
		cfg := rnConfigs[remoteRN.Node.ID]
		synchronizer, err := resource.NewResourceSynchronizer(localRN, remoteRN, cfg)
		if err != nil {
			if c.log != nil {
				c.log.Error("building synchronizer for resource %s node %s: %v", resource.ID(), remoteRN.Node.ID, err)
			}
			continue
		}
		resourceID := resource.ID()
		publish := func(old, new *model.ResourceSynchronizationResult) { c.publishSyncResult(resourceID, old, new) }
		sched, err := scheduler.New(cronResource, localRN, remoteRN, synchronizer, dnsResult, dnsResult, publish, c.log)
		if err != nil {
			if c.log != nil {
				c.log.Error("building scheduler for resource %s node %s: %v", resource.ID(), remoteRN.Node.ID, err)
			}
			continue
		}
		sched.Start(ctx, clusterEnabled)
		c.schedulers[resource.ID()] = append(c.schedulers[resource.ID()], sched)
	}
}

func (c *Cluster) shutdownLocked() {
	for _, resource := range c.resources {
		for _, sched := range c.schedulers[resource.ID()] {
			sched.Stop()
		}
		if m, ok := c.monitors[resource.ID()]; ok {
			m.Stop()
		}
	}

	if c.pool != nil {
		c.pool.Wait()
		c.pool = nil
	}

	if c.dnsCh != nil {
		close(c.dnsCh)
	}
	if c.syncCh != nil {
		close(c.syncCh)
	}
	c.notifyDone.Wait()

	c.configSource.RemoveConfigurationListener(c)
	if err := c.configSource.Stop(); err != nil && c.log != nil {
		c.log.Error("stopping configuration source: %v", err)
	}

	c.monitors = nil
	c.schedulers = nil
	c.resources = nil
	c.nodes = nil
	c.localNode = nil
	c.started = false
}

// buildTopology resolves the configuration source's node and resource
// configurations into the runtime Node/Resource graph, and returns the
// per-resource, per-node ResourceNodeConfiguration needed to construct
// synchronizers later.
func (c *Cluster) buildTopology() ([]*model.Node, []model.Resource, map[string]map[string]model.ResourceNodeConfiguration, error) {
	nodeCfgs, err := c.configSource.NodeConfigurations()
	if err != nil {
		return nil, nil, nil, clusterrors.ConfigurationError(fmt.Sprintf("loading node configurations: %v", err)).WithCause(err)
	}

	nodes := make([]*model.Node, 0, len(nodeCfgs))
	nodesByID := make(map[string]*model.Node, len(nodeCfgs))
	for _, cfg := range nodeCfgs {
		nameserverMap := cfg.Nameservers()
		hostnames := make([]string, 0, len(nameserverMap))
		for host := range nameserverMap {
			hostnames = append(hostnames, host)
		}
		sort.Strings(hostnames)
		nameservers := make([]model.Nameserver, 0, len(hostnames))
		for _, host := range hostnames {
			nameservers = append(nameservers, model.Nameserver{Hostname: host, StrictTTL: nameserverMap[host]})
		}

		n := &model.Node{
			ID:          cfg.ID(),
			Enabled:     cfg.Enabled(),
			Display:     cfg.Display(),
			Hostname:    cfg.Hostname(),
			Username:    cfg.Username(),
			Nameservers: nameservers,
		}
		nodes = append(nodes, n)
		nodesByID[n.ID] = n
	}

	resourceCfgs, err := c.configSource.ResourceConfigurations()
	if err != nil {
		return nil, nil, nil, clusterrors.ConfigurationError(fmt.Sprintf("loading resource configurations: %v", err)).WithCause(err)
	}

	resources := make([]model.Resource, 0, len(resourceCfgs))
	rnConfigs := make(map[string]map[string]model.ResourceNodeConfiguration, len(resourceCfgs))

	for _, rcfg := range resourceCfgs {
		rnCfgs := rcfg.ResourceNodeConfigurations()
		resourceNodes := make([]*model.ResourceNode, 0, len(rnCfgs))
		perNode := make(map[string]model.ResourceNodeConfiguration, len(rnCfgs))

		for _, rn := range rnCfgs {
			node, ok := nodesByID[rn.NodeID()]
			if !ok {
				return nil, nil, nil, clusterrors.ConfigurationError(
					fmt.Sprintf("resource %s references unknown node %s", rcfg.ID(), rn.NodeID()))
			}
			resourceNodes = append(resourceNodes, &model.ResourceNode{Node: node, NodeRecords: rn.NodeRecords()})
			perNode[rn.NodeID()] = rn
		}

		resource, err := rcfg.NewResource(c, resourceNodes)
		if err != nil {
			return nil, nil, nil, clusterrors.ConfigurationError(
				fmt.Sprintf("building resource %s: %v", rcfg.ID(), err)).WithCause(err)
		}
		resources = append(resources, resource)
		rnConfigs[resource.ID()] = perNode
	}

	return nodes, resources, rnConfigs, nil
}

// validateConsistency runs the four start-time consistency checks,
// aggregating every violation found (rather than failing on the first)
// into one combined error.
func validateConsistency(nodes []*model.Node, resources []model.Resource) error {
	var errs error

	seenNodeDisplay := make(map[string]bool, len(nodes))
	seenHostname := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if seenNodeDisplay[n.Display] {
			errs = multierr.Append(errs, fmt.Errorf("duplicate node display: %s", n.Display))
		}
		seenNodeDisplay[n.Display] = true

		if seenHostname[n.Hostname] {
			errs = multierr.Append(errs, fmt.Errorf("duplicate node hostname: %s", n.Hostname))
		}
		seenHostname[n.Hostname] = true
	}

	seenResourceDisplay := make(map[string]bool, len(resources))
	for _, r := range resources {
		if seenResourceDisplay[r.Display()] {
			errs = multierr.Append(errs, fmt.Errorf("duplicate resource display: %s", r.Display()))
		}
		seenResourceDisplay[r.Display()] = true

		masterSet := make(map[model.DnsName]bool, len(r.MasterRecords()))
		for _, m := range r.MasterRecords() {
			masterSet[m] = true
		}

		owner := make(map[model.DnsName]string)
		for _, rn := range r.ResourceNodes() {
			for _, rec := range rn.NodeRecords {
				if masterSet[rec] {
					errs = multierr.Append(errs, fmt.Errorf("resource %s: nodeRecord %s overlaps a masterRecord", r.ID(), rec))
				}
				if existing, dup := owner[rec]; dup {
					errs = multierr.Append(errs, fmt.Errorf("resource %s: nodeRecord %s used by both %s and %s", r.ID(), rec, existing, rn.Node.ID))
				} else {
					owner[rec] = rn.Node.ID
				}
			}
		}
	}

	return errs
}

// identifyLocalNode finds the configured Node matching this process's
// canonical hostname and current user, if any.
func identifyLocalNode(nodes []*model.Node) *model.Node {
	hostname, err := os.Hostname()
	if err != nil {
		return nil
	}
	u, err := user.Current()
	if err != nil {
		return nil
	}
	for _, n := range nodes {
		if n.IsLocal(hostname, u.Username) {
			return n
		}
	}
	return nil
}

func (c *Cluster) publishDnsResult(old, new *model.ResourceDnsResult) {
	c.recordDnsMetrics(new)
	c.dnsCh <- dnsNotification{old, new}
}

func (c *Cluster) publishSyncResult(resourceID string, old, new *model.ResourceSynchronizationResult) {
	c.recordSyncMetrics(resourceID, new)
	c.recordRecovery(resourceID, new)
	c.syncCh <- syncNotification{old, new}
}

// recordDnsMetrics feeds one published ResourceDnsResult to the metrics
// collector: the pass duration, every individual lookup's outcome, and
// the resource's resulting aggregate status. It returns without
// recording anything when no collector is attached (c.metrics is nil)
// or the result carries no resource.
func (c *Cluster) recordDnsMetrics(result *model.ResourceDnsResult) {
	if c.metrics == nil || result == nil || result.Resource == nil {
		return
	}
	resourceID := result.Resource.ID()
	c.metrics.RecordPass(resourceID, result.EndTime.Sub(result.StartTime))
	for _, lookups := range result.MasterRecordLookups {
		for ns, lookup := range lookups {
			c.metrics.RecordLookup(resourceID, ns, lookup.Status)
		}
	}
	for _, nodeResult := range result.NodeResults {
		for _, lookups := range nodeResult.NodeRecordLookups {
			for ns, lookup := range lookups {
				c.metrics.RecordLookup(resourceID, ns, lookup.Status)
			}
		}
	}
	c.metrics.SetResourceStatus(resourceID, result.ResourceStatus())
}

func (c *Cluster) recordSyncMetrics(resourceID string, result *model.ResourceSynchronizationResult) {
	if c.metrics == nil || result == nil || result.LocalResourceNode == nil || result.RemoteResourceNode == nil {
		return
	}
	duration := result.EndTime().Sub(result.StartTime())
	c.metrics.RecordSyncResult(
		resourceID,
		result.LocalResourceNode.Node.ID,
		result.RemoteResourceNode.Node.ID,
		result.Mode,
		result.ResourceStatus(),
		duration,
	)
}

// recordRecovery feeds one published synchronization result to the
// degraded-resource tracker. Failure steps built via model.ErrorStep
// never populate LocalResourceNode/RemoteResourceNode, so classification
// here keys only on resourceID and the result's aggregate status, not on
// the node pair.
func (c *Cluster) recordRecovery(resourceID string, result *model.ResourceSynchronizationResult) {
	if c.recovery == nil || result == nil || len(result.Steps) == 0 {
		return
	}
	success := result.ResourceStatus() < status.ResourceWarning
	reason := ""
	if !success && len(result.Steps) > 0 {
		reason = result.Steps[len(result.Steps)-1].Description
	}
	c.recovery.RecordResult(resourceID, success, reason)
}

func (c *Cluster) dnsNotifyLoop() {
	defer c.notifyDone.Done()
	for n := range c.dnsCh {
		for _, l := range c.snapshotListeners() {
			l.OnResourceDnsResult(n.old, n.new)
		}
	}
}

func (c *Cluster) syncNotifyLoop() {
	defer c.notifyDone.Done()
	for n := range c.syncCh {
		for _, l := range c.snapshotListeners() {
			l.OnResourceSynchronizationResult(n.old, n.new)
		}
	}
}

func (c *Cluster) snapshotListeners() []model.Listener {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	return append([]model.Listener(nil), c.listeners...)
}

// Status computes the cluster's aggregate ResourceStatus: STOPPED if
// not started, DISABLED if the configuration source reports disabled,
// else the most severe status among all resources.
func (c *Cluster) Status() status.ResourceStatus {
	c.startedLock.Lock()
	defer c.startedLock.Unlock()
	return c.statusLocked()
}

func (c *Cluster) statusLocked() status.ResourceStatus {
	if !c.started {
		return status.ResourceStopped
	}
	if !c.configSource.IsEnabled() {
		return status.ResourceDisabled
	}

	now := time.Now()
	result := status.ResourceUnknown
	for _, resource := range c.resources {
		result = status.MaxResourceStatus(result, c.resourceStatus(resource, now))
	}
	return result
}

func (c *Cluster) resourceStatus(resource model.Resource, now time.Time) status.ResourceStatus {
	if !resource.Enabled() {
		return status.ResourceDisabled
	}

	result := status.ResourceUnknown
	if m, ok := c.monitors[resource.ID()]; ok {
		if last := m.LastResult(); last != nil {
			contribution := status.MaxResourceStatus(last.ResourceStatus(), freshnessStatus(last.StartTime, now))
			result = status.MaxResourceStatus(result, contribution)
		}
	}

	for _, sched := range c.schedulers[resource.ID()] {
		state := sched.State()
		var resultStatus status.ResourceStatus
		if last := sched.LastResult(); last != nil {
			resultStatus = last.ResourceStatus()
		} else if state.ResourceStatus() == status.ResourceHealthy {
			resultStatus = status.ResourceStarting
		} else {
			resultStatus = state.ResourceStatus()
		}
		result = status.MaxResourceStatus(result, status.MaxResourceStatus(state.ResourceStatus(), resultStatus))
	}

	return result
}

// HealthSnapshot is a point-in-time view of the cluster's and every
// resource's aggregate status, with no history retained across calls.
type HealthSnapshot struct {
	Status    status.ResourceStatus
	Resources map[string]status.ResourceStatus
	Degraded  map[string]recovery.DegradedState
	Time      time.Time
}

// Health returns a HealthSnapshot computed from the current state of
// every monitor and scheduler, plus any resources the recovery.Manager
// (if attached via SetRecovery) currently considers degraded.
func (c *Cluster) Health() HealthSnapshot {
	c.startedLock.Lock()
	defer c.startedLock.Unlock()

	now := time.Now()
	resources := make(map[string]status.ResourceStatus, len(c.resources))
	for _, resource := range c.resources {
		resources[resource.ID()] = c.resourceStatus(resource, now)
	}
	var degraded map[string]recovery.DegradedState
	if c.recovery != nil {
		degraded = c.recovery.Degraded()
	}
	return HealthSnapshot{
		Status:    c.statusLocked(),
		Resources: resources,
		Degraded:  degraded,
		Time:      now,
	}
}

func freshnessStatus(startTime, now time.Time) status.ResourceStatus {
	age := now.Sub(startTime)
	switch {
	case age > errorSeconds:
		return status.ResourceError
	case age > warningSeconds:
		return status.ResourceWarning
	default:
		return status.ResourceHealthy
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
