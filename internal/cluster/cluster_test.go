package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoappcluster/dnscluster/pkg/model"
	"github.com/aoappcluster/dnscluster/pkg/recovery"
	"github.com/aoappcluster/dnscluster/pkg/status"
)

type testNodeConfig struct {
	id, display, hostname, username string
	enabled                         bool
}

func (c *testNodeConfig) ID() string      { return c.id }
func (c *testNodeConfig) Enabled() bool   { return c.enabled }
func (c *testNodeConfig) Display() string { return c.display }
func (c *testNodeConfig) Hostname() string { return c.hostname }
func (c *testNodeConfig) Username() string { return c.username }
func (c *testNodeConfig) Nameservers() map[string]bool {
	// A loopback address with nothing listening on it fails fast (refused)
	// instead of hanging on hostname resolution, keeping these lifecycle
	// tests from depending on real network access.
	return map[string]bool{"127.0.0.1": false}
}

type testResourceNodeConfig struct {
	resourceID, nodeID string
	records            []model.DnsName
}

func (c *testResourceNodeConfig) ResourceID() string        { return c.resourceID }
func (c *testResourceNodeConfig) NodeID() string             { return c.nodeID }
func (c *testResourceNodeConfig) NodeRecords() []model.DnsName { return c.records }

type testResourceConfig struct {
	id, display           string
	masterRecords         []model.DnsName
	resourceNodeConfigs   []model.ResourceNodeConfiguration
}

func (c *testResourceConfig) ID() string                  { return c.id }
func (c *testResourceConfig) Enabled() bool                { return true }
func (c *testResourceConfig) Display() string               { return c.display }
func (c *testResourceConfig) MasterRecords() []model.DnsName { return c.masterRecords }
func (c *testResourceConfig) MasterRecordsTTL() int          { return 300 }
func (c *testResourceConfig) Type() string                   { return "generic" }
func (c *testResourceConfig) AllowMultiMaster() bool          { return false }
func (c *testResourceConfig) ResourceNodeConfigurations() []model.ResourceNodeConfiguration {
	return c.resourceNodeConfigs
}
func (c *testResourceConfig) NewResource(cluster model.ClusterContext, resourceNodes []*model.ResourceNode) (model.Resource, error) {
	return model.NewGenericResource(c.id, true, c.display, "generic", c.masterRecords, 300, false, resourceNodes, nil), nil
}

type testConfigSource struct {
	enabled   bool
	nodes     []model.NodeConfiguration
	resources []model.ResourceConfiguration
	listeners []model.ConfigurationListener
}

func (s *testConfigSource) IsEnabled() bool { return s.enabled }
func (s *testConfigSource) Display() string { return "test" }
func (s *testConfigSource) NodeConfigurations() ([]model.NodeConfiguration, error) {
	return s.nodes, nil
}
func (s *testConfigSource) ResourceConfigurations() ([]model.ResourceConfiguration, error) {
	return s.resources, nil
}
func (s *testConfigSource) Start(ctx context.Context) error { return nil }
func (s *testConfigSource) Stop() error                     { return nil }
func (s *testConfigSource) AddConfigurationListener(l model.ConfigurationListener) {
	s.listeners = append(s.listeners, l)
}
func (s *testConfigSource) RemoveConfigurationListener(l model.ConfigurationListener) {
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func twoNodeConfigs() []model.NodeConfiguration {
	return []model.NodeConfiguration{
		&testNodeConfig{id: "node1", display: "node1", hostname: "host1.example.com", username: "cluster", enabled: true},
		&testNodeConfig{id: "node2", display: "node2", hostname: "host2.example.com", username: "cluster", enabled: true},
	}
}

func singleResourceConfig() []model.ResourceConfiguration {
	return []model.ResourceConfiguration{
		&testResourceConfig{
			id:            "res1",
			display:       "res1",
			masterRecords: []model.DnsName{"app.example.com"},
			resourceNodeConfigs: []model.ResourceNodeConfiguration{
				&testResourceNodeConfig{resourceID: "res1", nodeID: "node1", records: []model.DnsName{"node1.app.example.com"}},
				&testResourceNodeConfig{resourceID: "res1", nodeID: "node2", records: []model.DnsName{"node2.app.example.com"}},
			},
		},
	}
}

func TestValidateConsistencyDetectsAllViolations(t *testing.T) {
	t.Parallel()

	nodes := []*model.Node{
		{ID: "n1", Display: "dup", Hostname: "samehost", Username: "u"},
		{ID: "n2", Display: "dup", Hostname: "samehost", Username: "u"},
	}
	resources := []model.Resource{
		model.NewGenericResource("res1", true, "dup-res", "generic",
			[]model.DnsName{"shared.example.com"}, 300, false,
			[]*model.ResourceNode{
				{Node: nodes[0], NodeRecords: []model.DnsName{"shared.example.com", "n1.example.com"}},
				{Node: nodes[1], NodeRecords: []model.DnsName{"n1.example.com"}},
			}, nil),
		model.NewGenericResource("res2", true, "dup-res", "generic",
			nil, 300, false, nil, nil),
	}

	err := validateConsistency(nodes, resources)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "duplicate node display")
	assert.Contains(t, msg, "duplicate node hostname")
	assert.Contains(t, msg, "duplicate resource display")
	assert.Contains(t, msg, "overlaps a masterRecord")
	assert.Contains(t, msg, "used by both")
}

func TestValidateConsistencyCleanTopology(t *testing.T) {
	t.Parallel()

	nodes := []*model.Node{
		{ID: "n1", Display: "node1", Hostname: "host1", Username: "u"},
		{ID: "n2", Display: "node2", Hostname: "host2", Username: "u"},
	}
	resources := []model.Resource{
		model.NewGenericResource("res1", true, "res1", "generic",
			[]model.DnsName{"app.example.com"}, 300, false,
			[]*model.ResourceNode{
				{Node: nodes[0], NodeRecords: []model.DnsName{"node1.app.example.com"}},
				{Node: nodes[1], NodeRecords: []model.DnsName{"node2.app.example.com"}},
			}, nil),
	}

	assert.NoError(t, validateConsistency(nodes, resources))
}

func TestIdentifyLocalNodeReturnsNilWhenNoNodeMatches(t *testing.T) {
	t.Parallel()

	nodes := []*model.Node{
		{ID: "n1", Hostname: "some-other-host", Username: "someone-else"},
		{ID: "n2", Hostname: "definitely-not-this-host", Username: "nobody"},
	}
	assert.Nil(t, identifyLocalNode(nodes))
}

func TestFreshnessStatusEscalatesWithAge(t *testing.T) {
	t.Parallel()

	now := time.Now()
	assert.Equal(t, status.ResourceHealthy, freshnessStatus(now, now))
	assert.Equal(t, status.ResourceWarning, freshnessStatus(now.Add(-warningSeconds-time.Second), now))
	assert.Equal(t, status.ResourceError, freshnessStatus(now.Add(-errorSeconds-time.Second), now))
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	src := &testConfigSource{enabled: true, nodes: twoNodeConfigs(), resources: singleResourceConfig()}
	c := New(src, 4, nil)

	assert.Equal(t, status.ResourceStopped, c.Status())

	require.NoError(t, c.Start(context.Background()))
	assert.Len(t, src.listeners, 1)

	assert.Eventually(t, func() bool {
		return c.Status() != status.ResourceStopped
	}, time.Second, 10*time.Millisecond)

	c.Stop()
	assert.Equal(t, status.ResourceStopped, c.Status())
	assert.Len(t, src.listeners, 0)
}

func TestStartRejectsInconsistentTopology(t *testing.T) {
	t.Parallel()

	nodes := twoNodeConfigs()
	nodes[1] = &testNodeConfig{id: "node2", display: "node1", hostname: "host2.example.com", username: "cluster", enabled: true}
	src := &testConfigSource{enabled: true, nodes: nodes, resources: singleResourceConfig()}
	c := New(src, 4, nil)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node display")
	assert.Equal(t, status.ResourceStopped, c.Status())
}

func TestStartTwiceReturnsAlreadyStarted(t *testing.T) {
	t.Parallel()

	src := &testConfigSource{enabled: true, nodes: twoNodeConfigs(), resources: singleResourceConfig()}
	c := New(src, 4, nil)

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	err := c.Start(context.Background())
	assert.Error(t, err)
}

func TestSubmitBlocksUntilFnCompletes(t *testing.T) {
	t.Parallel()

	src := &testConfigSource{enabled: true, nodes: twoNodeConfigs(), resources: singleResourceConfig()}
	c := New(src, 4, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	ran := false
	err := c.Submit(context.Background(), func(ctx context.Context) {
		time.Sleep(20 * time.Millisecond)
		ran = true
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestSubmitReturnsContextErrorOnTimeout(t *testing.T) {
	t.Parallel()

	src := &testConfigSource{enabled: true, nodes: twoNodeConfigs(), resources: singleResourceConfig()}
	c := New(src, 4, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := c.Submit(ctx, func(ctx context.Context) {
		time.Sleep(200 * time.Millisecond)
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmitBeforeStartReturnsNotStarted(t *testing.T) {
	t.Parallel()

	src := &testConfigSource{enabled: true}
	c := New(src, 4, nil)

	err := c.Submit(context.Background(), func(ctx context.Context) {})
	assert.Error(t, err)
}

func TestListenersReceiveDnsNotifications(t *testing.T) {
	t.Parallel()

	src := &testConfigSource{enabled: true, nodes: twoNodeConfigs(), resources: singleResourceConfig()}
	c := New(src, 4, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	received := make(chan struct{}, 8)
	l := &recordingListener{onDns: func(old, new *model.ResourceDnsResult) {
		received <- struct{}{}
	}}
	c.AddListener(l)

	// Publish directly rather than waiting on a real monitor pass, which
	// would depend on reachable nameservers.
	c.publishDnsResult(nil, model.StoppedResourceDnsResult(nil))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a DNS notification")
	}

	c.RemoveListener(l)
}

func TestHealthReportsDegradedResourceAfterRepeatedSyncFailures(t *testing.T) {
	t.Parallel()

	src := &testConfigSource{enabled: true, nodes: twoNodeConfigs(), resources: singleResourceConfig()}
	c := New(src, 4, nil)
	c.SetRecovery(recovery.NewManager(recovery.Config{MaxConsecutiveFailures: 2}))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	failure := model.ErrorStep("synchronize failed", assert.AnError, time.Now())
	c.publishSyncResult("res1", nil, &failure)
	assert.Empty(t, c.Health().Degraded)

	c.publishSyncResult("res1", &failure, &failure)
	degraded := c.Health().Degraded
	require.Contains(t, degraded, "res1")
	assert.Equal(t, 2, degraded["res1"].FailureCount)
}

type recordingListener struct {
	onDns  func(old, new *model.ResourceDnsResult)
	onSync func(old, new *model.ResourceSynchronizationResult)
}

func (l *recordingListener) OnResourceDnsResult(old, new *model.ResourceDnsResult) {
	if l.onDns != nil {
		l.onDns(old, new)
	}
}

func (l *recordingListener) OnResourceSynchronizationResult(old, new *model.ResourceSynchronizationResult) {
	if l.onSync != nil {
		l.onSync(old, new)
	}
}
