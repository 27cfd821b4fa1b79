package model

import (
	"context"
	"testing"
	"time"

	"github.com/aoappcluster/dnscluster/pkg/status"
)

// TestInterfaces verifies that our interfaces are properly structured.
func TestInterfaces(t *testing.T) {
	var (
		_ ConfigurationSource       = (*mockConfigurationSource)(nil)
		_ NodeConfiguration         = (*mockNodeConfiguration)(nil)
		_ ResourceConfiguration     = (*mockResourceConfiguration)(nil)
		_ CronResourceConfiguration = (*mockCronResourceConfiguration)(nil)
		_ Synchronizer              = (*mockSynchronizer)(nil)
		_ Listener                  = (*mockListener)(nil)
		_ Resource                  = (*genericResource)(nil)
		_ CronResource              = (*cronResource)(nil)
	)
}

type mockConfigurationSource struct{}

func (m *mockConfigurationSource) IsEnabled() bool { return true }
func (m *mockConfigurationSource) Display() string { return "mock" }
func (m *mockConfigurationSource) NodeConfigurations() ([]NodeConfiguration, error) {
	return nil, nil
}
func (m *mockConfigurationSource) ResourceConfigurations() ([]ResourceConfiguration, error) {
	return nil, nil
}
func (m *mockConfigurationSource) Start(ctx context.Context) error                 { return nil }
func (m *mockConfigurationSource) Stop() error                                     { return nil }
func (m *mockConfigurationSource) AddConfigurationListener(l ConfigurationListener)    {}
func (m *mockConfigurationSource) RemoveConfigurationListener(l ConfigurationListener) {}

type mockNodeConfiguration struct{}

func (m *mockNodeConfiguration) ID() string          { return "node1" }
func (m *mockNodeConfiguration) Enabled() bool       { return true }
func (m *mockNodeConfiguration) Display() string     { return "node1" }
func (m *mockNodeConfiguration) Hostname() string    { return "node1.example.com" }
func (m *mockNodeConfiguration) Username() string    { return "cluster" }
func (m *mockNodeConfiguration) Nameservers() map[string]bool {
	return map[string]bool{"ns1": true}
}

type mockResourceNodeConfiguration struct{}

func (m *mockResourceNodeConfiguration) ResourceID() string { return "res1" }
func (m *mockResourceNodeConfiguration) NodeID() string     { return "node1" }
func (m *mockResourceNodeConfiguration) NodeRecords() []DnsName {
	return []DnsName{"node1.app.example.com"}
}

type mockResourceConfiguration struct{}

func (m *mockResourceConfiguration) ID() string      { return "res1" }
func (m *mockResourceConfiguration) Enabled() bool   { return true }
func (m *mockResourceConfiguration) Display() string { return "res1" }
func (m *mockResourceConfiguration) MasterRecords() []DnsName {
	return []DnsName{"app.example.com"}
}
func (m *mockResourceConfiguration) MasterRecordsTTL() int  { return 300 }
func (m *mockResourceConfiguration) Type() string           { return "generic" }
func (m *mockResourceConfiguration) AllowMultiMaster() bool { return false }
func (m *mockResourceConfiguration) ResourceNodeConfigurations() []ResourceNodeConfiguration {
	return []ResourceNodeConfiguration{&mockResourceNodeConfiguration{}}
}
func (m *mockResourceConfiguration) NewResource(cluster ClusterContext, resourceNodes []*ResourceNode) (Resource, error) {
	return NewGenericResource(m.ID(), m.Enabled(), m.Display(), m.Type(), m.MasterRecords(), m.MasterRecordsTTL(), m.AllowMultiMaster(), resourceNodes, nil), nil
}

type mockCronResourceConfiguration struct {
	mockResourceConfiguration
}

func (m *mockCronResourceConfiguration) SynchronizeTimeout() time.Duration { return 0 }
func (m *mockCronResourceConfiguration) TestTimeout() time.Duration        { return 0 }
func (m *mockCronResourceConfiguration) SynchronizeSchedule(local, remote *Node) string {
	return "*/5 * * * *"
}
func (m *mockCronResourceConfiguration) TestSchedule(local, remote *Node) string {
	return "*/1 * * * *"
}

type mockSynchronizer struct{}

func (m *mockSynchronizer) CanSynchronize(mode status.SynchronizationMode, localDNS, remoteDNS *ResourceDnsResult) bool {
	return true
}
func (m *mockSynchronizer) Synchronize(ctx context.Context, mode status.SynchronizationMode, localDNS, remoteDNS *ResourceDnsResult) (*ResourceSynchronizationResult, error) {
	return &ResourceSynchronizationResult{Mode: mode, Steps: []Step{{}}}, nil
}

type mockListener struct{}

func (m *mockListener) OnResourceDnsResult(old, new *ResourceDnsResult)                         {}
func (m *mockListener) OnResourceSynchronizationResult(old, new *ResourceSynchronizationResult) {}
