package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"

	"github.com/aoappcluster/dnscluster/pkg/clusterrors"
	"github.com/aoappcluster/dnscluster/pkg/logging"
	"github.com/aoappcluster/dnscluster/pkg/model"
	"github.com/aoappcluster/dnscluster/pkg/retry"
)

// startupRetry governs the initial configuration load, tolerating a file
// that is transiently missing or unreadable (e.g. written by a deployment
// step racing process startup). Reloads triggered afterward by watch rely
// on PollInterval instead; retrying those too would be redundant.
var startupRetry = retry.Config{
	MaxAttempts:  4,
	InitialDelay: 25 * time.Millisecond,
	MaxDelay:     200 * time.Millisecond,
	Multiplier:   2.0,
	Jitter:       true,
}

// PollInterval is the fallback interval at which the configuration file
// is re-read even if no filesystem notification arrived, matching the
// coordinator's documented 5-second poll.
const PollInterval = 5 * time.Second

// ResourceTypeFactory builds the Synchronizer factory for one registered
// resource type, keyed by the YAML document's "type" field. A nil
// SynchronizerFactory result (with a nil error) is valid: it means
// resources of this type never synchronize, only advertise DNS state.
type ResourceTypeFactory func(resourceID string) (model.SynchronizerFactory, error)

type document struct {
	Enabled   *bool                `yaml:"enabled"`
	Display   string               `yaml:"display"`
	Nodes     []nodeDefinition     `yaml:"nodes"`
	Resources []resourceDefinition `yaml:"resources"`
}

type nodeDefinition struct {
	ID          string          `yaml:"id"`
	Enabled     *bool           `yaml:"enabled"`
	Display     string          `yaml:"display"`
	Hostname    string          `yaml:"hostname"`
	Username    string          `yaml:"username"`
	Nameservers map[string]bool `yaml:"nameservers"`
}

type resourceNodeDefinition struct {
	NodeID      string   `yaml:"nodeId"`
	NodeRecords []string `yaml:"nodeRecords"`
}

type cronDefinition struct {
	SynchronizeTimeout  time.Duration `yaml:"synchronizeTimeout"`
	TestTimeout         time.Duration `yaml:"testTimeout"`
	SynchronizeSchedule string        `yaml:"synchronizeSchedule"`
	TestSchedule        string        `yaml:"testSchedule"`
}

type resourceDefinition struct {
	ID               string                   `yaml:"id"`
	Enabled          *bool                    `yaml:"enabled"`
	Display          string                   `yaml:"display"`
	Type             string                   `yaml:"type"`
	MasterRecords    []string                 `yaml:"masterRecords"`
	MasterRecordsTTL int                      `yaml:"masterRecordsTtl"`
	AllowMultiMaster bool                     `yaml:"allowMultiMaster"`
	ResourceNodes    []resourceNodeDefinition `yaml:"resourceNodes"`
	Cron             *cronDefinition          `yaml:"cron"`
}

func boolOrDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func dnsNames(values []string) []model.DnsName {
	out := make([]model.DnsName, len(values))
	for i, v := range values {
		out[i] = model.DnsName(v)
	}
	return out
}

// Source is a model.ConfigurationSource backed by a single YAML file. It
// is re-read whenever the file changes (detected via an fsnotify watch on
// its containing directory, with a PollInterval fallback) and fires
// OnConfigurationChanged on every registered listener after the first
// load.
type Source struct {
	path string
	log  *logging.Logger

	mu     sync.RWMutex
	doc    document
	hash   [32]byte
	loaded bool

	resourceTypesMu sync.Mutex
	resourceTypes   map[string]ResourceTypeFactory

	listenersMu sync.Mutex
	listeners   []model.ConfigurationListener

	cancel  context.CancelFunc
	stopped chan struct{}
}

// New builds a Source reading from path. A "generic" resource type is
// registered by default, whose resources never synchronize; callers
// register additional types with RegisterResourceType before Start.
func New(path string, log *logging.Logger) *Source {
	s := &Source{
		path:          path,
		log:           log,
		resourceTypes: make(map[string]ResourceTypeFactory),
	}
	s.RegisterResourceType("generic", func(resourceID string) (model.SynchronizerFactory, error) {
		return nil, nil
	})
	return s
}

// RegisterResourceType associates a resource "type" value from the YAML
// document with the factory that builds its Synchronizer. Safe to call
// before Start; registering an existing name replaces it.
func (s *Source) RegisterResourceType(name string, factory ResourceTypeFactory) {
	s.resourceTypesMu.Lock()
	defer s.resourceTypesMu.Unlock()
	s.resourceTypes[name] = factory
}

// IsEnabled implements model.ConfigurationSource.
func (s *Source) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return boolOrDefault(s.doc.Enabled, true)
}

// Display implements model.ConfigurationSource.
func (s *Source) Display() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.Display != "" {
		return s.doc.Display
	}
	return s.path
}

// NodeConfigurations implements model.ConfigurationSource.
func (s *Source) NodeConfigurations() ([]model.NodeConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.NodeConfiguration, 0, len(s.doc.Nodes))
	for i := range s.doc.Nodes {
		out = append(out, &yamlNodeConfig{def: &s.doc.Nodes[i]})
	}
	return out, nil
}

// ResourceConfigurations implements model.ConfigurationSource.
func (s *Source) ResourceConfigurations() ([]model.ResourceConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ResourceConfiguration, 0, len(s.doc.Resources))
	for i := range s.doc.Resources {
		out = append(out, &yamlResourceConfig{def: &s.doc.Resources[i], source: s})
	}
	return out, nil
}

// Start performs the initial load and begins watching the file for
// changes. The initial load is retried per startupRetry while the file
// is unavailable; invalid YAML fails on the first attempt. A load
// failure is returned and the watch loop never starts.
func (s *Source) Start(ctx context.Context) error {
	retryer := retry.New(startupRetry)
	if s.log != nil {
		retryer = retryer.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			s.log.Warn("configuration file %s not yet available (attempt %d): %v, retrying in %s", s.path, attempt, err, delay)
		})
	}
	if err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return s.reload()
	}); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go s.watch(runCtx)
	return nil
}

// Stop cancels the watch loop and waits for it to exit.
func (s *Source) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.stopped != nil {
		<-s.stopped
	}
	return nil
}

// AddConfigurationListener implements model.ConfigurationSource.
func (s *Source) AddConfigurationListener(l model.ConfigurationListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// RemoveConfigurationListener implements model.ConfigurationSource.
func (s *Source) RemoveConfigurationListener(l model.ConfigurationListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// watch polls PollInterval and, when available, also reacts to fsnotify
// events on the file's directory (a file replaced by rename, as editors
// commonly do, keeps firing events against the old inode otherwise).
func (s *Source) watch(ctx context.Context) {
	defer close(s.stopped)

	watcher, err := fsnotify.NewWatcher()
	var events chan fsnotify.Event
	var errs chan error
	if err != nil {
		if s.log != nil {
			s.log.Warn("configuration file watcher unavailable, falling back to polling only: %v", err)
		}
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(s.path)); err != nil && s.log != nil {
			s.log.Warn("watching configuration directory %s: %v", filepath.Dir(s.path), err)
		}
		events = watcher.Events
		errs = watcher.Errors
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.maybeReload()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(event.Name) == filepath.Clean(s.path) {
				s.maybeReload()
			}
		case werr, ok := <-errs:
			if ok && s.log != nil {
				s.log.Warn("configuration watcher error: %v", werr)
			}
		}
	}
}

func (s *Source) maybeReload() {
	if err := s.reload(); err != nil && s.log != nil {
		s.log.Error("reloading configuration from %s: %v", s.path, err)
	}
}

// reload re-reads the file, skipping the parse and listener notification
// entirely if its content hash is unchanged. The first successful load
// never notifies listeners, matching the "old" DNS/sync result semantics
// established only once the cluster has actually started.
func (s *Source) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return clusterrors.New(clusterrors.ErrCodeConfigUnavailable, fmt.Sprintf("reading configuration file %s: %v", s.path, err)).
			WithComponent("config").WithCause(err)
	}
	sum := sha256.Sum256(data)

	s.mu.Lock()
	if s.loaded && sum == s.hash {
		s.mu.Unlock()
		return nil
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		s.mu.Unlock()
		return clusterrors.ConfigurationError(fmt.Sprintf("parsing configuration file %s: %v", s.path, err)).
			WithComponent("config").WithCause(err)
	}

	first := !s.loaded
	s.doc = doc
	s.hash = sum
	s.loaded = true
	s.mu.Unlock()

	if !first {
		s.notifyListeners()
	}
	return nil
}

func (s *Source) notifyListeners() {
	s.listenersMu.Lock()
	listeners := append([]model.ConfigurationListener(nil), s.listeners...)
	s.listenersMu.Unlock()
	for _, l := range listeners {
		l.OnConfigurationChanged()
	}
}

type yamlNodeConfig struct {
	def *nodeDefinition
}

func (c *yamlNodeConfig) ID() string    { return c.def.ID }
func (c *yamlNodeConfig) Enabled() bool { return boolOrDefault(c.def.Enabled, true) }
func (c *yamlNodeConfig) Display() string {
	if c.def.Display != "" {
		return c.def.Display
	}
	return c.def.ID
}
func (c *yamlNodeConfig) Hostname() string               { return c.def.Hostname }
func (c *yamlNodeConfig) Username() string               { return c.def.Username }
func (c *yamlNodeConfig) Nameservers() map[string]bool { return c.def.Nameservers }

type yamlResourceNodeConfig struct {
	resourceID string
	def        *resourceNodeDefinition
}

func (c *yamlResourceNodeConfig) ResourceID() string          { return c.resourceID }
func (c *yamlResourceNodeConfig) NodeID() string               { return c.def.NodeID }
func (c *yamlResourceNodeConfig) NodeRecords() []model.DnsName { return dnsNames(c.def.NodeRecords) }

type yamlResourceConfig struct {
	def    *resourceDefinition
	source *Source
}

func (c *yamlResourceConfig) ID() string    { return c.def.ID }
func (c *yamlResourceConfig) Enabled() bool { return boolOrDefault(c.def.Enabled, true) }
func (c *yamlResourceConfig) Display() string {
	if c.def.Display != "" {
		return c.def.Display
	}
	return c.def.ID
}
func (c *yamlResourceConfig) MasterRecords() []model.DnsName { return dnsNames(c.def.MasterRecords) }
func (c *yamlResourceConfig) MasterRecordsTTL() int          { return c.def.MasterRecordsTTL }
func (c *yamlResourceConfig) Type() string                   { return c.def.Type }
func (c *yamlResourceConfig) AllowMultiMaster() bool          { return c.def.AllowMultiMaster }

func (c *yamlResourceConfig) ResourceNodeConfigurations() []model.ResourceNodeConfiguration {
	out := make([]model.ResourceNodeConfiguration, 0, len(c.def.ResourceNodes))
	for i := range c.def.ResourceNodes {
		out = append(out, &yamlResourceNodeConfig{resourceID: c.def.ID, def: &c.def.ResourceNodes[i]})
	}
	return out
}

func (c *yamlResourceConfig) NewResource(cluster model.ClusterContext, resourceNodes []*model.ResourceNode) (model.Resource, error) {
	c.source.resourceTypesMu.Lock()
	factory, ok := c.source.resourceTypes[c.def.Type]
	c.source.resourceTypesMu.Unlock()
	if !ok {
		return nil, clusterrors.New(clusterrors.ErrCodeUnknownResourceType, fmt.Sprintf("unknown resource type %q", c.def.Type)).
			WithComponent("config").WithContext("resource", c.def.ID)
	}

	synchronizerFactory, err := factory(c.def.ID)
	if err != nil {
		return nil, err
	}

	if c.def.Cron != nil {
		cronDef := c.def.Cron
		return model.NewCronResource(
			c.ID(), c.Enabled(), c.Display(), c.Type(),
			c.MasterRecords(), c.MasterRecordsTTL(), c.AllowMultiMaster(),
			resourceNodes, synchronizerFactory,
			cronDef.SynchronizeTimeout, cronDef.TestTimeout,
			func(local, remote *model.Node) string { return cronDef.SynchronizeSchedule },
			func(local, remote *model.Node) string { return cronDef.TestSchedule },
		), nil
	}

	return model.NewGenericResource(
		c.ID(), c.Enabled(), c.Display(), c.Type(),
		c.MasterRecords(), c.MasterRecordsTTL(), c.AllowMultiMaster(),
		resourceNodes, synchronizerFactory,
	), nil
}
