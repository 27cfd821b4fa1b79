package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aoappcluster/dnscluster/pkg/model"
	"github.com/aoappcluster/dnscluster/pkg/status"
)

// Config controls whether and where the Collector exposes its Prometheus
// endpoint.
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// DefaultConfig returns the Collector's out-of-the-box configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "dnscluster",
		Labels:    make(map[string]string),
	}
}

// Collector records Prometheus metrics for one cluster's DNS passes,
// lookups, scheduler transitions, and synchronization results, and
// serves them over an HTTP endpoint.
type Collector struct {
	mu     sync.Mutex
	config *Config

	registry *prometheus.Registry

	passDuration       *prometheus.HistogramVec
	lookupOutcomes     *prometheus.CounterVec
	schedulerState     *prometheus.GaugeVec
	schedulerTransitions *prometheus.CounterVec
	syncOutcomes       *prometheus.CounterVec
	syncDuration       *prometheus.HistogramVec
	resourceStatus     *prometheus.GaugeVec
	activeResources    prometheus.Gauge

	server *http.Server
}

// NewCollector builds a Collector. A nil config falls back to
// DefaultConfig; Enabled=false yields a Collector whose recording methods
// are safe no-ops and whose Start never opens a listener.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}

	c := &Collector{config: config}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	return c, nil
}

func (c *Collector) initMetrics() {
	ns, sub := c.config.Namespace, c.config.Subsystem

	c.passDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub,
		Name:    "monitor_pass_duration_seconds",
		Help:    "Duration of one resource's DNS monitor pass.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"resource"})

	c.lookupOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "dns_lookups_total",
		Help: "DNS lookups performed, by resource, nameserver, and outcome status.",
	}, []string{"resource", "nameserver", "status"})

	c.schedulerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub,
		Name: "scheduler_state",
		Help: "Current ResourceSynchronizerState ordinal for a (resource, local, remote) scheduler.",
	}, []string{"resource", "local_node", "remote_node"})

	c.schedulerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "scheduler_transitions_total",
		Help: "Scheduler state transitions, by resource, node pair, and resulting state.",
	}, []string{"resource", "local_node", "remote_node", "state"})

	c.syncOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "synchronization_results_total",
		Help: "Completed synchronization/test runs, by resource, node pair, mode, and status.",
	}, []string{"resource", "local_node", "remote_node", "mode", "status"})

	c.syncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub,
		Name:    "synchronization_duration_seconds",
		Help:    "Duration of a completed synchronization/test run.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"resource", "mode"})

	c.resourceStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub,
		Name: "resource_status",
		Help: "Current ResourceStatus ordinal for a resource (higher is more severe).",
	}, []string{"resource"})

	c.activeResources = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub,
		Name: "active_resources",
		Help: "Number of resources currently monitored by the cluster.",
	})
}

func (c *Collector) registerMetrics() error {
	collectors := []prometheus.Collector{
		c.passDuration,
		c.lookupOutcomes,
		c.schedulerState,
		c.schedulerTransitions,
		c.syncOutcomes,
		c.syncDuration,
		c.resourceStatus,
		c.activeResources,
	}
	for _, col := range collectors {
		if err := c.registry.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// Start serves the Prometheus endpoint in the background. A disabled
// Collector returns immediately without listening.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	return nil
}

// Stop shuts down the metrics HTTP server, if one is running.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// RecordPass records one monitor pass's wall-clock duration for resourceID.
func (c *Collector) RecordPass(resourceID string, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.passDuration.WithLabelValues(resourceID).Observe(duration.Seconds())
}

// RecordLookup records the outcome of one DNS lookup attempt.
func (c *Collector) RecordLookup(resourceID string, nameserver model.Nameserver, outcome status.DnsLookupStatus) {
	if !c.config.Enabled {
		return
	}
	c.lookupOutcomes.WithLabelValues(resourceID, nameserver.Hostname, outcome.String()).Inc()
}

// SetSchedulerState records the current state of one (resource, local,
// remote) scheduler and counts the transition into it.
func (c *Collector) SetSchedulerState(resourceID, localNodeID, remoteNodeID string, state status.ResourceSynchronizerState) {
	if !c.config.Enabled {
		return
	}
	c.schedulerState.WithLabelValues(resourceID, localNodeID, remoteNodeID).Set(float64(state))
	c.schedulerTransitions.WithLabelValues(resourceID, localNodeID, remoteNodeID, state.String()).Inc()
}

// RecordSyncResult records one completed synchronization or test run.
func (c *Collector) RecordSyncResult(resourceID, localNodeID, remoteNodeID string, mode status.SynchronizationMode, resultStatus status.ResourceStatus, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.syncOutcomes.WithLabelValues(resourceID, localNodeID, remoteNodeID, mode.String(), resultStatus.String()).Inc()
	c.syncDuration.WithLabelValues(resourceID, mode.String()).Observe(duration.Seconds())
}

// SetResourceStatus records a resource's current aggregate ResourceStatus.
func (c *Collector) SetResourceStatus(resourceID string, s status.ResourceStatus) {
	if !c.config.Enabled {
		return
	}
	c.resourceStatus.WithLabelValues(resourceID).Set(float64(s))
}

// SetActiveResources records how many resources the cluster is currently
// monitoring.
func (c *Collector) SetActiveResources(n int) {
	if !c.config.Enabled {
		return
	}
	c.activeResources.Set(float64(n))
}
