// Command dnsclusterd runs the DNS cluster coordinator as a standalone
// process: it loads a YAML configuration file, starts the cluster, and
// blocks until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/aoappcluster/dnscluster/internal/cluster"
	"github.com/aoappcluster/dnscluster/internal/config"
	"github.com/aoappcluster/dnscluster/internal/metrics"
	"github.com/aoappcluster/dnscluster/pkg/logging"
	"github.com/aoappcluster/dnscluster/pkg/recovery"
)

const metricsShutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the cluster configuration YAML file (required)")
	logLevel := flag.String("log-level", "INFO", "log level: TRACE, DEBUG, INFO, WARN, ERROR, FATAL")
	logFormat := flag.String("log-format", "text", "top-level lifecycle log format: text or json")
	metricsEnabled := flag.Bool("metrics", true, "serve Prometheus metrics")
	metricsPort := flag.Int("metrics-port", 9090, "port to serve Prometheus metrics on")
	maxGoroutines := flag.Int("max-goroutines", runtime.NumCPU()*4, "upper bound on concurrent DNS lookups and submitted work")
	degradeAfter := flag.Int("degrade-after", 3, "consecutive synchronization failures before a resource is marked degraded")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "dnsclusterd: -config is required")
		os.Exit(2)
	}

	level, err := logging.ParseLogLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dnsclusterd: %v\n", err)
		os.Exit(2)
	}
	log := logging.NewLogger(level, os.Stderr).WithPrefix("CLUSTER")

	format := logging.FormatText
	if strings.EqualFold(*logFormat, "json") {
		format = logging.FormatJSON
	}
	lifecycle, err := logging.NewStructuredLogger(&logging.StructuredLoggerConfig{
		Level:         level,
		Output:        os.Stderr,
		Format:        format,
		IncludeCaller: false,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dnsclusterd: %v\n", err)
		os.Exit(2)
	}
	lifecycle = lifecycle.WithComponent("dnsclusterd")

	if err := run(*configPath, log, lifecycle, *metricsEnabled, *metricsPort, *maxGoroutines, *degradeAfter); err != nil {
		log.Error("exiting: %v", err)
		os.Exit(1)
	}
}

func run(configPath string, log *logging.Logger, lifecycle *logging.StructuredLogger, metricsEnabled bool, metricsPort, maxGoroutines, degradeAfter int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src := config.New(configPath, log.WithPrefix("CONFIG"))
	c := cluster.New(src, maxGoroutines, log)
	c.SetRecovery(recovery.NewManager(recovery.Config{
		MaxConsecutiveFailures: degradeAfter,
		Logger:                 log.WithPrefix("RECOVERY"),
	}))

	var collector *metrics.Collector
	if metricsEnabled {
		metricsConfig := metrics.DefaultConfig()
		metricsConfig.Port = metricsPort
		var err error
		collector, err = metrics.NewCollector(metricsConfig)
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		if err := collector.Start(ctx); err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}
		c.SetMetrics(collector)
	}

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("starting cluster: %w", err)
	}
	lifecycle.Info("cluster started", map[string]interface{}{
		"config_path":    configPath,
		"metrics_port":   metricsPort,
		"metrics":        metricsEnabled,
		"max_goroutines": maxGoroutines,
	})

	<-ctx.Done()
	lifecycle.Info("shutdown signal received")
	c.Stop()

	if collector != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := collector.Stop(stopCtx); err != nil {
			log.Warn("stopping metrics server: %v", err)
		}
	}

	health := c.Health()
	lifecycle.Info("cluster stopped", map[string]interface{}{
		"status":         health.Status.String(),
		"degraded_count": len(health.Degraded),
		"resource_count": len(health.Resources),
	})

	return nil
}
