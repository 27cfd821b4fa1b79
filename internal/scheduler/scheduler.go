package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aoappcluster/dnscluster/pkg/clusterrors"
	"github.com/aoappcluster/dnscluster/pkg/logging"
	"github.com/aoappcluster/dnscluster/pkg/model"
	"github.com/aoappcluster/dnscluster/pkg/status"
)

// TickInterval is how often a scheduler evaluates its cron schedules.
// Schedules are standard five-field cron expressions, so a coarser grain
// than a minute would miss matches.
const TickInterval = time.Minute

// DnsResultProvider supplies the most recently published DNS result for a
// resource node's owning resource, consulted before every run and passed
// to the Synchronizer.
type DnsResultProvider func() *model.ResourceDnsResult

// PublishFunc is invoked after every completed or skipped run with the
// previously published and newly published result.
type PublishFunc func(old, new *model.ResourceSynchronizationResult)

type schedulerState = status.ResourceSynchronizerState

// CronResourceSynchronizer drives one (local, remote) resource-node pair
// of a CronResource. Missed ticks are never made up: if a run is still in
// flight when the next tick arrives, that tick is skipped with a logged
// warning.
type CronResourceSynchronizer struct {
	resource     model.CronResource
	local        *model.ResourceNode
	remote       *model.ResourceNode
	synchronizer model.Synchronizer
	localDNS     DnsResultProvider
	remoteDNS    DnsResultProvider
	publish      PublishFunc
	log          *logging.Logger

	syncSchedule cron.Schedule
	testSchedule cron.Schedule

	mu       sync.Mutex
	state    schedulerState
	last     *model.ResourceSynchronizationResult
	lastTick time.Time
	cancel   context.CancelFunc
	stopped  chan struct{}
	forced   chan status.SynchronizationMode
}

// New builds a CronResourceSynchronizer for one local/remote node pair.
// synchronizer may be nil, meaning the pair has no applicable
// synchronization; runs then record a single ErrorStep and the scheduler
// returns to SLEEPING right after each one.
func New(
	resource model.CronResource,
	local, remote *model.ResourceNode,
	synchronizer model.Synchronizer,
	localDNS, remoteDNS DnsResultProvider,
	publish PublishFunc,
	log *logging.Logger,
) (*CronResourceSynchronizer, error) {
	syncExpr := resource.SynchronizeSchedule(local.Node, remote.Node)
	testExpr := resource.TestSchedule(local.Node, remote.Node)

	syncSchedule, err := cron.ParseStandard(syncExpr)
	if err != nil {
		return nil, clusterrors.ConfigurationError(fmt.Sprintf("invalid synchronize schedule %q: %v", syncExpr, err)).
			WithComponent("scheduler").WithContext("resource", resource.ID())
	}
	testSchedule, err := cron.ParseStandard(testExpr)
	if err != nil {
		return nil, clusterrors.ConfigurationError(fmt.Sprintf("invalid test schedule %q: %v", testExpr, err)).
			WithComponent("scheduler").WithContext("resource", resource.ID())
	}

	return &CronResourceSynchronizer{
		resource:     resource,
		local:        local,
		remote:       remote,
		synchronizer: synchronizer,
		localDNS:     localDNS,
		remoteDNS:    remoteDNS,
		publish:      publish,
		log:          log,
		syncSchedule: syncSchedule,
		testSchedule: testSchedule,
		state:        status.SyncStateStopped,
	}, nil
}

// State returns the scheduler's current state.
func (s *CronResourceSynchronizer) State() status.ResourceSynchronizerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastResult returns the most recently published synchronization result,
// or nil if none has run yet.
func (s *CronResourceSynchronizer) LastResult() *model.ResourceSynchronizationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Start begins the scheduler's minute tick loop, or marks it DISABLED
// without ever ticking if the cluster or the owning resource is disabled.
func (s *CronResourceSynchronizer) Start(ctx context.Context, clusterEnabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !clusterEnabled || !s.resource.Enabled() {
		s.state = status.SyncStateDisabled
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	s.forced = make(chan status.SynchronizationMode, 1)
	s.state = status.SyncStateSleeping
	s.lastTick = time.Now()

	go s.loop(runCtx)
}

// Stop cancels the tick loop, waiting for any in-flight run to finish.
func (s *CronResourceSynchronizer) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	s.cancel = nil
	s.stopped = nil
	s.state = status.SyncStateStopped
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopped != nil {
		<-stopped
	}
}

// SynchronizeNow forces an immediate run in the given mode, bypassing the
// cron schedules. It has no effect if the scheduler is not running or a
// run is already in flight.
func (s *CronResourceSynchronizer) SynchronizeNow(mode status.SynchronizationMode) {
	s.mu.Lock()
	forced := s.forced
	sleeping := s.state == status.SyncStateSleeping
	s.mu.Unlock()
	if forced == nil || !sleeping {
		return
	}
	select {
	case forced <- mode:
	default:
	}
}

func (s *CronResourceSynchronizer) loop(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case mode := <-s.forced:
			s.runOnce(ctx, mode)
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick evaluates both cron schedules against the window since the last
// tick. A synchronize match takes priority over a test match when both
// land in the same minute.
func (s *CronResourceSynchronizer) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	last := s.lastTick
	s.lastTick = now
	busy := s.state == status.SyncStateSynchronizing || s.state == status.SyncStateTesting
	s.mu.Unlock()

	if busy {
		if s.log != nil {
			s.log.Warn("scheduler for resource %s skipped tick: previous run still in flight", s.resource.ID())
		}
		return
	}

	if dnsResourceStatus(s.localDNS()) == status.ResourceInconsistent || dnsResourceStatus(s.remoteDNS()) == status.ResourceInconsistent {
		if s.log != nil {
			s.log.Warn("scheduler for resource %s stays sleeping: DNS status is inconsistent", s.resource.ID())
		}
		return
	}

	syncDue := !s.syncSchedule.Next(last).After(now)
	testDue := !s.testSchedule.Next(last).After(now)

	switch {
	case syncDue:
		s.runOnce(ctx, status.ModeSynchronize)
	case testDue:
		s.runOnce(ctx, status.ModeTestOnly)
	}
}

func (s *CronResourceSynchronizer) runOnce(ctx context.Context, mode status.SynchronizationMode) {
	s.mu.Lock()
	if s.state == status.SyncStateSynchronizing || s.state == status.SyncStateTesting {
		s.mu.Unlock()
		return
	}
	if mode == status.ModeSynchronize {
		s.state = status.SyncStateSynchronizing
	} else {
		s.state = status.SyncStateTesting
	}
	s.mu.Unlock()

	timeout := s.resource.TestTimeout()
	if mode == status.ModeSynchronize {
		timeout = s.resource.SynchronizeTimeout()
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := s.execute(runCtx, mode, start)

	s.mu.Lock()
	if ctx.Err() != nil {
		// Stop cancelled the loop during this run: keep STOPPED and
		// discard the result.
		s.mu.Unlock()
		return
	}
	old := s.last
	s.last = result
	s.state = status.SyncStateSleeping
	s.mu.Unlock()

	if s.publish != nil {
		s.publish(old, result)
	}
}

// dnsResourceStatus reads a DnsResultProvider's status, treating a nil
// result (no pass published yet) as ResourceUnknown rather than
// ResourceInconsistent so a resource never gets gated before its monitor
// has even run once.
func dnsResourceStatus(r *model.ResourceDnsResult) status.ResourceStatus {
	if r == nil {
		return status.ResourceUnknown
	}
	return r.ResourceStatus()
}

// execute runs the actual synchronizer call, recovering panics into an
// ErrorStep and classifying a context deadline as a timeout, per the
// scheduler's "catch everything but a fatal condition, log, and continue"
// error policy.
func (s *CronResourceSynchronizer) execute(ctx context.Context, mode status.SynchronizationMode, start time.Time) (result *model.ResourceSynchronizationResult) {
	defer func() {
		if r := recover(); r != nil {
			err := clusterrors.New(clusterrors.ErrCodeSyncFailed, fmt.Sprintf("panic: %v", r)).
				WithStack().WithComponent("scheduler").WithOperation(mode.String()).
				WithContext("resource", s.resource.ID())
			if s.log != nil {
				s.log.Error("resource %s %s panicked: %v", s.resource.ID(), mode, r)
			}
			step := model.ErrorStep(fmt.Sprintf("%s panicked", mode), err, start)
			result = &step
		}
	}()

	if s.synchronizer == nil {
		err := clusterrors.New(clusterrors.ErrCodeNoSynchronizer, "no synchronizer available for this resource node pair").
			WithComponent("scheduler").WithContext("resource", s.resource.ID())
		step := model.ErrorStep("no synchronizer", err, start)
		return &step
	}

	localDNS := s.localDNS()
	remoteDNS := s.remoteDNS()

	if dnsResourceStatus(localDNS) == status.ResourceInconsistent || dnsResourceStatus(remoteDNS) == status.ResourceInconsistent {
		return &model.ResourceSynchronizationResult{
			LocalResourceNode:  s.local,
			RemoteResourceNode: s.remote,
			Mode:               mode,
			Steps: []model.Step{{
				StartTime:      start,
				EndTime:        time.Now(),
				ResourceStatus: status.ResourceInconsistent,
				Description:    "skipped: resource DNS status is inconsistent",
			}},
		}
	}

	if !s.synchronizer.CanSynchronize(mode, localDNS, remoteDNS) {
		return &model.ResourceSynchronizationResult{
			LocalResourceNode:  s.local,
			RemoteResourceNode: s.remote,
			Mode:               mode,
			Steps: []model.Step{{
				StartTime:      start,
				EndTime:        time.Now(),
				ResourceStatus: status.ResourceStarting,
				Description:    "skipped: resource status does not allow synchronization",
			}},
		}
	}

	out, err := s.synchronizer.Synchronize(ctx, mode, localDNS, remoteDNS)
	if err != nil {
		if ctx.Err() != nil {
			timeoutErr := clusterrors.New(clusterrors.ErrCodeSyncTimeout, err.Error()).
				WithComponent("scheduler").WithOperation(mode.String()).WithContext("resource", s.resource.ID())
			step := model.ErrorStep(fmt.Sprintf("%s timed out", mode), timeoutErr, start)
			return &step
		}
		step := model.ErrorStep(fmt.Sprintf("%s failed", mode), err, start)
		return &step
	}
	if out == nil {
		step := model.ErrorStep(fmt.Sprintf("%s returned no result", mode),
			clusterrors.New(clusterrors.ErrCodeSyncFailed, "synchronizer returned a nil result"), start)
		return &step
	}
	return out
}
