package services

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/mescon/stallarr/internal/clock"
	"github.com/mescon/stallarr/internal/config"
	"github.com/mescon/stallarr/internal/domain"
	"github.com/mescon/stallarr/internal/eventbus"
	"github.com/mescon/stallarr/internal/integration"
	"github.com/mescon/stallarr/internal/logger"
	"github.com/mescon/stallarr/internal/notifier"
)

// managerOrder fixes the order queues are fetched in.
var managerOrder = []domain.Manager{domain.ManagerRadarr, domain.ManagerSonarr}

// Poller drives the fetch, reconcile, classify, act, sleep loop.
type Poller struct {
	cfg        *config.Config
	downloads  integration.DownloadClient
	managers   map[domain.Manager]integration.ManagerClient
	reconciler *Reconciler
	classifier *StallClassifier
	dispatcher *Dispatcher
	notifier   NotificationSender
	eventBus   eventbus.Publisher
	clock      clock.Clock

	mu            sync.RWMutex
	lastSummary   *domain.CycleSummary
	failureStreak int
}

// PollerDeps groups the collaborators of a Poller. Notifier and EventBus may be nil.
type PollerDeps struct {
	Downloads integration.DownloadClient
	Managers  map[domain.Manager]integration.ManagerClient
	Notifier  NotificationSender
	EventBus  eventbus.Publisher
	Clock     clock.Clock
}

// NewPoller wires the reconciler, classifier and dispatcher around deps.
func NewPoller(cfg *config.Config, deps PollerDeps) *Poller {
	clk := deps.Clock
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Poller{
		cfg:        cfg,
		downloads:  deps.Downloads,
		managers:   deps.Managers,
		reconciler: NewReconciler(cfg, deps.Managers),
		classifier: NewStallClassifier(cfg, clk),
		dispatcher: NewDispatcher(cfg, deps.Downloads, deps.Managers, deps.Notifier, deps.EventBus, clk),
		notifier:   deps.Notifier,
		eventBus:   deps.EventBus,
		clock:      clk,
	}
}

// Classifier exposes the stall classifier for status reporting.
func (p *Poller) Classifier() *StallClassifier {
	return p.classifier
}

// Observations returns a copy of the classifier state.
func (p *Poller) Observations() []Observation {
	return p.classifier.Snapshot()
}

// LastSummary returns the most recent cycle summary, or nil before the first cycle.
func (p *Poller) LastSummary() *domain.CycleSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.lastSummary == nil {
		return nil
	}
	s := *p.lastSummary
	return &s
}

// Run polls until ctx is cancelled. A failed cycle is logged and retried
// after the regular interval; it never ends the loop.
func (p *Poller) Run(ctx context.Context) {
	logger.Infof("Poller started (interval %v, dry run %v)", p.cfg.CheckInterval, p.cfg.DryRun)

	for {
		err := p.safeCycle(ctx)
		if ctx.Err() != nil {
			logger.Infof("Poller stopped")
			return
		}
		if err != nil {
			p.handleCycleError(ctx, err)
		} else {
			p.failureStreak = 0
		}

		logger.Debugf("Sleeping %v until the next cycle", p.cfg.CheckInterval)
		if err := p.clock.Sleep(ctx, p.cfg.CheckInterval); err != nil {
			logger.Infof("Poller stopped")
			return
		}
	}
}

// safeCycle runs one cycle and converts a panic into an error.
func (p *Poller) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Panic during polling cycle: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("panic during polling cycle: %v", r)
		}
	}()
	return p.RunCycle(ctx)
}

func (p *Poller) handleCycleError(ctx context.Context, err error) {
	summary := domain.CycleSummary{
		StartedAt: p.clock.Now(),
		Aborted:   true,
		Error:     err.Error(),
	}
	p.setSummary(summary)
	p.publish(domain.CycleAborted, domain.AggregateCycle, uuid.NewString(), summary.Map())

	cf, ok := integration.AsConnectivityFailure(err)
	if !ok {
		logger.Errorf("Polling cycle failed: %v", err)
		return
	}

	p.failureStreak++
	logger.Warnf("Polling cycle aborted, %s is unreachable: %v", cf.Service, err)
	if p.failureStreak > 1 || !p.cfg.NotifyOnConnectivityFailure || p.notifier == nil {
		return
	}
	if p.cfg.DryRun {
		logger.Infof("[DRY RUN] Would send connectivity notification")
		return
	}
	p.notifier.Send(ctx, "Stallarr cycle aborted", notifier.ConnectivityMessage(err))
}

// RunCycle performs one full cycle. No removal is attempted unless fetching
// and reconciliation both succeed.
func (p *Poller) RunCycle(ctx context.Context) error {
	cycleID := uuid.NewString()
	started := p.clock.Now()
	p.publish(domain.CycleStarted, domain.AggregateCycle, cycleID, nil)

	downloads, err := p.downloads.FetchDownloads(ctx)
	if err != nil {
		return fmt.Errorf("fetch downloads: %w", err)
	}
	logger.Debugf("eMulerr reports %d downloads", len(downloads))

	queues := make(map[domain.Manager][]domain.GrabRecord, len(p.managers))
	for _, m := range managerOrder {
		mc, ok := p.managers[m]
		if !ok {
			continue
		}
		queue, err := mc.FetchQueue(ctx)
		if err != nil {
			return fmt.Errorf("fetch %s queue: %w", m.DisplayName(), err)
		}
		queues[m] = queue
	}

	result, err := p.reconciler.Reconcile(ctx, downloads)
	if err != nil {
		return err
	}

	summary := domain.CycleSummary{
		CycleID:   cycleID,
		StartedAt: started,
		Downloads: len(downloads),
		Skipped:   result.Skipped,
	}

	// Reconciliation removals; removed hashes leave the working set
	removed := make(map[string]struct{})
	if p.cfg.DeleteIfOnlyOnEmulerr {
		for _, c := range result.ClientOnly {
			if p.dispatcher.RemoveClientOnly(ctx, c) {
				removed[c.Identifier()] = struct{}{}
				summary.ClientRemovals++
			}
			p.classifier.Forget(c.Identifier())
		}
	} else if len(result.ClientOnly) > 0 {
		logger.Debugf("%d downloads exist only on eMulerr; DELETE_IF_ONLY_ON_EMULERR is off, keeping them", len(result.ClientOnly))
	}
	for _, c := range result.ManagerRemovals {
		if p.dispatcher.RemoveManagerGrab(ctx, c, queues[c.Manager()]) {
			removed[c.Identifier()] = struct{}{}
			summary.ManagerRemovals++
		}
		p.classifier.Forget(c.Identifier())
	}

	working := make([]domain.DownloadRecord, 0, len(result.Accepted))
	active := make(map[string]struct{}, len(result.Accepted))
	for _, d := range result.Accepted {
		if _, gone := removed[d.Hash]; gone {
			continue
		}
		working = append(working, d)
		active[d.Hash] = struct{}{}
	}

	p.classifier.Cleanup(active)

	type stall struct {
		download domain.DownloadRecord
		verdict  Verdict
	}
	var stalls []stall
	for _, d := range working {
		v := p.classifier.CheckStatus(d)
		switch {
		case v.Stalled:
			stalls = append(stalls, stall{d, v})
		case v.Warning():
			summary.Warnings++
			logger.Debugf("%s -> Warning (%d/%d) - %s", d.Name, v.Count, p.cfg.StallChecks, v.Reason)
			p.publish(domain.DownloadWarning, domain.AggregateDownload, d.Hash, domain.StallEventData{
				Name:   d.Name,
				Reason: v.Reason,
				Count:  v.Count,
				DryRun: p.cfg.DryRun,
			}.Map())
		}
	}

	for _, s := range stalls {
		if err := ctx.Err(); err != nil {
			return err
		}
		manager, _ := RouteCategory(p.cfg, s.download.Category)
		if p.dispatcher.HandleStall(ctx, s.download, s.verdict, result.Grabs[manager], queues[manager]) {
			p.classifier.Forget(s.download.Hash)
			summary.Stalled++
		}
	}

	summary.Duration = p.clock.Now().Sub(started)
	logger.Infof("Cycle complete: %d downloads, %d warnings, %d stalled, %d client-only removed, %d unmonitored removed",
		summary.Downloads, summary.Warnings, summary.Stalled, summary.ClientRemovals, summary.ManagerRemovals)

	p.setSummary(summary)
	p.publish(domain.CycleCompleted, domain.AggregateCycle, cycleID, summary.Map())
	return nil
}

func (p *Poller) setSummary(s domain.CycleSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSummary = &s
}

func (p *Poller) publish(eventType domain.EventType, aggregateType, aggregateID string, data map[string]interface{}) {
	if p.eventBus == nil {
		return
	}
	if err := p.eventBus.Publish(domain.Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		EventData:     data,
	}); err != nil {
		logger.Warnf("Failed to journal %s: %v", eventType, err)
	}
}
