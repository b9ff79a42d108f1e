package services

import (
	"context"

	"github.com/mescon/stallarr/internal/clock"
	"github.com/mescon/stallarr/internal/config"
	"github.com/mescon/stallarr/internal/domain"
	"github.com/mescon/stallarr/internal/eventbus"
	"github.com/mescon/stallarr/internal/integration"
	"github.com/mescon/stallarr/internal/logger"
	"github.com/mescon/stallarr/internal/notifier"
)

// NotificationSender delivers operator notifications. *notifier.Notifier implements it.
type NotificationSender interface {
	Send(ctx context.Context, title, message string) bool
}

// Removal workflow steps, used in ActionFailed events.
const (
	StepMarkFailed      = "mark_failed"
	StepRemoveFromQueue = "remove_from_queue"
	StepRemoveDownload  = "remove_download"
)

// Dispatcher performs removals against the download client and managers.
// Under dry-run every mutation is logged and reported as successful.
type Dispatcher struct {
	cfg       *config.Config
	downloads integration.DownloadClient
	managers  map[domain.Manager]integration.ManagerClient
	notifier  NotificationSender
	eventBus  eventbus.Publisher
	clock     clock.Clock
}

// NewDispatcher creates a dispatcher. notifier and eb may be nil.
func NewDispatcher(cfg *config.Config, downloads integration.DownloadClient, managers map[domain.Manager]integration.ManagerClient, n NotificationSender, eb eventbus.Publisher, clk clock.Clock) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		downloads: downloads,
		managers:  managers,
		notifier:  n,
		eventBus:  eb,
		clock:     clk,
	}
}

// RemoveClientOnly deletes a download no manager knows about from eMulerr.
func (d *Dispatcher) RemoveClientOnly(ctx context.Context, c domain.RemovalCandidate) bool {
	data := domain.RemovalEventData{
		Name:     c.DisplayName(),
		Category: domain.RemovalClientOnly,
		Reason:   c.Reason,
		DryRun:   d.cfg.DryRun,
	}
	logger.Infof("Removing %s from eMulerr: %s", c.DisplayName(), c.Reason)
	return d.removeDownload(ctx, c.Identifier(), data)
}

// RemoveManagerGrab deletes the queue item for an unmonitored grab, asking the
// manager to remove it from the download client too. A grab without a queue
// item is skipped.
func (d *Dispatcher) RemoveManagerGrab(ctx context.Context, c domain.RemovalCandidate, queue []domain.GrabRecord) bool {
	hash := c.Identifier()
	item := findByHash(queue, hash)
	if item == nil {
		logger.Errorf("No %s queue item found for %s (hash %s), skipping removal", c.Manager().DisplayName(), c.DisplayName(), hash)
		return false
	}

	data := domain.RemovalEventData{
		Name:     c.DisplayName(),
		Manager:  string(item.Manager),
		Category: domain.RemovalUnmonitored,
		Reason:   c.Reason,
		DryRun:   d.cfg.DryRun,
	}
	logger.Infof("Removing %s from the %s queue: %s", c.DisplayName(), item.Manager.DisplayName(), c.Reason)
	return d.removeFromQueue(ctx, hash, *item, data)
}

// HandleStall runs the stalled-download workflow: notify, mark the grab failed,
// wait for the manager to settle, remove the queue item, remove from eMulerr.
// A failing step is logged and the workflow continues. It reports whether the
// workflow ran to completion; false means neither a grab nor a queue item was
// found, or ctx was cancelled during the settle delay.
func (d *Dispatcher) HandleStall(ctx context.Context, dl domain.DownloadRecord, v Verdict, grabs, queue []domain.GrabRecord) bool {
	grab := findByHash(grabs, dl.Hash)
	item := findByHash(queue, dl.Hash)
	if grab == nil && item == nil {
		logger.Errorf("Stalled download %s (hash %s) has no grab or queue item in any manager, skipping", dl.Name, dl.Hash)
		return false
	}

	var manager domain.Manager
	if item != nil {
		manager = item.Manager
	} else {
		manager = grab.Manager
	}
	mc, ok := d.managers[manager]
	if !ok {
		logger.Errorf("Stalled download %s belongs to %s, which is not configured", dl.Name, manager.DisplayName())
		return false
	}

	data := domain.RemovalEventData{
		Name:     dl.Name,
		Manager:  string(manager),
		Category: domain.RemovalStalled,
		Reason:   v.Reason,
		DryRun:   d.cfg.DryRun,
	}
	d.publish(domain.DownloadStalled, dl.Hash, domain.StallEventData{
		Name:   dl.Name,
		Reason: v.Reason,
		Count:  v.Count,
		DryRun: d.cfg.DryRun,
	}.Map())

	logger.Infof("%s -> STALLED (%d/%d checks): %s", dl.Name, v.Count, d.cfg.StallChecks, v.Reason)
	d.notify(ctx, notifier.StalledTitle(manager), notifier.StalledMessage(dl.Name, v.Reason, v.Count))

	if grab == nil {
		logger.Errorf("No %s grab history for %s, cannot mark it as failed", manager.DisplayName(), dl.Name)
		d.actionFailed(dl.Hash, data, StepMarkFailed, "grab history not found")
	} else if d.cfg.DryRun {
		logger.Infof("[DRY RUN] Would mark %s grab %d (%s) as failed", manager.DisplayName(), grab.HistoryID, grab.Title)
		d.publish(domain.GrabMarkedFailed, dl.Hash, data.Map())
	} else if err := mc.MarkFailed(ctx, grab.HistoryID); err != nil {
		logger.Errorf("Failed to mark %s as failed in %s: %v", grab.Title, manager.DisplayName(), err)
		d.actionFailed(dl.Hash, data, StepMarkFailed, err.Error())
	} else {
		logger.Infof("Marked %s as failed in %s", grab.Title, manager.DisplayName())
		d.publish(domain.GrabMarkedFailed, dl.Hash, data.Map())
	}

	if !d.cfg.DryRun && d.cfg.MarkFailedSettleDelay > 0 {
		if err := d.clock.Sleep(ctx, d.cfg.MarkFailedSettleDelay); err != nil {
			logger.Warnf("Interrupted while handling %s, removal resumes next cycle: %v", dl.Name, err)
			return false
		}
	}

	if item == nil {
		logger.Errorf("No %s queue item found for %s (hash %s), skipping queue removal", manager.DisplayName(), dl.Name, dl.Hash)
		d.actionFailed(dl.Hash, data, StepRemoveFromQueue, "queue item not found")
	} else {
		d.removeFromQueue(ctx, dl.Hash, *item, data)
	}

	d.removeDownload(ctx, dl.Hash, data)
	return true
}

func (d *Dispatcher) removeDownload(ctx context.Context, hash string, data domain.RemovalEventData) bool {
	if d.cfg.DryRun {
		logger.Infof("[DRY RUN] Would remove %s (hash %s) from eMulerr", data.Name, hash)
		d.publish(domain.DownloadRemoved, hash, data.Map())
		return true
	}
	if err := d.downloads.RemoveDownload(ctx, hash); err != nil {
		logger.Errorf("Failed to remove %s from eMulerr: %v", data.Name, err)
		d.actionFailed(hash, data, StepRemoveDownload, err.Error())
		return false
	}
	logger.Infof("Removed %s from eMulerr", data.Name)
	d.publish(domain.DownloadRemoved, hash, data.Map())
	return true
}

func (d *Dispatcher) removeFromQueue(ctx context.Context, hash string, item domain.GrabRecord, data domain.RemovalEventData) bool {
	if d.cfg.DryRun {
		logger.Infof("[DRY RUN] Would remove queue item %d (%s) from %s", item.QueueID, item.Title, item.Manager.DisplayName())
		d.publish(domain.QueueItemRemoved, hash, data.Map())
		return true
	}
	mc, ok := d.managers[item.Manager]
	if !ok {
		logger.Errorf("Queue item %d belongs to %s, which is not configured", item.QueueID, item.Manager.DisplayName())
		d.actionFailed(hash, data, StepRemoveFromQueue, "manager not configured")
		return false
	}
	if err := mc.RemoveFromQueue(ctx, item.QueueID); err != nil {
		logger.Errorf("Failed to remove %s from the %s queue: %v", item.Title, item.Manager.DisplayName(), err)
		d.actionFailed(hash, data, StepRemoveFromQueue, err.Error())
		return false
	}
	logger.Infof("Removed %s from the %s queue", item.Title, item.Manager.DisplayName())
	d.publish(domain.QueueItemRemoved, hash, data.Map())
	return true
}

func (d *Dispatcher) notify(ctx context.Context, title, message string) {
	if d.cfg.DryRun {
		logger.Infof("[DRY RUN] Would send notification %q", title)
		return
	}
	if d.notifier == nil {
		return
	}
	if !d.notifier.Send(ctx, title, message) {
		logger.Debugf("Notification %q was not delivered", title)
	}
}

func (d *Dispatcher) actionFailed(hash string, data domain.RemovalEventData, step, errMsg string) {
	data.Step = step
	data.Error = errMsg
	d.publish(domain.ActionFailed, hash, data.Map())
}

func (d *Dispatcher) publish(eventType domain.EventType, hash string, data map[string]interface{}) {
	if d.eventBus == nil {
		return
	}
	if err := d.eventBus.Publish(domain.Event{
		AggregateType: domain.AggregateDownload,
		AggregateID:   hash,
		EventType:     eventType,
		EventData:     data,
	}); err != nil {
		logger.Warnf("Failed to journal %s for %s: %v", eventType, hash, err)
	}
}

func findByHash(records []domain.GrabRecord, hash string) *domain.GrabRecord {
	for i := range records {
		if records[i].MatchesHash(hash) {
			return &records[i]
		}
	}
	return nil
}
