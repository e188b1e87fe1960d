// Package dispatch runs campaign send loops: batched iteration over pending
// recipients with a memory/throughput safety envelope and resumable
// segmentation.
package dispatch

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"mailburst/internal/delivery"
	"mailburst/internal/types"
)

// CampaignStore is the campaign persistence surface the dispatcher needs.
type CampaignStore interface {
	GetByID(ctx context.Context, id string) (*types.Campaign, error)
	MarkStarted(ctx context.Context, id string, at time.Time) (bool, error)
	Finalize(ctx context.Context, id string, status types.CampaignStatus, counts types.CampaignCounts, at time.Time) error
	SaveSegmentCursor(ctx context.Context, id string, status types.CampaignStatus, cursor int, counts types.CampaignCounts) error
}

// RecipientStore is the recipient persistence surface the dispatcher needs.
type RecipientStore interface {
	ListSendOrderIDs(ctx context.Context, campaignID string) ([]string, error)
	GetByIDs(ctx context.Context, ids []string) ([]*types.Recipient, error)
	Update(ctx context.Context, rcp *types.Recipient) error
	CountByCampaign(ctx context.Context, campaignID string) (types.CampaignCounts, error)
}

// MailSender sends one campaign email and exposes resource recycling so the
// dispatcher can tear down pooled connections between batches.
type MailSender interface {
	SendOne(ctx context.Context, campaign *types.Campaign, r *types.Recipient) (string, error)
	Recycle()
}

// DispatcherConfig holds the dependencies and tuning for NewDispatcher.
type DispatcherConfig struct {
	Campaigns  CampaignStore
	Recipients RecipientStore
	Sender     MailSender
	Logger     types.Logger
	Metrics    Metrics // optional

	// MemoryCeilingBytes is the heap-allocation level above which a run
	// pauses rather than risk the process. Defaults to 512 MiB.
	MemoryCeilingBytes uint64

	// Probe reports current heap usage. Defaults to HeapAlloc.
	Probe MemoryProbe

	// Thresholds is the danger table of cumulative-send counts. Defaults to
	// DefaultThresholds.
	Thresholds Thresholds

	// Cooldown is the fixed sleep taken when a cooldown threshold is
	// crossed. Defaults to 5s.
	Cooldown time.Duration

	// SleepBase and SleepMax bound the inter-batch sleep. The actual sleep
	// scales from base toward max as the run approaches the next danger
	// threshold. Defaults 1s and 10s.
	SleepBase time.Duration
	SleepMax  time.Duration
}

// RunOptions tunes a single dispatch run. Zero values mean "decide
// automatically"; StartIndex below zero means resume from the stored cursor.
type RunOptions struct {
	BatchSize  int
	StartIndex int
}

// RunResult summarizes a finished dispatch run.
type RunResult struct {
	Status    types.CampaignStatus
	Processed int
	Sent      int
	Failed    int

	// Cursor is the resumption position when Status is paused or segmented.
	Cursor int
}

// Dispatcher executes campaign sends. A single Dispatcher is safe to use for
// many campaigns; concurrent runs for the *same* campaign are excluded by the
// claim on campaign status, not by a lock, which is sufficient for a
// single-instance deployment.
type Dispatcher struct {
	campaigns  CampaignStore
	recipients RecipientStore
	sender     MailSender
	logger     types.Logger
	metrics    Metrics

	memoryCeiling uint64
	probe         MemoryProbe
	thresholds    Thresholds
	cooldown      time.Duration
	sleepBase     time.Duration
	sleepMax      time.Duration

	// Injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
	gc    func()
}

// NewDispatcher creates a Dispatcher from the given config.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MemoryCeilingBytes == 0 {
		cfg.MemoryCeilingBytes = 512 << 20
	}
	if cfg.Probe == nil {
		cfg.Probe = HeapAlloc
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Second
	}
	if cfg.SleepBase <= 0 {
		cfg.SleepBase = time.Second
	}
	if cfg.SleepMax <= 0 {
		cfg.SleepMax = 10 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics{}
	}

	return &Dispatcher{
		campaigns:     cfg.Campaigns,
		recipients:    cfg.Recipients,
		sender:        cfg.Sender,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		memoryCeiling: cfg.MemoryCeilingBytes,
		probe:         cfg.Probe,
		thresholds:    cfg.Thresholds,
		cooldown:      cfg.Cooldown,
		sleepBase:     cfg.SleepBase,
		sleepMax:      cfg.SleepMax,
		now:           func() time.Time { return time.Now().UTC() },
		sleep:         sleepContext,
		gc:            runtime.GC,
	}
}

// BatchSizeFor picks a batch size inversely proportional to campaign volume:
// bigger campaigns get smaller batches to bound peak memory and per-batch
// blast radius.
func BatchSizeFor(total int) int {
	switch {
	case total > 10_000:
		return 50
	case total >= 5_000:
		return 75
	default:
		return 100
	}
}

// Run claims the campaign and executes the send loop until completion or a
// safety stop. It is synchronous: the caller owns the goroutine.
func (d *Dispatcher) Run(ctx context.Context, campaignID string, opts RunOptions) (*RunResult, error) {
	campaign, err := d.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if campaign.Status.IsTerminal() {
		return nil, types.NewAppError(types.ErrCodeConflictTerminal,
			fmt.Sprintf("campaign %s already finished with status %s", campaignID, campaign.Status), nil)
	}

	claimed, err := d.campaigns.MarkStarted(ctx, campaignID, d.now())
	if err != nil {
		return nil, fmt.Errorf("dispatch: failed to claim campaign %s: %w", campaignID, err)
	}
	if !claimed {
		return nil, types.NewAppError(types.ErrCodeConflictInProgress,
			fmt.Sprintf("campaign %s is already being dispatched", campaignID), nil)
	}

	cursor := 0
	switch {
	case opts.StartIndex > 0:
		cursor = opts.StartIndex
	case campaign.Status == types.CampaignSegmented:
		cursor = campaign.LastSegmentPosition
	}

	started := d.now()
	result, err := d.run(ctx, campaign, cursor, opts.BatchSize)
	if err != nil {
		return nil, err
	}

	d.metrics.RecordRun(ctx, result.Processed, d.now().Sub(started))
	d.logger.Info("dispatch run finished",
		"campaign_id", campaignID,
		"status", result.Status,
		"processed", result.Processed,
		"sent", result.Sent,
		"failed", result.Failed)
	return result, nil
}

func (d *Dispatcher) run(ctx context.Context, campaign *types.Campaign, cursor, batchSize int) (*RunResult, error) {
	ids, err := d.recipients.ListSendOrderIDs(ctx, campaign.ID)
	if err != nil {
		// Nothing was attempted yet; the run as a whole failed.
		d.failRun(ctx, campaign.ID)
		return nil, fmt.Errorf("dispatch: failed to load recipients for campaign %s: %w", campaign.ID, err)
	}

	total := len(ids)
	if batchSize <= 0 {
		batchSize = BatchSizeFor(total)
	}

	d.logger.Info("dispatch run starting",
		"campaign_id", campaign.ID,
		"recipients", total,
		"batch_size", batchSize,
		"cursor", cursor)

	var result RunResult
	checked := 0 // threshold watermark

	for start := cursor; start < total; start += batchSize {
		end := start + batchSize
		if end > total {
			end = total
		}

		// Fresh objects every batch: nothing loaded before the last
		// resource reset is ever reused.
		batch, err := d.recipients.GetByIDs(ctx, ids[start:end])
		if err != nil {
			d.logger.Error("abandoning batch after load failure",
				"campaign_id", campaign.ID, "batch_start", start, "error", err)
			continue
		}

		for i, rcp := range batch {
			position := start + i

			if ctx.Err() != nil {
				return d.interrupt(ctx, campaign.ID, types.CampaignPaused, position, &result, "canceled")
			}

			if heap := d.probe(); heap > d.memoryCeiling {
				d.logger.Warn("memory ceiling breached, pausing run",
					"campaign_id", campaign.ID, "heap_bytes", heap, "position", position)
				d.metrics.RecordSafetyStop(ctx, "memory_ceiling")
				return d.interrupt(ctx, campaign.ID, types.CampaignPaused, position, &result, "memory ceiling")
			}

			if hit := d.thresholds.Crossed(checked, result.Processed); hit != nil {
				if stop := d.handleThreshold(ctx, campaign.ID, hit, position, &result); stop != nil {
					return stop, nil
				}
			}
			checked = result.Processed

			// The id list is unfiltered and computed at run start; skip
			// anything no longer pending or suppressed since, here against
			// the fresh row.
			if rcp.Status != types.RecipientPending || rcp.GlobalStatus.Suppressed() {
				continue
			}

			d.sendOne(ctx, campaign, rcp, &result)
		}

		if end < total {
			d.resetResources()
			d.sleep(ctx, d.interBatchSleep(result.Processed))
		}
	}

	return d.finalize(ctx, campaign.ID, &result)
}

// sendOne performs one send and commits the outcome. Each recipient is its
// own unit of work: its failure never aborts siblings.
func (d *Dispatcher) sendOne(ctx context.Context, campaign *types.Campaign, rcp *types.Recipient, result *RunResult) {
	msgID, err := d.sender.SendOne(ctx, campaign, rcp)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		d.logger.Warn("send failed",
			"campaign_id", campaign.ID, "recipient_id", rcp.ID, "error", err)
		d.metrics.RecordSend(ctx, MetricResultFailure)
	} else {
		d.metrics.RecordSend(ctx, MetricResultSuccess)
	}

	delivery.ApplySendResult(rcp, err == nil, msgID, errMsg, d.now())

	if uerr := d.recipients.Update(ctx, rcp); uerr != nil {
		// The send already happened; losing the commit means this recipient
		// stays pending and is retried next run.
		d.logger.Error("failed to commit send result",
			"campaign_id", campaign.ID, "recipient_id", rcp.ID, "error", uerr)
		return
	}

	result.Processed++
	if err == nil {
		result.Sent++
	} else {
		result.Failed++
	}
}

// handleThreshold reacts to a crossed danger threshold. A non-nil return
// ends the run with a segmented cursor.
func (d *Dispatcher) handleThreshold(ctx context.Context, campaignID string, hit *Threshold, position int, result *RunResult) *RunResult {
	d.logger.Warn("danger threshold crossed",
		"campaign_id", campaignID,
		"threshold", hit.Count,
		"action", hit.Action,
		"processed", result.Processed)

	d.resetResources()

	if hit.Action == ActionSegment {
		d.metrics.RecordSafetyStop(ctx, "danger_threshold")
		stopped, _ := d.interrupt(ctx, campaignID, types.CampaignSegmented, position, result, "danger threshold")
		return stopped
	}

	d.sleep(ctx, d.cooldown)
	return nil
}

// interrupt ends a run early, persisting the resumption cursor and the
// interim status.
func (d *Dispatcher) interrupt(ctx context.Context, campaignID string, status types.CampaignStatus, cursor int, result *RunResult, reason string) (*RunResult, error) {
	counts := d.countsBestEffort(ctx, campaignID)

	if err := d.campaigns.SaveSegmentCursor(ctx, campaignID, status, cursor, counts); err != nil {
		d.logger.Error("failed to persist interruption cursor",
			"campaign_id", campaignID, "cursor", cursor, "error", err)
	}

	d.logger.Info("dispatch run interrupted",
		"campaign_id", campaignID, "status", status, "cursor", cursor, "reason", reason)

	result.Status = status
	result.Cursor = cursor
	return result, nil
}

// finalize computes the terminal status from authoritative aggregate counts,
// never from this run's in-memory tallies.
func (d *Dispatcher) finalize(ctx context.Context, campaignID string, result *RunResult) (*RunResult, error) {
	counts, err := d.recipients.CountByCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: failed to compute final counts for campaign %s: %w", campaignID, err)
	}

	status := counts.FinalStatus()
	if err := d.campaigns.Finalize(ctx, campaignID, status, counts, d.now()); err != nil {
		return nil, fmt.Errorf("dispatch: failed to finalize campaign %s: %w", campaignID, err)
	}

	result.Status = status
	return result, nil
}

// failRun marks the campaign failed after a run that threw before any batch
// completed.
func (d *Dispatcher) failRun(ctx context.Context, campaignID string) {
	counts := d.countsBestEffort(ctx, campaignID)
	if err := d.campaigns.Finalize(ctx, campaignID, types.CampaignFailed, counts, d.now()); err != nil {
		d.logger.Error("failed to mark campaign failed", "campaign_id", campaignID, "error", err)
	}
}

func (d *Dispatcher) countsBestEffort(ctx context.Context, campaignID string) types.CampaignCounts {
	counts, err := d.recipients.CountByCampaign(ctx, campaignID)
	if err != nil {
		d.logger.Error("failed to compute interim counts", "campaign_id", campaignID, "error", err)
		return types.CampaignCounts{}
	}
	return counts
}

// resetResources tears down pooled state between batches: provider
// connections are recycled and a GC pass reclaims the previous batch.
func (d *Dispatcher) resetResources() {
	d.sender.Recycle()
	d.gc()
}

// interBatchSleep scales the pause between batches from base toward max as
// the run approaches the next danger threshold.
func (d *Dispatcher) interBatchSleep(processed int) time.Duration {
	prox := d.thresholds.Proximity(processed)
	return d.sleepBase + time.Duration(prox*float64(d.sleepMax-d.sleepBase))
}

func sleepContext(ctx context.Context, dur time.Duration) {
	if dur <= 0 {
		return
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
