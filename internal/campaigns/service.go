// Package campaigns orchestrates the campaign lifecycle: starting, resetting
// and scheduling dispatch runs, and the status transitions around them.
package campaigns

import (
	"context"
	"fmt"
	"time"

	"mailburst/internal/dispatch"
	"mailburst/internal/types"
)

// Runner executes a dispatch run for a campaign.
type Runner interface {
	Run(ctx context.Context, campaignID string, opts dispatch.RunOptions) (*dispatch.RunResult, error)
}

// CampaignStore is the campaign persistence surface the orchestrator needs.
type CampaignStore interface {
	GetByID(ctx context.Context, id string) (*types.Campaign, error)
	Reset(ctx context.Context, id string) error
	SetSchedule(ctx context.Context, id string, at time.Time) error
	ListScheduled(ctx context.Context) ([]*types.Campaign, error)
}

// RecipientStore is the recipient persistence surface the orchestrator needs.
type RecipientStore interface {
	CountByCampaign(ctx context.Context, campaignID string) (types.CampaignCounts, error)
	ResetForCampaign(ctx context.Context, campaignID string) error
}

// ServiceConfig holds the dependencies for NewService.
type ServiceConfig struct {
	Campaigns  CampaignStore
	Recipients RecipientStore
	Runner     Runner
	Scheduler  *Scheduler
	Logger     types.Logger
}

// Service is the campaign orchestrator.
type Service struct {
	campaigns  CampaignStore
	recipients RecipientStore
	runner     Runner
	scheduler  *Scheduler
	logger     types.Logger
	now        func() time.Time
}

// NewService creates the orchestrator.
func NewService(cfg ServiceConfig) *Service {
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = NewScheduler()
	}
	return &Service{
		campaigns:  cfg.Campaigns,
		recipients: cfg.Recipients,
		runner:     cfg.Runner,
		scheduler:  scheduler,
		logger:     cfg.Logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start validates the campaign and runs the dispatch loop synchronously on
// the caller's goroutine. There is deliberately no background worker: the
// caller (HTTP request, scheduler job, external trigger) owns the run and
// sees its outcome directly.
func (s *Service) Start(ctx context.Context, campaignID string) (*dispatch.RunResult, error) {
	campaign, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if campaign.Status == types.CampaignInProgress {
		return nil, types.NewAppError(types.ErrCodeConflictInProgress,
			fmt.Sprintf("campaign %s is already running", campaignID), nil)
	}
	if campaign.Status.IsTerminal() {
		return nil, types.NewAppError(types.ErrCodeConflictTerminal,
			fmt.Sprintf("campaign %s already finished with status %s", campaignID, campaign.Status), nil)
	}

	counts, err := s.recipients.CountByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if counts.Total == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationNoRecipients,
			fmt.Sprintf("campaign %s has no recipients", campaignID), nil)
	}

	// A manual start supersedes any pending schedule.
	s.scheduler.Cancel(campaignID)

	return s.runner.Run(ctx, campaignID, dispatch.RunOptions{})
}

// Reset reverts the campaign to draft: any scheduled job is cancelled, all
// recipients return to pending with prior send and error state cleared
// (global suppression is preserved), and campaign timestamps and counters
// are zeroed.
func (s *Service) Reset(ctx context.Context, campaignID string) error {
	campaign, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}

	if campaign.Status == types.CampaignInProgress {
		return types.NewAppError(types.ErrCodeConflictInProgress,
			fmt.Sprintf("campaign %s is running and cannot be reset", campaignID), nil)
	}

	s.scheduler.Cancel(campaignID)

	if err := s.recipients.ResetForCampaign(ctx, campaignID); err != nil {
		return err
	}
	if err := s.campaigns.Reset(ctx, campaignID); err != nil {
		return err
	}

	s.logger.Info("campaign reset", "campaign_id", campaignID)
	return nil
}

// Schedule registers a one-shot job that starts the campaign at the given
// time. Re-scheduling replaces the previous job.
func (s *Service) Schedule(ctx context.Context, campaignID string, at time.Time) error {
	campaign, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}

	if campaign.Status == types.CampaignInProgress {
		return types.NewAppError(types.ErrCodeConflictInProgress,
			fmt.Sprintf("campaign %s is already running", campaignID), nil)
	}
	if campaign.Status.IsTerminal() {
		return types.NewAppError(types.ErrCodeConflictTerminal,
			fmt.Sprintf("campaign %s already finished with status %s", campaignID, campaign.Status), nil)
	}
	if !at.After(s.now()) {
		return types.NewAppError(types.ErrCodeValidationScheduleTime,
			"scheduled time must be in the future", nil)
	}

	if err := s.campaigns.SetSchedule(ctx, campaignID, at); err != nil {
		return err
	}

	s.register(campaignID, at)
	s.logger.Info("campaign scheduled", "campaign_id", campaignID, "at", at)
	return nil
}

// RestoreScheduled re-arms timer jobs for campaigns left in scheduled state
// by a previous process. Called once at boot.
func (s *Service) RestoreScheduled(ctx context.Context) error {
	scheduled, err := s.campaigns.ListScheduled(ctx)
	if err != nil {
		return err
	}

	for _, c := range scheduled {
		if c.ScheduledAt == nil {
			continue
		}
		s.register(c.ID, *c.ScheduledAt)
		s.logger.Info("restored scheduled campaign", "campaign_id", c.ID, "at", *c.ScheduledAt)
	}
	return nil
}

func (s *Service) register(campaignID string, at time.Time) {
	s.scheduler.Register(campaignID, at, func() {
		// The surrounding request is long gone when the timer fires.
		if _, err := s.Start(context.Background(), campaignID); err != nil {
			s.logger.Error("scheduled start failed", "campaign_id", campaignID, "error", err)
		}
	})
}
