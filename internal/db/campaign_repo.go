package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"mailburst/internal/types"
)

// CampaignRepository provides data access for the campaigns table.
type CampaignRepository struct {
	db DBTX
}

// NewCampaignRepository creates a CampaignRepository backed by the given
// database connection (pool or transaction).
func NewCampaignRepository(db DBTX) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `id, name, subject, body_html, body_text, from_name, from_email,
	status, sent_count, total_processed, progress_percentage, last_segment_position,
	scheduled_at, started_at, completed_at, created_at, updated_at`

// GetByID fetches a single campaign. Returns ErrCodeNotFoundCampaign when no
// row exists.
func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*types.Campaign, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)

	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundCampaign, "campaign not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to fetch campaign", err)
	}
	return c, nil
}

// UpdateStatus sets the campaign status.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id string, status types.CampaignStatus) error {
	_, err := r.db.Exec(ctx,
		`UPDATE campaigns SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update campaign status", err)
	}
	return nil
}

// MarkStarted transitions a campaign into in_progress and stamps started_at.
// Uses a conditional update so a campaign already in_progress is not
// re-claimed: the returned bool is false when the status gate rejected the
// transition.
func (r *CampaignRepository) MarkStarted(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE campaigns
		 SET status = $2, started_at = COALESCE(started_at, $3), updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ($4, $5, $6, $7)`,
		id,
		string(types.CampaignInProgress),
		at,
		string(types.CampaignInProgress),
		string(types.CampaignCompleted),
		string(types.CampaignCompletedErrors),
		string(types.CampaignFailed),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark campaign started", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Finalize stamps the terminal status, aggregate counts, and completed_at at
// the end of a dispatch run.
func (r *CampaignRepository) Finalize(ctx context.Context, id string, status types.CampaignStatus, counts types.CampaignCounts, at time.Time) error {
	progress := 0.0
	if counts.Total > 0 {
		progress = float64(counts.Total-counts.Pending) / float64(counts.Total) * 100
	}

	_, err := r.db.Exec(ctx,
		`UPDATE campaigns
		 SET status = $2, sent_count = $3, total_processed = $4,
		     progress_percentage = $5, completed_at = $6, updated_at = NOW()
		 WHERE id = $1`,
		id, string(status), counts.Sent, counts.Total-counts.Pending, progress, at)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finalize campaign", err)
	}
	return nil
}

// SaveSegmentCursor stores the resumption cursor and flips the campaign into
// the given interrupted state (paused or segmented). Progress counters are
// refreshed from the supplied aggregate counts.
func (r *CampaignRepository) SaveSegmentCursor(ctx context.Context, id string, status types.CampaignStatus, cursor int, counts types.CampaignCounts) error {
	progress := 0.0
	if counts.Total > 0 {
		progress = float64(counts.Total-counts.Pending) / float64(counts.Total) * 100
	}

	_, err := r.db.Exec(ctx,
		`UPDATE campaigns
		 SET status = $2, last_segment_position = $3, sent_count = $4,
		     total_processed = $5, progress_percentage = $6, updated_at = NOW()
		 WHERE id = $1`,
		id, string(status), cursor, counts.Sent, counts.Total-counts.Pending, progress)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save segment cursor", err)
	}
	return nil
}

// Reset reverts a campaign to draft: clears run timestamps, counters, and the
// segment cursor. Recipient rows are reset separately by RecipientRepository.
func (r *CampaignRepository) Reset(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE campaigns
		 SET status = $2, started_at = NULL, completed_at = NULL, scheduled_at = NULL,
		     sent_count = 0, total_processed = 0, progress_percentage = 0,
		     last_segment_position = 0, updated_at = NOW()
		 WHERE id = $1`,
		id, string(types.CampaignDraft))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to reset campaign", err)
	}
	return nil
}

// SetSchedule stamps a one-shot schedule time and flips the status to
// scheduled.
func (r *CampaignRepository) SetSchedule(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE campaigns SET status = $2, scheduled_at = $3, updated_at = NOW() WHERE id = $1`,
		id, string(types.CampaignScheduled), at)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to schedule campaign", err)
	}
	return nil
}

// ListScheduled returns every campaign waiting on a schedule time, used at
// boot to re-arm timer jobs lost with the previous process.
func (r *CampaignRepository) ListScheduled(ctx context.Context) ([]*types.Campaign, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE status = $1 ORDER BY scheduled_at`,
		string(types.CampaignScheduled))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list scheduled campaigns", err)
	}
	defer rows.Close()

	var out []*types.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan campaign", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate campaigns", err)
	}
	return out, nil
}

// scanCampaign reads one campaign row in campaignColumns order.
func scanCampaign(row pgx.Row) (*types.Campaign, error) {
	var c types.Campaign
	var status string

	err := row.Scan(
		&c.ID, &c.Name, &c.Subject, &c.BodyHTML, &c.BodyText, &c.FromName, &c.FromEmail,
		&status, &c.SentCount, &c.TotalProcessed, &c.ProgressPercentage, &c.LastSegmentPosition,
		&c.ScheduledAt, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = types.CampaignStatus(status)
	return &c, nil
}
