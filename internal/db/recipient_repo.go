package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"mailburst/internal/types"
)

// RecipientRepository provides data access for the recipients table.
//
// The dispatcher loads the send-order ids once, then re-fetches fresh rows
// per batch;
// the intake fetches one row per event. Both commit per-row so a single
// failure never poisons sibling units.
type RecipientRepository struct {
	db DBTX
}

// NewRecipientRepository creates a RecipientRepository backed by the given
// database connection (pool or transaction).
func NewRecipientRepository(db DBTX) *RecipientRepository {
	return &RecipientRepository{db: db}
}

const recipientColumns = `id, campaign_id, email, name, status, delivery_status, global_status,
	message_id, error_message, bounce_type, bounce_sub_type, bounce_reason,
	complaint_type, delay_reason, open_count, click_count,
	sent_at, delivered_at, bounced_at, complained_at, last_opened_at, last_clicked_at,
	created_at, updated_at`

// ListSendOrderIDs returns every recipient id of a campaign in stable
// insertion order. Only ids are loaded; fresh rows are fetched per batch.
// The list is deliberately unfiltered: a resumption cursor saved by an
// interrupted run is an offset into this ordering, and any filter whose
// outcome can change between runs (suppression, status) would shift later
// positions and strand recipients under the cursor. Suppressed and already
// processed rows are skipped by the dispatcher's per-recipient check against
// the freshly fetched row.
func (r *RecipientRepository) ListSendOrderIDs(ctx context.Context, campaignID string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id FROM recipients
		 WHERE campaign_id = $1
		 ORDER BY created_at, id`,
		campaignID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list campaign recipients", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan recipient id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate recipient ids", err)
	}
	return ids, nil
}

// GetByIDs fetches fresh recipient rows for a batch, in the order of the
// given ids. Missing ids are silently skipped (the row may have been mutated
// by a concurrent intake event).
func (r *RecipientRepository) GetByIDs(ctx context.Context, ids []string) ([]*types.Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+recipientColumns+` FROM recipients WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to fetch recipients", err)
	}
	defer rows.Close()

	byID := make(map[string]*types.Recipient, len(ids))
	for rows.Next() {
		rcp, err := scanRecipientRows(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan recipient", err)
		}
		byID[rcp.ID] = rcp
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate recipients", err)
	}

	ordered := make([]*types.Recipient, 0, len(byID))
	for _, id := range ids {
		if rcp, ok := byID[id]; ok {
			ordered = append(ordered, rcp)
		}
	}
	return ordered, nil
}

// FindByMessage locates the recipient owning a provider message id. The email
// narrows the match when the provider reports one.
func (r *RecipientRepository) FindByMessage(ctx context.Context, messageID string, email string) (*types.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE message_id = $1`
	args := []any{messageID}
	if email != "" {
		query += ` AND email = $2`
		args = append(args, email)
	}
	query += ` LIMIT 1`

	row := r.db.QueryRow(ctx, query, args...)
	rcp, err := scanRecipientRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundRecipient, "no recipient for message id", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to find recipient by message id", err)
	}
	return rcp, nil
}

// FindLatestByEmail returns the most recently created recipient row for an
// email address. This backs the optional email-only fallback matching, which
// is a best-effort heuristic and disabled by default.
func (r *RecipientRepository) FindLatestByEmail(ctx context.Context, email string) (*types.Recipient, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+recipientColumns+` FROM recipients
		 WHERE email = $1 ORDER BY created_at DESC LIMIT 1`, email)

	rcp, err := scanRecipientRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundRecipient, "no recipient for email", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to find recipient by email", err)
	}
	return rcp, nil
}

// Update commits the full mutable state of a recipient row. Each call is its
// own unit of work.
func (r *RecipientRepository) Update(ctx context.Context, rcp *types.Recipient) error {
	_, err := r.db.Exec(ctx,
		`UPDATE recipients SET
		   status = $2, delivery_status = $3, global_status = $4, message_id = $5,
		   error_message = $6, bounce_type = $7, bounce_sub_type = $8, bounce_reason = $9,
		   complaint_type = $10, delay_reason = $11, open_count = $12, click_count = $13,
		   sent_at = $14, delivered_at = $15, bounced_at = $16, complained_at = $17,
		   last_opened_at = $18, last_clicked_at = $19, updated_at = NOW()
		 WHERE id = $1`,
		rcp.ID,
		string(rcp.Status), string(rcp.DeliveryStatus), string(rcp.GlobalStatus), rcp.MessageID,
		rcp.ErrorMessage, rcp.BounceType, rcp.BounceSubType, rcp.BounceReason,
		rcp.ComplaintType, rcp.DelayReason, rcp.OpenCount, rcp.ClickCount,
		rcp.SentAt, rcp.DeliveredAt, rcp.BouncedAt, rcp.ComplainedAt,
		rcp.LastOpenedAt, rcp.LastClickedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update recipient", err)
	}
	return nil
}

// PropagateGlobalStatus stamps a suppression status on every recipient row
// sharing the email address, across all campaigns. Transitions are
// one-directional: rows already suppressed are left untouched.
func (r *RecipientRepository) PropagateGlobalStatus(ctx context.Context, email string, status types.GlobalStatus) error {
	_, err := r.db.Exec(ctx,
		`UPDATE recipients SET global_status = $2, updated_at = NOW()
		 WHERE email = $1 AND global_status = $3`,
		email, string(status), string(types.GlobalActive))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to propagate global status", err)
	}
	return nil
}

// CountByCampaign computes the aggregate recipient tally for a campaign by
// direct query. Final campaign status is always derived from these counts,
// never from in-memory tallies.
func (r *RecipientRepository) CountByCampaign(ctx context.Context, campaignID string) (types.CampaignCounts, error) {
	row := r.db.QueryRow(ctx,
		`SELECT
		   COUNT(*),
		   COUNT(*) FILTER (WHERE status = $2),
		   COUNT(*) FILTER (WHERE status = $3),
		   COUNT(*) FILTER (WHERE status = $4),
		   COUNT(*) FILTER (WHERE status = $5)
		 FROM recipients WHERE campaign_id = $1`,
		campaignID,
		string(types.RecipientPending),
		string(types.RecipientSent),
		string(types.RecipientFailed),
		string(types.RecipientComplained),
	)

	var counts types.CampaignCounts
	if err := row.Scan(&counts.Total, &counts.Pending, &counts.Sent, &counts.Failed, &counts.Complained); err != nil {
		return types.CampaignCounts{}, types.NewAppError(types.ErrCodeInternalDB, "failed to count recipients", err)
	}
	return counts, nil
}

// ResetForCampaign reverts every recipient of a campaign to pending, clearing
// prior send and error state. Global suppression is deliberately preserved:
// a reset campaign still never sends to a bounced address.
func (r *RecipientRepository) ResetForCampaign(ctx context.Context, campaignID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE recipients SET
		   status = $2, delivery_status = '', message_id = '', error_message = '',
		   bounce_type = '', bounce_sub_type = '', bounce_reason = '',
		   complaint_type = '', delay_reason = '', open_count = 0, click_count = 0,
		   sent_at = NULL, delivered_at = NULL, bounced_at = NULL, complained_at = NULL,
		   last_opened_at = NULL, last_clicked_at = NULL, updated_at = NOW()
		 WHERE campaign_id = $1`,
		campaignID, string(types.RecipientPending))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to reset recipients", err)
	}
	return nil
}

// scanRecipientRow reads one recipient row in recipientColumns order.
func scanRecipientRow(row pgx.Row) (*types.Recipient, error) {
	var rcp types.Recipient
	var status, deliveryStatus, globalStatus string

	err := row.Scan(
		&rcp.ID, &rcp.CampaignID, &rcp.Email, &rcp.Name,
		&status, &deliveryStatus, &globalStatus,
		&rcp.MessageID, &rcp.ErrorMessage, &rcp.BounceType, &rcp.BounceSubType, &rcp.BounceReason,
		&rcp.ComplaintType, &rcp.DelayReason, &rcp.OpenCount, &rcp.ClickCount,
		&rcp.SentAt, &rcp.DeliveredAt, &rcp.BouncedAt, &rcp.ComplainedAt,
		&rcp.LastOpenedAt, &rcp.LastClickedAt,
		&rcp.CreatedAt, &rcp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rcp.Status = types.RecipientStatus(status)
	rcp.DeliveryStatus = types.DeliveryStatus(deliveryStatus)
	rcp.GlobalStatus = types.GlobalStatus(globalStatus)
	return &rcp, nil
}

// scanRecipientRows adapts scanRecipientRow to pgx.Rows iteration.
func scanRecipientRows(rows pgx.Rows) (*types.Recipient, error) {
	return scanRecipientRow(rows)
}
