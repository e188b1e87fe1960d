package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailburst/internal/delivery"
	"mailburst/internal/types"
)

// RecipientStore is the recipient persistence surface the applier needs.
type RecipientStore interface {
	FindByMessage(ctx context.Context, messageID string, email string) (*types.Recipient, error)
	FindLatestByEmail(ctx context.Context, email string) (*types.Recipient, error)
	Update(ctx context.Context, rcp *types.Recipient) error
	PropagateGlobalStatus(ctx context.Context, email string, status types.GlobalStatus) error
}

// Archiver persists the raw provider payload for audit and replay.
type Archiver interface {
	ArchiveRaw(ctx context.Context, messageID string, eventType types.EventType, receivedAt time.Time, payload []byte) error
}

// ApplierConfig holds the dependencies for NewApplier.
type ApplierConfig struct {
	Recipients RecipientStore
	Archive    Archiver // optional
	Deduper    *Deduper // optional
	Logger     types.Logger

	// EmailFallback enables matching by email address alone when an event
	// carries no message ID or the ID matches no recipient. Off by default:
	// the heuristic can attribute an event to the wrong campaign when an
	// address appears in several.
	EmailFallback bool
}

// Applier resolves delivery events to recipients and commits the resulting
// status transitions. Both intake paths (webhook and queue consumer) share
// one Applier so dedupe and fallback behavior stay consistent.
type Applier struct {
	recipients    RecipientStore
	archive       Archiver
	deduper       *Deduper
	logger        types.Logger
	emailFallback bool
}

// NewApplier creates an Applier from the given config.
func NewApplier(cfg ApplierConfig) *Applier {
	return &Applier{
		recipients:    cfg.Recipients,
		archive:       cfg.Archive,
		deduper:       cfg.Deduper,
		logger:        cfg.Logger,
		emailFallback: cfg.EmailFallback,
	}
}

// ErrNoRecipient is returned when an event cannot be matched to any
// recipient. Callers treat it as unrecoverable: retrying will not make
// the recipient appear.
var ErrNoRecipient = errors.New("intake: no recipient matches event")

// Apply resolves the event's recipient, applies the status transition, and
// commits the updated row. Suppressing events additionally propagate the
// global status to every row sharing the address.
//
// rawPayload, when non-nil, is archived before the event is applied so the
// original provider payload survives even if application fails.
func (a *Applier) Apply(ctx context.Context, ev types.DeliveryEvent, rawPayload []byte) error {
	if a.archive != nil && rawPayload != nil {
		if err := a.archive.ArchiveRaw(ctx, ev.MessageID, ev.Type, time.Now().UTC(), rawPayload); err != nil {
			// Archive failures never block status application.
			a.logger.Warn("failed to archive raw notification", "message_id", ev.MessageID, "error", err)
		}
	}

	if a.deduper != nil && a.deduper.Seen(ev) {
		a.logger.Info("dropping duplicate event", "message_id", ev.MessageID, "type", ev.Type)
		return nil
	}

	rcp, err := a.resolve(ctx, ev)
	if err != nil {
		return err
	}

	if !delivery.ApplyEvent(rcp, ev) {
		// No-op transition (e.g., delivery after bounce). Nothing to commit.
		return nil
	}

	if err := a.recipients.Update(ctx, rcp); err != nil {
		return fmt.Errorf("intake: failed to commit event for recipient %s: %w", rcp.ID, err)
	}

	if rcp.GlobalStatus.Suppressed() {
		if err := a.recipients.PropagateGlobalStatus(ctx, rcp.Email, rcp.GlobalStatus); err != nil {
			// The triggering row is already committed; propagation is
			// best-effort and the suppression subquery at dispatch time
			// covers the gap.
			a.logger.Error("failed to propagate suppression", "email", rcp.Email, "error", err)
		}
	}

	a.logger.Info("applied delivery event",
		"type", ev.Type,
		"message_id", ev.MessageID,
		"recipient_id", rcp.ID,
		"delivery_status", rcp.DeliveryStatus)
	return nil
}

// resolve finds the recipient an event belongs to. Message ID plus address is
// the only exact correlation; the email-only path is a last-resort heuristic
// behind a flag.
func (a *Applier) resolve(ctx context.Context, ev types.DeliveryEvent) (*types.Recipient, error) {
	if ev.MessageID != "" {
		rcp, err := a.recipients.FindByMessage(ctx, ev.MessageID, ev.Email)
		if err == nil {
			return rcp, nil
		}

		var appErr *types.AppError
		if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundRecipient {
			return nil, err
		}
	}

	if !a.emailFallback || ev.Email == "" {
		return nil, fmt.Errorf("%w: message_id=%q email=%q type=%s", ErrNoRecipient, ev.MessageID, ev.Email, ev.Type)
	}

	rcp, err := a.recipients.FindLatestByEmail(ctx, ev.Email)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundRecipient {
			return nil, fmt.Errorf("%w: message_id=%q email=%q type=%s", ErrNoRecipient, ev.MessageID, ev.Email, ev.Type)
		}
		return nil, err
	}

	a.logger.Warn("matched event by email fallback", "email", ev.Email, "recipient_id", rcp.ID, "type", ev.Type)
	return rcp, nil
}
