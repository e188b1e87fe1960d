// Package delivery implements the recipient status model: the pure
// state-transition rules applied to a Recipient by both the dispatcher (send
// results) and the notification intake (asynchronous delivery events).
//
// All functions mutate the passed Recipient in place and perform no I/O. The
// caller owns the unit of work: fetch a fresh record, apply, commit.
package delivery

import (
	"time"

	"mailburst/internal/types"
)

// ApplySendResult records the outcome of a send attempt. A successful send
// advances pending -> sent and stores the provider message id; a failure
// advances pending -> failed with the error message. Recipient status never
// reverts, so a recipient already past pending is left untouched.
func ApplySendResult(r *types.Recipient, ok bool, messageID string, errMsg string, now time.Time) {
	if r.Status != types.RecipientPending {
		return
	}

	if ok {
		r.Status = types.RecipientSent
		r.DeliveryStatus = types.DeliverySent
		r.MessageID = messageID
		ts := now
		r.SentAt = &ts
		return
	}

	r.Status = types.RecipientFailed
	r.ErrorMessage = errMsg
}

// ApplyEvent applies a normalized delivery event to a recipient, dispatching
// on the event type. It returns true when the recipient was modified.
//
// Guard rules:
//   - A terminal negative delivery status (bounced, complained) is never
//     overwritten by a later Delivery or Send event for the same message.
//   - A provider-side Send echo only applies over an empty/queued status; it
//     is a no-op once a real outcome has landed.
//   - Open/Click only touch counters and timestamps, never status.
//
// Idempotence is the intake's responsibility: it deduplicates physical events
// before calling in, so this function increments counters unconditionally.
func ApplyEvent(r *types.Recipient, ev types.DeliveryEvent) bool {
	switch ev.Type {
	case types.EventBounce:
		return applyBounce(r, ev)
	case types.EventComplaint:
		return applyComplaint(r, ev)
	case types.EventDelivery:
		return applyDelivery(r, ev)
	case types.EventDeliveryDelay:
		return applyDelay(r, ev)
	case types.EventSend:
		return applySendEcho(r)
	case types.EventOpen:
		return applyOpen(r, ev)
	case types.EventClick:
		return applyClick(r, ev)
	default:
		return false
	}
}

func applyBounce(r *types.Recipient, ev types.DeliveryEvent) bool {
	r.DeliveryStatus = types.DeliveryBounced
	r.Status = types.RecipientFailed
	r.BounceType = ev.BounceType
	r.BounceSubType = ev.BounceSubType
	r.BounceReason = ev.Reason
	ts := ev.Timestamp
	r.BouncedAt = &ts

	// Only permanent bounces suppress the address across campaigns; SES
	// retries transient bounces on its own.
	if ev.BounceType == "Permanent" {
		r.GlobalStatus = types.GlobalBounced
	}
	return true
}

func applyComplaint(r *types.Recipient, ev types.DeliveryEvent) bool {
	r.DeliveryStatus = types.DeliveryComplained
	r.Status = types.RecipientComplained
	r.ComplaintType = ev.ComplaintType
	r.GlobalStatus = types.GlobalComplained
	ts := ev.Timestamp
	r.ComplainedAt = &ts
	return true
}

func applyDelivery(r *types.Recipient, ev types.DeliveryEvent) bool {
	// A late delivery event must not clobber a bounce or complaint that
	// already landed for this message.
	if r.DeliveryStatus.TerminalNegative() {
		return false
	}

	r.DeliveryStatus = types.DeliveryDelivered
	ts := ev.Timestamp
	r.DeliveredAt = &ts
	return true
}

func applyDelay(r *types.Recipient, ev types.DeliveryEvent) bool {
	if r.DeliveryStatus.TerminalNegative() {
		return false
	}

	// Non-terminal: a later Delivery or Bounce may supersede.
	r.DeliveryStatus = types.DeliveryDelayed
	r.DelayReason = ev.DelayType
	return true
}

func applySendEcho(r *types.Recipient) bool {
	switch r.DeliveryStatus {
	case types.DeliveryNone, types.DeliveryQueued:
		r.DeliveryStatus = types.DeliverySent
		return true
	}
	return false
}

func applyOpen(r *types.Recipient, ev types.DeliveryEvent) bool {
	r.OpenCount++
	ts := ev.Timestamp
	r.LastOpenedAt = &ts
	return true
}

func applyClick(r *types.Recipient, ev types.DeliveryEvent) bool {
	r.ClickCount++
	ts := ev.Timestamp
	r.LastClickedAt = &ts
	return true
}
