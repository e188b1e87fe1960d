package types

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft           CampaignStatus = "draft"
	CampaignScheduled       CampaignStatus = "scheduled"
	CampaignInProgress      CampaignStatus = "in_progress"
	CampaignSegmented       CampaignStatus = "segmented"
	CampaignPaused          CampaignStatus = "paused"
	CampaignCompleted       CampaignStatus = "completed"
	CampaignCompletedErrors CampaignStatus = "completed_with_errors"
	CampaignFailed          CampaignStatus = "failed"
)

// IsTerminal reports whether the campaign has reached a final state.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignCompletedErrors || s == CampaignFailed
}

// Resumable reports whether a dispatch run may be started (or restarted) for
// a campaign in this state. A campaign already in_progress is excluded so the
// same campaign is never dispatched concurrently (status gating).
func (s CampaignStatus) Resumable() bool {
	switch s {
	case CampaignDraft, CampaignScheduled, CampaignSegmented, CampaignPaused:
		return true
	}
	return false
}

// Campaign represents one email-sending job with its content and lifecycle.
type Campaign struct {
	ID        string `json:"id" db:"id"`
	Name      string `json:"name" db:"name"`
	Subject   string `json:"subject" db:"subject"`
	BodyHTML  string `json:"body_html" db:"body_html"`
	BodyText  string `json:"body_text" db:"body_text"`
	FromName  string `json:"from_name" db:"from_name"`
	FromEmail string `json:"from_email" db:"from_email"`

	Status CampaignStatus `json:"status" db:"status"`

	// Progress counters. SentCount and TotalProcessed are recomputed from
	// aggregate recipient queries at the end of every dispatch run; they are
	// never trusted as in-memory tallies.
	SentCount          int     `json:"sent_count" db:"sent_count"`
	TotalProcessed     int     `json:"total_processed" db:"total_processed"`
	ProgressPercentage float64 `json:"progress_percentage" db:"progress_percentage"`

	// LastSegmentPosition is the resumption cursor set when a run is
	// interrupted by segmentation. A subsequent dispatch of a segmented
	// campaign resumes from this offset into the pending-recipient list.
	LastSegmentPosition int `json:"last_segment_position" db:"last_segment_position"`

	ScheduledAt *time.Time `json:"scheduled_at" db:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// RecipientStatus enumerates the per-campaign send state of a recipient.
// Status only advances pending -> {sent, failed, complained}; it never reverts.
type RecipientStatus string

const (
	RecipientPending    RecipientStatus = "pending"
	RecipientSent       RecipientStatus = "sent"
	RecipientFailed     RecipientStatus = "failed"
	RecipientComplained RecipientStatus = "complained"
)

// DeliveryStatus enumerates the provider-reported delivery outcome of a
// recipient's message. Unlike RecipientStatus it may advance through several
// states (sent -> delivered, sent -> bounced), but a terminal negative state
// (bounced, complained) is never overwritten by a later positive event.
type DeliveryStatus string

const (
	DeliveryNone       DeliveryStatus = ""
	DeliveryQueued     DeliveryStatus = "queued"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryBounced    DeliveryStatus = "bounced"
	DeliveryComplained DeliveryStatus = "complained"
	DeliveryDelayed    DeliveryStatus = "delayed"
	DeliveryOpened     DeliveryStatus = "opened"
	DeliveryClicked    DeliveryStatus = "clicked"
)

// TerminalNegative reports whether the delivery status is a terminal negative
// outcome that must never be downgraded by later events.
func (s DeliveryStatus) TerminalNegative() bool {
	return s == DeliveryBounced || s == DeliveryComplained
}

// GlobalStatus is the per-email suppression flag that persists across
// campaigns. Transitions are one-directional: once bounced (permanent) or
// complained, the address is excluded from all future dispatch batches.
type GlobalStatus string

const (
	GlobalActive       GlobalStatus = "active"
	GlobalBounced      GlobalStatus = "bounced"
	GlobalComplained   GlobalStatus = "complained"
	GlobalSuppressed   GlobalStatus = "suppressed"
	GlobalUnsubscribed GlobalStatus = "unsubscribed"
)

// Suppressed reports whether the address is excluded from future sends.
func (s GlobalStatus) Suppressed() bool {
	return s == GlobalBounced || s == GlobalComplained ||
		s == GlobalSuppressed || s == GlobalUnsubscribed
}

// Recipient represents one (campaign, email) pairing with its own send and
// delivery state. Created by recipient import in pending/active state; mutated
// by the dispatcher on send attempts and by the notification intake on event
// arrival; never deleted mid-campaign.
type Recipient struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`
	Email      string `json:"email" db:"email"`
	Name       string `json:"name" db:"name"`

	Status         RecipientStatus `json:"status" db:"status"`
	DeliveryStatus DeliveryStatus  `json:"delivery_status" db:"delivery_status"`
	GlobalStatus   GlobalStatus    `json:"global_status" db:"global_status"`

	// MessageID is the provider-assigned identifier correlating the outbound
	// send with later inbound delivery events.
	MessageID string `json:"message_id" db:"message_id"`

	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`

	// Bounce / complaint / delay detail.
	BounceType    string `json:"bounce_type,omitempty" db:"bounce_type"`
	BounceSubType string `json:"bounce_sub_type,omitempty" db:"bounce_sub_type"`
	BounceReason  string `json:"bounce_reason,omitempty" db:"bounce_reason"`
	ComplaintType string `json:"complaint_type,omitempty" db:"complaint_type"`
	DelayReason   string `json:"delay_reason,omitempty" db:"delay_reason"`

	// Engagement counters. One increment per distinct physical event; the
	// intake deduplicates before applying.
	OpenCount  int `json:"open_count" db:"open_count"`
	ClickCount int `json:"click_count" db:"click_count"`

	SentAt        *time.Time `json:"sent_at" db:"sent_at"`
	DeliveredAt   *time.Time `json:"delivered_at" db:"delivered_at"`
	BouncedAt     *time.Time `json:"bounced_at" db:"bounced_at"`
	ComplainedAt  *time.Time `json:"complained_at" db:"complained_at"`
	LastOpenedAt  *time.Time `json:"last_opened_at" db:"last_opened_at"`
	LastClickedAt *time.Time `json:"last_clicked_at" db:"last_clicked_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// EventType classifies a normalized delivery event.
type EventType string

const (
	EventBounce        EventType = "Bounce"
	EventComplaint     EventType = "Complaint"
	EventDelivery      EventType = "Delivery"
	EventDeliveryDelay EventType = "DeliveryDelay"
	EventSend          EventType = "Send"
	EventOpen          EventType = "Open"
	EventClick         EventType = "Click"
)

// Critical reports whether the event must never be shed by admission control.
// Bounces and complaints drive suppression and always bypass the webhook
// rate limiter.
func (t EventType) Critical() bool {
	return t == EventBounce || t == EventComplaint
}

// DeliveryEvent is the normalized form of a provider notification, the unit
// consumed by the recipient status model. It is transient: events are applied
// to recipients, not persisted as rows (the raw payload archive is separate).
type DeliveryEvent struct {
	Type      EventType
	MessageID string
	Email     string
	Timestamp time.Time

	// Bounce detail (Type == Bounce).
	BounceType    string
	BounceSubType string
	Reason        string

	// Complaint detail (Type == Complaint).
	ComplaintType string

	// Delay detail (Type == DeliveryDelay).
	DelayType string
}

// CampaignCounts is the aggregate recipient tally for a campaign, computed by
// direct query rather than by summing in-memory objects.
type CampaignCounts struct {
	Total      int
	Pending    int
	Sent       int
	Failed     int
	Complained int
}

// FinalStatus derives the terminal campaign status from aggregate counts:
// failed when everything processed failed, completed_with_errors when some
// recipients failed, completed otherwise.
func (c CampaignCounts) FinalStatus() CampaignStatus {
	processed := c.Total - c.Pending
	switch {
	case processed > 0 && c.Sent == 0:
		return CampaignFailed
	case c.Failed > 0 || c.Complained > 0:
		return CampaignCompletedErrors
	default:
		return CampaignCompleted
	}
}
