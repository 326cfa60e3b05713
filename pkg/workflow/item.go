// Package workflow implements the per-type review state machines. Each
// reviewable entity type declares its legal statuses and a transition table;
// a shared engine validates state, capability, and payload in that order and
// applies the transition atomically against the item store.
package workflow

import (
	"time"
)

// ItemType discriminates the reviewable entity types.
type ItemType string

const (
	TypeApplication      ItemType = "application"
	TypeOrder            ItemType = "order"
	TypeActivity         ItemType = "activity"
	TypeVacation         ItemType = "vacation"
	TypeBlacklistRemoval ItemType = "blacklist_removal"
	TypeVerification     ItemType = "verification_request"
)

// Status is a value from one type's finite status vocabulary.
type Status string

const (
	StatusSubmitted     Status = "submitted"
	StatusPending       Status = "pending"
	StatusAccepted      Status = "accepted"
	StatusDeclined      Status = "declined"
	StatusApproved      Status = "approved"
	StatusDenied        Status = "denied"
	StatusRejected      Status = "rejected"
	StatusPosted        Status = "posted"
	StatusPublishFailed Status = "publish_failed"
	StatusReturned      Status = "returned"
	StatusCancelled     Status = "cancelled"
)

// Action names a transition request against an item.
type Action string

const (
	ActionAccept       Action = "accept"
	ActionDecline      Action = "decline"
	ActionApprove      Action = "approve"
	ActionDeny         Action = "deny"
	ActionReject       Action = "reject"
	ActionMarkReturned Action = "mark_returned"
	ActionCancel       Action = "cancel"
	ActionForceRetry   Action = "force_retry"
)

// ReapplyPolicy controls whether a declined applicant may reapply.
type ReapplyPolicy string

const (
	ReapplyAllowImmediate ReapplyPolicy = "allow_immediate"
	ReapplyCooldown       ReapplyPolicy = "cooldown"
	ReapplyPermanentBlock ReapplyPolicy = "permanent_block"
)

// Item is one reviewable entity instance. The common fields are shared by
// every type; the remainder are populated per type and ignored elsewhere.
type Item struct {
	ID     string   `json:"id"`
	Type   ItemType `json:"item_type"`
	Status Status   `json:"status"`

	// Title and AccountName identify the item in the merged queue:
	// the former is the human-facing summary, the latter the submitting
	// account or player identity.
	Title       string `json:"title"`
	AccountName string `json:"account_name,omitempty"`

	// RequesterID is the principal that created the item. Vacation
	// cancellation is restricted to this principal.
	RequesterID string `json:"requester_id,omitempty"`

	// PublicID is the externally visible identifier for types whose
	// storage is keyed by internal id (blacklist removals).
	PublicID string `json:"public_id,omitempty"`

	// Review metadata, set by the accepting transition.
	ReviewedBy   string        `json:"reviewed_by,omitempty"`
	ReviewReason string        `json:"review_reason,omitempty"`
	Reapply      ReapplyPolicy `json:"reapply_policy,omitempty"`
	CooldownDays int           `json:"cooldown_days,omitempty"`

	// Activity scheduling and publish bookkeeping.
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	PublishError string     `json:"publish_error,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Decision carries the caller-supplied payload of a transition request.
type Decision struct {
	Action       Action        `json:"action"`
	Reason       string        `json:"reason,omitempty"`
	Reapply      ReapplyPolicy `json:"reapply_policy,omitempty"`
	CooldownDays int           `json:"cooldown_days,omitempty"`
	ScheduledFor *time.Time    `json:"scheduled_for,omitempty"`
}
