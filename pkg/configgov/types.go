// Package configgov implements the two-phase configuration-change governor:
// preview → stage → approve (with a hard self-approval block) → rollback.
// Changes are append-only records; an entry's current value always equals
// the value of its most recent applied change.
package configgov

import (
	"encoding/json"
	"time"
)

// ChangeStatus is the lifecycle state of a staged configuration change.
type ChangeStatus string

const (
	ChangeApplied         ChangeStatus = "applied"
	ChangePendingApproval ChangeStatus = "pending_approval"
	ChangeRejected        ChangeStatus = "rejected"
)

// Entry is the live value of one configuration key.
type Entry struct {
	Key           string          `json:"config_key"`
	Value         json.RawMessage `json:"value"`
	SchemaVersion int             `json:"schema_version"`
	Sensitive     bool            `json:"is_sensitive"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Change is one append-only record in a key's change history.
type Change struct {
	ID            string          `json:"change_id"`
	Key           string          `json:"config_key"`
	Value         json.RawMessage `json:"value"`
	SchemaVersion int             `json:"schema_version"`
	Sensitive     bool            `json:"is_sensitive"`

	RequiresApproval bool         `json:"requires_approval"`
	Status           ChangeStatus `json:"status"`

	ChangedBy      string `json:"changed_by"`
	ApprovedBy     string `json:"approved_by,omitempty"`
	Reason         string `json:"change_reason"`
	ApprovalReason string `json:"approval_reason,omitempty"`

	// RevertsChangeID references the change this one rolls back, if any.
	RevertsChangeID string `json:"reverts_change_id,omitempty"`

	// AppliedSeq orders applied changes per key; zero until applied.
	AppliedSeq int64 `json:"applied_seq,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PreviewResult is the outcome of a pure validation pass.
type PreviewResult struct {
	Valid      bool            `json:"valid"`
	Normalized json.RawMessage `json:"normalized_value,omitempty"`
	Issues     []string        `json:"issues"`
}
