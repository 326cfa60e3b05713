package configgov

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/opsguild/tribunal/pkg/audit"
	"github.com/opsguild/tribunal/pkg/authz"
	"github.com/opsguild/tribunal/pkg/faults"
)

// maskedValue replaces sensitive values on read paths.
var maskedValue = json.RawMessage(`"********"`)

// Governor manages staged configuration edits.
type Governor struct {
	store   Store
	schemas *SchemaRegistry
	policy  *ApprovalPolicy
	trail   *audit.Trail
	logger  *slog.Logger
}

// NewGovernor wires the governor. A nil schema registry skips per-key schema
// validation; a nil policy falls back to DefaultApprovalRule.
func NewGovernor(store Store, schemas *SchemaRegistry, policy *ApprovalPolicy, trail *audit.Trail) (*Governor, error) {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	if policy == nil {
		var err error
		policy, err = NewApprovalPolicy("")
		if err != nil {
			return nil, err
		}
	}
	return &Governor{
		store:   store,
		schemas: schemas,
		policy:  policy,
		trail:   trail,
		logger:  slog.Default().With("component", "config_governor"),
	}, nil
}

// Preview validates a proposed value without any side effect. Requires
// config_registry.preview. Validation failures are reported in the result,
// not as errors — the caller asked for exactly this information.
func (g *Governor) Preview(ctx context.Context, p authz.Principal, key string, value json.RawMessage) (*PreviewResult, error) {
	if !p.HasAll(authz.CapConfigPreview) {
		return nil, faults.Forbidden("missing capability config_registry.preview")
	}
	normalized, issues := g.schemas.Validate(key, value)
	if len(issues) > 0 {
		return &PreviewResult{Valid: false, Issues: issues}, nil
	}
	return &PreviewResult{Valid: true, Normalized: normalized, Issues: []string{}}, nil
}

// UpsertRequest carries a proposed configuration change.
type UpsertRequest struct {
	Key           string
	Value         json.RawMessage
	SchemaVersion int
	Sensitive     bool
	Reason        string
}

// Upsert stages or applies a change per the approval policy. Requires
// config_registry.write. With approval required the change is stored as
// pending_approval and the entry is untouched; otherwise change and entry
// commit together.
func (g *Governor) Upsert(ctx context.Context, p authz.Principal, req UpsertRequest) (*Change, error) {
	if !p.HasAll(authz.CapConfigWrite) {
		return nil, g.deny(p, "config.upsert", req.Key, faults.Forbidden("missing capability config_registry.write"))
	}
	if req.Reason == "" {
		return nil, g.deny(p, "config.upsert", req.Key, faults.Validation("a change reason is required"))
	}
	normalized, issues := g.schemas.Validate(req.Key, req.Value)
	if len(issues) > 0 {
		return nil, g.deny(p, "config.upsert", req.Key, faults.Validation("value rejected: %s", issues[0]))
	}

	change := &Change{
		ID:            uuid.New().String(),
		Key:           req.Key,
		Value:         normalized,
		SchemaVersion: req.SchemaVersion,
		Sensitive:     req.Sensitive,
		ChangedBy:     p.ID,
		Reason:        req.Reason,
	}
	return g.commit(ctx, p, change)
}

// Approve promotes a pending change. Requires config_change.approve.
// Self-approval is a hard invariant violation checked against the current
// caller at approval time, not a cached identity: the change author can
// never approve their own change, superuser or not.
func (g *Governor) Approve(ctx context.Context, p authz.Principal, changeID, reason string) (*Change, error) {
	if !p.HasAll(authz.CapConfigApprove) {
		return nil, g.deny(p, "config.approve", changeID, faults.Forbidden("missing capability config_change.approve"))
	}

	change, err := g.store.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if change.ChangedBy == p.ID {
		return nil, g.deny(p, "config.approve", change.Key, faults.SelfApproval(changeID))
	}

	approved, err := g.store.ApproveChange(ctx, changeID, p.ID, reason)
	if err != nil {
		return nil, g.deny(p, "config.approve", change.Key, err)
	}
	g.audit(p, "config.approve", approved.Key, audit.OutcomeAccepted, reason)
	return approved, nil
}

// Rollback creates a brand-new change whose value is the value that was
// current immediately before the target change applied, then routes it
// through the same staged/approval path as Upsert — rollback is not
// privileged to skip approval. Requires config_registry.rollback.
func (g *Governor) Rollback(ctx context.Context, p authz.Principal, key, changeID, reason string) (*Change, error) {
	if !p.HasAll(authz.CapConfigRollback) {
		return nil, g.deny(p, "config.rollback", key, faults.Forbidden("missing capability config_registry.rollback"))
	}
	if reason == "" {
		return nil, g.deny(p, "config.rollback", key, faults.Validation("a rollback reason is required"))
	}

	target, err := g.store.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if target.Key != key {
		return nil, g.deny(p, "config.rollback", key, faults.Validation("change %s does not belong to key %s", changeID, key))
	}
	if target.Status != ChangeApplied {
		return nil, g.deny(p, "config.rollback", key, faults.Conflict("change %s was never applied", changeID))
	}

	prior, err := g.store.AppliedBefore(ctx, target)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, g.deny(p, "config.rollback", key, faults.Conflict("change %s has no prior value to restore", changeID))
	}

	change := &Change{
		ID:              uuid.New().String(),
		Key:             key,
		Value:           prior.Value,
		SchemaVersion:   prior.SchemaVersion,
		Sensitive:       target.Sensitive,
		ChangedBy:       p.ID,
		Reason:          reason,
		RevertsChangeID: changeID,
	}
	return g.commit(ctx, p, change)
}

// GetEntry reads one entry, masking sensitive values unless the caller is a
// superuser explicitly requesting unmasked output.
func (g *Governor) GetEntry(ctx context.Context, p authz.Principal, key string, unmasked bool) (*Entry, error) {
	entry, err := g.store.GetEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	return g.mask(entry, p, unmasked), nil
}

// ListEntries reads all entries with the same masking rule.
func (g *Governor) ListEntries(ctx context.Context, p authz.Principal, unmasked bool) ([]*Entry, error) {
	entries, err := g.store.ListEntries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, g.mask(e, p, unmasked))
	}
	return out, nil
}

// History lists a key's change records, newest first, masking values of
// sensitive changes under the same rule as entries.
func (g *Governor) History(ctx context.Context, p authz.Principal, key string, limit int, unmasked bool) ([]*Change, error) {
	changes, err := g.store.ListChanges(ctx, key, limit)
	if err != nil {
		return nil, err
	}
	for _, c := range changes {
		if c.Sensitive && !(unmasked && p.Superuser) {
			c.Value = maskedValue
		}
	}
	return changes, nil
}

// commit routes a validated change through the approval policy.
func (g *Governor) commit(ctx context.Context, p authz.Principal, change *Change) (*Change, error) {
	change.RequiresApproval = g.policy.RequiresApproval(change.Key, change.Sensitive, change.SchemaVersion)

	action := "config.upsert"
	if change.RevertsChangeID != "" {
		action = "config.rollback"
	}
	if change.RequiresApproval {
		if err := g.store.StageChange(ctx, change); err != nil {
			return nil, err
		}
		g.audit(p, action, change.Key, audit.OutcomeAccepted, "staged pending approval")
		return change, nil
	}
	if err := g.store.ApplyChange(ctx, change); err != nil {
		return nil, err
	}
	g.audit(p, action, change.Key, audit.OutcomeAccepted, change.Reason)
	return change, nil
}

func (g *Governor) mask(entry *Entry, p authz.Principal, unmasked bool) *Entry {
	if !entry.Sensitive {
		return entry
	}
	if unmasked && p.Superuser {
		return entry
	}
	cp := *entry
	cp.Value = maskedValue
	return &cp
}

func (g *Governor) audit(p authz.Principal, action, key string, outcome audit.Outcome, reason string) {
	if g.trail == nil {
		return
	}
	if _, err := g.trail.Append(audit.Record{
		ActorID:  p.ID,
		Action:   action,
		ItemType: "config_change",
		ItemID:   key,
		Outcome:  outcome,
		Reason:   reason,
	}); err != nil {
		g.logger.Error("audit append failed", "key", key, "error", err)
	}
}

func (g *Governor) deny(p authz.Principal, action, ref string, cause error) error {
	g.audit(p, action, ref, audit.OutcomeDenied, cause.Error())
	return cause
}
