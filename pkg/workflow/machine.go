package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opsguild/tribunal/pkg/audit"
	"github.com/opsguild/tribunal/pkg/authz"
	"github.com/opsguild/tribunal/pkg/faults"
)

// Rule is one row of a machine's transition table: from the From status, the
// Action moves the item to Next, provided the caller holds Capabilities and
// the payload satisfies the rule's requirements.
type Rule struct {
	From   Status
	Action Action
	Next   Status

	Capabilities []authz.Capability

	// ReasonRequired rejects the transition when Decision.Reason is empty.
	ReasonRequired bool

	// RequesterOnly additionally restricts the transition to the item's
	// original requester. It never substitutes for Capabilities, and like
	// the self-approval block it is an identity check: the superuser
	// bypass does not lift it.
	RequesterOnly bool

	// Validate performs extra per-type payload validation. Runs after the
	// state and capability checks.
	Validate func(item *Item, d Decision) error

	// Apply copies decision payload onto the item beyond the standard
	// review metadata. Runs inside the store's atomic mutation.
	Apply func(item *Item, d Decision)

	// SideEffect runs after a committed transition, outside the atomic
	// unit. Fire-and-forget: failures are logged, never surfaced, and the
	// external worker reports its outcome through RecordExternalOutcome.
	SideEffect func(ctx context.Context, item *Item) error
}

// Machine is one type's state machine definition.
type Machine struct {
	Type    ItemType
	Initial Status

	// Pending lists the statuses in which the item is awaiting a decision,
	// used by the queue's pending_only filter.
	Pending []Status

	Rules []Rule

	// ResolveID maps an external item reference to the stored item, for
	// types whose storage key differs from the id clients address them by
	// (blacklist removals use a public petition id). Types without a hook
	// are addressed by storage id directly.
	ResolveID func(ctx context.Context, store Store, ref string) (*Item, error)

	// Searchable returns the type-specific fields the queue search matches
	// against, beyond the common envelope fields.
	Searchable func(item *Item) []string

	// Subtitle renders the queue envelope subtitle.
	Subtitle func(item *Item) string
}

type ruleKey struct {
	from   Status
	action Action
}

// Workflow binds a machine to its store and the audit trail.
type Workflow struct {
	machine Machine
	store   Store
	trail   *audit.Trail
	logger  *slog.Logger

	rules      map[ruleKey]Rule
	actionSeen map[Action]bool
}

// New creates a workflow for one machine.
func New(machine Machine, store Store, trail *audit.Trail) *Workflow {
	w := &Workflow{
		machine:    machine,
		store:      store,
		trail:      trail,
		logger:     slog.Default().With("component", "workflow", "item_type", string(machine.Type)),
		rules:      make(map[ruleKey]Rule, len(machine.Rules)),
		actionSeen: make(map[Action]bool),
	}
	for _, r := range machine.Rules {
		w.rules[ruleKey{r.From, r.Action}] = r
		w.actionSeen[r.Action] = true
	}
	return w
}

// Type returns the machine's item type.
func (w *Workflow) Type() ItemType { return w.machine.Type }

// PendingStatuses returns the awaiting-decision statuses.
func (w *Workflow) PendingStatuses() []Status { return w.machine.Pending }

// Store exposes the backing store for read paths (queue fan-out).
func (w *Workflow) Store() Store { return w.store }

// SearchFields returns the searchable field values for an item.
func (w *Workflow) SearchFields(item *Item) []string {
	common := []string{item.ID, item.PublicID, item.AccountName, item.Title, string(item.Status), item.ReviewReason}
	if w.machine.Searchable != nil {
		common = append(common, w.machine.Searchable(item)...)
	}
	return common
}

// EnvelopeSubtitle renders the queue subtitle for an item.
func (w *Workflow) EnvelopeSubtitle(item *Item) string {
	if w.machine.Subtitle != nil {
		return w.machine.Subtitle(item)
	}
	return item.AccountName
}

// Create inserts a new item at the machine's initial status.
func (w *Workflow) Create(ctx context.Context, item *Item) (*Item, error) {
	item.Type = w.machine.Type
	item.Status = w.machine.Initial
	if err := w.store.Create(ctx, item); err != nil {
		return nil, err
	}
	_, err := w.trail.Append(audit.Record{
		ActorID:  item.RequesterID,
		Action:   fmt.Sprintf("%s.create", w.machine.Type),
		ItemType: string(w.machine.Type),
		ItemID:   item.ID,
		Outcome:  audit.OutcomeAccepted,
	})
	if err != nil {
		w.logger.Error("audit append failed", "item_id", item.ID, "error", err)
	}
	return w.store.Get(ctx, item.ID)
}

// Get loads an item by its storage id.
func (w *Workflow) Get(ctx context.Context, id string) (*Item, error) {
	return w.store.Get(ctx, id)
}

// ResolvesRefs reports whether this type is addressed by an external
// reference rather than its storage id.
func (w *Workflow) ResolvesRefs() bool { return w.machine.ResolveID != nil }

// Resolve loads the item behind an external reference through the machine's
// ResolveID hook, or by storage id when the type has no hook.
func (w *Workflow) Resolve(ctx context.Context, ref string) (*Item, error) {
	if w.machine.ResolveID != nil {
		return w.machine.ResolveID(ctx, w.store, ref)
	}
	return w.store.Get(ctx, ref)
}

// List lists items.
func (w *Workflow) List(ctx context.Context, filter ListFilter) ([]*Item, int, error) {
	return w.store.List(ctx, filter)
}

// Transition applies a decision to an item. Validation order is fixed:
// existence and state legality (conflict), capability (forbidden), payload
// (validation). A denial that reached the capability or state check is
// audited with outcome denied; success is audited before the updated item is
// returned.
func (w *Workflow) Transition(ctx context.Context, p authz.Principal, itemID string, d Decision) (*Item, error) {
	if !w.actionSeen[d.Action] {
		// Unknown action for this type: rejected before any state or
		// capability check, so it is not audited.
		return nil, faults.Validation("action %q is not defined for %s items", d.Action, w.machine.Type)
	}

	item, err := w.store.Get(ctx, itemID)
	if err != nil {
		if faults.IsKind(err, faults.CodeNotFound) {
			return nil, w.deny(p, itemID, d, err)
		}
		return nil, err
	}

	rule, ok := w.rules[ruleKey{item.Status, d.Action}]
	if !ok {
		return nil, w.deny(p, itemID, d, faults.Conflict("item %s is %s and does not accept %q", itemID, item.Status, d.Action))
	}
	if !p.HasAll(rule.Capabilities...) {
		return nil, w.deny(p, itemID, d, faults.Forbidden("missing capability for %s.%s", w.machine.Type, d.Action))
	}
	if rule.RequesterOnly && p.ID != item.RequesterID {
		return nil, w.deny(p, itemID, d, faults.Forbidden("%s.%s is restricted to the original requester", w.machine.Type, d.Action))
	}
	if rule.ReasonRequired && d.Reason == "" {
		return nil, w.deny(p, itemID, d, faults.Validation("%s.%s requires a reason", w.machine.Type, d.Action))
	}
	if rule.Validate != nil {
		if err := rule.Validate(item, d); err != nil {
			return nil, w.deny(p, itemID, d, err)
		}
	}

	updated, err := w.store.ApplyTransition(ctx, itemID, rule.From, func(it *Item) error {
		it.Status = rule.Next
		it.ReviewedBy = p.ID
		it.ReviewReason = d.Reason
		if rule.Apply != nil {
			rule.Apply(it, d)
		}
		return nil
	})
	if err != nil {
		// Concurrent loser: the status moved between our read and the
		// store's compare-and-set.
		return nil, w.deny(p, itemID, d, err)
	}

	if _, aerr := w.trail.Append(audit.Record{
		ActorID:  p.ID,
		Action:   fmt.Sprintf("%s.%s", w.machine.Type, d.Action),
		ItemType: string(w.machine.Type),
		ItemID:   itemID,
		Outcome:  audit.OutcomeAccepted,
		Reason:   d.Reason,
		Payload:  d,
	}); aerr != nil {
		w.logger.Error("audit append failed", "item_id", itemID, "error", aerr)
	}

	if rule.SideEffect != nil {
		if serr := rule.SideEffect(ctx, updated); serr != nil {
			w.logger.Error("transition side effect failed", "item_id", itemID, "action", string(d.Action), "error", serr)
		}
	}
	return updated, nil
}

// RecordExternalOutcome applies a transition reported by an external worker
// (e.g. the activity publisher). It bypasses capability checks — the worker
// is not a principal — but keeps the same atomic compare-and-set and audit
// write as a reviewed transition.
func (w *Workflow) RecordExternalOutcome(ctx context.Context, itemID string, from, to Status, note string) (*Item, error) {
	updated, err := w.store.ApplyTransition(ctx, itemID, from, func(it *Item) error {
		it.Status = to
		it.PublishError = note
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, aerr := w.trail.Append(audit.Record{
		ActorID:  "system",
		Action:   fmt.Sprintf("%s.outcome.%s", w.machine.Type, to),
		ItemType: string(w.machine.Type),
		ItemID:   itemID,
		Outcome:  audit.OutcomeAccepted,
		Reason:   note,
	}); aerr != nil {
		w.logger.Error("audit append failed", "item_id", itemID, "error", aerr)
	}
	return updated, nil
}

// deny records a refused mutation and returns the original error.
func (w *Workflow) deny(p authz.Principal, itemID string, d Decision, cause error) error {
	if _, err := w.trail.Append(audit.Record{
		ActorID:  p.ID,
		Action:   fmt.Sprintf("%s.%s", w.machine.Type, d.Action),
		ItemType: string(w.machine.Type),
		ItemID:   itemID,
		Outcome:  audit.OutcomeDenied,
		Reason:   cause.Error(),
	}); err != nil {
		w.logger.Error("audit append failed", "item_id", itemID, "error", err)
	}
	return cause
}
