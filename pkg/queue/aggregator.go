// Package queue merges the per-type workflow collections into one filterable,
// paginated review feed and routes decisions to the owning state machine
// through a single registration table.
package queue

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/opsguild/tribunal/pkg/authz"
	"github.com/opsguild/tribunal/pkg/faults"
	"github.com/opsguild/tribunal/pkg/workflow"
)

// Envelope is the common shape every queue hit is normalized into.
type Envelope struct {
	ItemType workflow.ItemType `json:"item_type"`
	ItemID   string            `json:"item_id"`
	Title    string            `json:"title"`
	Subtitle string            `json:"subtitle"`
	Status   workflow.Status   `json:"status"`
	QueuedAt time.Time         `json:"queued_at"`
}

// Query narrows the merged feed.
type Query struct {
	Types       []workflow.ItemType
	Status      workflow.Status
	Search      string
	PendingOnly bool
	Limit       int
	Offset      int
}

// Aggregator fans queries out to the registered workflows. Decisions go
// through the same registry, so adding a workflow type is one Register call
// and every dispatch point picks it up.
type Aggregator struct {
	workflows map[workflow.ItemType]*workflow.Workflow
	types     []workflow.ItemType // registration order, for stable fan-out
	logger    *slog.Logger
}

// NewAggregator creates an empty registry.
func NewAggregator() *Aggregator {
	return &Aggregator{
		workflows: make(map[workflow.ItemType]*workflow.Workflow),
		logger:    slog.Default().With("component", "review_queue"),
	}
}

// Register adds a workflow to the feed and the decision dispatcher.
func (a *Aggregator) Register(w *workflow.Workflow) {
	if _, exists := a.workflows[w.Type()]; !exists {
		a.types = append(a.types, w.Type())
	}
	a.workflows[w.Type()] = w
}

// Workflow returns the registered workflow for a type.
func (a *Aggregator) Workflow(t workflow.ItemType) (*workflow.Workflow, error) {
	w, ok := a.workflows[t]
	if !ok {
		return nil, faults.Validation("unknown item type %q", t)
	}
	return w, nil
}

// List runs the merged query: fan-out per type, normalize, search, sort by
// QueuedAt descending, then paginate after the merge so pagination is stable
// across the mixed result set. Returns the page plus the total match count.
func (a *Aggregator) List(ctx context.Context, q Query) ([]Envelope, int, error) {
	types := q.Types
	if len(types) == 0 {
		types = a.types
	}

	merged := make([]Envelope, 0)
	for _, t := range types {
		w, ok := a.workflows[t]
		if !ok {
			return nil, 0, faults.Validation("unknown item type %q", t)
		}

		filter := workflow.ListFilter{Status: q.Status}
		if q.PendingOnly {
			filter.Statuses = w.PendingStatuses()
			filter.Status = ""
		}
		items, _, err := w.List(ctx, filter)
		if err != nil {
			return nil, 0, err
		}
		for _, item := range items {
			if q.Search != "" && !matchesSearch(w, item, q.Search) {
				continue
			}
			merged = append(merged, envelope(w, item))
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].QueuedAt.After(merged[j].QueuedAt)
	})

	total := len(merged)
	if q.Offset > 0 {
		if q.Offset >= len(merged) {
			return []Envelope{}, total, nil
		}
		merged = merged[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(merged) {
		merged = merged[:q.Limit]
	}
	return merged, total, nil
}

// FetchDetail loads the full item for one queue entry. The workflow's own
// resolver maps external references (public petition ids) to the stored
// item; a scan-bound overrun surfaces as NotResolvable, never a wrong
// record.
func (a *Aggregator) FetchDetail(ctx context.Context, t workflow.ItemType, itemID string) (*workflow.Item, error) {
	w, err := a.Workflow(t)
	if err != nil {
		return nil, err
	}
	return w.Resolve(ctx, itemID)
}

// Decide routes a decision to the owning workflow's transition. It is a thin
// dispatcher: no business logic lives here beyond the registry lookup and
// the workflow's own reference resolution.
func (a *Aggregator) Decide(ctx context.Context, p authz.Principal, t workflow.ItemType, itemID string, d workflow.Decision) (*workflow.Item, error) {
	w, err := a.Workflow(t)
	if err != nil {
		return nil, err
	}
	if w.ResolvesRefs() {
		item, err := w.Resolve(ctx, itemID)
		if err != nil {
			return nil, err
		}
		itemID = item.ID
	}
	return w.Transition(ctx, p, itemID, d)
}

func matchesSearch(w *workflow.Workflow, item *workflow.Item, search string) bool {
	for _, field := range w.SearchFields(item) {
		if field != "" && workflow.ContainsFold(field, search) {
			return true
		}
	}
	return false
}

func envelope(w *workflow.Workflow, item *workflow.Item) Envelope {
	id := item.ID
	if item.PublicID != "" {
		id = item.PublicID
	}
	return Envelope{
		ItemType: item.Type,
		ItemID:   id,
		Title:    item.Title,
		Subtitle: w.EnvelopeSubtitle(item),
		Status:   item.Status,
		QueuedAt: item.SubmittedAt,
	}
}
