// Package voting tracks per-context ballots and tallies. Tallies are
// advisory context for human reviewers: the engine never auto-decides on a
// quorum threshold, it only enforces who may vote and that finalization
// always carries a reason.
package voting

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opsguild/tribunal/pkg/audit"
	"github.com/opsguild/tribunal/pkg/authz"
	"github.com/opsguild/tribunal/pkg/faults"
	"github.com/opsguild/tribunal/pkg/workflow"
)

// Choice is a ballot's polarity.
type Choice string

const (
	ChoiceYes Choice = "yes"
	ChoiceNo  Choice = "no"
)

// ContextStatus is the lifecycle state of a voting context.
type ContextStatus string

const (
	StatusOpen   ContextStatus = "open"
	StatusClosed ContextStatus = "closed"
)

// Ballot is one voter's current vote. Re-voting replaces the ballot; a voter
// never accumulates duplicates.
type Ballot struct {
	VoterID string    `json:"voter_id"`
	Choice  Choice    `json:"choice"`
	Comment string    `json:"comment,omitempty"`
	CastAt  time.Time `json:"cast_at"`
}

// Counts are derived from the ballot set. Invariant: Yes + No == Total.
type Counts struct {
	Yes   int `json:"yes"`
	No    int `json:"no"`
	Total int `json:"total"`
}

// Context is a ballot box keyed by (context type, context id).
type Context struct {
	Type        string        `json:"context_type"`
	ID          string        `json:"context_id"`
	Status      ContextStatus `json:"status"`
	Counts      Counts        `json:"counts"`
	CloseReason string        `json:"close_reason,omitempty"`

	ballots map[string]Ballot
}

type contextKey struct {
	ctype string
	cid   string
}

// Engine manages voting contexts. All ballot mutations and the tally
// recomputation they imply happen inside one critical section.
type Engine struct {
	mu       sync.Mutex
	contexts map[contextKey]*Context
	apps     *workflow.Workflow
	trail    *audit.Trail
	clock    func() time.Time
	logger   *slog.Logger
}

// NewEngine creates an engine. apps is the application workflow used by
// FinalizeApplication; it may be nil when finalization is not wired.
func NewEngine(apps *workflow.Workflow, trail *audit.Trail) *Engine {
	return &Engine{
		contexts: make(map[contextKey]*Context),
		apps:     apps,
		trail:    trail,
		clock:    time.Now,
		logger:   slog.Default().With("component", "voting"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// getOrCreate returns the live context, creating an open one on first use.
// Caller must hold e.mu.
func (e *Engine) getOrCreate(ctype, cid string) *Context {
	key := contextKey{ctype, cid}
	vc, ok := e.contexts[key]
	if !ok {
		vc = &Context{Type: ctype, ID: cid, Status: StatusOpen, ballots: make(map[string]Ballot)}
		e.contexts[key] = vc
	}
	return vc
}

// snapshot copies the context for return values so callers never hold a
// reference into the engine's state.
func (vc *Context) snapshot() *Context {
	cp := *vc
	cp.ballots = nil
	return &cp
}

func (vc *Context) recount() {
	counts := Counts{}
	for _, b := range vc.ballots {
		switch b.Choice {
		case ChoiceYes:
			counts.Yes++
		case ChoiceNo:
			counts.No++
		}
	}
	counts.Total = counts.Yes + counts.No
	vc.Counts = counts
}

// CastVote upserts the voter's ballot and recomputes the tallies in the same
// critical section. Requires voting.cast; fails when the context is closed.
func (e *Engine) CastVote(ctx context.Context, p authz.Principal, ctype, cid string, choice Choice, comment string) (*Context, error) {
	if choice != ChoiceYes && choice != ChoiceNo {
		return nil, faults.Validation("choice must be yes or no")
	}
	if !p.HasAll(authz.CapVotingCast) {
		return nil, e.deny(p, "voting.cast", ctype, cid, faults.Forbidden("missing capability voting.cast"))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	vc := e.getOrCreate(ctype, cid)
	if vc.Status != StatusOpen {
		return nil, e.deny(p, "voting.cast", ctype, cid, faults.VotingClosed(ctype, cid))
	}
	vc.ballots[p.ID] = Ballot{VoterID: p.ID, Choice: choice, Comment: comment, CastAt: e.clock().UTC()}
	vc.recount()

	e.audit(p, "voting.cast", ctype, cid, audit.OutcomeAccepted, string(choice))
	return vc.snapshot(), nil
}

// MyVote returns the caller's current ballot, if any.
func (e *Engine) MyVote(p authz.Principal, ctype, cid string) (*Ballot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	vc, ok := e.contexts[contextKey{ctype, cid}]
	if !ok {
		return nil, false
	}
	b, ok := vc.ballots[p.ID]
	if !ok {
		return nil, false
	}
	return &b, true
}

// ListVoters returns all ballots, oldest first. Requires voting.list_voters.
func (e *Engine) ListVoters(ctx context.Context, p authz.Principal, ctype, cid string) ([]Ballot, error) {
	if !p.HasAll(authz.CapVotingListVoters) {
		return nil, faults.Forbidden("missing capability voting.list_voters")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	vc, ok := e.contexts[contextKey{ctype, cid}]
	if !ok {
		return []Ballot{}, nil
	}
	ballots := make([]Ballot, 0, len(vc.ballots))
	for _, b := range vc.ballots {
		ballots = append(ballots, b)
	}
	sort.Slice(ballots, func(i, j int) bool { return ballots[i].CastAt.Before(ballots[j].CastAt) })
	return ballots, nil
}

// Get returns the context snapshot, creating an open context on first read.
func (e *Engine) Get(ctype, cid string) *Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.getOrCreate(ctype, cid).snapshot()
}

// Close closes the context. Idempotent no-op when already closed. Requires
// voting.close.
func (e *Engine) Close(ctx context.Context, p authz.Principal, ctype, cid, reason string) (*Context, error) {
	return e.setStatus(p, ctype, cid, StatusClosed, reason, authz.CapVotingClose, "voting.close")
}

// Reopen opens the context. Idempotent no-op when already open. Requires
// voting.reopen.
func (e *Engine) Reopen(ctx context.Context, p authz.Principal, ctype, cid, reason string) (*Context, error) {
	return e.setStatus(p, ctype, cid, StatusOpen, reason, authz.CapVotingReopen, "voting.reopen")
}

func (e *Engine) setStatus(p authz.Principal, ctype, cid string, target ContextStatus, reason string, cap authz.Capability, action string) (*Context, error) {
	if !p.HasAll(cap) {
		return nil, e.deny(p, action, ctype, cid, faults.Forbidden("missing capability %s", cap))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	vc := e.getOrCreate(ctype, cid)
	if vc.Status == target {
		return vc.snapshot(), nil
	}
	vc.Status = target
	if target == StatusClosed {
		vc.CloseReason = reason
	} else {
		vc.CloseReason = ""
	}
	e.audit(p, action, ctype, cid, audit.OutcomeAccepted, reason)
	return vc.snapshot(), nil
}

// Reset clears all ballots and zeroes the tallies, optionally reopening the
// context. Requires voting.reset.
func (e *Engine) Reset(ctx context.Context, p authz.Principal, ctype, cid, reason string, reopen bool) (*Context, error) {
	if !p.HasAll(authz.CapVotingReset) {
		return nil, e.deny(p, "voting.reset", ctype, cid, faults.Forbidden("missing capability voting.reset"))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	vc := e.getOrCreate(ctype, cid)
	vc.ballots = make(map[string]Ballot)
	vc.recount()
	if reopen {
		vc.Status = StatusOpen
		vc.CloseReason = ""
	}
	e.audit(p, "voting.reset", ctype, cid, audit.OutcomeAccepted, reason)
	return vc.snapshot(), nil
}

// FinalizeApplication applies the human decision to the application
// workflow. A reason is always required here — stricter than the plain
// review-queue path — regardless of polarity. The decision capability is
// checked per polarity by the workflow transition itself.
func (e *Engine) FinalizeApplication(ctx context.Context, p authz.Principal, appID string, accept bool, reason string, reapply workflow.ReapplyPolicy, cooldownDays int) (*workflow.Item, error) {
	if e.apps == nil {
		return nil, fmt.Errorf("application workflow not wired")
	}
	if reason == "" {
		return nil, faults.Validation("finalizing an application requires a reason")
	}

	d := workflow.Decision{Action: workflow.ActionDecline, Reason: reason, Reapply: reapply, CooldownDays: cooldownDays}
	if accept {
		d = workflow.Decision{Action: workflow.ActionAccept, Reason: reason}
	}
	return e.apps.Transition(ctx, p, appID, d)
}

func (e *Engine) audit(p authz.Principal, action, ctype, cid string, outcome audit.Outcome, reason string) {
	if e.trail == nil {
		return
	}
	if _, err := e.trail.Append(audit.Record{
		ActorID:  p.ID,
		Action:   action,
		ItemType: "voting:" + ctype,
		ItemID:   cid,
		Outcome:  outcome,
		Reason:   reason,
	}); err != nil {
		e.logger.Error("audit append failed", "context", ctype+"/"+cid, "error", err)
	}
}

func (e *Engine) deny(p authz.Principal, action, ctype, cid string, cause error) error {
	e.audit(p, action, ctype, cid, audit.OutcomeDenied, cause.Error())
	return cause
}
