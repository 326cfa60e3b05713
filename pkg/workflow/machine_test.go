package workflow_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsguild/tribunal/pkg/audit"
	"github.com/opsguild/tribunal/pkg/authz"
	"github.com/opsguild/tribunal/pkg/faults"
	"github.com/opsguild/tribunal/pkg/workflow"
)

func reviewer(caps ...authz.Capability) authz.Principal {
	return authz.Principal{ID: "mod-1", Capabilities: authz.NewCapabilitySet(caps...)}
}

func newApplicationWorkflow(t *testing.T) (*workflow.Workflow, *audit.Trail) {
	t.Helper()
	trail := audit.NewTrail()
	wf := workflow.New(workflow.ApplicationMachine(), workflow.NewMemoryStore(), trail)
	return wf, trail
}

func submitApplication(t *testing.T, wf *workflow.Workflow, id string) *workflow.Item {
	t.Helper()
	item, err := wf.Create(context.Background(), &workflow.Item{
		ID: id, Title: "membership application", AccountName: "player-7", RequesterID: "player-7",
	})
	require.NoError(t, err)
	require.Equal(t, workflow.StatusSubmitted, item.Status)
	return item
}

func TestAcceptApplication(t *testing.T) {
	wf, trail := newApplicationWorkflow(t)
	submitApplication(t, wf, "app-1")

	p := reviewer(authz.CapApplicationsReview, authz.CapApplicationsAccept)
	item, err := wf.Transition(context.Background(), p, "app-1", workflow.Decision{Action: workflow.ActionAccept})
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusAccepted, item.Status)
	assert.Equal(t, "mod-1", item.ReviewedBy)

	entries := trail.Query(audit.Filter{Action: "application.accept", Outcome: audit.OutcomeAccepted})
	require.Len(t, entries, 1)
	assert.Equal(t, "app-1", entries[0].ItemID)
}

func TestDeclineRequiresReason(t *testing.T) {
	wf, trail := newApplicationWorkflow(t)
	submitApplication(t, wf, "app-1")

	p := reviewer(authz.CapApplicationsReview, authz.CapApplicationsDecline)
	_, err := wf.Transition(context.Background(), p, "app-1", workflow.Decision{
		Action:  workflow.ActionDecline,
		Reapply: workflow.ReapplyAllowImmediate,
	})
	assert.True(t, faults.IsKind(err, faults.CodeValidation))

	// The item is untouched and the denial is audited.
	item, gerr := wf.Get(context.Background(), "app-1")
	require.NoError(t, gerr)
	assert.Equal(t, workflow.StatusSubmitted, item.Status)
	assert.Len(t, trail.Query(audit.Filter{Outcome: audit.OutcomeDenied}), 1)
}

func TestDeclineRequiresReapplyPolicy(t *testing.T) {
	wf, _ := newApplicationWorkflow(t)
	submitApplication(t, wf, "app-1")
	p := reviewer(authz.CapApplicationsReview, authz.CapApplicationsDecline)

	_, err := wf.Transition(context.Background(), p, "app-1", workflow.Decision{
		Action: workflow.ActionDecline, Reason: "incomplete",
	})
	assert.True(t, faults.IsKind(err, faults.CodeValidation))

	_, err = wf.Transition(context.Background(), p, "app-1", workflow.Decision{
		Action: workflow.ActionDecline, Reason: "incomplete",
		Reapply: workflow.ReapplyCooldown,
	})
	assert.True(t, faults.IsKind(err, faults.CodeValidation), "cooldown needs cooldown_days")

	item, err := wf.Transition(context.Background(), p, "app-1", workflow.Decision{
		Action: workflow.ActionDecline, Reason: "incomplete",
		Reapply: workflow.ReapplyCooldown, CooldownDays: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusDeclined, item.Status)
	assert.Equal(t, workflow.ReapplyCooldown, item.Reapply)
	assert.Equal(t, 30, item.CooldownDays)
}

func TestDecideTwiceConflicts(t *testing.T) {
	wf, trail := newApplicationWorkflow(t)
	submitApplication(t, wf, "app-1")
	p := reviewer(authz.CapApplicationsReview, authz.CapApplicationsAccept, authz.CapApplicationsDecline)

	_, err := wf.Transition(context.Background(), p, "app-1", workflow.Decision{Action: workflow.ActionAccept})
	require.NoError(t, err)

	_, err = wf.Transition(context.Background(), p, "app-1", workflow.Decision{
		Action: workflow.ActionDecline, Reason: "changed my mind",
		Reapply: workflow.ReapplyAllowImmediate,
	})
	assert.True(t, faults.IsKind(err, faults.CodeConflict))
	assert.Len(t, trail.Query(audit.Filter{Outcome: audit.OutcomeDenied}), 1)
}

func TestMissingCapabilityForbidden(t *testing.T) {
	wf, trail := newApplicationWorkflow(t)
	submitApplication(t, wf, "app-1")

	// Review access alone does not grant the accept decision.
	p := reviewer(authz.CapApplicationsReview)
	_, err := wf.Transition(context.Background(), p, "app-1", workflow.Decision{Action: workflow.ActionAccept})
	assert.True(t, faults.IsKind(err, faults.CodeForbidden))
	assert.Len(t, trail.Query(audit.Filter{Outcome: audit.OutcomeDenied}), 1)
}

func TestSuperuserBypassesCapabilities(t *testing.T) {
	wf, _ := newApplicationWorkflow(t)
	submitApplication(t, wf, "app-1")

	root := authz.Principal{ID: "root", Superuser: true}
	item, err := wf.Transition(context.Background(), root, "app-1", workflow.Decision{Action: workflow.ActionAccept})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusAccepted, item.Status)
}

func TestUnknownActionNotAudited(t *testing.T) {
	wf, trail := newApplicationWorkflow(t)
	submitApplication(t, wf, "app-1")

	p := reviewer(authz.CapApplicationsReview, authz.CapApplicationsAccept)
	_, err := wf.Transition(context.Background(), p, "app-1", workflow.Decision{Action: workflow.ActionForceRetry})
	assert.True(t, faults.IsKind(err, faults.CodeValidation))
	assert.Empty(t, trail.Query(audit.Filter{Outcome: audit.OutcomeDenied}),
		"unknown actions are rejected before reaching state validation")
}

func TestTransitionUnknownItemAuditedDenial(t *testing.T) {
	wf, trail := newApplicationWorkflow(t)

	p := reviewer(authz.CapApplicationsReview, authz.CapApplicationsAccept)
	_, err := wf.Transition(context.Background(), p, "ghost", workflow.Decision{Action: workflow.ActionAccept})
	assert.True(t, faults.IsKind(err, faults.CodeNotFound))
	assert.Len(t, trail.Query(audit.Filter{Outcome: audit.OutcomeDenied}), 1)
}

func TestVacationCancelRequesterOnly(t *testing.T) {
	trail := audit.NewTrail()
	wf := workflow.New(workflow.VacationMachine(), workflow.NewMemoryStore(), trail)

	_, err := wf.Create(context.Background(), &workflow.Item{
		ID: "vac-1", Title: "two weeks off", AccountName: "player-7", RequesterID: "player-7",
	})
	require.NoError(t, err)

	// A different principal holding the cancel capability is still refused.
	other := authz.Principal{ID: "mod-1", Capabilities: authz.NewCapabilitySet(authz.CapVacationsCancel)}
	_, err = wf.Transition(context.Background(), other, "vac-1", workflow.Decision{Action: workflow.ActionCancel})
	assert.True(t, faults.IsKind(err, faults.CodeForbidden))

	requester := authz.Principal{ID: "player-7", Capabilities: authz.NewCapabilitySet(authz.CapVacationsCancel)}
	item, err := wf.Transition(context.Background(), requester, "vac-1", workflow.Decision{Action: workflow.ActionCancel})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, item.Status)
}

func TestVacationCancelSuperuserNotExempt(t *testing.T) {
	wf := workflow.New(workflow.VacationMachine(), workflow.NewMemoryStore(), audit.NewTrail())
	_, err := wf.Create(context.Background(), &workflow.Item{ID: "vac-1", RequesterID: "player-7"})
	require.NoError(t, err)

	// Requester-only is an identity check, not a privilege check: being a
	// superuser does not make someone else the requester.
	root := authz.Principal{ID: "root", Superuser: true}
	_, err = wf.Transition(context.Background(), root, "vac-1", workflow.Decision{Action: workflow.ActionCancel})
	assert.True(t, faults.IsKind(err, faults.CodeForbidden))

	// The requester's own superuser flag still bypasses the capability.
	owner := authz.Principal{ID: "player-7", Superuser: true}
	item, err := wf.Transition(context.Background(), owner, "vac-1", workflow.Decision{Action: workflow.ActionCancel})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, item.Status)
}

func TestVacationCancelAfterApproval(t *testing.T) {
	wf := workflow.New(workflow.VacationMachine(), workflow.NewMemoryStore(), audit.NewTrail())
	_, err := wf.Create(context.Background(), &workflow.Item{ID: "vac-1", RequesterID: "player-7"})
	require.NoError(t, err)

	approver := reviewer(authz.CapVacationsApprove)
	_, err = wf.Transition(context.Background(), approver, "vac-1", workflow.Decision{Action: workflow.ActionApprove})
	require.NoError(t, err)

	requester := authz.Principal{ID: "player-7", Capabilities: authz.NewCapabilitySet(authz.CapVacationsCancel)}
	item, err := wf.Transition(context.Background(), requester, "vac-1", workflow.Decision{Action: workflow.ActionCancel})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, item.Status)
}

// capturePublisher records enqueued items for assertions.
type capturePublisher struct {
	enqueued []*workflow.Item
}

func (c *capturePublisher) EnqueuePublish(ctx context.Context, item *workflow.Item) error {
	c.enqueued = append(c.enqueued, item)
	return nil
}

func TestActivityPublishLifecycle(t *testing.T) {
	pub := &capturePublisher{}
	trail := audit.NewTrail()
	wf := workflow.New(workflow.ActivityMachine(pub), workflow.NewMemoryStore(), trail)

	_, err := wf.Create(context.Background(), &workflow.Item{ID: "act-1", Title: "raid night"})
	require.NoError(t, err)

	p := reviewer(authz.CapActivitiesApprove, authz.CapActivitiesRetry)
	item, err := wf.Transition(context.Background(), p, "act-1", workflow.Decision{Action: workflow.ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, item.Status)
	require.Len(t, pub.enqueued, 1)

	// The worker reports a failed publish.
	item, err = wf.RecordExternalOutcome(context.Background(), "act-1",
		workflow.StatusApproved, workflow.StatusPublishFailed, "discord 502")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPublishFailed, item.Status)
	assert.Equal(t, "discord 502", item.PublishError)

	// Force retry clears the error and re-enqueues.
	item, err = wf.Transition(context.Background(), p, "act-1", workflow.Decision{Action: workflow.ActionForceRetry})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, item.Status)
	assert.Empty(t, item.PublishError)
	assert.Len(t, pub.enqueued, 2)

	// Worker outcomes are audited under the system actor.
	system := trail.Query(audit.Filter{ActorID: "system"})
	require.Len(t, system, 1)
	assert.Equal(t, "activity.outcome.publish_failed", system[0].Action)
}

func TestForceRetryOnlyFromPublishFailed(t *testing.T) {
	wf := workflow.New(workflow.ActivityMachine(nil), workflow.NewMemoryStore(), audit.NewTrail())
	_, err := wf.Create(context.Background(), &workflow.Item{ID: "act-1"})
	require.NoError(t, err)

	p := reviewer(authz.CapActivitiesRetry)
	_, err = wf.Transition(context.Background(), p, "act-1", workflow.Decision{Action: workflow.ActionForceRetry})
	assert.True(t, faults.IsKind(err, faults.CodeConflict))
}

func TestVerificationDenyRequiresComment(t *testing.T) {
	wf := workflow.New(workflow.VerificationMachine(), workflow.NewMemoryStore(), audit.NewTrail())
	_, err := wf.Create(context.Background(), &workflow.Item{ID: "ver-1", AccountName: "player-9"})
	require.NoError(t, err)

	p := reviewer(authz.CapVerificationsReview)
	_, err = wf.Transition(context.Background(), p, "ver-1", workflow.Decision{Action: workflow.ActionDeny})
	assert.True(t, faults.IsKind(err, faults.CodeValidation))

	item, err := wf.Transition(context.Background(), p, "ver-1", workflow.Decision{
		Action: workflow.ActionDeny, Reason: "screenshot does not match",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusDenied, item.Status)
	assert.Equal(t, "screenshot does not match", item.ReviewReason)
}
