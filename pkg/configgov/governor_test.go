package configgov_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsguild/tribunal/pkg/audit"
	"github.com/opsguild/tribunal/pkg/authz"
	"github.com/opsguild/tribunal/pkg/configgov"
	"github.com/opsguild/tribunal/pkg/faults"
)

func operator(id string, caps ...authz.Capability) authz.Principal {
	return authz.Principal{ID: id, Capabilities: authz.NewCapabilitySet(caps...)}
}

func writeCaps() []authz.Capability {
	return []authz.Capability{authz.CapConfigPreview, authz.CapConfigWrite, authz.CapConfigRollback}
}

func newGovernor(t *testing.T) (*configgov.Governor, *audit.Trail) {
	t.Helper()
	trail := audit.NewTrail()
	g, err := configgov.NewGovernor(configgov.NewMemoryStore(), nil, nil, trail)
	require.NoError(t, err)
	return g, trail
}

func TestUpsertAppliesNonSensitiveImmediately(t *testing.T) {
	g, _ := newGovernor(t)
	p := operator("ops-1", writeCaps()...)

	change, err := g.Upsert(context.Background(), p, configgov.UpsertRequest{
		Key: "queue.page_size", Value: json.RawMessage(`25`), Reason: "tune paging",
	})
	require.NoError(t, err)
	assert.Equal(t, configgov.ChangeApplied, change.Status)
	assert.False(t, change.RequiresApproval)

	entry, err := g.GetEntry(context.Background(), p, "queue.page_size", false)
	require.NoError(t, err)
	assert.JSONEq(t, `25`, string(entry.Value))
}

func TestUpsertRequiresReason(t *testing.T) {
	g, _ := newGovernor(t)
	p := operator("ops-1", writeCaps()...)

	_, err := g.Upsert(context.Background(), p, configgov.UpsertRequest{
		Key: "queue.page_size", Value: json.RawMessage(`25`),
	})
	assert.True(t, faults.IsKind(err, faults.CodeValidation))
}

func TestSensitiveChangeStagesPendingApproval(t *testing.T) {
	g, _ := newGovernor(t)
	p := operator("ops-1", writeCaps()...)

	change, err := g.Upsert(context.Background(), p, configgov.UpsertRequest{
		Key: "bot.token", Value: json.RawMessage(`"secret"`), Sensitive: true, Reason: "rotate token",
	})
	require.NoError(t, err)
	assert.Equal(t, configgov.ChangePendingApproval, change.Status)
	assert.True(t, change.RequiresApproval)

	// The live entry is untouched while the change is pending.
	_, err = g.GetEntry(context.Background(), p, "bot.token", false)
	assert.True(t, faults.IsKind(err, faults.CodeNotFound))
}

func TestSelfApprovalAlwaysForbidden(t *testing.T) {
	g, trail := newGovernor(t)
	author := operator("ops-1", append(writeCaps(), authz.CapConfigApprove)...)

	change, err := g.Upsert(context.Background(), author, configgov.UpsertRequest{
		Key: "bot.token", Value: json.RawMessage(`"secret"`), Sensitive: true, Reason: "rotate token",
	})
	require.NoError(t, err)

	_, err = g.Approve(context.Background(), author, change.ID, "lgtm")
	assert.True(t, faults.IsKind(err, faults.CodeSelfApproval))

	// Superuser status does not lift the block: the invariant is about
	// identity, not privilege.
	authorAsRoot := author
	authorAsRoot.Superuser = true
	_, err = g.Approve(context.Background(), authorAsRoot, change.ID, "lgtm")
	assert.True(t, faults.IsKind(err, faults.CodeSelfApproval))

	assert.NotEmpty(t, trail.Query(audit.Filter{Outcome: audit.OutcomeDenied}))
}

func TestCrossApprovalAppliesChange(t *testing.T) {
	g, _ := newGovernor(t)
	author := operator("ops-1", writeCaps()...)
	approver := operator("ops-2", authz.CapConfigApprove)

	change, err := g.Upsert(context.Background(), author, configgov.UpsertRequest{
		Key: "bot.token", Value: json.RawMessage(`"secret"`), Sensitive: true, Reason: "rotate token",
	})
	require.NoError(t, err)

	approved, err := g.Approve(context.Background(), approver, change.ID, "verified rotation window")
	require.NoError(t, err)
	assert.Equal(t, configgov.ChangeApplied, approved.Status)
	assert.Equal(t, "ops-2", approved.ApprovedBy)
	assert.Equal(t, "verified rotation window", approved.ApprovalReason)

	// Sensitive entry reads back masked for non-superusers.
	entry, err := g.GetEntry(context.Background(), author, "bot.token", true)
	require.NoError(t, err)
	assert.JSONEq(t, `"********"`, string(entry.Value))

	root := authz.Principal{ID: "root", Superuser: true}
	entry, err = g.GetEntry(context.Background(), root, "bot.token", true)
	require.NoError(t, err)
	assert.JSONEq(t, `"secret"`, string(entry.Value))

	// Even a superuser sees the mask without the explicit unmasked request.
	entry, err = g.GetEntry(context.Background(), root, "bot.token", false)
	require.NoError(t, err)
	assert.JSONEq(t, `"********"`, string(entry.Value))
}

func TestApproveTwiceConflicts(t *testing.T) {
	g, _ := newGovernor(t)
	author := operator("ops-1", writeCaps()...)
	approver := operator("ops-2", authz.CapConfigApprove)

	change, err := g.Upsert(context.Background(), author, configgov.UpsertRequest{
		Key: "bot.token", Value: json.RawMessage(`"secret"`), Sensitive: true, Reason: "rotate",
	})
	require.NoError(t, err)

	_, err = g.Approve(context.Background(), approver, change.ID, "ok")
	require.NoError(t, err)
	_, err = g.Approve(context.Background(), approver, change.ID, "ok again")
	assert.True(t, faults.IsKind(err, faults.CodeConflict))
}

func TestRollbackRestoresPriorValue(t *testing.T) {
	g, _ := newGovernor(t)
	p := operator("ops-1", writeCaps()...)

	_, err := g.Upsert(context.Background(), p, configgov.UpsertRequest{
		Key: "queue.page_size", Value: json.RawMessage(`25`), Reason: "v1",
	})
	require.NoError(t, err)
	v2, err := g.Upsert(context.Background(), p, configgov.UpsertRequest{
		Key: "queue.page_size", Value: json.RawMessage(`50`), Reason: "v2",
	})
	require.NoError(t, err)

	rollback, err := g.Rollback(context.Background(), p, "queue.page_size", v2.ID, "50 overloaded the feed")
	require.NoError(t, err)
	assert.Equal(t, configgov.ChangeApplied, rollback.Status)
	assert.Equal(t, v2.ID, rollback.RevertsChangeID)

	entry, err := g.GetEntry(context.Background(), p, "queue.page_size", false)
	require.NoError(t, err)
	assert.JSONEq(t, `25`, string(entry.Value))
}

func TestRollbackFirstChangeConflicts(t *testing.T) {
	g, _ := newGovernor(t)
	p := operator("ops-1", writeCaps()...)

	v1, err := g.Upsert(context.Background(), p, configgov.UpsertRequest{
		Key: "queue.page_size", Value: json.RawMessage(`25`), Reason: "v1",
	})
	require.NoError(t, err)

	_, err = g.Rollback(context.Background(), p, "queue.page_size", v1.ID, "undo")
	assert.True(t, faults.IsKind(err, faults.CodeConflict), "no prior value to restore")
}

func TestRollbackValidatesTarget(t *testing.T) {
	g, _ := newGovernor(t)
	p := operator("ops-1", writeCaps()...)

	v1, err := g.Upsert(context.Background(), p, configgov.UpsertRequest{
		Key: "queue.page_size", Value: json.RawMessage(`25`), Reason: "v1",
	})
	require.NoError(t, err)

	_, err = g.Rollback(context.Background(), p, "other.key", v1.ID, "undo")
	assert.True(t, faults.IsKind(err, faults.CodeValidation))

	_, err = g.Rollback(context.Background(), p, "queue.page_size", v1.ID, "")
	assert.True(t, faults.IsKind(err, faults.CodeValidation))

	_, err = g.Rollback(context.Background(), p, "queue.page_size", "ghost", "undo")
	assert.True(t, faults.IsKind(err, faults.CodeNotFound))
}

func TestRollbackOfSensitiveKeyGoesThroughApproval(t *testing.T) {
	g, _ := newGovernor(t)
	author := operator("ops-1", writeCaps()...)
	approver := operator("ops-2", authz.CapConfigApprove)

	stage := func(value, reason string) *configgov.Change {
		change, err := g.Upsert(context.Background(), author, configgov.UpsertRequest{
			Key: "bot.token", Value: json.RawMessage(value), Sensitive: true, Reason: reason,
		})
		require.NoError(t, err)
		approved, err := g.Approve(context.Background(), approver, change.ID, "ok")
		require.NoError(t, err)
		return approved
	}
	stage(`"old"`, "v1")
	v2 := stage(`"new"`, "v2")

	rollback, err := g.Rollback(context.Background(), author, "bot.token", v2.ID, "bad token")
	require.NoError(t, err)
	assert.Equal(t, configgov.ChangePendingApproval, rollback.Status,
		"rollback of a sensitive key is not privileged to skip approval")

	applied, err := g.Approve(context.Background(), approver, rollback.ID, "confirmed")
	require.NoError(t, err)
	assert.Equal(t, configgov.ChangeApplied, applied.Status)

	root := authz.Principal{ID: "root", Superuser: true}
	entry, err := g.GetEntry(context.Background(), root, "bot.token", true)
	require.NoError(t, err)
	assert.JSONEq(t, `"old"`, string(entry.Value))
}

func TestPreviewReportsIssuesWithoutSideEffects(t *testing.T) {
	trail := audit.NewTrail()
	schemas := configgov.NewSchemaRegistry()
	require.NoError(t, schemas.Register("queue.page_size", `{"type":"integer","minimum":1}`))
	g, err := configgov.NewGovernor(configgov.NewMemoryStore(), schemas, nil, trail)
	require.NoError(t, err)

	p := operator("ops-1", writeCaps()...)
	result, err := g.Preview(context.Background(), p, "queue.page_size", json.RawMessage(`0`))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Issues)

	result, err = g.Preview(context.Background(), p, "queue.page_size", json.RawMessage(`10`))
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.JSONEq(t, `10`, string(result.Normalized))

	// Preview never touches the store.
	_, err = g.GetEntry(context.Background(), p, "queue.page_size", false)
	assert.True(t, faults.IsKind(err, faults.CodeNotFound))
}

func TestUpsertRejectsSchemaViolations(t *testing.T) {
	schemas := configgov.NewSchemaRegistry()
	require.NoError(t, schemas.Register("queue.page_size", `{"type":"integer","minimum":1}`))
	g, err := configgov.NewGovernor(configgov.NewMemoryStore(), schemas, nil, audit.NewTrail())
	require.NoError(t, err)

	p := operator("ops-1", writeCaps()...)
	_, err = g.Upsert(context.Background(), p, configgov.UpsertRequest{
		Key: "queue.page_size", Value: json.RawMessage(`"not a number"`), Reason: "oops",
	})
	assert.True(t, faults.IsKind(err, faults.CodeValidation))
}

func TestHistoryMasksSensitiveValues(t *testing.T) {
	g, _ := newGovernor(t)
	author := operator("ops-1", writeCaps()...)
	approver := operator("ops-2", authz.CapConfigApprove)

	change, err := g.Upsert(context.Background(), author, configgov.UpsertRequest{
		Key: "bot.token", Value: json.RawMessage(`"secret"`), Sensitive: true, Reason: "rotate",
	})
	require.NoError(t, err)
	_, err = g.Approve(context.Background(), approver, change.ID, "ok")
	require.NoError(t, err)

	history, err := g.History(context.Background(), author, "bot.token", 10, false)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.JSONEq(t, `"********"`, string(history[0].Value))

	root := authz.Principal{ID: "root", Superuser: true}
	history, err = g.History(context.Background(), root, "bot.token", 10, true)
	require.NoError(t, err)
	assert.JSONEq(t, `"secret"`, string(history[0].Value))
}

func TestCustomApprovalRule(t *testing.T) {
	policy, err := configgov.NewApprovalPolicy(`sensitive || key.startsWith("security.")`)
	require.NoError(t, err)
	g, err := configgov.NewGovernor(configgov.NewMemoryStore(), nil, policy, audit.NewTrail())
	require.NoError(t, err)

	p := operator("ops-1", writeCaps()...)
	change, err := g.Upsert(context.Background(), p, configgov.UpsertRequest{
		Key: "security.ip_allowlist", Value: json.RawMessage(`[]`), Reason: "reset",
	})
	require.NoError(t, err)
	assert.Equal(t, configgov.ChangePendingApproval, change.Status)
}

func TestApprovalPolicyRejectsBadRules(t *testing.T) {
	_, err := configgov.NewApprovalPolicy(`key`) // string, not bool
	assert.Error(t, err)
	_, err = configgov.NewApprovalPolicy(`sensitive &&`)
	assert.Error(t, err)
}
