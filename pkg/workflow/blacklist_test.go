package workflow_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsguild/tribunal/pkg/audit"
	"github.com/opsguild/tribunal/pkg/authz"
	"github.com/opsguild/tribunal/pkg/faults"
	"github.com/opsguild/tribunal/pkg/workflow"
)

func seedPetitions(t *testing.T, s workflow.Store, n int) {
	t.Helper()
	clock := tickingClock()
	for i := 0; i < n; i++ {
		require.NoError(t, s.Create(context.Background(), &workflow.Item{
			ID:          fmt.Sprintf("blr-int-%d", i),
			Type:        workflow.TypeBlacklistRemoval,
			Status:      workflow.StatusPending,
			PublicID:    fmt.Sprintf("BLR-%d", i),
			SubmittedAt: clock(),
		}))
	}
}

func TestResolvePublicID(t *testing.T) {
	s := workflow.NewMemoryStore()
	seedPetitions(t, s, 10)

	item, err := workflow.ResolvePublicID(context.Background(), s, "BLR-3")
	require.NoError(t, err)
	assert.Equal(t, "blr-int-3", item.ID)
}

func TestResolvePublicIDBeyondFirstPage(t *testing.T) {
	s := workflow.NewMemoryStore()
	seedPetitions(t, s, 150)

	// Listing is newest first, so the oldest petition sits on the second
	// scan page.
	item, err := workflow.ResolvePublicID(context.Background(), s, "BLR-0")
	require.NoError(t, err)
	assert.Equal(t, "blr-int-0", item.ID)
}

func TestResolvePublicIDNotFoundWithinBound(t *testing.T) {
	s := workflow.NewMemoryStore()
	seedPetitions(t, s, 50)

	_, err := workflow.ResolvePublicID(context.Background(), s, "BLR-missing")
	assert.True(t, faults.IsKind(err, faults.CodeNotFound))
}

func TestResolvePublicIDFailsClosedPastScanBound(t *testing.T) {
	s := workflow.NewMemoryStore()
	seedPetitions(t, s, 1005)

	// The store holds more rows than the scan bound covers, so an absent id
	// is reported as unresolvable rather than definitively missing.
	_, err := workflow.ResolvePublicID(context.Background(), s, "BLR-missing")
	assert.True(t, faults.IsKind(err, faults.CodeNotResolvable))
}

func TestBlacklistDenyRequiresReason(t *testing.T) {
	wf := workflow.New(workflow.BlacklistRemovalMachine(), workflow.NewMemoryStore(), audit.NewTrail())

	_, err := wf.Create(context.Background(), &workflow.Item{
		ID: "blr-int-1", PublicID: "BLR-1", AccountName: "player-3",
	})
	require.NoError(t, err)

	p := reviewer(authz.CapBlacklistReview)
	_, err = wf.Transition(context.Background(), p, "blr-int-1", workflow.Decision{Action: workflow.ActionDeny})
	assert.True(t, faults.IsKind(err, faults.CodeValidation))

	item, err := wf.Transition(context.Background(), p, "blr-int-1", workflow.Decision{
		Action: workflow.ActionDeny, Reason: "ban upheld",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusDenied, item.Status)
}
