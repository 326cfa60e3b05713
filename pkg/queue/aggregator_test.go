package queue_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsguild/tribunal/pkg/audit"
	"github.com/opsguild/tribunal/pkg/authz"
	"github.com/opsguild/tribunal/pkg/faults"
	"github.com/opsguild/tribunal/pkg/queue"
	"github.com/opsguild/tribunal/pkg/workflow"
)

type fixture struct {
	agg   *queue.Aggregator
	trail *audit.Trail
	clock func() time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	clock := func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Minute)
	}

	trail := audit.NewTrail()
	agg := queue.NewAggregator()
	agg.Register(workflow.New(workflow.ApplicationMachine(), workflow.NewMemoryStore().WithClock(clock), trail))
	agg.Register(workflow.New(workflow.OrderMachine(), workflow.NewMemoryStore().WithClock(clock), trail))
	agg.Register(workflow.New(workflow.ActivityMachine(nil), workflow.NewMemoryStore().WithClock(clock), trail))
	agg.Register(workflow.New(workflow.BlacklistRemovalMachine(), workflow.NewMemoryStore().WithClock(clock), trail))
	return &fixture{agg: agg, trail: trail, clock: clock}
}

func (f *fixture) create(t *testing.T, typ workflow.ItemType, item *workflow.Item) *workflow.Item {
	t.Helper()
	w, err := f.agg.Workflow(typ)
	require.NoError(t, err)
	created, err := w.Create(context.Background(), item)
	require.NoError(t, err)
	return created
}

func TestListMergesTypesNewestFirst(t *testing.T) {
	f := newFixture(t)
	f.create(t, workflow.TypeApplication, &workflow.Item{ID: "app-1", Title: "join request"})
	f.create(t, workflow.TypeOrder, &workflow.Item{ID: "ord-1", Title: "supply order"})
	f.create(t, workflow.TypeActivity, &workflow.Item{ID: "act-1", Title: "raid night"})

	envs, total, err := f.agg.List(context.Background(), queue.Query{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, envs, 3)
	assert.Equal(t, "act-1", envs[0].ItemID, "latest submission leads the merged feed")
	assert.Equal(t, "app-1", envs[2].ItemID)
}

func TestListFiltersByType(t *testing.T) {
	f := newFixture(t)
	f.create(t, workflow.TypeApplication, &workflow.Item{ID: "app-1"})
	f.create(t, workflow.TypeOrder, &workflow.Item{ID: "ord-1"})

	envs, total, err := f.agg.List(context.Background(), queue.Query{Types: []workflow.ItemType{workflow.TypeOrder}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, envs, 1)
	assert.Equal(t, workflow.TypeOrder, envs[0].ItemType)

	_, _, err = f.agg.List(context.Background(), queue.Query{Types: []workflow.ItemType{"bogus"}})
	assert.True(t, faults.IsKind(err, faults.CodeValidation))
}

func TestListPendingOnly(t *testing.T) {
	f := newFixture(t)
	f.create(t, workflow.TypeApplication, &workflow.Item{ID: "app-1"})
	f.create(t, workflow.TypeApplication, &workflow.Item{ID: "app-2"})

	root := authz.Principal{ID: "root", Superuser: true}
	_, err := f.agg.Decide(context.Background(), root, workflow.TypeApplication, "app-1",
		workflow.Decision{Action: workflow.ActionAccept})
	require.NoError(t, err)

	envs, total, err := f.agg.List(context.Background(), queue.Query{PendingOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, envs, 1)
	assert.Equal(t, "app-2", envs[0].ItemID)
}

func TestListSearchSpansTypes(t *testing.T) {
	f := newFixture(t)
	f.create(t, workflow.TypeApplication, &workflow.Item{ID: "app-1", Title: "Dragon slayer application", AccountName: "kira"})
	f.create(t, workflow.TypeOrder, &workflow.Item{ID: "ord-1", Title: "dragon scale order", AccountName: "lee"})
	f.create(t, workflow.TypeActivity, &workflow.Item{ID: "act-1", Title: "fishing trip"})

	envs, total, err := f.agg.List(context.Background(), queue.Query{Search: "dragon"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, envs, 2)

	byAccount, _, err := f.agg.List(context.Background(), queue.Query{Search: "KIRA"})
	require.NoError(t, err)
	require.Len(t, byAccount, 1)
	assert.Equal(t, "app-1", byAccount[0].ItemID)
}

func TestBlacklistEnvelopeUsesPublicID(t *testing.T) {
	f := newFixture(t)
	f.create(t, workflow.TypeBlacklistRemoval, &workflow.Item{
		ID: "blr-int-1", PublicID: "BLR-42", Title: "unban me", AccountName: "player-3",
	})

	envs, _, err := f.agg.List(context.Background(), queue.Query{Types: []workflow.ItemType{workflow.TypeBlacklistRemoval}})
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "BLR-42", envs[0].ItemID)

	item, err := f.agg.FetchDetail(context.Background(), workflow.TypeBlacklistRemoval, "BLR-42")
	require.NoError(t, err)
	assert.Equal(t, "blr-int-1", item.ID)
}

func TestDecideRoutesBlacklistByPublicID(t *testing.T) {
	f := newFixture(t)
	f.create(t, workflow.TypeBlacklistRemoval, &workflow.Item{ID: "blr-int-1", PublicID: "BLR-42"})

	p := authz.Principal{ID: "mod-1", Capabilities: authz.NewCapabilitySet(authz.CapBlacklistReview)}
	item, err := f.agg.Decide(context.Background(), p, workflow.TypeBlacklistRemoval, "BLR-42",
		workflow.Decision{Action: workflow.ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, item.Status)

	_, err = f.agg.Decide(context.Background(), p, workflow.TypeBlacklistRemoval, "BLR-missing",
		workflow.Decision{Action: workflow.ActionApprove})
	assert.True(t, faults.IsKind(err, faults.CodeNotFound))
}

// A machine that declares its own reference resolver is picked up by both
// dispatch points through nothing but the Register call.
func TestRegistryUsesMachineResolver(t *testing.T) {
	trail := audit.NewTrail()
	agg := queue.NewAggregator()

	m := workflow.OrderMachine()
	m.ResolveID = func(ctx context.Context, store workflow.Store, ref string) (*workflow.Item, error) {
		return store.Get(ctx, "ord-"+ref)
	}
	w := workflow.New(m, workflow.NewMemoryStore(), trail)
	agg.Register(w)

	_, err := w.Create(context.Background(), &workflow.Item{ID: "ord-7"})
	require.NoError(t, err)

	item, err := agg.FetchDetail(context.Background(), workflow.TypeOrder, "7")
	require.NoError(t, err)
	assert.Equal(t, "ord-7", item.ID)

	root := authz.Principal{ID: "root", Superuser: true}
	item, err = agg.Decide(context.Background(), root, workflow.TypeOrder, "7",
		workflow.Decision{Action: workflow.ActionAccept})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusAccepted, item.Status)
}

func TestDecideUnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.agg.Decide(context.Background(), authz.Principal{ID: "mod-1"}, "bogus", "x",
		workflow.Decision{Action: workflow.ActionAccept})
	assert.True(t, faults.IsKind(err, faults.CodeValidation))
}

// Paging through the merged feed window by window must reproduce the full
// unpaginated feed, regardless of how items are distributed across types.
func TestPaginationWindowsConcatenateToFullFeed(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)
	properties.Property("window concatenation equals full feed", prop.ForAll(
		func(appCount, ordCount, pageSize int) bool {
			f := newFixture(t)
			for i := 0; i < appCount; i++ {
				f.create(t, workflow.TypeApplication, &workflow.Item{ID: fmt.Sprintf("app-%d", i)})
			}
			for i := 0; i < ordCount; i++ {
				f.create(t, workflow.TypeOrder, &workflow.Item{ID: fmt.Sprintf("ord-%d", i)})
			}

			full, total, err := f.agg.List(context.Background(), queue.Query{})
			if err != nil || total != appCount+ordCount {
				return false
			}

			var paged []queue.Envelope
			for offset := 0; offset < total; offset += pageSize {
				window, windowTotal, err := f.agg.List(context.Background(), queue.Query{Limit: pageSize, Offset: offset})
				if err != nil || windowTotal != total {
					return false
				}
				paged = append(paged, window...)
			}

			if len(paged) != len(full) {
				return false
			}
			for i := range full {
				if paged[i].ItemID != full[i].ItemID {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 25),
		gen.IntRange(0, 25),
		gen.IntRange(1, 10),
	))
	properties.TestingRun(t)
}
