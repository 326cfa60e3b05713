package workflow

import (
	"context"
	"fmt"

	"github.com/opsguild/tribunal/pkg/authz"
	"github.com/opsguild/tribunal/pkg/faults"
)

// BlacklistRemovalMachine governs blacklist-removal petitions. Storage is
// keyed by internal request id; the externally visible PublicID is resolved
// by a bounded list-and-scan (ResolvePublicID).
//
// pending -> approved (blacklist_removals.review)
// pending -> denied   (blacklist_removals.review, reason required)
func BlacklistRemovalMachine() Machine {
	return Machine{
		Type:    TypeBlacklistRemoval,
		Initial: StatusPending,
		Pending: []Status{StatusPending},
		Rules: []Rule{
			{
				From:         StatusPending,
				Action:       ActionApprove,
				Next:         StatusApproved,
				Capabilities: []authz.Capability{authz.CapBlacklistReview},
			},
			{
				From:           StatusPending,
				Action:         ActionDeny,
				Next:           StatusDenied,
				Capabilities:   []authz.Capability{authz.CapBlacklistReview},
				ReasonRequired: true,
			},
		},
		ResolveID: ResolvePublicID,
		Subtitle: func(item *Item) string {
			return fmt.Sprintf("petition %s by %s", item.PublicID, item.AccountName)
		},
	}
}

// resolveScanPageSize and maxResolveScanPages bound the public-id scan. The
// scan fails closed with NotResolvable once the bound is exhausted rather
// than walking an unbounded store.
const (
	resolveScanPageSize = 100
	maxResolveScanPages = 10
)

// ResolvePublicID maps a public petition id to its internal item by paging
// through the store. Returns NotResolvable when the bound is exceeded; never
// returns a record whose PublicID does not match.
func ResolvePublicID(ctx context.Context, store Store, publicID string) (*Item, error) {
	for page := 0; page < maxResolveScanPages; page++ {
		items, total, err := store.List(ctx, ListFilter{
			Limit:  resolveScanPageSize,
			Offset: page * resolveScanPageSize,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if item.PublicID == publicID {
				return item, nil
			}
		}
		if (page+1)*resolveScanPageSize >= total {
			return nil, faults.NotFound("blacklist removal %s not found", publicID)
		}
	}
	return nil, faults.NotResolvable("blacklist removal %s not resolved within %d pages", publicID, maxResolveScanPages)
}
