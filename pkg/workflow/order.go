package workflow

import (
	"fmt"

	"github.com/opsguild/tribunal/pkg/authz"
)

// OrderMachine governs proof-of-work orders.
//
// submitted -> accepted (orders.review + orders.decision.accept)
// submitted -> denied   (orders.review + orders.decision.deny, reason required)
func OrderMachine() Machine {
	return Machine{
		Type:    TypeOrder,
		Initial: StatusSubmitted,
		Pending: []Status{StatusSubmitted},
		Rules: []Rule{
			{
				From:         StatusSubmitted,
				Action:       ActionAccept,
				Next:         StatusAccepted,
				Capabilities: []authz.Capability{authz.CapOrdersReview, authz.CapOrdersAccept},
			},
			{
				From:           StatusSubmitted,
				Action:         ActionDeny,
				Next:           StatusDenied,
				Capabilities:   []authz.Capability{authz.CapOrdersReview, authz.CapOrdersDeny},
				ReasonRequired: true,
			},
		},
		Subtitle: func(item *Item) string {
			return fmt.Sprintf("ordered by %s", item.AccountName)
		},
	}
}
