package workflow

import (
	"fmt"

	"github.com/opsguild/tribunal/pkg/authz"
)

// VacationMachine governs vacation requests.
//
// pending  -> approved  (vacations.approve)
// pending  -> denied    (vacations.deny, reason required)
// approved -> returned  (vacations.mark_returned)
// pending  -> cancelled (vacations.cancel, original requester only)
// approved -> cancelled (vacations.cancel, original requester only)
func VacationMachine() Machine {
	cancel := func(from Status) Rule {
		return Rule{
			From:          from,
			Action:        ActionCancel,
			Next:          StatusCancelled,
			Capabilities:  []authz.Capability{authz.CapVacationsCancel},
			RequesterOnly: true,
		}
	}
	return Machine{
		Type:    TypeVacation,
		Initial: StatusPending,
		Pending: []Status{StatusPending},
		Rules: []Rule{
			{
				From:         StatusPending,
				Action:       ActionApprove,
				Next:         StatusApproved,
				Capabilities: []authz.Capability{authz.CapVacationsApprove},
			},
			{
				From:           StatusPending,
				Action:         ActionDeny,
				Next:           StatusDenied,
				Capabilities:   []authz.Capability{authz.CapVacationsDeny},
				ReasonRequired: true,
			},
			{
				From:         StatusApproved,
				Action:       ActionMarkReturned,
				Next:         StatusReturned,
				Capabilities: []authz.Capability{authz.CapVacationsReturn},
			},
			cancel(StatusPending),
			cancel(StatusApproved),
		},
		Subtitle: func(item *Item) string {
			return fmt.Sprintf("requested by %s", item.AccountName)
		},
	}
}
