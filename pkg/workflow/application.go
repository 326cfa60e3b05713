package workflow

import (
	"fmt"

	"github.com/opsguild/tribunal/pkg/authz"
	"github.com/opsguild/tribunal/pkg/faults"
)

// ApplicationMachine governs membership applications.
//
// submitted -> accepted  (applications.review + applications.decision.accept,
//                         reason optional)
// submitted -> declined  (applications.review + applications.decision.decline,
//                         reason required, reapply policy required)
func ApplicationMachine() Machine {
	return Machine{
		Type:    TypeApplication,
		Initial: StatusSubmitted,
		Pending: []Status{StatusSubmitted},
		Rules: []Rule{
			{
				From:         StatusSubmitted,
				Action:       ActionAccept,
				Next:         StatusAccepted,
				Capabilities: []authz.Capability{authz.CapApplicationsReview, authz.CapApplicationsAccept},
			},
			{
				From:           StatusSubmitted,
				Action:         ActionDecline,
				Next:           StatusDeclined,
				Capabilities:   []authz.Capability{authz.CapApplicationsReview, authz.CapApplicationsDecline},
				ReasonRequired: true,
				Validate:       validateReapplyPolicy,
				Apply: func(item *Item, d Decision) {
					item.Reapply = d.Reapply
					if d.Reapply == ReapplyCooldown {
						item.CooldownDays = d.CooldownDays
					}
				},
			},
		},
		Subtitle: func(item *Item) string {
			return fmt.Sprintf("applicant %s", item.AccountName)
		},
	}
}

func validateReapplyPolicy(_ *Item, d Decision) error {
	switch d.Reapply {
	case ReapplyAllowImmediate, ReapplyPermanentBlock:
		return nil
	case ReapplyCooldown:
		if d.CooldownDays <= 0 {
			return faults.Validation("cooldown reapply policy requires cooldown_days > 0")
		}
		return nil
	case "":
		return faults.Validation("declining an application requires a reapply_policy")
	default:
		return faults.Validation("unknown reapply_policy %q", d.Reapply)
	}
}
