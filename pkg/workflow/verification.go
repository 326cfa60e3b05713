package workflow

import (
	"fmt"

	"github.com/opsguild/tribunal/pkg/authz"
)

// VerificationMachine governs identity-verification requests. The reviewer
// comment travels in the decision reason: optional on approval, required on
// denial.
//
// pending -> approved (verifications.review, comment optional)
// pending -> denied   (verifications.review, comment required)
func VerificationMachine() Machine {
	return Machine{
		Type:    TypeVerification,
		Initial: StatusPending,
		Pending: []Status{StatusPending},
		Rules: []Rule{
			{
				From:         StatusPending,
				Action:       ActionApprove,
				Next:         StatusApproved,
				Capabilities: []authz.Capability{authz.CapVerificationsReview},
			},
			{
				From:           StatusPending,
				Action:         ActionDeny,
				Next:           StatusDenied,
				Capabilities:   []authz.Capability{authz.CapVerificationsReview},
				ReasonRequired: true,
			},
		},
		Subtitle: func(item *Item) string {
			return fmt.Sprintf("verification for %s", item.AccountName)
		},
	}
}
