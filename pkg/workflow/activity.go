package workflow

import (
	"context"
	"fmt"

	"github.com/opsguild/tribunal/pkg/authz"
)

// Publisher hands an approved activity to the external posting worker. The
// enqueue is fire-and-forget from the core's perspective; the worker reports
// posted/publish_failed back through RecordExternalOutcome.
type Publisher interface {
	EnqueuePublish(ctx context.Context, item *Item) error
}

// ActivityMachine governs scheduled activities.
//
// pending        -> approved       (activities.approve, optional scheduled_for;
//                                   enqueues the publish side effect)
// pending        -> rejected       (activities.reject)
// approved       -> posted         (reported by the publish worker)
// approved       -> publish_failed (reported by the publish worker)
// publish_failed -> approved       (activities.force_retry; re-issues the
//                                   same dispatch)
func ActivityMachine(pub Publisher) Machine {
	enqueue := func(ctx context.Context, item *Item) error {
		if pub == nil {
			return nil
		}
		return pub.EnqueuePublish(ctx, item)
	}
	return Machine{
		Type:    TypeActivity,
		Initial: StatusPending,
		Pending: []Status{StatusPending},
		Rules: []Rule{
			{
				From:         StatusPending,
				Action:       ActionApprove,
				Next:         StatusApproved,
				Capabilities: []authz.Capability{authz.CapActivitiesApprove},
				Apply: func(item *Item, d Decision) {
					if d.ScheduledFor != nil {
						item.ScheduledFor = d.ScheduledFor
					}
					item.PublishError = ""
				},
				SideEffect: enqueue,
			},
			{
				From:         StatusPending,
				Action:       ActionReject,
				Next:         StatusRejected,
				Capabilities: []authz.Capability{authz.CapActivitiesReject},
			},
			{
				From:         StatusPublishFailed,
				Action:       ActionForceRetry,
				Next:         StatusApproved,
				Capabilities: []authz.Capability{authz.CapActivitiesRetry},
				Apply: func(item *Item, d Decision) {
					item.PublishError = ""
				},
				SideEffect: enqueue,
			},
		},
		Searchable: func(item *Item) []string {
			return []string{item.PublishError}
		},
		Subtitle: func(item *Item) string {
			if item.ScheduledFor != nil {
				return fmt.Sprintf("scheduled for %s", item.ScheduledFor.Format("2006-01-02 15:04"))
			}
			return "unscheduled"
		},
	}
}
