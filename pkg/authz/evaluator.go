// Package authz implements the capability-based authorization evaluator.
// Every mutating action in the core is gated by a single HasAll/HasAny call
// over a capability set resolved once per request.
package authz

import (
	"sync"
)

// Capability is an opaque permission token of the form "<domain>.<action>",
// e.g. "orders.review". The evaluator never interprets token contents; the
// calling component decides what a token means.
type Capability string

// Capability tokens consulted by the core components.
const (
	CapApplicationsReview  Capability = "applications.review"
	CapApplicationsAccept  Capability = "applications.decision.accept"
	CapApplicationsDecline Capability = "applications.decision.decline"
	CapOrdersReview        Capability = "orders.review"
	CapOrdersAccept        Capability = "orders.decision.accept"
	CapOrdersDeny          Capability = "orders.decision.deny"
	CapActivitiesApprove   Capability = "activities.approve"
	CapActivitiesReject    Capability = "activities.reject"
	CapActivitiesRetry     Capability = "activities.force_retry"
	CapVacationsApprove    Capability = "vacations.approve"
	CapVacationsDeny       Capability = "vacations.deny"
	CapVacationsReturn     Capability = "vacations.mark_returned"
	CapVacationsCancel     Capability = "vacations.cancel"
	CapBlacklistReview     Capability = "blacklist_removals.review"
	CapVerificationsReview Capability = "verifications.review"
	CapVotingCast          Capability = "voting.cast"
	CapVotingListVoters    Capability = "voting.list_voters"
	CapVotingClose         Capability = "voting.close"
	CapVotingReopen        Capability = "voting.reopen"
	CapVotingReset         Capability = "voting.reset"
	CapConfigPreview       Capability = "config_registry.preview"
	CapConfigWrite         Capability = "config_registry.write"
	CapConfigRollback      Capability = "config_registry.rollback"
	CapConfigApprove       Capability = "config_change.approve"
	CapDispatchReplay      Capability = "dispatch.replay"
	CapDispatchReport      Capability = "dispatch.report"
	CapAuditRead           Capability = "audit.read"
)

// CapabilitySet is an immutable set of capability tokens. Sets are rebuilt
// wholesale when role assignments change, never mutated in place.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from tokens.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// Contains reports whether the set holds the token.
func (s CapabilitySet) Contains(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Principal is the authenticated actor whose capability set gates actions.
type Principal struct {
	ID           string
	RoleIDs      []string
	Capabilities CapabilitySet
	Superuser    bool
}

// HasAll reports whether the principal holds every required capability.
// Superusers pass every check, including an empty requirement.
func (p Principal) HasAll(required ...Capability) bool {
	return HasAll(required, p.Capabilities, p.Superuser)
}

// HasAny reports whether the principal holds at least one of the required
// capabilities. An empty requirement passes vacuously.
func (p Principal) HasAny(required ...Capability) bool {
	return HasAny(required, p.Capabilities, p.Superuser)
}

// HasAll returns true iff every token in required is present in caps, or
// superuser is set. The superuser short-circuit applies before the empty
// check so both paths return true for an empty requirement.
func HasAll(required []Capability, caps CapabilitySet, superuser bool) bool {
	if superuser {
		return true
	}
	for _, c := range required {
		if !caps.Contains(c) {
			return false
		}
	}
	return true
}

// HasAny returns true iff required is empty (vacuous pass, used for
// access-family checks) or at least one token intersects caps.
func HasAny(required []Capability, caps CapabilitySet, superuser bool) bool {
	if superuser || len(required) == 0 {
		return true
	}
	for _, c := range required {
		if caps.Contains(c) {
			return true
		}
	}
	return false
}

// Role binds a role id to the capabilities it grants.
type Role struct {
	ID           string
	Name         string
	Capabilities []Capability
}

// Evaluator resolves principals against the role→capability matrix.
// Resolution is a pure read; matrix updates swap the stored roles under the
// write lock so concurrent resolves see a consistent matrix.
type Evaluator struct {
	mu    sync.RWMutex
	roles map[string]Role
}

// NewEvaluator creates an evaluator with an empty matrix.
func NewEvaluator() *Evaluator {
	return &Evaluator{roles: make(map[string]Role)}
}

// SetRole installs or replaces a role definition.
func (e *Evaluator) SetRole(role Role) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roles[role.ID] = role
}

// DeleteRole removes a role. Principals holding it simply lose its grants on
// their next resolve.
func (e *Evaluator) DeleteRole(roleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.roles, roleID)
}

// Resolve computes the union of capability sets for the principal's roles.
// Unknown roles contribute nothing; an unknown principal resolves to the
// empty set rather than an error.
func (e *Evaluator) Resolve(id string, roleIDs []string, superuser bool) Principal {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(CapabilitySet)
	for _, roleID := range roleIDs {
		role, ok := e.roles[roleID]
		if !ok {
			continue
		}
		for _, c := range role.Capabilities {
			caps[c] = struct{}{}
		}
	}
	return Principal{ID: id, RoleIDs: roleIDs, Capabilities: caps, Superuser: superuser}
}

// Roles returns a snapshot of the installed matrix.
func (e *Evaluator) Roles() []Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Role, 0, len(e.roles))
	for _, r := range e.roles {
		out = append(out, r)
	}
	return out
}
