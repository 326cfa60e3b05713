// Package faults defines the error taxonomy shared by the decision core.
// Every mutating operation fails with exactly one of these kinds so callers
// (and the HTTP layer) can map outcomes without string matching.
package faults

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable identifier for an error kind.
type Code string

const (
	CodeValidation    Code = "validation_failed"
	CodeForbidden     Code = "forbidden"
	CodeSelfApproval  Code = "self_approval_forbidden"
	CodeConflict      Code = "conflict"
	CodeVotingClosed  Code = "voting_closed"
	CodeNotFound      Code = "not_found"
	CodeNotResolvable Code = "not_resolvable"
)

// Fault is an error with a stable code. All core errors unwrap to one.
type Fault struct {
	Code   Code
	Detail string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Detail)
}

// Is matches faults by code, so errors.Is(err, faults.Forbidden("")) works
// regardless of detail text.
func (f *Fault) Is(target error) bool {
	var t *Fault
	if !errors.As(target, &t) {
		return false
	}
	return f.Code == t.Code
}

// Validation reports a malformed or missing required field. Recoverable
// client-side; the core never retries it.
func Validation(format string, args ...any) error {
	return &Fault{Code: CodeValidation, Detail: fmt.Sprintf(format, args...)}
}

// Forbidden reports a failed capability check.
func Forbidden(format string, args ...any) error {
	return &Fault{Code: CodeForbidden, Detail: fmt.Sprintf(format, args...)}
}

// SelfApproval is a specialized Forbidden with a distinct code so clients
// can explain why the approval was rejected.
func SelfApproval(changeID string) error {
	return &Fault{Code: CodeSelfApproval, Detail: fmt.Sprintf("change %s cannot be approved by its author", changeID)}
}

// Conflict reports an item that is not in a state accepting the requested
// action, or the loser of a concurrent read-modify-write.
func Conflict(format string, args ...any) error {
	return &Fault{Code: CodeConflict, Detail: fmt.Sprintf(format, args...)}
}

// VotingClosed is a specialized Conflict for ballots cast against a closed
// voting context.
func VotingClosed(contextType, contextID string) error {
	return &Fault{Code: CodeVotingClosed, Detail: fmt.Sprintf("voting context %s/%s is closed", contextType, contextID)}
}

// NotFound reports an item that does not exist.
func NotFound(format string, args ...any) error {
	return &Fault{Code: CodeNotFound, Detail: fmt.Sprintf(format, args...)}
}

// NotResolvable reports a public-id lookup that exhausted its scan bound.
// Distinct from NotFound: the item may exist beyond the bound.
func NotResolvable(format string, args ...any) error {
	return &Fault{Code: CodeNotResolvable, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from err, or "" if err is not a Fault.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// IsKind reports whether err carries the given code. SelfApproval counts as
// Forbidden and VotingClosed counts as Conflict, mirroring the taxonomy.
func IsKind(err error, code Code) bool {
	c := CodeOf(err)
	if c == code {
		return true
	}
	switch code {
	case CodeForbidden:
		return c == CodeSelfApproval
	case CodeConflict:
		return c == CodeVotingClosed
	}
	return false
}
