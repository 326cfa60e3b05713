// Package api exposes the decision core over HTTP with RFC 7807 Problem
// Detail error responses.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/opsguild/tribunal/pkg/faults"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs). All
// API error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Code carries the core's stable error code so clients can
	// distinguish e.g. self-approval from a plain capability failure.
	Code string `json:"code,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("https://tribunal.opsguild.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteBadRequest writes a 400 response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteMethodNotAllowed writes a 405 response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "")
}

// WriteTooManyRequests writes a 429 response with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSeconds int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded")
}

// WriteInternal writes a 500 response without leaking the cause.
func WriteInternal(w http.ResponseWriter, err error) {
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "")
	_ = err
}

// WriteFault maps a core error onto the HTTP taxonomy:
// validation 422, forbidden 403 (self-approval with its own code so UIs can
// explain it), conflict 409 (voting_closed keeps its code), not_found 404,
// not_resolvable 404. Anything unrecognized is a 500.
func WriteFault(w http.ResponseWriter, err error) {
	code := faults.CodeOf(err)
	status := http.StatusInternalServerError
	title := "Internal Server Error"
	detail := ""

	switch code {
	case faults.CodeValidation:
		status, title, detail = http.StatusUnprocessableEntity, "Validation Failed", err.Error()
	case faults.CodeForbidden, faults.CodeSelfApproval:
		status, title, detail = http.StatusForbidden, "Forbidden", err.Error()
	case faults.CodeConflict, faults.CodeVotingClosed:
		status, title, detail = http.StatusConflict, "Conflict", err.Error()
	case faults.CodeNotFound, faults.CodeNotResolvable:
		status, title, detail = http.StatusNotFound, "Not Found", err.Error()
	}

	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("https://tribunal.opsguild.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
		Code:   string(code),
	})
}

// WriteJSON writes a success payload.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}
