package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/opsguild/tribunal/pkg/audit"
	"github.com/opsguild/tribunal/pkg/authz"
	"github.com/opsguild/tribunal/pkg/dispatch"
	"github.com/opsguild/tribunal/pkg/workflow"
)

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	p := authz.PrincipalFrom(r.Context())
	if !p.HasAll(authz.CapAuditRead) {
		WriteError(w, http.StatusForbidden, "Forbidden", "missing capability audit.read")
		return
	}

	filter := audit.Filter{
		ActorID:    r.URL.Query().Get("actor"),
		Action:     r.URL.Query().Get("action"),
		ItemType:   r.URL.Query().Get("item_type"),
		ItemID:     r.URL.Query().Get("item_id"),
		MaxResults: intParam(r, "limit", 200),
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.Since = &t
		}
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.Until = &t
		}
	}

	entries := s.trail.Query(filter)
	WriteJSON(w, http.StatusOK, map[string]any{
		"entries":    entries,
		"chain_head": s.trail.ChainHead(),
	})
}

// dispatchOutcomeRequest is the publish worker's report for one consumed
// command. Command is echoed back on failure so the core can dead-letter the
// exact unit the worker could not deliver.
type dispatchOutcomeRequest struct {
	ItemType string            `json:"item_type"`
	ItemID   string            `json:"item_id"`
	Outcome  string            `json:"outcome"`
	Detail   string            `json:"detail,omitempty"`
	Command  *dispatch.Command `json:"command,omitempty"`
}

func (s *Server) handleDispatchOutcome(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req dispatchOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.ItemType == "" || req.ItemID == "" {
		WriteBadRequest(w, "Missing required field: item_type or item_id")
		return
	}
	var to workflow.Status
	switch req.Outcome {
	case string(workflow.StatusPosted):
		to = workflow.StatusPosted
	case string(workflow.StatusPublishFailed):
		to = workflow.StatusPublishFailed
	default:
		WriteBadRequest(w, "outcome must be posted or publish_failed")
		return
	}

	p := authz.PrincipalFrom(r.Context())
	if !p.HasAll(authz.CapDispatchReport) {
		WriteError(w, http.StatusForbidden, "Forbidden", "missing capability dispatch.report")
		return
	}

	wfl, err := s.queue.Workflow(workflow.ItemType(req.ItemType))
	if err != nil {
		WriteFault(w, err)
		return
	}
	item, err := wfl.RecordExternalOutcome(r.Context(), req.ItemID, workflow.StatusApproved, to, req.Detail)
	if err != nil {
		WriteFault(w, err)
		return
	}
	// The transition is committed; a dead-letter write failure is logged
	// rather than failing the report after the fact.
	if to == workflow.StatusPublishFailed && s.outbox != nil && req.Command != nil {
		if err := s.outbox.RecordFailure(r.Context(), *req.Command, req.Detail); err != nil {
			s.logger.Error("dead-letter record failed", "command_id", req.Command.ID, "error", err)
		}
	}
	WriteJSON(w, http.StatusOK, item)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.outbox == nil {
		WriteError(w, http.StatusNotFound, "Not Found", "dispatch outbox is not configured")
		return
	}
	p := authz.PrincipalFrom(r.Context())
	if !p.HasAll(authz.CapDispatchReplay) {
		WriteError(w, http.StatusForbidden, "Forbidden", "missing capability dispatch.replay")
		return
	}

	letters, err := s.outbox.ListDeadLetters(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if letters == nil {
		letters = []dispatch.Command{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if s.outbox == nil {
		WriteError(w, http.StatusNotFound, "Not Found", "dispatch outbox is not configured")
		return
	}

	p := authz.PrincipalFrom(r.Context())
	cmd, err := s.outbox.Replay(r.Context(), p, r.PathValue("id"))
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, cmd)
}
