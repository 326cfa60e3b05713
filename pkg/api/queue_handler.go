package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opsguild/tribunal/pkg/authz"
	"github.com/opsguild/tribunal/pkg/queue"
	"github.com/opsguild/tribunal/pkg/workflow"
)

// queueListResponse is the merged feed page.
type queueListResponse struct {
	Items []queue.Envelope `json:"items"`
	Total int              `json:"total"`
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	q := queue.Query{
		Status:      workflow.Status(r.URL.Query().Get("status")),
		Search:      r.URL.Query().Get("search"),
		PendingOnly: r.URL.Query().Get("pending_only") == "true",
		Limit:       intParam(r, "limit", 50),
		Offset:      intParam(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			q.Types = append(q.Types, workflow.ItemType(strings.TrimSpace(t)))
		}
	}

	items, total, err := s.queue.List(r.Context(), q)
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, queueListResponse{Items: items, Total: total})
}

func (s *Server) handleQueueDetail(w http.ResponseWriter, r *http.Request) {
	itemType := workflow.ItemType(r.PathValue("type"))
	item, err := s.queue.FetchDetail(r.Context(), itemType, r.PathValue("id"))
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, item)
}

// decisionRequest is the body of a queue decision.
type decisionRequest struct {
	Action        string     `json:"action"`
	Reason        string     `json:"reason,omitempty"`
	ReapplyPolicy string     `json:"reapply_policy,omitempty"`
	CooldownDays  int        `json:"cooldown_days,omitempty"`
	ScheduledFor  *time.Time `json:"scheduled_for,omitempty"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Action == "" {
		WriteBadRequest(w, "Missing required field: action")
		return
	}

	principal := authz.PrincipalFrom(r.Context())
	itemType := workflow.ItemType(r.PathValue("type"))
	d := workflow.Decision{
		Action:       workflow.Action(req.Action),
		Reason:       req.Reason,
		Reapply:      workflow.ReapplyPolicy(req.ReapplyPolicy),
		CooldownDays: req.CooldownDays,
		ScheduledFor: req.ScheduledFor,
	}

	start := time.Now()
	item, err := s.queue.Decide(r.Context(), principal, itemType, r.PathValue("id"), d)
	s.recordDecision(r.Context(), string(itemType), req.Action, start, err)
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, item)
}

func intParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
