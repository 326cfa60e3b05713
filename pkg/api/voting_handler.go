package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/opsguild/tribunal/pkg/authz"
	"github.com/opsguild/tribunal/pkg/voting"
	"github.com/opsguild/tribunal/pkg/workflow"
)

// votingResponse is the context summary returned by every voting mutation.
type votingResponse struct {
	Status string         `json:"status"`
	Counts voting.Counts  `json:"counts"`
	MyVote *voting.Ballot `json:"my_vote,omitempty"`
}

func (s *Server) votingSummary(r *http.Request, vc *voting.Context) votingResponse {
	principal := authz.PrincipalFrom(r.Context())
	resp := votingResponse{Status: string(vc.Status), Counts: vc.Counts}
	if ballot, ok := s.votes.MyVote(principal, vc.Type, vc.ID); ok {
		resp.MyVote = ballot
	}
	return resp
}

func (s *Server) handleVotingGet(w http.ResponseWriter, r *http.Request) {
	vc := s.votes.Get(r.PathValue("type"), r.PathValue("id"))
	WriteJSON(w, http.StatusOK, s.votingSummary(r, vc))
}

type castVoteRequest struct {
	Choice      string `json:"choice"`
	CommentText string `json:"comment_text,omitempty"`
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req castVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	principal := authz.PrincipalFrom(r.Context())
	vc, err := s.votes.CastVote(r.Context(), principal, r.PathValue("type"), r.PathValue("id"),
		voting.Choice(req.Choice), req.CommentText)
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, s.votingSummary(r, vc))
}

func (s *Server) handleListVoters(w http.ResponseWriter, r *http.Request) {
	principal := authz.PrincipalFrom(r.Context())
	ballots, err := s.votes.ListVoters(r.Context(), principal, r.PathValue("type"), r.PathValue("id"))
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"voters": ballots})
}

type votingLifecycleRequest struct {
	Reason string `json:"reason,omitempty"`
	Reopen bool   `json:"reopen,omitempty"`
}

func (s *Server) handleVotingClose(w http.ResponseWriter, r *http.Request) {
	s.votingLifecycle(w, r, s.votes.Close)
}

func (s *Server) handleVotingReopen(w http.ResponseWriter, r *http.Request) {
	s.votingLifecycle(w, r, s.votes.Reopen)
}

func (s *Server) votingLifecycle(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, p authz.Principal, ctype, cid, reason string) (*voting.Context, error)) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req votingLifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	p := authz.PrincipalFrom(r.Context())
	vc, err := op(r.Context(), p, r.PathValue("type"), r.PathValue("id"), req.Reason)
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, s.votingSummary(r, vc))
}

func (s *Server) handleVotingReset(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req votingLifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	p := authz.PrincipalFrom(r.Context())
	vc, err := s.votes.Reset(r.Context(), p, r.PathValue("type"), r.PathValue("id"), req.Reason, req.Reopen)
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, s.votingSummary(r, vc))
}

type finalizeRequest struct {
	Decision      string `json:"decision"` // "accept" or "decline"
	Reason        string `json:"reason"`
	ReapplyPolicy string `json:"reapply_policy,omitempty"`
	CooldownDays  int    `json:"cooldown_days,omitempty"`
}

func (s *Server) handleFinalizeApplication(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Decision != "accept" && req.Decision != "decline" {
		WriteBadRequest(w, "decision must be accept or decline")
		return
	}

	p := authz.PrincipalFrom(r.Context())
	start := time.Now()
	item, err := s.votes.FinalizeApplication(r.Context(), p, r.PathValue("id"),
		req.Decision == "accept", req.Reason,
		workflow.ReapplyPolicy(req.ReapplyPolicy), req.CooldownDays)
	s.recordDecision(r.Context(), string(workflow.TypeApplication), "finalize_"+req.Decision, start, err)
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, item)
}
