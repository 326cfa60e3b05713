package api

import (
	"encoding/json"
	"net/http"

	"github.com/opsguild/tribunal/pkg/authz"
	"github.com/opsguild/tribunal/pkg/configgov"
)

type configChangeRequest struct {
	ValueJSON     json.RawMessage `json:"value_json"`
	SchemaVersion int             `json:"schema_version"`
	IsSensitive   bool            `json:"is_sensitive"`
	ChangeReason  string          `json:"change_reason"`
	// ChangeID targets a rollback.
	ChangeID string `json:"change_id,omitempty"`
}

func (s *Server) handleConfigList(w http.ResponseWriter, r *http.Request) {
	p := authz.PrincipalFrom(r.Context())
	entries, err := s.governor.ListEntries(r.Context(), p, r.URL.Query().Get("unmasked") == "true")
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	p := authz.PrincipalFrom(r.Context())
	entry, err := s.governor.GetEntry(r.Context(), p, r.PathValue("key"), r.URL.Query().Get("unmasked") == "true")
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, entry)
}

func (s *Server) handleConfigPreview(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req configChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	p := authz.PrincipalFrom(r.Context())
	result, err := s.governor.Preview(r.Context(), p, r.PathValue("key"), req.ValueJSON)
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleConfigUpsert(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req configChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	p := authz.PrincipalFrom(r.Context())
	change, err := s.governor.Upsert(r.Context(), p, configgov.UpsertRequest{
		Key:           r.PathValue("key"),
		Value:         req.ValueJSON,
		SchemaVersion: req.SchemaVersion,
		Sensitive:     req.IsSensitive,
		Reason:        req.ChangeReason,
	})
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, change)
}

func (s *Server) handleConfigRollback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req configChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.ChangeID == "" {
		WriteBadRequest(w, "Missing required field: change_id")
		return
	}

	p := authz.PrincipalFrom(r.Context())
	change, err := s.governor.Rollback(r.Context(), p, r.PathValue("key"), req.ChangeID, req.ChangeReason)
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, change)
}

func (s *Server) handleConfigHistory(w http.ResponseWriter, r *http.Request) {
	p := authz.PrincipalFrom(r.Context())
	changes, err := s.governor.History(r.Context(), p, r.PathValue("key"),
		intParam(r, "limit", 50), r.URL.Query().Get("unmasked") == "true")
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"changes": changes})
}

type approveRequest struct {
	ChangeReason string `json:"change_reason"`
}

func (s *Server) handleConfigApprove(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	p := authz.PrincipalFrom(r.Context())
	change, err := s.governor.Approve(r.Context(), p, r.PathValue("id"), req.ChangeReason)
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, change)
}
