package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/proveniq/ledger-core/pkg/ledger"
	"github.com/proveniq/ledger-core/pkg/proof"
)

func (s *Server) handleIssueProof(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req proof.IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, KindInvalidPayload, "invalid request body")
		return
	}
	if req.AssetID == "" || req.VerificationEventID == "" {
		WriteBadRequest(w, KindInvalidPayload, "asset_id and verification_event_id are required")
		return
	}
	if req.ExpiresAt.IsZero() {
		WriteBadRequest(w, KindInvalidPayload, "expires_at is required")
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = s.deps.Actor(r)
	}

	view, err := s.deps.Proofs.Issue(r.Context(), req)
	if errors.Is(err, ledger.ErrNotFound) {
		WriteNotFound(w, KindEventNotFound, "verification event not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetProof(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Proofs.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, ledger.ErrNotFound) {
		WriteNotFound(w, KindProofNotFound, "no such proof")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (s *Server) handleValidateProof(w http.ResponseWriter, r *http.Request) {
	validation, err := s.deps.Proofs.Validate(r.Context(), r.PathValue("id"), s.clock().UTC())
	if errors.Is(err, ledger.ErrNotFound) {
		WriteNotFound(w, KindProofNotFound, "no such proof")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, validation)
}

func (s *Server) handleRevokeProof(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Proofs.Revoke(r.Context(), r.PathValue("id"), s.deps.Actor(r))
	if errors.Is(err, ledger.ErrNotFound) {
		WriteNotFound(w, KindProofNotFound, "no such proof")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}
