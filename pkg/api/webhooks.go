package api

import (
	"errors"
	"net/http"

	"github.com/proveniq/ledger-core/pkg/audit"
	"github.com/proveniq/ledger-core/pkg/webhook"
)

const kindDeadLetterNotFound = "DEAD_LETTER_NOT_FOUND"

func (s *Server) handleWebhookStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Deliveries.Stats(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// handleWebhookProcess drains one batch of due deliveries synchronously.
// Useful for Lite Mode deployments without a background worker and for
// operational nudges.
func (s *Server) handleWebhookProcess(w http.ResponseWriter, r *http.Request) {
	if s.deps.Worker == nil {
		WriteProblem(w, http.StatusServiceUnavailable, KindInternal, "delivery worker not configured")
		return
	}
	processed, err := s.deps.Worker.Process(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"processed": processed})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	vals := r.URL.Query()
	limit, err := parseIntParam(vals.Get("limit"), 100)
	if err != nil {
		WriteBadRequest(w, KindInvalidPayload, "limit must be a non-negative integer")
		return
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	offset, err := parseIntParam(vals.Get("offset"), 0)
	if err != nil {
		WriteBadRequest(w, KindInvalidPayload, "offset must be a non-negative integer")
		return
	}

	letters, err := s.deps.Deliveries.ListDeadLetters(r.Context(), limit, offset)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if letters == nil {
		letters = []*webhook.DeadLetter{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"dead_letters": letters, "count": len(letters)})
}

func (s *Server) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	delivery, err := s.deps.Deliveries.Requeue(r.Context(), id, s.clock().UTC())
	if errors.Is(err, webhook.ErrDeliveryNotFound) {
		WriteNotFound(w, kindDeadLetterNotFound, "no such dead letter")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	s.audit(r.Context(), audit.ActionDeadLetterRetry, s.deps.Actor(r), id, map[string]string{
		"delivery_id": delivery.ID,
		"event_id":    delivery.EventID,
	})
	WriteJSON(w, http.StatusOK, delivery)
}
