package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/proveniq/ledger-core/pkg/audit"
	"github.com/proveniq/ledger-core/pkg/events"
	"github.com/proveniq/ledger-core/pkg/webhook"
)

const kindSubscriptionNotFound = "SUBSCRIPTION_NOT_FOUND"

type createSubscriptionRequest struct {
	SubscriberID string   `json:"subscriber_id"`
	WebhookURL   string   `json:"webhook_url"`
	EventTypes   []string `json:"event_types"`
	SourceFilter []string `json:"source_filter"`
	Secret       string   `json:"secret"`
	Active       *bool    `json:"active"`
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, KindInvalidPayload, "invalid request body")
		return
	}
	if req.SubscriberID == "" || req.WebhookURL == "" || req.Secret == "" {
		WriteBadRequest(w, KindInvalidPayload, "subscriber_id, webhook_url and secret are required")
		return
	}
	for _, t := range req.EventTypes {
		if _, _, known := events.Normalize(t); !known {
			WriteBadRequest(w, KindInvalidEventType, "unknown event type "+t)
			return
		}
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	sub := &webhook.Subscription{
		ID:           uuid.NewString(),
		SubscriberID: req.SubscriberID,
		WebhookURL:   req.WebhookURL,
		EventTypes:   req.EventTypes,
		Sources:      req.SourceFilter,
		Secret:       req.Secret,
		Active:       active,
		CreatedAt:    s.clock().UTC(),
	}
	if err := s.deps.Subscriptions.Create(r.Context(), sub); err != nil {
		WriteInternal(w, err)
		return
	}

	s.audit(r.Context(), audit.ActionSubscriptionOp, s.deps.Actor(r), sub.ID, map[string]string{
		"op":            "create",
		"subscriber_id": sub.SubscriberID,
	})
	WriteJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.deps.Subscriptions.List(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if subs == nil {
		subs = []*webhook.Subscription{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"subscriptions": subs, "count": len(subs)})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Subscriptions.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, webhook.ErrSubscriptionNotFound) {
		WriteNotFound(w, kindSubscriptionNotFound, "no such subscription")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sub)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.deps.Subscriptions.Delete(r.Context(), id)
	if errors.Is(err, webhook.ErrSubscriptionNotFound) {
		WriteNotFound(w, kindSubscriptionNotFound, "no such subscription")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	if s.deps.InvalidateSubscription != nil {
		s.deps.InvalidateSubscription(r.Context(), id)
	}
	s.audit(r.Context(), audit.ActionSubscriptionOp, s.deps.Actor(r), id, map[string]string{"op": "delete"})
	w.WriteHeader(http.StatusNoContent)
}
