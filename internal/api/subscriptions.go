package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"endpointwatch/internal/models"
	"endpointwatch/internal/storage"
)

// ListSubscriptions returns the subscriptions of one endpoint.
func (h *Handlers) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.store.GetEndpoint(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	subs, err := h.store.ListSubscriptions(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// CreateSubscription binds a chat to an endpoint. Kind defaults to direct.
func (h *Handlers) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChatID   string                  `json:"chat_id"`
		Kind     models.SubscriptionKind `json:"kind"`
		ThreadID string                  `json:"thread_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.ChatID = strings.TrimSpace(req.ChatID)
	if req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}
	if req.Kind == "" {
		req.Kind = models.SubscriptionDirect
	}
	if !req.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "kind must be direct or group")
		return
	}
	if req.ThreadID = strings.TrimSpace(req.ThreadID); req.ThreadID != "" {
		if _, err := strconv.ParseInt(req.ThreadID, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "thread_id must be an integer")
			return
		}
	}

	sub, err := h.store.CreateSubscription(r.Context(), &models.Subscription{
		EndpointID: r.PathValue("id"),
		Kind:       req.Kind,
		ChatID:     req.ChatID,
		ThreadID:   req.ThreadID,
		Enabled:    true,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("subscription created", "endpoint_id", sub.EndpointID, "subscription_id", sub.ID, "chat_id", sub.ChatID)
	writeJSON(w, http.StatusCreated, sub)
}

// UpdateSubscription sets the enabled flag, or toggles it when the body is
// empty.
func (h *Handlers) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.subscription(w, r)
	if !ok {
		return
	}

	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	enabled := !sub.Enabled
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	updated, err := h.store.SetSubscriptionEnabled(r.Context(), sub.ID, enabled)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("subscription updated", "subscription_id", updated.ID, "enabled", updated.Enabled)
	writeJSON(w, http.StatusOK, updated)
}

// DeleteSubscription removes one subscription.
func (h *Handlers) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.subscription(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteSubscription(r.Context(), sub.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("subscription deleted", "subscription_id", sub.ID)
	w.WriteHeader(http.StatusNoContent)
}

// subscription loads {sid} and checks it belongs to endpoint {id}.
func (h *Handlers) subscription(w http.ResponseWriter, r *http.Request) (*models.Subscription, bool) {
	sub, err := h.store.GetSubscription(r.Context(), r.PathValue("sid"))
	if err == nil && sub.EndpointID != r.PathValue("id") {
		err = storage.ErrNotFound
	}
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return sub, true
}
