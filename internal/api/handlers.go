package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"endpointwatch/internal/checker"
	"endpointwatch/internal/discovery"
	"endpointwatch/internal/models"
	"endpointwatch/internal/notify"
	"endpointwatch/internal/storage"
	"endpointwatch/internal/urlutil"
)

// Scheduler is the part of the checker the API drives. It is nil on
// replicas that run without a scheduler.
type Scheduler interface {
	TriggerCheck(ctx context.Context, id string) (*models.Endpoint, error)
	TriggerAll()
	Stats() checker.Stats
}

// Inviter builds chat invitations for an endpoint.
type Inviter interface {
	DeepLink(ctx context.Context, endpointID string) (models.Invitation, error)
}

// Discoverer controls the Telegram discovery listener.
type Discoverer interface {
	Start(ctx context.Context) bool
	Status() discovery.Status
}

// Deps are the collaborators of the API handlers. Only Store is required.
type Deps struct {
	Store      storage.Storer
	Scheduler  Scheduler
	Inviter    Inviter
	Discoverer Discoverer
	Logger     *slog.Logger
	Version    string
}

// Handlers holds dependencies for the API handlers.
type Handlers struct {
	store      storage.Storer
	scheduler  Scheduler
	inviter    Inviter
	discoverer Discoverer
	logger     *slog.Logger
	version    string
	startedAt  time.Time
}

// NewHandlers creates a new Handlers struct.
func NewHandlers(deps Deps) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:      deps.Store,
		scheduler:  deps.Scheduler,
		inviter:    deps.Inviter,
		discoverer: deps.Discoverer,
		logger:     logger.With("component", "api"),
		version:    deps.Version,
		startedAt:  time.Now().UTC(),
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// fail maps domain errors to status codes. Unknown errors are logged and
// reported as 500 without detail.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *urlutil.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrDuplicateKey):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, checker.ErrCheckInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, notify.ErrBotUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type endpointRequest struct {
	URL  string  `json:"url"`
	Name *string `json:"name"`
}

// CreateEndpoint validates, normalizes and stores a new endpoint.
func (h *Handlers) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	normalized, canonical, err := canonicalize(req.URL)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	endpoint := &models.Endpoint{URL: normalized, CreatedAt: time.Now().UTC()}
	if req.Name != nil {
		endpoint.Name = strings.TrimSpace(*req.Name)
	}
	created, err := h.store.CreateEndpoint(r.Context(), endpoint, canonical)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("endpoint created", "endpoint_id", created.ID, "url", created.URL)
	writeJSON(w, http.StatusCreated, created)
}

// ListEndpoints returns every endpoint ordered by creation time.
func (h *Handlers) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := h.store.ListEndpoints(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if endpoints == nil {
		endpoints = []models.Endpoint{}
	}
	writeJSON(w, http.StatusOK, endpoints)
}

// GetEndpoint returns one endpoint.
func (h *Handlers) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	endpoint, err := h.store.GetEndpoint(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, endpoint)
}

// UpdateEndpoint changes the URL and/or the name. A new URL resets the
// endpoint to pending.
func (h *Handlers) UpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var patch storage.EndpointPatch
	if req.URL != "" {
		normalized, canonical, err := canonicalize(req.URL)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		patch.URL, patch.CanonicalURL = &normalized, &canonical
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		patch.Name = &name
	}
	if patch.URL == nil && patch.Name == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	updated, err := h.store.UpdateEndpoint(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("endpoint updated", "endpoint_id", updated.ID, "url", updated.URL)
	writeJSON(w, http.StatusOK, updated)
}

// DeleteEndpoint removes the endpoint and its subscriptions.
func (h *Handlers) DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.DeleteEndpoint(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("endpoint deleted", "endpoint_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// CheckEndpoint probes one endpoint immediately.
func (h *Handlers) CheckEndpoint(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled on this instance")
		return
	}
	endpoint, err := h.scheduler.TriggerCheck(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, endpoint)
}

// CheckAll starts a cycle now.
func (h *Handlers) CheckAll(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled on this instance")
		return
	}
	h.scheduler.TriggerAll()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// TelegramLink returns the deep-link invitation for an endpoint.
func (h *Handlers) TelegramLink(w http.ResponseWriter, r *http.Request) {
	if h.inviter == nil {
		h.fail(w, r, notify.ErrBotUnavailable)
		return
	}
	inv, err := h.inviter.DeepLink(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// ListNotifications returns one page of the notification log.
func (h *Handlers) ListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := storage.LogQuery{
		Page:           atoiOr(q.Get("page"), 1),
		PerPage:        atoiOr(q.Get("per_page"), storage.DefaultPerPage),
		SortBy:         q.Get("sort_by"),
		Order:          strings.ToLower(q.Get("order")),
		EndpointFilter: strings.TrimSpace(q.Get("endpoint")),
		StatusFilter:   strings.TrimSpace(q.Get("status")),
		Search:         strings.TrimSpace(q.Get("search")),
	}
	page, err := h.store.ListNotificationLogs(r.Context(), query.Normalize())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetSettings returns the runtime settings.
func (h *Handlers) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.GetSettings(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// UpdateSettings merges the given fields into the stored settings. The
// scheduler and throttle pick them up on their next read.
func (h *Handlers) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CheckInterval      *int `json:"check_interval"`
		NotifyEveryMinutes *int `json:"notify_every_minutes"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	settings, err := h.store.GetSettings(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if req.CheckInterval != nil {
		if *req.CheckInterval < 1 {
			writeError(w, http.StatusBadRequest, "check_interval must be at least 1")
			return
		}
		settings.CheckIntervalSeconds = *req.CheckInterval
	}
	if req.NotifyEveryMinutes != nil {
		if *req.NotifyEveryMinutes < 1 {
			writeError(w, http.StatusBadRequest, "notify_every_minutes must be at least 1")
			return
		}
		settings.NotifyEveryMinutes = *req.NotifyEveryMinutes
	}

	if err := h.store.UpdateSettings(r.Context(), settings); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("settings updated", "check_interval", settings.CheckIntervalSeconds, "notify_every_minutes", settings.NotifyEveryMinutes)
	writeJSON(w, http.StatusOK, settings)
}

// StartDiscovery puts the listener into the listening state.
func (h *Handlers) StartDiscovery(w http.ResponseWriter, r *http.Request) {
	if h.discoverer == nil {
		h.fail(w, r, notify.ErrBotUnavailable)
		return
	}
	// the session outlives the request
	started := h.discoverer.Start(context.WithoutCancel(r.Context()))
	status := http.StatusAccepted
	if !started {
		status = http.StatusOK
	}
	writeJSON(w, status, h.discoverer.Status())
}

// DiscoveryStatus reports the listener state.
func (h *Handlers) DiscoveryStatus(w http.ResponseWriter, r *http.Request) {
	if h.discoverer == nil {
		writeJSON(w, http.StatusOK, discovery.Status{State: discovery.StateIdle})
		return
	}
	writeJSON(w, http.StatusOK, h.discoverer.Status())
}

// ListChats returns the chats the bot has seen. A chat receives
// notifications only through its subscriptions.
func (h *Handlers) ListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.store.ListChats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

type statusResponse struct {
	Version   string            `json:"version,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Endpoints endpointSummary   `json:"endpoints"`
	Scheduler *checker.Stats    `json:"scheduler"`
	Discovery *discovery.Status `json:"discovery,omitempty"`
}

type endpointSummary struct {
	Total   int `json:"total"`
	Up      int `json:"up"`
	Down    int `json:"down"`
	Pending int `json:"pending"`
}

// Status summarizes the service.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	endpoints, err := h.store.ListEndpoints(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := statusResponse{Version: h.version, StartedAt: h.startedAt}
	for _, e := range endpoints {
		resp.Endpoints.Total++
		switch e.State() {
		case "pending":
			resp.Endpoints.Pending++
		case "down":
			resp.Endpoints.Down++
		default:
			resp.Endpoints.Up++
		}
	}
	if h.scheduler != nil {
		stats := h.scheduler.Stats()
		resp.Scheduler = &stats
	}
	if h.discoverer != nil {
		st := h.discoverer.Status()
		resp.Discovery = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// Healthz is a simple health check endpoint.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func canonicalize(raw string) (normalized, canonical string, err error) {
	normalized, err = urlutil.Normalize(raw)
	if err != nil {
		return "", "", err
	}
	canonical, err = urlutil.Canonicalize(normalized)
	if err != nil {
		return "", "", &urlutil.ValidationError{Input: raw, Reason: err.Error()}
	}
	return normalized, canonical, nil
}

func atoiOr(s string, fallback int) int {
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return fallback
}
