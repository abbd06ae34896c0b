package api

import (
	"net/http"

	"endpointwatch/internal/metrics"
)

// NewRouter creates a new http.ServeMux and registers the API handlers.
func NewRouter(deps Deps) *http.ServeMux {
	mux := http.NewServeMux()
	h := NewHandlers(deps)

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /api/status", h.Status)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/endpoints", h.ListEndpoints)
	mux.HandleFunc("POST /api/endpoints", h.CreateEndpoint)
	mux.HandleFunc("GET /api/endpoints/{id}", h.GetEndpoint)
	mux.HandleFunc("PUT /api/endpoints/{id}", h.UpdateEndpoint)
	mux.HandleFunc("DELETE /api/endpoints/{id}", h.DeleteEndpoint)
	mux.HandleFunc("POST /api/endpoints/{id}/check", h.CheckEndpoint)
	mux.HandleFunc("POST /api/check", h.CheckAll)
	mux.HandleFunc("GET /api/endpoints/{id}/telegram-link", h.TelegramLink)

	mux.HandleFunc("GET /api/endpoints/{id}/subscriptions", h.ListSubscriptions)
	mux.HandleFunc("POST /api/endpoints/{id}/subscriptions", h.CreateSubscription)
	mux.HandleFunc("PATCH /api/endpoints/{id}/subscriptions/{sid}", h.UpdateSubscription)
	mux.HandleFunc("DELETE /api/endpoints/{id}/subscriptions/{sid}", h.DeleteSubscription)

	mux.HandleFunc("GET /api/notifications", h.ListNotifications)
	mux.HandleFunc("GET /api/settings", h.GetSettings)
	mux.HandleFunc("PUT /api/settings", h.UpdateSettings)

	mux.HandleFunc("POST /api/discovery/start", h.StartDiscovery)
	mux.HandleFunc("GET /api/discovery", h.DiscoveryStatus)
	mux.HandleFunc("GET /api/discovery/chats", h.ListChats)

	return mux
}
