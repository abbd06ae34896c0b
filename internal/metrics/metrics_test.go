package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/endpoints/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	handler := Middleware(mux)

	labels := prometheus.Labels{"method": "GET", "path": "GET /api/endpoints/{id}", "status": "404"}
	before := testutil.ToFloat64(httpRequestsTotal.With(labels))

	for _, id := range []string{"a", "b", "c"} {
		req := httptest.NewRequest(http.MethodGet, "/api/endpoints/"+id, nil)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	if got := testutil.ToFloat64(httpRequestsTotal.With(labels)) - before; got != 3 {
		t.Errorf("expected 3 requests under the route pattern, got %v", got)
	}

	unmatched := prometheus.Labels{"method": "GET", "path": "unmatched", "status": "404"}
	before = testutil.ToFloat64(httpRequestsTotal.With(unmatched))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	if got := testutil.ToFloat64(httpRequestsTotal.With(unmatched)) - before; got != 1 {
		t.Errorf("expected 1 unmatched request, got %v", got)
	}
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(probesTotal.WithLabelValues(ProbeUnreachable))
	ObserveProbe(ProbeUnreachable, 20*time.Millisecond)
	if got := testutil.ToFloat64(probesTotal.WithLabelValues(ProbeUnreachable)) - before; got != 1 {
		t.Errorf("probes_total delta = %v, want 1", got)
	}

	before = testutil.ToFloat64(notificationsTotal.WithLabelValues("ntfy", "failed"))
	ObserveNotification("ntfy", "failed")
	if got := testutil.ToFloat64(notificationsTotal.WithLabelValues("ntfy", "failed")) - before; got != 1 {
		t.Errorf("notifications_total delta = %v, want 1", got)
	}

	ObserveCycle(1500 * time.Millisecond)
	if got := testutil.ToFloat64(cycleDuration); got != 1.5 {
		t.Errorf("cycle duration = %v, want 1.5", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveNotification("telegram", "sent")
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "endpointwatch_notifications_total") {
		t.Error("expected notification counter in exposition output")
	}
}
