package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"climdex/internal/config"
	"climdex/internal/types"
)

// newTestServerForRoutes creates a Server with a probe-free health check, a
// metrics collector and one /v1 route that echoes the request ID.
func newTestServerForRoutes(t *testing.T) (*Server, *mockMetricsCollector) {
	t.Helper()

	cfg := &config.Config{
		Environment: "local",
		Server: config.ServerConfig{
			RequestTimeout:     5 * time.Second,
			MaxBodyBytes:       64,
			CORSAllowedOrigins: []string{"https://app.example.org"},
		},
	}
	srv, err := NewServer(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	metrics := &mockMetricsCollector{}
	srv.Metrics = metrics
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		r.Get("/echo/{name}", func(w http.ResponseWriter, r *http.Request) {
			JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{
				"name":       chi.URLParam(r, "name"),
				"request_id": types.GetRequestID(r.Context()),
			}})
		})
		r.Post("/body", func(w http.ResponseWriter, r *http.Request) {
			var dst map[string]any
			if err := DecodeJSON(w, r, &dst); err != nil {
				Error(w, r, err)
				return
			}
			JSON(w, r, http.StatusOK, APIResponse{Data: dst})
		})
		r.Get("/deadline", func(w http.ResponseWriter, r *http.Request) {
			_, ok := r.Context().Deadline()
			JSON(w, r, http.StatusOK, APIResponse{Data: map[string]bool{"has_deadline": ok}})
		})
	})

	srv.MountRoutes()
	return srv, metrics
}

func TestMountRoutes_HealthEndpoint(t *testing.T) {
	srv, _ := newTestServerForRoutes(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestMountRoutes_V1Registrar(t *testing.T) {
	srv, _ := newTestServerForRoutes(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/echo/tx90p", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body struct {
		Data map[string]string `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Data["name"] != "tx90p" {
		t.Errorf("expected name tx90p, got %q", body.Data["name"])
	}
}

func TestMountRoutes_UnknownRoute(t *testing.T) {
	srv, _ := newTestServerForRoutes(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v2/anything", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestMountRoutes_SecurityHeaders(t *testing.T) {
	srv, _ := newTestServerForRoutes(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestMountRoutes_RequestIDGenerated(t *testing.T) {
	srv, _ := newTestServerForRoutes(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/echo/a", nil))

	id := w.Header().Get("X-Request-Id")
	if len(id) != 32 {
		t.Errorf("expected 32-char generated request ID, got %q", id)
	}
	if !strings.Contains(w.Body.String(), id) {
		t.Error("handler should see the same request ID as the response header")
	}
}

func TestMountRoutes_RequestIDPropagated(t *testing.T) {
	srv, _ := newTestServerForRoutes(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/echo/a", nil)
	req.Header.Set("X-Request-Id", "trace-abc")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-Id"); got != "trace-abc" {
		t.Errorf("expected propagated request ID, got %q", got)
	}
}

func TestMountRoutes_ContextDeadline(t *testing.T) {
	srv, _ := newTestServerForRoutes(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/deadline", nil))

	if !strings.Contains(w.Body.String(), `"has_deadline":true`) {
		t.Errorf("expected request context deadline, got %s", w.Body.String())
	}
}

func TestMountRoutes_BodyLimitFromConfig(t *testing.T) {
	srv, _ := newTestServerForRoutes(t)

	body := `{"query":"` + strings.Repeat("x", 100) + `"}`
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/body", strings.NewReader(body)))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), string(types.ErrCodeValidationInvalidJSON)) {
		t.Errorf("expected invalid JSON code, got %s", w.Body.String())
	}
}

func TestMountRoutes_MetricsUseRoutePattern(t *testing.T) {
	srv, metrics := newTestServerForRoutes(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/echo/r95p", nil))

	if len(metrics.calls) != 1 {
		t.Fatalf("expected 1 metrics call, got %d", len(metrics.calls))
	}
	call := metrics.calls[0]
	if call.endpoint != "/v1/echo/{name}" {
		t.Errorf("expected route pattern, got %q", call.endpoint)
	}
	if call.method != http.MethodGet || call.status != "200" {
		t.Errorf("unexpected call: %+v", call)
	}
}

func TestMountRoutes_MetricsEndpoint(t *testing.T) {
	cfg := &config.Config{}
	srv, _ := NewServer(cfg, discardLogger())

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "climdex_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	srv.Gatherer = reg
	srv.MountRoutes()

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "climdex_test_total 1") {
		t.Errorf("expected counter in exposition, got %s", w.Body.String())
	}
}

func TestMountRoutes_NoGathererNoMetricsRoute(t *testing.T) {
	srv, _ := newTestServerForRoutes(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestMountRoutes_RecovererCatchesPanics(t *testing.T) {
	srv, _ := NewServer(&config.Config{}, discardLogger())
	srv.V1RouteRegistrars = []func(chi.Router){
		func(r chi.Router) {
			r.Get("/panic", func(http.ResponseWriter, *http.Request) { panic("field store exploded") })
		},
	}
	srv.MountRoutes()

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/panic", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", w.Code)
	}
	body := decodeError(t, w)
	if body.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("expected code %s, got %s", types.ErrCodeInternalUnexpected, body.Error.Code)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("expected request ID header on panic response")
	}
}

func TestContextTimeoutMiddleware_Cancellation(t *testing.T) {
	var ctxErr error
	handler := ContextTimeoutMiddleware(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			ctxErr = r.Context().Err()
		case <-time.After(time.Second):
		}
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if ctxErr != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", ctxErr)
	}
}
