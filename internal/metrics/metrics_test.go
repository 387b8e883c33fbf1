package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/traders/{traderID}/account", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/traders/{traderID}/account", "409"))
	for _, id := range []string{"alice", "bob", "carol"} {
		req := httptest.NewRequest("GET", "/traders/"+id+"/account", nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/traders/{traderID}/account", "409"))

	if after-before != 3 {
		t.Errorf("expected 3 requests under one route label, got %v", after-before)
	}
}

func TestStatusWriter_DefaultsToOK(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &statusWriter{ResponseWriter: rec, status: http.StatusOK}
	w.Write([]byte("ok"))
	if w.status != http.StatusOK {
		t.Errorf("status = %d, want 200", w.status)
	}
	if _, _, err := w.Hijack(); err == nil {
		t.Error("recorder cannot be hijacked; expected an error")
	}
}
