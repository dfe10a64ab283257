package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sila/payments/internal/infrastructure/observability"
	"github.com/stretchr/testify/assert"
)

func newTestMetrics() (*observability.Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return observability.NewMetrics("test", reg), reg
}

func TestMetrics_RecordsRoutePattern(t *testing.T) {
	metrics, _ := newTestMetrics()

	r := chi.NewRouter()
	r.Use(Metrics(metrics))
	r.Post("/api/v1/payments/webhooks/{provider}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, provider := range []string{"bna", "mpesa", "unitel_money"} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhooks/"+provider, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues(
		http.MethodPost, "/api/v1/payments/webhooks/{provider}", "200"))
	assert.Equal(t, float64(3), got)
}

func TestMetrics_StatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		label      string
	}{
		{"201 Created", http.StatusCreated, "201"},
		{"202 Accepted", http.StatusAccepted, "202"},
		{"401 Unauthorized", http.StatusUnauthorized, "401"},
		{"422 Unprocessable", http.StatusUnprocessableEntity, "422"},
		{"500 Internal Server Error", http.StatusInternalServerError, "500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics, _ := newTestMetrics()

			r := chi.NewRouter()
			r.Use(Metrics(metrics))
			r.Get("/test", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			})

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

			assert.Equal(t, tt.statusCode, w.Code)
			assert.Equal(t, float64(1), testutil.ToFloat64(
				metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/test", tt.label)))
		})
	}
}

func TestMetrics_UnroutedRequest(t *testing.T) {
	metrics, _ := newTestMetrics()

	handler := Metrics(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/random/abc", nil))

	assert.Equal(t, float64(1), testutil.ToFloat64(
		metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")))
}

func TestStatusWriter_FirstHeaderWins(t *testing.T) {
	w := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

	sw.WriteHeader(http.StatusCreated)
	sw.WriteHeader(http.StatusInternalServerError)

	assert.Equal(t, http.StatusCreated, sw.statusCode)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestStatusWriter_DefaultStatus(t *testing.T) {
	w := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

	sw.Write([]byte("test"))

	assert.Equal(t, http.StatusOK, sw.statusCode)
}
