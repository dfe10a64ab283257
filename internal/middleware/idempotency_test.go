package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sila/payments/internal/repository/postgres"
	"github.com/sila/payments/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func idempotentEcho(store IdempotencyStore) http.Handler {
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	})
	return Idempotency(store, time.Hour, zerolog.Nop())(echo)
}

func postPayment(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", strings.NewReader(body))
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	return req
}

func TestIdempotency_RequiresKey(t *testing.T) {
	w := httptest.NewRecorder()
	idempotentEcho(testutil.NewMockIdempotencyStore()).ServeHTTP(w, postPayment("", `{}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "idempotency_key_required")
}

func TestIdempotency_RejectsOverlongKey(t *testing.T) {
	w := httptest.NewRecorder()
	idempotentEcho(testutil.NewMockIdempotencyStore()).ServeHTTP(w, postPayment(strings.Repeat("k", 256), `{}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIdempotency_SameBodyPassesThrough(t *testing.T) {
	handler := idempotentEcho(testutil.NewMockIdempotencyStore())
	body := `{"provider":"bna","amount":"50.00","currency":"AOA"}`

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, postPayment("abc123", body))
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, body, w.Body.String(), "handler must still see the body")
	}
}

func TestIdempotency_DifferentBodyIsRejected(t *testing.T) {
	handler := idempotentEcho(testutil.NewMockIdempotencyStore())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, postPayment("abc123", `{"amount":"50.00"}`))
	assert.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, postPayment("abc123", `{"amount":"90.00"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "idempotency_key_reused")
}

func TestIdempotency_StoreFailureFallsThrough(t *testing.T) {
	store := testutil.NewMockIdempotencyStore()
	store.BindFunc = func(context.Context, *postgres.IdempotencyEntry) (*postgres.IdempotencyEntry, error) {
		return nil, errors.New("connection refused")
	}

	w := httptest.NewRecorder()
	idempotentEcho(store).ServeHTTP(w, postPayment("abc123", `{}`))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestIdempotency_BodyTooLarge(t *testing.T) {
	w := httptest.NewRecorder()
	big := strings.Repeat("x", maxIdempotencyBodySize+1)
	idempotentEcho(testutil.NewMockIdempotencyStore()).ServeHTTP(w, postPayment("abc123", big))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
