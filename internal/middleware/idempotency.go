package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/repository/postgres"
)

const (
	IdempotencyKeyHeader   = "Idempotency-Key"
	maxIdempotencyKeyLen   = 255
	maxIdempotencyBodySize = 1 << 20
)

// IdempotencyStore binds a key to the first request body sent with it.
type IdempotencyStore interface {
	Bind(ctx context.Context, entry *postgres.IdempotencyEntry) (*postgres.IdempotencyEntry, error)
}

// Idempotency requires an Idempotency-Key header and refuses a key replayed with a
// different body. Matching replays pass through; the handler returns the stored intent.
func Idempotency(store IdempotencyStore, ttl time.Duration, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				writeErrorJSON(w, http.StatusBadRequest, "Idempotency-Key header is required", "idempotency_key_required")
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				writeErrorJSON(w, http.StatusBadRequest, "Idempotency-Key header is too long", "idempotency_key_invalid")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIdempotencyBodySize))
			if err != nil {
				writeErrorJSON(w, http.StatusRequestEntityTooLarge, "request body too large", "body_too_large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			now := time.Now().UTC()
			hash := requestHash(r, body)
			stored, err := store.Bind(r.Context(), &postgres.IdempotencyEntry{
				Key:         key,
				RequestHash: hash,
				CreatedAt:   now,
				ExpiresAt:   now.Add(ttl),
			})
			if err != nil {
				// The payments table still enforces key uniqueness.
				logger.Warn().Err(err).Str("idempotency_key", key).Msg("idempotency store unavailable")
				next.ServeHTTP(w, r)
				return
			}
			if stored.RequestHash != hash {
				writeErrorJSON(w, http.StatusUnprocessableEntity,
					domainErrors.ErrIdempotencyKeyReused.Error(), "idempotency_key_reused")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func requestHash(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
