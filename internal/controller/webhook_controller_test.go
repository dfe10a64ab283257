package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sila/payments/internal/domain/callback"
	"github.com/sila/payments/internal/domain/payment"
	"github.com/sila/payments/internal/providers"
	"github.com/sila/payments/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *apiFixture) webhook(provider string, body []byte, headers http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhooks/"+provider, bytes.NewReader(body))
	for k, v := range headers {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeCallback(t *testing.T, w *httptest.ResponseRecorder) CallbackResponse {
	t.Helper()
	var resp CallbackResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestWebhook_ProcessedThenDuplicate(t *testing.T) {
	f := newAPIFixture(t)
	p := testutil.NewSubmittedPayment(payment.ProviderBNA, "BNA-999")
	f.payments.AddPayment(p)
	body, headers := f.bna.Callback("evt-1", "BNA-999", payment.OutcomeSucceeded)

	w := f.webhook("bna", body, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decodeCallback(t, w)
	assert.Equal(t, "processed", first.Result)
	assert.Equal(t, "succeeded", first.PaymentStatus)
	assert.False(t, first.Duplicate)

	w = f.webhook("bna", body, headers)
	require.Equal(t, http.StatusOK, w.Code)
	second := decodeCallback(t, w)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.CallbackID, second.CallbackID)

	stored, err := f.payments.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSucceeded, stored.Status)
}

func TestWebhook_NoAuthHeaderNeeded(t *testing.T) {
	f := newAPIFixture(t)
	f.token = ""
	body, headers := f.bna.Callback("evt-2", "BNA-unknown", payment.OutcomeFailed)

	w := f.webhook("bna", body, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "orphaned", decodeCallback(t, w).Result)
}

func TestWebhook_InvalidSignature(t *testing.T) {
	f := newAPIFixture(t)
	body, _ := f.bna.Callback("evt-3", "BNA-1", payment.OutcomeSucceeded)
	headers := http.Header{}
	headers.Set(providers.SandboxSignatureHeader, "00ff")

	w := f.webhook("bna", body, headers)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_signature")
	assert.Equal(t, 1, f.callbacks.CountByStatus(callback.StatusRejected))
}

func TestWebhook_Malformed(t *testing.T) {
	f := newAPIFixture(t)
	body := []byte(`{"event_id":"evt-4"}`)
	headers := http.Header{}
	headers.Set(providers.SandboxSignatureHeader, f.bna.Sign(body))

	w := f.webhook("bna", body, headers)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "malformed_callback")
}

func TestWebhook_UnknownProvider(t *testing.T) {
	f := newAPIFixture(t)

	w := f.webhook("paypal", []byte(`{}`), http.Header{})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "unknown_provider")
	assert.Empty(t, f.callbacks.All())
}

func TestWebhook_ConflictIsAcknowledged(t *testing.T) {
	f := newAPIFixture(t)
	p := testutil.NewSubmittedPayment(payment.ProviderBNA, "BNA-5")
	f.payments.AddPayment(p)

	body, headers := f.bna.Callback("evt-ok", "BNA-5", payment.OutcomeSucceeded)
	require.Equal(t, http.StatusOK, f.webhook("bna", body, headers).Code)

	body, headers = f.bna.Callback("evt-fail", "BNA-5", payment.OutcomeFailed)
	w := f.webhook("bna", body, headers)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeCallback(t, w)
	assert.Equal(t, "conflict", resp.Result)
	assert.Equal(t, "succeeded", resp.PaymentStatus)
}
