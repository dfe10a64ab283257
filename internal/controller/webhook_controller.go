package controller

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sila/payments/internal/service"
)

const maxCallbackBodySize = 256 << 10

// WebhookController receives provider callbacks. Every answer other than 2xx makes the
// rail redeliver, so duplicates, orphans and conflicts are acknowledged with 200.
type WebhookController struct {
	reconciler *service.Reconciler
}

func NewWebhookController(reconciler *service.Reconciler) *WebhookController {
	return &WebhookController{reconciler: reconciler}
}

// Receive handles POST /api/v1/payments/webhooks/{provider}
func (h *WebhookController) Receive(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBodySize))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "callback body too large", Code: "body_too_large"})
		return
	}

	result, err := h.reconciler.Handle(r.Context(), chi.URLParam(r, "provider"), payload, r.Header)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromCallbackResult(result))
}
