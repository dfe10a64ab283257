package controller

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/payment"
	"github.com/sila/payments/internal/middleware"
	"github.com/sila/payments/internal/service"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// PaymentController handles payment-related HTTP requests.
type PaymentController struct {
	paymentService *service.PaymentService
}

// NewPaymentController creates a new PaymentController.
func NewPaymentController(paymentService *service.PaymentService) *PaymentController {
	return &PaymentController{paymentService: paymentService}
}

// CreatePayment handles POST /api/v1/payments
//
// 201 for a new intent, 200 for a replayed key, 202 when the intent was recorded but the
// rail could not be reached, 422 when the rail refused it.
func (h *PaymentController) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cents, err := amountToCents(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.paymentService.CreatePayment(r.Context(), service.CreatePaymentRequest{
		IdempotencyKey: r.Header.Get(middleware.IdempotencyKeyHeader),
		Provider:       req.Provider,
		Amount:         cents,
		Currency:       req.Currency,
		Description:    req.Description,
		PayerReference: req.PayerReference,
		Metadata:       req.Metadata,
	})
	if errors.Is(err, domainErrors.ErrUnknownProvider) {
		// The provider comes from the body here, so it is a bad request rather than a missing route.
		writeError(w, domainErrors.NewValidationError("provider", err.Error()))
		return
	}
	if resp == nil {
		writeError(w, err)
		return
	}
	if err != nil {
		writeSubmissionResult(w, resp.Payment, err)
		return
	}

	status := http.StatusCreated
	if resp.Replayed {
		status = http.StatusOK
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, status, FromPayment(resp.Payment))
}

// writeSubmissionResult answers for an intent whose submission did not go through.
func writeSubmissionResult(w http.ResponseWriter, p *payment.Payment, err error) {
	var subErr *domainErrors.SubmissionError
	if !errors.As(err, &subErr) {
		writeError(w, err)
		return
	}
	if subErr.Retriable() {
		writeJSON(w, http.StatusAccepted, FromPayment(p))
		return
	}
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		writeError(w, err)
		return
	}
	id := p.ID.String()
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code, PaymentID: &id})
}

// GetPayment handles GET /api/v1/payments/{id}
func (h *PaymentController) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := paymentID(w, r)
	if !ok {
		return
	}

	p, err := h.paymentService.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, FromPayment(p))
}

// ListPayments handles GET /api/v1/payments
func (h *PaymentController) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := payment.ListFilter{
		Limit:     defaultListLimit,
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
	}

	if s := q.Get("status"); s != "" {
		for _, status := range strings.Split(s, ",") {
			filter.Statuses = append(filter.Statuses, payment.PaymentStatus(strings.TrimSpace(status)))
		}
	}
	if s := q.Get("provider"); s != "" {
		prov, err := payment.ParseProvider(s)
		if err != nil {
			writeError(w, domainErrors.NewValidationError("provider", err.Error()))
			return
		}
		filter.Provider = &prov
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, domainErrors.NewValidationError("limit", "must be a positive integer"))
			return
		}
		filter.Limit = min(n, maxListLimit)
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, domainErrors.NewValidationError("offset", "must be a non-negative integer"))
			return
		}
		filter.Offset = n
	}

	payments, err := h.paymentService.ListPayments(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := make([]*PaymentResponse, 0, len(payments))
	for _, p := range payments {
		resp = append(resp, FromPayment(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetEvents handles GET /api/v1/payments/{id}/events
func (h *PaymentController) GetEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := paymentID(w, r)
	if !ok {
		return
	}

	events, err := h.paymentService.GetEvents(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := make([]*PaymentEventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, FromPaymentEvent(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Resubmit handles POST /api/v1/payments/{id}/resubmit
func (h *PaymentController) Resubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := paymentID(w, r)
	if !ok {
		return
	}

	p, err := h.paymentService.Resubmit(r.Context(), id)
	var subErr *domainErrors.SubmissionError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, FromPayment(p))
	case errors.As(err, &subErr) && p != nil:
		writeSubmissionResult(w, p, err)
	default:
		writeError(w, err)
	}
}

func paymentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid payment id", Code: "invalid_id"})
		return uuid.Nil, false
	}
	return id, true
}
