package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/payment"
)

const BNASignatureHeader = "X-BNA-Signature"

// BNA talks to the Banco Nacional de Angola payment gateway. The gateway honours an
// Idempotency-Key header, so no submission guard is needed.
type BNA struct {
	client     *apiClient
	opts       Options
	currencies []string
}

func NewBNA(opts Options) *BNA {
	return &BNA{
		client: newAPIClient(payment.ProviderBNA, opts, map[string]string{
			"Authorization": "Bearer " + opts.Config.APIKey,
		}),
		opts:       opts,
		currencies: opts.Config.Currencies,
	}
}

func (b *BNA) Name() payment.Provider { return payment.ProviderBNA }

func (b *BNA) SupportsCurrency(code string) bool { return supportsCurrency(b.currencies, code) }

type bnaPaymentRequest struct {
	MerchantID  string `json:"merchant_id"`
	Reference   string `json:"merchant_reference"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type bnaPaymentResponse struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

type bnaErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (b *BNA) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	body := bnaPaymentRequest{
		MerchantID:  b.opts.Config.MerchantID,
		Reference:   req.PaymentID.String(),
		Amount:      FormatAmount(req.Amount),
		Currency:    req.Amount.Currency,
		Description: req.Description,
		CallbackURL: b.opts.Config.CallbackURL,
	}

	var resp bnaPaymentResponse
	err := b.client.do(ctx, "submit", http.MethodPost, "/v1/payments",
		map[string]string{"Idempotency-Key": req.IdempotencyKey}, body, &resp)
	if err != nil {
		return nil, b.classify(err)
	}
	if resp.PaymentID == "" {
		return nil, fmt.Errorf("bna: response without payment_id: %w", domainErrors.ErrProviderUnreachable)
	}

	outcome, ok := bnaOutcome(resp.Status)
	if !ok {
		outcome = payment.OutcomePending
	}
	return &SubmitResult{ExternalReference: resp.PaymentID, Outcome: outcome}, nil
}

func (b *BNA) classify(err error) error {
	var apiErr bnaErrorResponse
	if body := apiErrorBody(err); body != "" && json.Unmarshal([]byte(body), &apiErr) == nil {
		if apiErr.Code == "INVALID_AMOUNT" || apiErr.Code == "AMOUNT_LIMIT_EXCEEDED" {
			return fmt.Errorf("bna: %s: %w", apiErr.Message, domainErrors.ErrInvalidAmount)
		}
	}
	return err
}

func (b *BNA) VerifyCallback(payload []byte, headers http.Header) bool {
	got, err := hex.DecodeString(strings.TrimSpace(headers.Get(BNASignatureHeader)))
	if err != nil || len(got) == 0 {
		return false
	}
	return hmac.Equal(got, SignHMAC(b.opts.Config.WebhookSecret, payload))
}

type bnaCallback struct {
	EventID   string `json:"event_id"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

func (b *BNA) ParseCallback(payload []byte) (*NormalizedEvent, error) {
	var cb bnaCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, malformed(payment.ProviderBNA, "invalid json: %v", err)
	}
	if cb.EventID == "" || cb.PaymentID == "" {
		return nil, malformed(payment.ProviderBNA, "event_id and payment_id are required")
	}
	outcome, ok := bnaOutcome(cb.Status)
	if !ok {
		return nil, malformed(payment.ProviderBNA, "unknown status %q", cb.Status)
	}
	return &NormalizedEvent{
		ProviderEventID:   cb.EventID,
		ExternalReference: cb.PaymentID,
		Outcome:           outcome,
		Reason:            cb.Reason,
	}, nil
}

func (b *BNA) QueryStatus(ctx context.Context, reference string) (*StatusResult, error) {
	var resp bnaPaymentResponse
	if err := b.client.do(ctx, "status", http.MethodGet, "/v1/payments/"+url.PathEscape(reference), nil, nil, &resp); err != nil {
		return nil, err
	}
	outcome, ok := bnaOutcome(resp.Status)
	if !ok {
		return nil, fmt.Errorf("bna: unknown status %q: %w", resp.Status, domainErrors.ErrProviderUnreachable)
	}
	return &StatusResult{Outcome: outcome, Reason: resp.Reason}, nil
}

func bnaOutcome(status string) (payment.Outcome, bool) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PAID", "SETTLED":
		return payment.OutcomeSucceeded, true
	case "FAILED", "DECLINED", "CANCELLED":
		return payment.OutcomeFailed, true
	case "PENDING":
		return payment.OutcomePending, true
	default:
		return "", false
	}
}

// SignHMAC returns HMAC-SHA256 of payload under secret.
func SignHMAC(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}
