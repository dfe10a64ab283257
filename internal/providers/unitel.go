package providers

import (
	"context"
	"crypto/hmac"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/payment"
)

const (
	UnitelSignatureHeader = "X-Unitel-Signature"
	UnitelTimestampHeader = "X-Unitel-Timestamp"
)

// UnitelMoney talks to the Unitel Money merchant API. The API has no idempotency key, so
// submissions go through a SubmissionGuard.
type UnitelMoney struct {
	client     *apiClient
	opts       Options
	currencies []string
	maxSkew    time.Duration
}

func NewUnitelMoney(opts Options) *UnitelMoney {
	skew := opts.Config.SignatureMaxSkew
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	return &UnitelMoney{
		client: newAPIClient(payment.ProviderUnitelMoney, opts, map[string]string{
			"X-API-Key": opts.Config.APIKey,
		}),
		opts:       opts,
		currencies: opts.Config.Currencies,
		maxSkew:    skew,
	}
}

func (u *UnitelMoney) Name() payment.Provider { return payment.ProviderUnitelMoney }

func (u *UnitelMoney) SupportsCurrency(code string) bool { return supportsCurrency(u.currencies, code) }

type unitelPaymentRequest struct {
	MerchantCode  string `json:"merchant_code"`
	TransactionID string `json:"transaction_id"`
	MSISDN        string `json:"msisdn"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Description   string `json:"description,omitempty"`
	CallbackURL   string `json:"callback_url,omitempty"`
}

type unitelPaymentResponse struct {
	TransactionReference string `json:"transaction_reference"`
	Status               string `json:"status"`
	Message              string `json:"message"`
}

func (u *UnitelMoney) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.PayerReference == "" {
		return nil, fmt.Errorf("unitel_money: payer msisdn is required: %w", domainErrors.ErrProviderRejected)
	}

	return guardedSubmit(ctx, u.opts.Guard, u.opts.Logger, u.Name(), req, func(ctx context.Context) (*SubmitResult, error) {
		body := unitelPaymentRequest{
			MerchantCode:  u.opts.Config.MerchantID,
			TransactionID: req.PaymentID.String(),
			MSISDN:        req.PayerReference,
			Amount:        FormatAmount(req.Amount),
			Currency:      req.Amount.Currency,
			Description:   req.Description,
			CallbackURL:   u.opts.Config.CallbackURL,
		}

		var resp unitelPaymentResponse
		if err := u.client.do(ctx, "submit", http.MethodPost, "/api/v1/payments", nil, body, &resp); err != nil {
			if strings.Contains(apiErrorBody(err), "INVALID_AMOUNT") {
				return nil, fmt.Errorf("unitel_money: %w", domainErrors.ErrInvalidAmount)
			}
			return nil, err
		}
		if resp.TransactionReference == "" {
			return nil, fmt.Errorf("unitel_money: response without transaction_reference: %w", domainErrors.ErrProviderUnreachable)
		}

		outcome, ok := unitelOutcome(resp.Status)
		if !ok {
			outcome = payment.OutcomePending
		}
		return &SubmitResult{ExternalReference: resp.TransactionReference, Outcome: outcome}, nil
	})
}

// VerifyCallback checks a base64 HMAC-SHA256 over "<timestamp>.<body>" and rejects
// timestamps outside the configured skew.
func (u *UnitelMoney) VerifyCallback(payload []byte, headers http.Header) bool {
	ts := strings.TrimSpace(headers.Get(UnitelTimestampHeader))
	sent, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	skew := u.opts.now().Sub(time.Unix(sent, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > u.maxSkew {
		return false
	}

	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(headers.Get(UnitelSignatureHeader)))
	if err != nil || len(got) == 0 {
		return false
	}
	return hmac.Equal(got, SignHMAC(u.opts.Config.WebhookSecret, UnitelSigningInput(ts, payload)))
}

// UnitelSigningInput builds the byte string Unitel signs.
func UnitelSigningInput(timestamp string, payload []byte) []byte {
	return append([]byte(timestamp+"."), payload...)
}

type unitelCallback struct {
	NotificationID       string `json:"notification_id"`
	TransactionReference string `json:"transaction_reference"`
	Status               string `json:"status"`
	Message              string `json:"message"`
}

func (u *UnitelMoney) ParseCallback(payload []byte) (*NormalizedEvent, error) {
	var cb unitelCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, malformed(payment.ProviderUnitelMoney, "invalid json: %v", err)
	}
	if cb.NotificationID == "" || cb.TransactionReference == "" {
		return nil, malformed(payment.ProviderUnitelMoney, "notification_id and transaction_reference are required")
	}
	outcome, ok := unitelOutcome(cb.Status)
	if !ok {
		return nil, malformed(payment.ProviderUnitelMoney, "unknown status %q", cb.Status)
	}
	return &NormalizedEvent{
		ProviderEventID:   cb.NotificationID,
		ExternalReference: cb.TransactionReference,
		Outcome:           outcome,
		Reason:            cb.Message,
	}, nil
}

func (u *UnitelMoney) QueryStatus(ctx context.Context, reference string) (*StatusResult, error) {
	var resp unitelPaymentResponse
	if err := u.client.do(ctx, "status", http.MethodGet, "/api/v1/payments/"+url.PathEscape(reference), nil, nil, &resp); err != nil {
		return nil, err
	}
	outcome, ok := unitelOutcome(resp.Status)
	if !ok {
		return nil, fmt.Errorf("unitel_money: unknown status %q: %w", resp.Status, domainErrors.ErrProviderUnreachable)
	}
	return &StatusResult{Outcome: outcome, Reason: resp.Message}, nil
}

func unitelOutcome(status string) (payment.Outcome, bool) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "SUCCESS":
		return payment.OutcomeSucceeded, true
	case "FAILED", "REJECTED", "TIMEOUT":
		return payment.OutcomeFailed, true
	case "PROCESSING":
		return payment.OutcomePending, true
	default:
		return "", false
	}
}
