package providers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/payment"
)

const MPesaTokenHeader = "X-Callback-Token"

// MPesa drives the M-Pesa STK push flow. The rail has no idempotency key and no status
// endpoint we rely on; results only arrive by callback.
type MPesa struct {
	client     *apiClient
	opts       Options
	currencies []string
}

func NewMPesa(opts Options) *MPesa {
	return &MPesa{
		client: newAPIClient(payment.ProviderMPesa, opts, map[string]string{
			"Authorization": "Bearer " + opts.Config.APIKey,
		}),
		opts:       opts,
		currencies: opts.Config.Currencies,
	}
}

func (m *MPesa) Name() payment.Provider { return payment.ProviderMPesa }

func (m *MPesa) SupportsCurrency(code string) bool { return supportsCurrency(m.currencies, code) }

type mpesaPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Amount            string `json:"Amount"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL,omitempty"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc,omitempty"`
}

type mpesaPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
}

func (m *MPesa) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.PayerReference == "" {
		return nil, fmt.Errorf("mpesa: payer phone number is required: %w", domainErrors.ErrProviderRejected)
	}

	return guardedSubmit(ctx, m.opts.Guard, m.opts.Logger, m.Name(), req, func(ctx context.Context) (*SubmitResult, error) {
		body := mpesaPushRequest{
			BusinessShortCode: m.opts.Config.MerchantID,
			Amount:            FormatAmount(req.Amount),
			PhoneNumber:       req.PayerReference,
			CallBackURL:       m.opts.Config.CallbackURL,
			AccountReference:  req.PaymentID.String(),
			TransactionDesc:   req.Description,
		}

		var resp mpesaPushResponse
		if err := m.client.do(ctx, "submit", http.MethodPost, "/mpesa/stkpush/v1/processrequest", nil, body, &resp); err != nil {
			return nil, err
		}
		if resp.ResponseCode != "0" {
			return nil, fmt.Errorf("mpesa: push refused (%s): %s: %w", resp.ResponseCode, resp.ResponseDescription, domainErrors.ErrProviderRejected)
		}
		if resp.CheckoutRequestID == "" {
			return nil, fmt.Errorf("mpesa: response without CheckoutRequestID: %w", domainErrors.ErrProviderUnreachable)
		}
		return &SubmitResult{ExternalReference: resp.CheckoutRequestID, Outcome: payment.OutcomePending}, nil
	})
}

func (m *MPesa) VerifyCallback(_ []byte, headers http.Header) bool {
	token := strings.TrimSpace(headers.Get(MPesaTokenHeader))
	secret := m.opts.Config.WebhookSecret
	if token == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

type mpesaCallback struct {
	Body struct {
		STKCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        *int   `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback keys the event on CheckoutRequestID, which is also the payment's reference.
// ResultCode 0 is success; every other code is a failure.
func (m *MPesa) ParseCallback(payload []byte) (*NormalizedEvent, error) {
	var cb mpesaCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, malformed(payment.ProviderMPesa, "invalid json: %v", err)
	}
	stk := cb.Body.STKCallback
	if stk.CheckoutRequestID == "" {
		return nil, malformed(payment.ProviderMPesa, "CheckoutRequestID is required")
	}
	if stk.ResultCode == nil {
		return nil, malformed(payment.ProviderMPesa, "ResultCode is required")
	}

	outcome := payment.OutcomeFailed
	if *stk.ResultCode == 0 {
		outcome = payment.OutcomeSucceeded
	}
	return &NormalizedEvent{
		ProviderEventID:   stk.CheckoutRequestID,
		ExternalReference: stk.CheckoutRequestID,
		Outcome:           outcome,
		Reason:            stk.ResultDesc,
	}, nil
}
