package controller

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/payment"
	"github.com/sila/payments/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmountToCents(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{"whole", "5000", 500000, false},
		{"two places", "50.00", 5000, false},
		{"one place", "12.5", 1250, false},
		{"min valid", "0.01", 1, false},
		{"large", "922337203685477.58", 92233720368547758, false},
		{"zero", "0", 0, true},
		{"negative", "-10.00", 0, true},
		{"fraction of a cent", "10.999", 0, true},
		{"overflow", "92233720368547758.08", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := amountToCents(decimal.RequireFromString(tt.input))
			if tt.wantErr {
				assert.ErrorIs(t, err, domainErrors.ErrValidationFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCentsToAmount(t *testing.T) {
	assert.Equal(t, "50.00", centsToAmount(5000))
	assert.Equal(t, "0.01", centsToAmount(1))
	assert.Equal(t, "1234567.89", centsToAmount(123456789))
}

func TestCreatePaymentRequest_AcceptsStringAndNumberAmounts(t *testing.T) {
	var fromString, fromNumber CreatePaymentRequest
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"50.00"}`), &fromString))
	require.NoError(t, json.Unmarshal([]byte(`{"amount":50}`), &fromNumber))

	assert.True(t, fromString.Amount.Equal(fromNumber.Amount))
}

func TestFromPayment(t *testing.T) {
	p := testutil.NewSubmittedPayment(payment.ProviderBNA, "BNA-999")

	resp := FromPayment(p)
	assert.Equal(t, p.ID.String(), resp.ID)
	assert.Equal(t, "bna", resp.Provider)
	assert.Equal(t, "50.00", resp.Amount)
	assert.Equal(t, int64(5000), resp.AmountCents)
	assert.Equal(t, "submitted", resp.Status)
	assert.Equal(t, "BNA-999", *resp.ExternalReference)
}
