package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signHex(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestSandboxVerifyWebhookSignature(t *testing.T) {
	g := NewSandboxGateway()
	payload := []byte(`{"id":"evt_1","type":"charge.succeeded"}`)
	secret := "whsec_sandbox"

	assert.True(t, g.VerifyWebhookSignature(payload, signHex(payload, secret), secret))
	assert.False(t, g.VerifyWebhookSignature(payload, signHex(payload, "wrong"), secret))
	assert.False(t, g.VerifyWebhookSignature(payload, "", secret))
	assert.False(t, g.VerifyWebhookSignature(payload, signHex(payload, secret), ""))
	assert.False(t, g.VerifyWebhookSignature([]byte("tampered"), signHex(payload, secret), secret))
}

func TestRazorpayVerifyWebhookSignatureEncodings(t *testing.T) {
	g := NewRazorpayGateway(ProviderSettings{APIKey: "k", APISecret: "s"})
	payload := []byte(`{"event":"payment.captured"}`)
	secret := "rzp_webhook_secret"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	raw := mac.Sum(nil)

	assert.True(t, g.VerifyWebhookSignature(payload, hex.EncodeToString(raw), secret))
	assert.True(t, g.VerifyWebhookSignature(payload, base64.StdEncoding.EncodeToString(raw), secret))
	assert.False(t, g.VerifyWebhookSignature(payload, "not-a-signature", secret))
	assert.False(t, g.VerifyWebhookSignature(payload, hex.EncodeToString(raw), "other"))
}

func TestSandboxParseWebhookEvent(t *testing.T) {
	g := NewSandboxGateway()

	payload := []byte(`{
		"id": "evt_42",
		"type": "charge.succeeded",
		"provider_transaction_id": "sbx_txn_1",
		"merchant_id": "m-1",
		"amount": "19.99",
		"currency": "eur"
	}`)

	evt, err := g.ParseWebhookEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, "evt_42", evt.EventID)
	assert.Equal(t, EventTypeChargeSucceeded, evt.Type)
	assert.Equal(t, "sbx_txn_1", evt.ProviderTransactionID)
	assert.Equal(t, "EUR", evt.Currency)
	assert.Equal(t, "19.99", evt.Amount.StringFixed(2))
	assert.False(t, evt.IsSubscriptionEvent())

	evt, err = g.ParseWebhookEvent([]byte(`{"id":"evt_43","type":"something.new"}`))
	require.NoError(t, err)
	assert.Equal(t, EventTypeUnknown, evt.Type)

	_, err = g.ParseWebhookEvent([]byte(`not json`))
	require.Error(t, err)
}

func TestRazorpayParseWebhookEvent(t *testing.T) {
	g := NewRazorpayGateway(ProviderSettings{})

	tests := []struct {
		name     string
		payload  string
		wantType string
		wantTxn  string
		wantSub  string
	}{
		{
			name: "captured one-time payment",
			payload: `{
				"event": "payment.captured",
				"payload": {"payment": {"entity": {
					"id": "pay_1", "amount": 1999, "currency": "INR", "status": "captured",
					"notes": {"merchant_id": "m-1"}
				}}}
			}`,
			wantType: EventTypeChargeSucceeded,
			wantTxn:  "pay_1",
		},
		{
			name: "failed recurring payment",
			payload: `{
				"event": "payment.failed",
				"payload": {"payment": {"entity": {
					"id": "pay_2", "amount": 3000, "currency": "INR", "status": "failed",
					"subscription_id": "sub_9", "error_description": "card expired"
				}}}
			}`,
			wantType: EventTypeSubscriptionPaymentFailed,
			wantTxn:  "pay_2",
			wantSub:  "sub_9",
		},
		{
			name: "refund processed",
			payload: `{
				"event": "refund.processed",
				"payload": {
					"payment": {"entity": {"id": "pay_3", "amount": 5000, "currency": "INR"}},
					"refund": {"entity": {"id": "rfnd_1", "payment_id": "pay_3", "amount": 2500}}
				}
			}`,
			wantType: EventTypeChargeRefunded,
			wantTxn:  "pay_3",
		},
		{
			name: "subscription cancelled",
			payload: `{
				"event": "subscription.cancelled",
				"payload": {"subscription": {"entity": {"id": "sub_9", "status": "cancelled"}}}
			}`,
			wantType: EventTypeSubscriptionCancelled,
			wantSub:  "sub_9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := g.ParseWebhookEvent([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, evt.Type)
			assert.Equal(t, tt.wantTxn, evt.ProviderTransactionID)
			assert.Equal(t, tt.wantSub, evt.ProviderSubscriptionID)
			assert.NotEmpty(t, evt.EventID)
		})
	}
}

func TestRazorpayParseRefundAmountUsesRefundEntity(t *testing.T) {
	g := NewRazorpayGateway(ProviderSettings{})
	evt, err := g.ParseWebhookEvent([]byte(`{
		"event": "refund.processed",
		"payload": {
			"payment": {"entity": {"id": "pay_3", "amount": 5000, "currency": "INR"}},
			"refund": {"entity": {"id": "rfnd_1", "payment_id": "pay_3", "amount": 2500}}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "25.00", evt.Amount.StringFixed(2))
}

func TestRazorpayStatusMapping(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "captured", want: "successful"},
		{in: "created", want: "pending"},
		{in: "authorized", want: "pending"},
		{in: "refunded", want: "refunded"},
		{in: "failed", want: "failed"},
		{in: "some_future_status", want: "failed"},
	}
	for _, tt := range tests {
		if got := razorpayPaymentStatus(tt.in); got != tt.want {
			t.Fatalf("razorpayPaymentStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
