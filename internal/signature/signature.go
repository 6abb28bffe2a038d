// Package signature verifies payment gateway callbacks with HMAC-SHA256.
//
// Two payloads are signed: the interactive confirmation, over
// orderID + "|" + paymentID, and webhook deliveries, over the raw request
// body exactly as received. Signatures are lowercase hex.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Verifier checks gateway signatures. It holds no other state.
type Verifier struct {
	paymentSecret []byte
	webhookSecret []byte
}

// NewVerifier creates a verifier. An empty webhookSecret reuses paymentSecret.
// An empty paymentSecret returns nil, and a nil Verifier rejects everything.
func NewVerifier(paymentSecret, webhookSecret string) *Verifier {
	if paymentSecret == "" {
		return nil
	}
	if webhookSecret == "" {
		webhookSecret = paymentSecret
	}
	return &Verifier{
		paymentSecret: []byte(paymentSecret),
		webhookSecret: []byte(webhookSecret),
	}
}

// PaymentPayload is the message signed for interactive confirmations.
func PaymentPayload(orderID, paymentID string) []byte {
	return []byte(orderID + "|" + paymentID)
}

// SignPayment returns the hex signature the gateway attaches to a checkout result.
func (v *Verifier) SignPayment(orderID, paymentID string) string {
	if v == nil {
		return ""
	}
	return sign(v.paymentSecret, PaymentPayload(orderID, paymentID))
}

// VerifyPayment checks an interactive confirmation signature in constant time.
func (v *Verifier) VerifyPayment(orderID, paymentID, sig string) bool {
	if v == nil {
		return false
	}
	return verify(v.paymentSecret, PaymentPayload(orderID, paymentID), sig)
}

// SignWebhook returns the hex signature for a raw webhook body.
func (v *Verifier) SignWebhook(body []byte) string {
	if v == nil {
		return ""
	}
	return sign(v.webhookSecret, body)
}

// VerifyWebhook checks a webhook signature over the raw body in constant time.
func (v *Verifier) VerifyWebhook(body []byte, sig string) bool {
	if v == nil {
		return false
	}
	return verify(v.webhookSecret, body, sig)
}

func sign(secret, msg []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

func verify(secret, msg []byte, sig string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	return hmac.Equal(mac.Sum(nil), got)
}
