// Package idgen provides ID generation for stored entities.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
)

// orderIDAlphabet avoids characters that payment gateways reject in receipt fields.
const orderIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

var orderSuffix = mustGenerator(nanoid.CustomASCII(orderIDAlphabet, 20))

func mustGenerator(gen func() string, err error) func() string {
	if err != nil {
		panic("idgen: " + err.Error())
	}
	return gen
}

// New generates a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a typed ID (e.g. "pk_", "insp_", "aud_").
// Result is prefix + 32 hex chars of a UUIDv4.
func WithPrefix(prefix string) string {
	id := uuid.New()
	return prefix + hex.EncodeToString(id[:])
}

// OrderID generates the internal payment order ID handed to the gateway as the
// receipt. Gateways cap receipts at 40 characters; "order_" + 20 fits.
func OrderID() string {
	return "order_" + orderSuffix()
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
