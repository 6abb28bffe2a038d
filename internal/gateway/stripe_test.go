package gateway

import "github.com/stripe/stripe-go/v81"

func stripePI(status string, lastErr bool) *stripe.PaymentIntent {
	pi := &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatus(status)}
	if lastErr {
		pi.LastPaymentError = &stripe.Error{Msg: "card declined"}
	}
	return pi
}
