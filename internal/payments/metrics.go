package payments

import "github.com/prometheus/client_golang/prometheus"

var (
	resolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecollect",
		Name:      "payment_resolutions_total",
		Help:      "Payments moved out of Pending, by final status and resolving path.",
	}, []string{"status", "resolved_by"})

	webhookEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecollect",
		Name:      "webhook_events_total",
		Help:      "Inbound gateway webhooks by event type and outcome.",
	}, []string{"event_type", "outcome"})

	signatureRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecollect",
		Name:      "signature_rejections_total",
		Help:      "Rejected signatures by source (interactive, webhook).",
	}, []string{"source"})

	refundsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecollect",
		Name:      "payment_refunds_total",
		Help:      "Refund attempts by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(resolutionsTotal, webhookEventsTotal, signatureRejectionsTotal, refundsTotal)
}
