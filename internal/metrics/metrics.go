// Package metrics holds the prometheus collectors of the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pecunia"

var (
	AllocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wallet",
		Name:      "allocations_total",
		Help:      "Address allocations by outcome.",
	}, []string{"outcome"})

	LedgerApplicationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "transactions_total",
		Help:      "Chain transactions handed to the ledger, by kind and result (applied, duplicate).",
	}, []string{"kind", "result"})

	IngestedEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Chain notifications received, by result.",
	}, []string{"result"})

	WebhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "attempts_total",
		Help:      "Webhook delivery attempts by outcome (sent, retry, failed).",
	}, []string{"outcome"})

	WebhookQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "queue_depth",
		Help:      "Webhook deliveries waiting to be sent.",
	})

	UnmonitoredInvoices = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "unmonitored_invoices",
		Help:      "Live invoices whose address has no active chain subscription.",
	})

	InvoicesExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "invoices_expired_total",
		Help:      "Invoices moved to EXPIRED by the expiry sweep.",
	})
)

func init() {
	prometheus.MustRegister(
		AllocationsTotal,
		LedgerApplicationsTotal,
		IngestedEventsTotal,
		WebhookDeliveriesTotal,
		WebhookQueueDepth,
		UnmonitoredInvoices,
		InvoicesExpiredTotal,
	)
}
