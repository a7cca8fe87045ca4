package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for payment reconciliation and issuance health
var (
	PaymentsCreditedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnledger_payments_credited_total",
			Help: "Payments credited to accounts, by channel",
		},
		[]string{"source"},
	)

	PaymentsDuplicateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnledger_payments_duplicate_total",
			Help: "Payments observed again after already being credited",
		},
		[]string{"source"},
	)

	PaymentsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnledger_payments_rejected_total",
			Help: "Payments rejected by validation, by channel and reason",
		},
		[]string{"source", "reason"},
	)

	IPNVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnledger_ipn_verifications_total",
			Help: "IPN verification round-trips, by outcome",
		},
		[]string{"outcome"},
	)

	ChainPollFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vpnledger_chain_poll_failures_total",
			Help: "Node RPC poll cycles that failed",
		},
	)

	CertificatesIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vpnledger_certificates_issued_total",
			Help: "Client certificates issued",
		},
	)

	CertificatesRevokedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vpnledger_certificates_revoked_total",
			Help: "Client certificates revoked",
		},
	)

	SubscriptionEventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vpnledger_subscription_events_dropped_total",
			Help: "Subscription-change events dropped on a full issuer queue; the issuer sweep catches these up",
		},
	)

	LedgerCreditDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vpnledger_ledger_credit_duration_seconds",
			Help:    "Duration of RecordPayment calls",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Register registers all Prometheus metrics
func Register() {
	prometheus.MustRegister(PaymentsCreditedTotal)
	prometheus.MustRegister(PaymentsDuplicateTotal)
	prometheus.MustRegister(PaymentsRejectedTotal)
	prometheus.MustRegister(IPNVerificationsTotal)
	prometheus.MustRegister(ChainPollFailuresTotal)
	prometheus.MustRegister(CertificatesIssuedTotal)
	prometheus.MustRegister(CertificatesRevokedTotal)
	prometheus.MustRegister(SubscriptionEventsDroppedTotal)
	prometheus.MustRegister(LedgerCreditDuration)
}
