package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(codesGeneratedTotal, validationsTotal, redemptionsTotal, creditsTotal, cleanupDeletedTotal)
}

var (
	codesGeneratedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_codes_generated_total",
			Help: "Generate calls by outcome.",
		},
		[]string{"result"}, // 'minted', 'reused', 'failed'
	)

	validationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_validations_total",
			Help: "Code validations by result (valid or the invalid reason).",
		},
		[]string{"result"},
	)

	redemptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_redemptions_total",
			Help: "Process calls by outcome (success or the failure reason).",
		},
		[]string{"outcome"},
	)

	creditsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_credits_total",
			Help: "Loyalty credit attempts by party and result.",
		},
		[]string{"party", "result"},
	)

	cleanupDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "referral_cleanup_deleted_total",
			Help: "Codes hard-deleted by admin cleanup.",
		},
	)
)

func IncCodeGenerated(result string) {
	codesGeneratedTotal.WithLabelValues(norm(result)).Inc()
}

func IncValidation(result string) {
	validationsTotal.WithLabelValues(norm(result)).Inc()
}

func IncRedemption(outcome string) {
	redemptionsTotal.WithLabelValues(norm(outcome)).Inc()
}

func IncCredit(party, result string) {
	creditsTotal.WithLabelValues(norm(party), norm(result)).Inc()
}

func AddCleanupDeleted(n int) {
	if n > 0 {
		cleanupDeletedTotal.Add(float64(n))
	}
}
