package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsOpened counts successful session opens.
	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classattend_sessions_opened_total",
		Help: "Sessions opened, including self-replacements and overrides.",
	})

	// SessionsClosed counts closes by reason (closed, replaced, overridden, expired).
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classattend_sessions_closed_total",
		Help: "Sessions transitioned to closed.",
	}, []string{"reason"})

	// Claims counts claim evaluations by outcome (accepted, rejected, timeout).
	Claims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classattend_claims_total",
		Help: "Presence claim evaluations by outcome.",
	}, []string{"outcome"})

	// ClaimRejections counts definitive rejections by pipeline reason.
	ClaimRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classattend_claim_rejections_total",
		Help: "Presence claim rejections by reason.",
	}, []string{"reason"})

	// ReconcileAbsents counts absent records back-filled by reconciliation.
	ReconcileAbsents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classattend_reconcile_absents_total",
		Help: "Absent records created by session reconciliation.",
	})

	// ReconcileFailures counts per-student insert failures absorbed during sweeps.
	ReconcileFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classattend_reconcile_failures_total",
		Help: "Reconciliation inserts that failed for reasons other than duplicates.",
	})

	// TokenRotations counts rotating-token refreshes.
	TokenRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classattend_token_rotations_total",
		Help: "Session token rotations.",
	})
)
