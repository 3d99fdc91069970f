package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Verdicts counts check results by action and the stage that decided them.
	Verdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_guard_verdicts_total",
			Help: "Request verdicts by action and deciding stage",
		},
		[]string{"action", "stage"},
	)

	CheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telhawk_guard_check_duration_seconds",
			Help:    "Time spent evaluating a request",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_guard_rate_limit_hits_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"window"},
	)

	BlockedIPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_guard_blocked_ips",
			Help: "IP addresses currently on the temporary block list",
		},
	)

	TrackedProfiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_guard_behavior_profiles",
			Help: "Actors with a live behavior profile",
		},
	)

	Indicators = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_guard_threat_indicators_total",
			Help: "Threat indicators raised by type and severity",
		},
		[]string{"type", "severity"},
	)

	ReputationLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_guard_reputation_lookups_total",
			Help: "IP reputation lookups by outcome (hit, miss, error)",
		},
		[]string{"outcome"},
	)

	Incidents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_guard_incidents_total",
			Help: "Incidents opened by type and severity",
		},
		[]string{"type", "severity"},
	)

	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_guard_incident_escalations_total",
			Help: "Incident escalations by trigger",
		},
		[]string{"trigger"},
	)

	MitigationActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_guard_mitigation_actions_total",
			Help: "Mitigation actions by type and final status",
		},
		[]string{"type", "status"},
	)

	AuditEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_guard_audit_events_total",
			Help: "Audit events recorded by risk level",
		},
		[]string{"risk"},
	)

	SuspiciousPatterns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_guard_suspicious_patterns_total",
			Help: "Audit patterns reported as suspicious",
		},
	)

	AuditFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telhawk_guard_audit_flush_duration_seconds",
			Help:    "Time taken to flush buffered audit events",
			Buckets: prometheus.DefBuckets,
		},
	)

	AuditBufferDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_guard_audit_buffer_dropped_total",
			Help: "Audit events dropped because the flush buffer was full",
		},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_guard_notifications_total",
			Help: "Alert notifications by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	NonFatalErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_guard_nonfatal_errors_total",
			Help: "Swallowed infrastructure failures by operation",
		},
		[]string{"op"},
	)
)
