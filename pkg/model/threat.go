package model

import "time"

// =============================================================================
// Severity
// =============================================================================

// Severity is an ordered threat level.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Weight is the scoring weight of the severity: 1, 2, 4, 8.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 4
	case SeverityCritical:
		return 8
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// =============================================================================
// Threat Indicators and Alerts
// =============================================================================

// IndicatorType classifies a threat indicator.
type IndicatorType string

const (
	IndicatorInjection       IndicatorType = "injection"
	IndicatorBruteForce      IndicatorType = "brute_force"
	IndicatorEnumeration     IndicatorType = "enumeration"
	IndicatorScrapingPattern IndicatorType = "scraping_pattern"
	IndicatorAnomaly         IndicatorType = "anomaly"
	IndicatorMalware         IndicatorType = "malware"
	IndicatorPhishing        IndicatorType = "phishing"
)

// IndicatorTypes lists every indicator type.
var IndicatorTypes = []IndicatorType{
	IndicatorInjection, IndicatorBruteForce, IndicatorEnumeration,
	IndicatorScrapingPattern, IndicatorAnomaly, IndicatorMalware, IndicatorPhishing,
}

// Valid reports whether t is a known indicator type.
func (t IndicatorType) Valid() bool {
	for _, known := range IndicatorTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ThreatIndicator is a single typed observation. Confidence is 0-100.
type ThreatIndicator struct {
	Type        IndicatorType `json:"type"`
	Severity    Severity      `json:"severity"`
	Confidence  int           `json:"confidence"`
	Evidence    string        `json:"evidence"`
	Mitigations []string      `json:"mitigations,omitempty"`
	Source      string        `json:"source"`
	DetectedAt  time.Time     `json:"detected_at"`
}

// Label is the short form used in verdict threat lists.
func (i ThreatIndicator) Label() string {
	return string(i.Type) + ":" + string(i.Severity)
}

// ThreatAlert aggregates indicators for one actor. Indicators are append-only
// and AggregatedSeverity is always the maximum indicator severity.
type ThreatAlert struct {
	ID                 string            `json:"id"`
	ActorKey           string            `json:"actor_key"`
	IPAddress          string            `json:"ip_address,omitempty"`
	UserID             string            `json:"user_id,omitempty"`
	Endpoints          []string          `json:"endpoints,omitempty"`
	Indicators         []ThreatIndicator `json:"indicators"`
	AggregatedSeverity Severity          `json:"aggregated_severity"`
	OccurrenceCount    int               `json:"occurrence_count"`
	FirstDetected      time.Time         `json:"first_detected"`
	LastSeen           time.Time         `json:"last_seen"`
	IsActive           bool              `json:"is_active"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (a *ThreatAlert) Clone() ThreatAlert {
	c := *a
	c.Endpoints = append([]string(nil), a.Endpoints...)
	c.Indicators = make([]ThreatIndicator, len(a.Indicators))
	for i, ind := range a.Indicators {
		ind.Mitigations = append([]string(nil), ind.Mitigations...)
		c.Indicators[i] = ind
	}
	return c
}
