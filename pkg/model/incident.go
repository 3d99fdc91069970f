package model

import "time"

// =============================================================================
// Incidents
// =============================================================================

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentStatusOpen          IncidentStatus = "open"
	IncidentStatusInvestigating IncidentStatus = "investigating"
	IncidentStatusContained     IncidentStatus = "contained"
	IncidentStatusResolved      IncidentStatus = "resolved"
	IncidentStatusFalsePositive IncidentStatus = "false_positive"
)

// Stage orders the forward-only lifecycle. false_positive sits outside the order.
func (s IncidentStatus) Stage() int {
	switch s {
	case IncidentStatusOpen:
		return 0
	case IncidentStatusInvestigating:
		return 1
	case IncidentStatusContained:
		return 2
	case IncidentStatusResolved:
		return 3
	case IncidentStatusFalsePositive:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether no further transitions are allowed.
func (s IncidentStatus) Terminal() bool {
	return s == IncidentStatusResolved || s == IncidentStatusFalsePositive
}

// Valid reports whether s is a known status.
func (s IncidentStatus) Valid() bool {
	return s.Stage() >= 0
}

// CanTransition reports whether moving from s to next respects the lifecycle.
func (s IncidentStatus) CanTransition(next IncidentStatus) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if next == IncidentStatusFalsePositive {
		return true
	}
	return next.Stage() > s.Stage()
}

// TimelineEntry is one append-only record in an incident timeline.
type TimelineEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Details   string    `json:"details,omitempty"`
	Actor     string    `json:"actor"`
	Automated bool      `json:"automated"`
}

// MitigationType is the kind of automated or manual response.
type MitigationType string

const (
	MitigationBlockIP         MitigationType = "block_ip"
	MitigationRateLimit       MitigationType = "rate_limit"
	MitigationQuarantineUser  MitigationType = "quarantine_user"
	MitigationDisableEndpoint MitigationType = "disable_endpoint"
	MitigationAlertTeam       MitigationType = "alert_team"
	MitigationCustom          MitigationType = "custom"
)

// ActionStatus tracks mitigation progress.
type ActionStatus string

const (
	ActionStatusPending    ActionStatus = "pending"
	ActionStatusInProgress ActionStatus = "in_progress"
	ActionStatusCompleted  ActionStatus = "completed"
	ActionStatusFailed     ActionStatus = "failed"
)

// ResultOnCooldown is recorded on actions rejected by the cooldown gate.
const ResultOnCooldown = "on cooldown"

// MitigationAction records one attempted response.
type MitigationAction struct {
	ID          string         `json:"id"`
	Type        MitigationType `json:"type"`
	Name        string         `json:"name,omitempty"`
	Subject     string         `json:"subject"`
	Status      ActionStatus   `json:"status"`
	Automated   bool           `json:"automated"`
	CooldownKey string         `json:"cooldown_key"`
	Result      string         `json:"result,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// SecurityIncident is the case opened from an escalated alert.
type SecurityIncident struct {
	ID                string             `json:"id"`
	ActorKey          string             `json:"actor_key"`
	Type              IndicatorType      `json:"type"`
	Severity          Severity           `json:"severity"`
	Status            IncidentStatus     `json:"status"`
	AffectedAssets    []string           `json:"affected_assets"`
	Timeline          []TimelineEntry    `json:"timeline"`
	MitigationActions []MitigationAction `json:"mitigation_actions"`
	EstimatedImpact   Severity           `json:"estimated_impact"`
	Indicators        []ThreatIndicator  `json:"indicators"`
	Escalated         bool               `json:"escalated"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// Clone returns a deep copy.
func (i *SecurityIncident) Clone() SecurityIncident {
	c := *i
	c.AffectedAssets = append([]string(nil), i.AffectedAssets...)
	c.Timeline = append([]TimelineEntry(nil), i.Timeline...)
	c.MitigationActions = append([]MitigationAction(nil), i.MitigationActions...)
	c.Indicators = append([]ThreatIndicator(nil), i.Indicators...)
	return c
}

// PlaybookKey identifies a playbook. There is no wildcard entry.
type PlaybookKey struct {
	Type     IndicatorType
	Severity Severity
}

// PlaybookAction is one automated step of a playbook.
type PlaybookAction struct {
	Type MitigationType `json:"type" yaml:"type"`
	Name string         `json:"name,omitempty" yaml:"name,omitempty"`
}

// ResponsePlaybook is read-only response configuration.
type ResponsePlaybook struct {
	Type                IndicatorType    `json:"type" yaml:"type"`
	Severity            Severity         `json:"severity" yaml:"severity"`
	AutomatedActions    []PlaybookAction `json:"automated_actions" yaml:"automated_actions"`
	ManualActions       []string         `json:"manual_actions,omitempty" yaml:"manual_actions,omitempty"`
	EscalationThreshold int              `json:"escalation_threshold" yaml:"escalation_threshold"`
	MaxResponseMinutes  int              `json:"max_response_minutes" yaml:"max_response_minutes"`
}

// Key returns the lookup key of the playbook.
func (p ResponsePlaybook) Key() PlaybookKey {
	return PlaybookKey{Type: p.Type, Severity: p.Severity}
}
