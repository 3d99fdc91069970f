package model

import "time"

// =============================================================================
// Audit Models
// =============================================================================

// Audit event types emitted by the engine.
const (
	EventRateLimitViolation = "rate_limit_violation"
	EventIPBlocked          = "ip_blocked"
	EventPayloadBlocked     = "payload_blocked"
	EventSuspiciousAgent    = "suspicious_user_agent"
	EventBehaviorAnomaly    = "behavior_anomaly"
	EventHoneypotAccess     = "honeypot_access"
	EventThreatIndicator    = "threat_indicator"
	EventSuspiciousPattern  = "suspicious_pattern"
	EventRequestChecked     = "request_checked"
	EventIncidentCreated    = "incident_created"
	EventIncidentUpdated    = "incident_updated"
	EventMitigation         = "mitigation_action"
	EventEnforcementBlock   = "enforcement_block"
	EventAdminAccess        = "admin_access"
)

// Audit results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultBlocked = "blocked"
	ResultFlagged = "flagged"
)

// MetadataKey is one of the documented audit metadata keys.
type MetadataKey string

const (
	MetaReason        MetadataKey = "reason"
	MetaThreats       MetadataKey = "threats"
	MetaConfidence    MetadataKey = "confidence"
	MetaScore         MetadataKey = "score"
	MetaIndicatorType MetadataKey = "indicator_type"
	MetaSource        MetadataKey = "source"
	MetaWindow        MetadataKey = "window"
	MetaViolations    MetadataKey = "violations"
	MetaUserAgent     MetadataKey = "user_agent"
	MetaIncidentID    MetadataKey = "incident_id"
	MetaActionType    MetadataKey = "action_type"
	MetaPatternKey    MetadataKey = "pattern_key"
	MetaFrequency     MetadataKey = "frequency"
	MetaRequestID     MetadataKey = "request_id"
)

const (
	// MaxMetadataEntries bounds the number of keys carried by an event.
	MaxMetadataEntries = 16
	// MaxMetadataValueLen bounds each value in bytes.
	MaxMetadataValueLen = 256
)

// Metadata is a bounded key/value map attached to audit events.
type Metadata map[MetadataKey]string

// Set stores v under k, truncating long values. Keys beyond the bound are dropped.
func (m Metadata) Set(k MetadataKey, v string) Metadata {
	if m == nil {
		m = Metadata{}
	}
	if _, exists := m[k]; !exists && len(m) >= MaxMetadataEntries {
		return m
	}
	if len(v) > MaxMetadataValueLen {
		v = v[:MaxMetadataValueLen]
	}
	m[k] = v
	return m
}

// Clone copies the metadata.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	c := make(Metadata, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// AuditEvent is a single recorded security event.
type AuditEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	ActorKey  string    `json:"actor_key"`
	UserID    string    `json:"user_id,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Method    string    `json:"method,omitempty"`
	RiskLevel Severity  `json:"risk_level"`
	Result    string    `json:"result"`
	Metadata  Metadata  `json:"metadata,omitempty"`
	Signature string    `json:"signature,omitempty"`
}

// NewAuditEvent builds an event for the request described by rc.
func NewAuditEvent(eventType string, rc RequestContext, risk Severity, result string) AuditEvent {
	ev := AuditEvent{
		EventType: eventType,
		ActorKey:  ActorKeyFor(rc),
		UserID:    rc.UserID,
		IPAddress: rc.IPAddress,
		Endpoint:  rc.Endpoint,
		Method:    rc.Method,
		RiskLevel: risk,
		Result:    result,
	}
	if rc.RequestID != "" {
		ev.Metadata = ev.Metadata.Set(MetaRequestID, rc.RequestID)
	}
	return ev
}

// SecurityPattern tracks recurrence of one (eventType, result, endpoint, method) tuple.
type SecurityPattern struct {
	Key           string    `json:"key"`
	EventType     string    `json:"event_type"`
	Result        string    `json:"result"`
	Endpoint      string    `json:"endpoint"`
	Method        string    `json:"method"`
	Frequency     int       `json:"frequency"`
	RiskScore     int       `json:"risk_score"`
	LastSeen      time.Time `json:"last_seen"`
	AffectedUsers []string  `json:"affected_users"`
}

// AuditFilter selects events from the durable store.
type AuditFilter struct {
	ActorKey  string     `json:"actor_key,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	RiskLevel Severity   `json:"risk_level,omitempty"`
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// Matches reports whether ev satisfies the filter.
func (f AuditFilter) Matches(ev AuditEvent) bool {
	if f.ActorKey != "" && ev.ActorKey != f.ActorKey {
		return false
	}
	if f.EventType != "" && ev.EventType != f.EventType {
		return false
	}
	if f.RiskLevel != "" && ev.RiskLevel != f.RiskLevel {
		return false
	}
	if f.From != nil && ev.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && ev.Timestamp.After(*f.To) {
		return false
	}
	return true
}
