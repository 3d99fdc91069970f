// Package model provides the data model shared by the guard engine and its callers.
package model

// =============================================================================
// Request Models
// =============================================================================

// RequestContext is the normalized view of an inbound request. It is immutable
// for the duration of a check.
type RequestContext struct {
	UserID    string `json:"user_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Endpoint  string `json:"endpoint"`
	Method    string `json:"method"`
	RequestID string `json:"request_id,omitempty"`
}

// Action is the disposition attached to a verdict.
type Action string

const (
	ActionBlock   Action = "block"
	ActionMonitor Action = "monitor"
	ActionAlert   Action = "alert"
)

// SecurityVerdict is the result of checking one request.
type SecurityVerdict struct {
	Allowed bool     `json:"allowed"`
	Reason  string   `json:"reason,omitempty"`
	Action  Action   `json:"action"`
	Threats []string `json:"threats,omitempty"`
}

// Allow returns a verdict that lets the request through with the given action.
func Allow(action Action, threats ...string) SecurityVerdict {
	return SecurityVerdict{Allowed: true, Action: action, Threats: threats}
}

// Block returns a blocking verdict.
func Block(reason string, threats ...string) SecurityVerdict {
	return SecurityVerdict{Allowed: false, Reason: reason, Action: ActionBlock, Threats: threats}
}

// Stable reason strings carried by blocking verdicts.
const (
	ReasonRateLimited        = "Rate limit exceeded"
	ReasonIPBlocked          = "IP address temporarily blocked"
	ReasonPayloadTooLarge    = "Payload exceeds maximum size"
	ReasonMaliciousPayload   = "Malicious content detected in payload"
	ReasonPayloadStructure   = "Payload structure exceeds limits"
	ReasonSuspiciousAgent    = "Suspicious user agent"
	ReasonAutomatedBehavior  = "Automated behavior detected"
	ReasonRestrictedResource = "Access to restricted resource"
	ReasonThreatDetected     = "Threat detected"
	ReasonUserQuarantined    = "Account quarantined"
	ReasonEndpointDisabled   = "Endpoint temporarily disabled"
)

// ActorKey prefixes.
const (
	actorUserPrefix = "user:"
	actorIPPrefix   = "ip:"
	AnonymousActor  = "anonymous"
)

// ActorKeyFor derives the canonical actor key used by every component: the
// user id when present, otherwise the IP address.
func ActorKeyFor(rc RequestContext) string {
	switch {
	case rc.UserID != "":
		return actorUserPrefix + rc.UserID
	case rc.IPAddress != "":
		return actorIPPrefix + rc.IPAddress
	default:
		return AnonymousActor
	}
}

// ActorKey is a convenience for callers that only have a user id and address.
func ActorKey(userID, ip string) string {
	return ActorKeyFor(RequestContext{UserID: userID, IPAddress: ip})
}
