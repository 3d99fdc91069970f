package messaging

// Subject constants for the guard message bus.
// Follow the pattern: {domain}.{resource}.{action}
const (
	// Threat alert lifecycle
	SubjectAlertsEscalated = "guard.alerts.escalated" // Alert reached the escalation severity
	SubjectAlertsResolved  = "guard.alerts.resolved"  // Alert closed with its incident

	// Incident lifecycle
	SubjectIncidentsCreated   = "guard.incidents.created"   // New incident opened
	SubjectIncidentsUpdated   = "guard.incidents.updated"   // Status changed or alert merged
	SubjectIncidentsEscalated = "guard.incidents.escalated" // Escalated to the security team

	// Mitigation actions executed by the responder
	SubjectMitigationsExecuted = "guard.mitigations.executed"

	// Audit patterns flagged as suspicious
	SubjectPatternsSuspicious = "guard.patterns.suspicious"

	// Notifications mirrored to the bus (append .{kind})
	SubjectNotifications = "guard.notifications"

	// SubjectAll matches every guard subject.
	SubjectAll = "guard.>"
)

// NotificationSubject returns the subject for a notification kind.
// Example: guard.notifications.critical_event
func NotificationSubject(kind string) string {
	return SubjectNotifications + "." + kind
}
