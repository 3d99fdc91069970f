package logging

import "log/slog"

// Attribute keys used across guard log records.
const (
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldActorKey   = "actor_key"
	FieldUserID     = "user_id"
	FieldIP         = "ip"
	FieldEndpoint   = "endpoint"
	FieldAction     = "action"
	FieldReason     = "reason"
	FieldSeverity   = "severity"
	FieldIncidentID = "incident_id"
	FieldError      = "error"
)

func ActorKey(key string) slog.Attr {
	return slog.String(FieldActorKey, key)
}

func UserID(id string) slog.Attr {
	return slog.String(FieldUserID, id)
}

func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

func Endpoint(path string) slog.Attr {
	return slog.String(FieldEndpoint, path)
}

func Action(action string) slog.Attr {
	return slog.String(FieldAction, action)
}

func Reason(reason string) slog.Attr {
	return slog.String(FieldReason, reason)
}

func Severity(sev string) slog.Attr {
	return slog.String(FieldSeverity, sev)
}

func IncidentID(id string) slog.Attr {
	return slog.String(FieldIncidentID, id)
}

// Error returns a slog attribute for an error. A nil error yields an empty value.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
