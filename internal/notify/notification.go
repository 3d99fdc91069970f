// Package notify delivers security notifications to external channels.
package notify

import (
	"context"
	"time"

	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

// Kind classifies a notification.
type Kind string

const (
	KindCriticalEvent     Kind = "critical_event"
	KindSuspiciousPattern Kind = "suspicious_pattern"
	KindIncidentOpened    Kind = "incident_opened"
	KindIncidentEscalated Kind = "incident_escalated"
	KindTeamAlert         Kind = "team_alert"
)

// Notification is a channel-agnostic message.
type Notification struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Severity   model.Severity    `json:"severity"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	ActorKey   string            `json:"actor_key,omitempty"`
	IncidentID string            `json:"incident_id,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// Channel represents a notification channel
type Channel interface {
	Send(ctx context.Context, n *Notification) error
	Type() string
}

// Sender is the fire-and-forget side used by the analyzers.
type Sender interface {
	Notify(n Notification)
}
