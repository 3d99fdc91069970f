package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/notify"
	"github.com/telhawk-systems/telhawk-guard/internal/shardmap"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

// enforce blocks requests from quarantined users and to disabled endpoints.
func (e *Engine) enforce(rc model.RequestContext) (model.SecurityVerdict, bool) {
	now := e.now()
	if rc.UserID != "" && active(e.quarantined, rc.UserID, now) {
		e.logEnforcement(rc, model.ReasonUserQuarantined)
		return model.Block(model.ReasonUserQuarantined), true
	}
	if rc.Endpoint != "" && active(e.disabled, rc.Endpoint, now) {
		e.logEnforcement(rc, model.ReasonEndpointDisabled)
		return model.Block(model.ReasonEndpointDisabled), true
	}
	return model.SecurityVerdict{}, false
}

func active(m *shardmap.Map[time.Time], key string, now time.Time) bool {
	until, ok := m.Get(key)
	return ok && now.Before(until)
}

func (e *Engine) logEnforcement(rc model.RequestContext, reason string) {
	ev := model.NewAuditEvent(model.EventEnforcementBlock, rc, model.SeverityMedium, model.ResultBlocked)
	ev.Metadata = ev.Metadata.Set(model.MetaReason, reason)
	e.audit.LogEvent(ev)
}

// IsQuarantined reports whether userID is under an active quarantine.
func (e *Engine) IsQuarantined(userID string) bool {
	return active(e.quarantined, userID, e.now())
}

// IsEndpointDisabled reports whether endpoint is temporarily disabled.
func (e *Engine) IsEndpointDisabled(endpoint string) bool {
	return active(e.disabled, endpoint, e.now())
}

// Release lifts a quarantine or endpoint disable ahead of its expiry.
func (e *Engine) Release(t model.MitigationType, subject string) bool {
	switch t {
	case model.MitigationQuarantineUser:
		_, ok := e.quarantined.Get(subject)
		e.quarantined.Delete(subject)
		return ok
	case model.MitigationDisableEndpoint:
		_, ok := e.disabled.Get(subject)
		e.disabled.Delete(subject)
		return ok
	case model.MitigationBlockIP:
		blocked := e.limiter.IsBlocked(subject)
		e.limiter.UnblockIP(subject)
		return blocked
	default:
		return false
	}
}

// execute carries out one automated mitigation for the responder.
func (e *Engine) execute(ctx context.Context, action model.MitigationAction, inc model.SecurityIncident) (string, error) {
	now := e.now()
	switch action.Type {
	case model.MitigationBlockIP:
		d := e.cfg.RateLimit.BlockDuration
		e.limiter.BlockIP(action.Subject, d)
		return fmt.Sprintf("ip %s blocked for %s", action.Subject, d), nil

	case model.MitigationRateLimit:
		factor, d := e.cfg.RateLimit.RestrictFactor, e.cfg.RateLimit.RestrictDuration
		if factor < 2 {
			factor = 2
		}
		e.limiter.Restrict(action.Subject, factor, d)
		return fmt.Sprintf("limits for %s divided by %d for %s", action.Subject, factor, d), nil

	case model.MitigationQuarantineUser:
		d := e.cfg.Incident.QuarantineDuration
		e.quarantined.Set(action.Subject, now.Add(d))
		return fmt.Sprintf("user %s quarantined for %s", action.Subject, d), nil

	case model.MitigationDisableEndpoint:
		d := e.cfg.Incident.DisableDuration
		e.disabled.Set(action.Subject, now.Add(d))
		return fmt.Sprintf("endpoint %s disabled for %s", action.Subject, d), nil

	case model.MitigationAlertTeam:
		err := e.dispatcher.Send(ctx, notify.Notification{
			Kind:       notify.KindTeamAlert,
			Severity:   inc.Severity,
			Title:      fmt.Sprintf("Security incident: %s", inc.Type),
			Message:    fmt.Sprintf("%s %s incident for %s, estimated impact %s", inc.Severity, inc.Type, inc.ActorKey, inc.EstimatedImpact),
			ActorKey:   inc.ActorKey,
			IncidentID: inc.ID,
			Fields: map[string]string{
				"assets":     fmt.Sprint(inc.AffectedAssets),
				"indicators": fmt.Sprint(len(inc.Indicators)),
			},
		})
		if err != nil {
			return "", fmt.Errorf("alert team: %w", err)
		}
		return "security team notified", nil

	case model.MitigationCustom:
		e.logger.Warn("custom mitigation requested",
			logging.IncidentID(inc.ID),
			logging.ActorKey(inc.ActorKey),
			slog.String("name", action.Name),
			slog.String("subject", action.Subject))
		return "custom action logged for manual follow-up", nil

	default:
		return "", fmt.Errorf("unsupported mitigation type %q", action.Type)
	}
}
