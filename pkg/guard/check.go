package guard

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-guard/internal/behavior"
	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/messaging"
	"github.com/telhawk-systems/telhawk-guard/internal/metrics"
	"github.com/telhawk-systems/telhawk-guard/internal/ratelimit"
	"github.com/telhawk-systems/telhawk-guard/internal/threat"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

// Stages label which analyzer decided a verdict.
const (
	StageEnforcement = "enforcement"
	StageRateLimit   = "rate_limit"
	StagePayload     = "payload"
	StageUserAgent   = "user_agent"
	StageBehavior    = "behavior"
	StageThreat      = "threat"
)

// CheckRequest evaluates one request and returns its verdict. The analyzers
// run in a fixed order and the first block wins. Storage, alert delivery and
// automated incident response happen in the background and never change the
// verdict. payload may be nil.
func (e *Engine) CheckRequest(ctx context.Context, rc model.RequestContext, body any) model.SecurityVerdict {
	start := time.Now()
	v, stage := e.check(ctx, rc, body)
	metrics.CheckDuration.Observe(time.Since(start).Seconds())
	metrics.Verdicts.WithLabelValues(string(v.Action), stage).Inc()
	if !v.Allowed {
		e.logger.WithActor(rc.UserID, rc.IPAddress).WithContext(ctx).Info("request blocked",
			logging.Endpoint(rc.Endpoint),
			logging.Reason(v.Reason),
			"stage", stage)
	}
	return v
}

func (e *Engine) check(ctx context.Context, rc model.RequestContext, body any) (model.SecurityVerdict, string) {
	key := model.ActorKeyFor(rc)
	subj := threat.SubjectFor(rc)

	if v, blocked := e.enforce(rc); blocked {
		return v, StageEnforcement
	}

	// 1. rate limiting
	if rc.IPAddress != "" && e.limiter.IsBlocked(rc.IPAddress) {
		return model.Block(model.ReasonIPBlocked), StageRateLimit
	}
	if !e.limiter.CheckGlobalLimits(key, rc.IPAddress) {
		if rc.IPAddress != "" && e.limiter.IsBlocked(rc.IPAddress) {
			return model.Block(model.ReasonIPBlocked), StageRateLimit
		}
		return model.Block(model.ReasonRateLimited), StageRateLimit
	}

	var (
		indicators   []model.ThreatIndicator
		monitorStage string
	)

	// 2. payload inspection
	if body != nil {
		res := e.inspector.Inspect(body)
		if len(res.Matches) > 0 {
			now := e.now()
			inds := make([]model.ThreatIndicator, len(res.Matches))
			for i, sig := range res.Matches {
				inds[i] = sig.Indicator(threat.SourcePattern+":payload", res.Serialized)
				inds[i].DetectedAt = now
			}
			e.recordIndicators(rc, subj, inds)
		}
		if !res.Verdict.Allowed {
			ev := model.NewAuditEvent(model.EventPayloadBlocked, rc, model.SeverityHigh, model.ResultBlocked)
			ev.Metadata = ev.Metadata.
				Set(model.MetaReason, res.Verdict.Reason).
				Set(model.MetaThreats, strings.Join(res.Verdict.Threats, " | "))
			e.audit.LogEvent(ev)
			return res.Verdict, StagePayload
		}
		indicators = append(indicators, e.detector.AnalyzeContent(res.Serialized, "payload")...)
	}

	// 3. user agent
	cl := e.classifier.Classify(rc.UserAgent)
	action, allowed := e.classifier.Action(cl)
	if cl.Suspicious {
		risk := model.SeverityMedium
		result := model.ResultFlagged
		if !allowed {
			risk, result = model.SeverityHigh, model.ResultBlocked
		}
		ev := model.NewAuditEvent(model.EventSuspiciousAgent, rc, risk, result)
		ev.Metadata = ev.Metadata.
			Set(model.MetaUserAgent, rc.UserAgent).
			Set(model.MetaConfidence, strconv.FormatFloat(cl.Confidence, 'f', 2, 64)).
			Set(model.MetaReason, strings.Join(cl.Reasons, "; "))
		e.audit.LogEvent(ev)
	}
	if !allowed {
		return model.Block(model.ReasonSuspiciousAgent, cl.Reasons...), StageUserAgent
	}
	if action == model.ActionMonitor {
		monitorStage = StageUserAgent
	}

	// 4. behavior
	br := e.profiler.Analyze(rc)
	if len(br.Indicators) > 0 {
		e.logBehavior(rc, br)
	}
	if br.Blocked {
		e.recordIndicators(rc, subj, append(indicators, br.Indicators...))
		reason := model.ReasonAutomatedBehavior
		if br.Honeypot {
			reason = model.ReasonRestrictedResource
		}
		return model.Block(reason, labels(br.Indicators)...), StageBehavior
	}
	indicators = append(indicators, br.Indicators...)
	if br.Action == model.ActionMonitor && monitorStage == "" {
		monitorStage = StageBehavior
	}

	// 5. threat detection
	if e.detector.IsAdminPath(rc.Endpoint) {
		e.audit.LogEvent(model.NewAuditEvent(model.EventAdminAccess, rc, model.SeverityLow, model.ResultSuccess))
	}
	if ind, ok := e.detector.CheckReputation(rc.IPAddress); ok {
		indicators = append(indicators, ind)
	}
	since := e.now().Add(-e.cfg.Threat.BehaviorWindow)
	indicators = append(indicators, e.detector.AnalyzeBehavior(e.audit.Recent(key, since))...)

	if len(indicators) == 0 {
		if monitorStage == "" {
			monitorStage = StageThreat
		}
		return model.Allow(model.ActionMonitor), monitorStage
	}

	e.recordIndicators(rc, subj, indicators)
	threats := labels(indicators)
	for _, ind := range indicators {
		if ind.Severity == model.SeverityCritical {
			return model.Block(model.ReasonThreatDetected, threats...), StageThreat
		}
	}
	return model.Allow(model.ActionAlert, threats...), StageThreat
}

// RecordEvent lets the host application report outcomes the engine cannot
// observe itself, such as failed logins. The actor's recent history is then
// re-evaluated so brute force and enumeration are detected as they happen.
//
// The event ID, timestamp and signature are always assigned by the engine;
// values supplied by the caller are discarded.
func (e *Engine) RecordEvent(ev model.AuditEvent) model.AuditEvent {
	ev.ID, ev.Signature = "", ""
	ev.Timestamp = e.now().UTC()
	if ev.ActorKey == "" {
		ev.ActorKey = model.ActorKey(ev.UserID, ev.IPAddress)
	}
	if ev.RiskLevel == "" {
		ev.RiskLevel = model.SeverityLow
	}
	ev = e.audit.LogEvent(ev)

	since := e.now().Add(-e.cfg.Threat.BehaviorWindow)
	inds := e.detector.AnalyzeBehavior(e.audit.Recent(ev.ActorKey, since))
	if len(inds) > 0 {
		rc := model.RequestContext{UserID: ev.UserID, IPAddress: ev.IPAddress, Endpoint: ev.Endpoint, Method: ev.Method}
		subj := threat.Subject{ActorKey: ev.ActorKey, IPAddress: ev.IPAddress, UserID: ev.UserID, Endpoint: ev.Endpoint}
		e.recordIndicators(rc, subj, inds)
	}
	return ev
}

// recordIndicators writes one audit event per indicator and merges them into
// the actor's alert. Escalation to the responder happens inside Record.
func (e *Engine) recordIndicators(rc model.RequestContext, subj threat.Subject, inds []model.ThreatIndicator) {
	if len(inds) == 0 {
		return
	}
	for _, ind := range inds {
		ev := model.NewAuditEvent(model.EventThreatIndicator, rc, ind.Severity, model.ResultFlagged)
		ev.ActorKey = subj.ActorKey
		ev.Metadata = ev.Metadata.
			Set(model.MetaIndicatorType, string(ind.Type)).
			Set(model.MetaSource, ind.Source).
			Set(model.MetaConfidence, strconv.Itoa(ind.Confidence)).
			Set(model.MetaReason, ind.Evidence)
		e.audit.LogEvent(ev)
	}
	e.detector.Record(subj, inds)
}

func (e *Engine) logBehavior(rc model.RequestContext, br behavior.Result) {
	eventType := model.EventBehaviorAnomaly
	risk := model.SeverityMedium
	result := model.ResultFlagged
	switch {
	case br.Honeypot:
		eventType, risk, result = model.EventHoneypotAccess, model.SeverityCritical, model.ResultBlocked
	case br.Blocked:
		risk, result = model.SeverityHigh, model.ResultBlocked
	}
	ev := model.NewAuditEvent(eventType, rc, risk, result)
	ev.Metadata = ev.Metadata.
		Set(model.MetaScore, strconv.Itoa(br.Score)).
		Set(model.MetaThreats, strings.Join(labels(br.Indicators), ","))
	e.audit.LogEvent(ev)
}

// onViolation forwards rate limiter violations to the audit log.
func (e *Engine) onViolation(v ratelimit.Violation) {
	rc := model.RequestContext{IPAddress: v.IP}
	eventType, risk := model.EventRateLimitViolation, model.SeverityMedium
	if v.Blocked {
		eventType, risk = model.EventIPBlocked, model.SeverityHigh
	}
	ev := model.NewAuditEvent(eventType, rc, risk, model.ResultBlocked)
	ev.ActorKey = v.Key
	ev.Metadata = ev.Metadata.
		Set(model.MetaWindow, v.Window.String()).
		Set(model.MetaViolations, strconv.Itoa(v.Violations)).
		Set(model.MetaReason, fmt.Sprintf("limit %d exceeded", v.Limit))
	e.audit.LogEvent(ev)
}

// onEscalation hands an alert that reached the escalation severity to the
// responder. The responder returns immediately; automation runs in the background.
func (e *Engine) onEscalation(alert model.ThreatAlert) {
	e.publish(messaging.SubjectAlertsEscalated, alert)
	e.responder.HandleAlert(alert)
}

func (e *Engine) onIncidentClosed(inc model.SecurityIncident) {
	if e.detector.ResolveAlert(inc.ActorKey) {
		e.publish(messaging.SubjectAlertsResolved, struct {
			ActorKey   string `json:"actor_key"`
			IncidentID string `json:"incident_id"`
			Status     string `json:"status"`
		}{inc.ActorKey, inc.ID, string(inc.Status)})
	}
}

func (e *Engine) onSuspiciousPattern(p model.SecurityPattern) {
	e.publish(messaging.SubjectPatternsSuspicious, p)
}

func (e *Engine) publish(subject string, v interface{}) {
	if e.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := messaging.PublishJSON(ctx, e.publisher, subject, v); err != nil {
		e.faults.Report("engine.publish", err)
	}
}

func labels(inds []model.ThreatIndicator) []string {
	out := make([]string, 0, len(inds))
	for _, ind := range inds {
		out = append(out, ind.Label())
	}
	return out
}
