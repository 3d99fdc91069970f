// Package incident turns escalated threat alerts into tracked incidents and
// runs the automated part of their response playbooks.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-guard/internal/config"
	"github.com/telhawk-systems/telhawk-guard/internal/faults"
	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/messaging"
	"github.com/telhawk-systems/telhawk-guard/internal/metrics"
	"github.com/telhawk-systems/telhawk-guard/internal/notify"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

var (
	ErrNotFound          = errors.New("incident not found")
	ErrInvalidTransition = errors.New("invalid incident status transition")
)

// SystemActor attributes automated timeline entries.
const SystemActor = "system"

// Asset prefixes used in SecurityIncident.AffectedAssets.
const (
	AssetIP       = "ip:"
	AssetUser     = "user:"
	AssetEndpoint = "endpoint:"
)

// Escalation triggers recorded in timeline entries and metrics.
const (
	TriggerSeverity      = "severity"
	TriggerImpact        = "impact"
	TriggerResponseTime  = "response_time"
	TriggerFailedActions = "failed_actions"
)

// Executor carries out one mitigation action. The returned string is
// recorded as the action result.
type Executor interface {
	Execute(ctx context.Context, action model.MitigationAction, inc model.SecurityIncident) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, action model.MitigationAction, inc model.SecurityIncident) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, action model.MitigationAction, inc model.SecurityIncident) (string, error) {
	return f(ctx, action, inc)
}

// AuditRecorder receives incident lifecycle events.
type AuditRecorder interface {
	LogEvent(ev model.AuditEvent) model.AuditEvent
}

// ClosedHandler is called after an incident reaches a terminal status.
type ClosedHandler func(inc model.SecurityIncident)

// Filter selects incidents for List.
type Filter struct {
	ActorKey   string
	Type       model.IndicatorType
	Status     model.IncidentStatus
	ActiveOnly bool
	Limit      int
}

// Responder owns the incident table. It is safe for concurrent use.
type Responder struct {
	cfg       config.IncidentConfig
	playbooks map[model.PlaybookKey]model.ResponsePlaybook
	cooldowns *Cooldowns
	executor  Executor
	sender    notify.Sender
	publisher messaging.Publisher
	audit     AuditRecorder
	faults    *faults.Reporter
	logger    *logging.Logger
	now       func() time.Time
	onClosed  ClosedHandler

	mu        sync.RWMutex
	incidents map[string]*model.SecurityIncident
	active    map[string]string // actor|type -> incident ID
	seen      map[string]map[string]struct{}

	wg sync.WaitGroup
}

// Option configures a Responder.
type Option func(*Responder)

func WithExecutor(e Executor) Option {
	return func(r *Responder) { r.executor = e }
}

func WithSender(s notify.Sender) Option {
	return func(r *Responder) { r.sender = s }
}

func WithPublisher(p messaging.Publisher) Option {
	return func(r *Responder) { r.publisher = p }
}

func WithAudit(a AuditRecorder) Option {
	return func(r *Responder) { r.audit = a }
}

func WithFaults(f *faults.Reporter) Option {
	return func(r *Responder) { r.faults = f }
}

func WithLogger(l *logging.Logger) Option {
	return func(r *Responder) { r.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Responder) { r.now = now }
}

func WithClosedHandler(h ClosedHandler) Option {
	return func(r *Responder) { r.onClosed = h }
}

// New creates a Responder for the given playbooks and cooldown durations.
func New(cfg config.IncidentConfig, playbooks []model.ResponsePlaybook, cooldowns map[model.MitigationType]time.Duration, opts ...Option) *Responder {
	r := &Responder{
		cfg:       cfg,
		playbooks: make(map[model.PlaybookKey]model.ResponsePlaybook, len(playbooks)),
		cooldowns: NewCooldowns(cooldowns),
		logger:    logging.Default(),
		now:       time.Now,
		incidents: make(map[string]*model.SecurityIncident),
		active:    make(map[string]string),
		seen:      make(map[string]map[string]struct{}),
	}
	for _, p := range playbooks {
		r.playbooks[p.Key()] = p
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Playbook returns the playbook for (t, sev). There is no fallback entry.
func (r *Responder) Playbook(t model.IndicatorType, sev model.Severity) (model.ResponsePlaybook, bool) {
	p, ok := r.playbooks[model.PlaybookKey{Type: t, Severity: sev}]
	return p, ok
}

// Cooldowns exposes the action cooldown gate.
func (r *Responder) Cooldowns() *Cooldowns {
	return r.cooldowns
}

func activeKey(actorKey string, t model.IndicatorType) string {
	return actorKey + "|" + string(t)
}

// HandleAlert opens an incident for the alert or merges it into the active
// incident for the same actor and type. The automated response runs in the
// background; HandleAlert does not wait for it.
func (r *Responder) HandleAlert(alert model.ThreatAlert) (model.SecurityIncident, bool) {
	t := DominantType(alert.Indicators)
	now := r.now().UTC()

	r.mu.Lock()
	inc, created, respond := r.upsertLocked(alert, t, now)
	snap := inc.Clone()
	r.mu.Unlock()

	if created {
		metrics.Incidents.WithLabelValues(string(snap.Type), string(snap.Severity)).Inc()
		r.logger.Warn("incident opened",
			logging.IncidentID(snap.ID),
			logging.ActorKey(snap.ActorKey),
			slog.String("type", string(snap.Type)),
			logging.Severity(string(snap.Severity)))
		r.record(model.EventIncidentCreated, snap, snap.Severity, model.ResultFlagged)
		r.publish(messaging.SubjectIncidentsCreated, snap)
		r.notify(notify.KindIncidentOpened, snap,
			fmt.Sprintf("Incident opened: %s", snap.Type),
			fmt.Sprintf("%s incident for %s (impact %s)", snap.Severity, snap.ActorKey, snap.EstimatedImpact))
	} else {
		r.publish(messaging.SubjectIncidentsUpdated, snap)
	}

	if respond {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.respond(snap.ID)
		}()
	}
	return snap, created
}

func (r *Responder) upsertLocked(alert model.ThreatAlert, t model.IndicatorType, now time.Time) (*model.SecurityIncident, bool, bool) {
	key := activeKey(alert.ActorKey, t)
	if id, ok := r.active[key]; ok {
		inc := r.incidents[id]
		merged := r.mergeIndicatorsLocked(inc, alert.Indicators)
		prev := inc.Severity
		inc.Severity = model.MaxSeverity(inc.Severity, alert.AggregatedSeverity)
		inc.AffectedAssets = mergeAssets(inc.AffectedAssets, assetsOf(alert))
		inc.EstimatedImpact = EstimateImpact(inc.Severity, len(inc.Indicators))
		inc.UpdatedAt = now
		details := fmt.Sprintf("%d new indicator(s) merged from alert %s", merged, alert.ID)
		if inc.Severity != prev {
			details += fmt.Sprintf("; severity raised %s -> %s", prev, inc.Severity)
		}
		inc.Timeline = append(inc.Timeline, model.TimelineEntry{
			Timestamp: now, Event: "alert_merged", Details: details, Actor: SystemActor, Automated: true,
		})
		return inc, false, inc.Severity != prev
	}

	inc := &model.SecurityIncident{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ActorKey:       alert.ActorKey,
		Type:           t,
		Severity:       alert.AggregatedSeverity,
		Status:         model.IncidentStatusOpen,
		AffectedAssets: assetsOf(alert),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.seen[inc.ID] = make(map[string]struct{})
	r.mergeIndicatorsLocked(inc, alert.Indicators)
	inc.EstimatedImpact = EstimateImpact(inc.Severity, len(inc.Indicators))
	inc.Timeline = append(inc.Timeline, model.TimelineEntry{
		Timestamp: now,
		Event:     "incident_created",
		Details:   fmt.Sprintf("opened from alert %s with %d indicator(s), impact %s", alert.ID, len(inc.Indicators), inc.EstimatedImpact),
		Actor:     SystemActor,
		Automated: true,
	})
	r.incidents[inc.ID] = inc
	r.active[key] = inc.ID
	return inc, true, true
}

func indicatorKey(ind model.ThreatIndicator) string {
	return string(ind.Type) + "|" + ind.Source + "|" + ind.Evidence + "|" + ind.DetectedAt.Format(time.RFC3339Nano)
}

func (r *Responder) mergeIndicatorsLocked(inc *model.SecurityIncident, inds []model.ThreatIndicator) int {
	seen := r.seen[inc.ID]
	n := 0
	for _, ind := range inds {
		k := indicatorKey(ind)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		inc.Indicators = append(inc.Indicators, ind)
		n++
	}
	// oldest indicators go first once the incident is full
	if limit := r.cfg.MaxIndicators; limit > 0 && len(inc.Indicators) > limit {
		drop := len(inc.Indicators) - limit
		for _, ind := range inc.Indicators[:drop] {
			delete(seen, indicatorKey(ind))
		}
		inc.Indicators = append([]model.ThreatIndicator(nil), inc.Indicators[drop:]...)
	}
	return n
}

// DominantType picks the incident type from an alert: the type with the most
// severe indicator, then the most indicators, then name order.
func DominantType(inds []model.ThreatIndicator) model.IndicatorType {
	type tally struct {
		rank  int
		count int
	}
	tallies := make(map[model.IndicatorType]*tally)
	for _, ind := range inds {
		t := tallies[ind.Type]
		if t == nil {
			t = &tally{}
			tallies[ind.Type] = t
		}
		t.count++
		if ind.Severity.Rank() > t.rank {
			t.rank = ind.Severity.Rank()
		}
	}

	var (
		best model.IndicatorType = model.IndicatorAnomaly
		bt   *tally
	)
	for typ, t := range tallies {
		switch {
		case bt == nil,
			t.rank > bt.rank,
			t.rank == bt.rank && t.count > bt.count,
			t.rank == bt.rank && t.count == bt.count && typ < best:
			best, bt = typ, t
		}
	}
	return best
}

// EstimateImpact raises severity by one level at 5 indicators and two at 15.
func EstimateImpact(sev model.Severity, indicators int) model.Severity {
	rank := sev.Rank()
	switch {
	case indicators >= 15:
		rank += 2
	case indicators >= 5:
		rank++
	}
	levels := []model.Severity{model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical}
	if rank < 1 {
		rank = 1
	}
	if rank > len(levels) {
		rank = len(levels)
	}
	return levels[rank-1]
}

func assetsOf(alert model.ThreatAlert) []string {
	var assets []string
	if alert.IPAddress != "" {
		assets = append(assets, AssetIP+alert.IPAddress)
	}
	if alert.UserID != "" {
		assets = append(assets, AssetUser+alert.UserID)
	}
	for _, ep := range alert.Endpoints {
		assets = append(assets, AssetEndpoint+ep)
	}
	return assets
}

func mergeAssets(have, add []string) []string {
	for _, a := range add {
		found := false
		for _, h := range have {
			if h == a {
				found = true
				break
			}
		}
		if !found {
			have = append(have, a)
		}
	}
	return have
}

// asset returns the last asset with the given prefix, without the prefix.
func asset(assets []string, prefix string) string {
	for i := len(assets) - 1; i >= 0; i-- {
		if strings.HasPrefix(assets[i], prefix) {
			return strings.TrimPrefix(assets[i], prefix)
		}
	}
	return ""
}

// Subject returns who or what an action of type t targets for inc.
func Subject(t model.MitigationType, pa model.PlaybookAction, inc model.SecurityIncident) string {
	switch t {
	case model.MitigationBlockIP:
		return asset(inc.AffectedAssets, AssetIP)
	case model.MitigationQuarantineUser:
		return asset(inc.AffectedAssets, AssetUser)
	case model.MitigationDisableEndpoint:
		return asset(inc.AffectedAssets, AssetEndpoint)
	case model.MitigationRateLimit:
		return inc.ActorKey
	case model.MitigationAlertTeam:
		return inc.ID
	default:
		if pa.Name != "" {
			return pa.Name
		}
		return inc.ActorKey
	}
}

// respond runs the playbook for the incident's current (type, severity).
func (r *Responder) respond(id string) {
	r.mu.RLock()
	inc, ok := r.incidents[id]
	if !ok {
		r.mu.RUnlock()
		return
	}
	snap := inc.Clone()
	r.mu.RUnlock()

	pb, ok := r.Playbook(snap.Type, snap.Severity)
	if !ok {
		r.logger.Info("no playbook for incident, skipping automated response",
			logging.IncidentID(snap.ID),
			slog.String("type", string(snap.Type)),
			logging.Severity(string(snap.Severity)))
		r.appendTimeline(id, model.TimelineEntry{
			Event:     "no_playbook",
			Details:   fmt.Sprintf("no playbook for %s/%s", snap.Type, snap.Severity),
			Actor:     SystemActor,
			Automated: true,
		})
		r.checkEscalation(id, r.now().UTC())
		return
	}

	failed := 0
	for _, pa := range pb.AutomatedActions {
		action := r.execute(pa, snap)
		if action.Status == model.ActionStatusFailed && action.Result != model.ResultOnCooldown {
			failed++
		}
		r.recordAction(id, action)
	}

	now := r.now().UTC()
	r.mu.Lock()
	if inc, ok := r.incidents[id]; ok && inc.Status == model.IncidentStatusOpen {
		inc.Status = model.IncidentStatusInvestigating
		inc.UpdatedAt = now
		inc.Timeline = append(inc.Timeline, model.TimelineEntry{
			Timestamp: now,
			Event:     "status_changed",
			Details:   fmt.Sprintf("%s -> %s after automated response", model.IncidentStatusOpen, model.IncidentStatusInvestigating),
			Actor:     SystemActor,
			Automated: true,
		})
	}
	r.mu.Unlock()

	if pb.EscalationThreshold > 0 && failed >= pb.EscalationThreshold {
		r.escalate(id, now, []string{TriggerFailedActions})
	}
	r.checkEscalation(id, now)
}

// execute runs one playbook step under its cooldown and timeout.
func (r *Responder) execute(pa model.PlaybookAction, inc model.SecurityIncident) model.MitigationAction {
	started := r.now().UTC()
	subject := Subject(pa.Type, pa, inc)
	action := model.MitigationAction{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Type:        pa.Type,
		Name:        pa.Name,
		Subject:     subject,
		Status:      model.ActionStatusPending,
		Automated:   true,
		CooldownKey: Key(pa.Type, subject),
		StartedAt:   started,
	}
	finish := func(status model.ActionStatus, result string) model.MitigationAction {
		done := r.now().UTC()
		action.Status = status
		action.Result = result
		action.CompletedAt = &done
		metrics.MitigationActions.WithLabelValues(string(action.Type), string(status)).Inc()
		return action
	}

	if subject == "" {
		return finish(model.ActionStatusFailed, "no subject for "+string(pa.Type))
	}
	if !r.cooldowns.TryAcquire(pa.Type, subject, started) {
		return finish(model.ActionStatusFailed, model.ResultOnCooldown)
	}
	if r.executor == nil {
		return finish(model.ActionStatusFailed, "no executor configured")
	}

	action.Status = model.ActionStatusInProgress
	ctx, cancel := context.WithTimeout(context.Background(), r.actionTimeout())
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := r.executor.Execute(ctx, action, inc)
		done <- outcome{result, err}
	}()

	var (
		result string
		err    error
	)
	select {
	case out := <-done:
		result, err = out.result, out.err
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		r.logger.Warn("mitigation action failed",
			logging.IncidentID(inc.ID),
			logging.Action(string(pa.Type)),
			slog.String("subject", subject),
			logging.Error(err))
		return finish(model.ActionStatusFailed, err.Error())
	}
	return finish(model.ActionStatusCompleted, result)
}

func (r *Responder) actionTimeout() time.Duration {
	if r.cfg.ActionTimeout > 0 {
		return r.cfg.ActionTimeout
	}
	return 10 * time.Second
}

func (r *Responder) recordAction(id string, action model.MitigationAction) {
	now := r.now().UTC()
	r.mu.Lock()
	inc, ok := r.incidents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	inc.MitigationActions = append(inc.MitigationActions, action)
	inc.UpdatedAt = now
	details := fmt.Sprintf("%s on %s: %s", action.Type, action.Subject, action.Status)
	if action.Result != "" {
		details += " (" + action.Result + ")"
	}
	inc.Timeline = append(inc.Timeline, model.TimelineEntry{
		Timestamp: now, Event: "mitigation_action", Details: details, Actor: SystemActor, Automated: true,
	})
	snap := inc.Clone()
	r.mu.Unlock()

	risk := model.SeverityMedium
	result := model.ResultSuccess
	if action.Status == model.ActionStatusFailed {
		result = model.ResultFailure
	}
	ev := model.AuditEvent{
		EventType: model.EventMitigation,
		ActorKey:  snap.ActorKey,
		RiskLevel: risk,
		Result:    result,
	}
	ev.Metadata = ev.Metadata.
		Set(model.MetaIncidentID, snap.ID).
		Set(model.MetaActionType, string(action.Type)).
		Set(model.MetaReason, action.Result)
	if r.audit != nil {
		r.audit.LogEvent(ev)
	}
	r.publish(messaging.SubjectMitigationsExecuted, struct {
		IncidentID string                 `json:"incident_id"`
		ActorKey   string                 `json:"actor_key"`
		Action     model.MitigationAction `json:"action"`
	}{snap.ID, snap.ActorKey, action})
}

func (r *Responder) appendTimeline(id string, entry model.TimelineEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if inc, ok := r.incidents[id]; ok {
		inc.Timeline = append(inc.Timeline, entry)
		inc.UpdatedAt = entry.Timestamp
	}
}

// escalationTriggers evaluates the severity, impact and response-time rules.
func (r *Responder) escalationTriggers(inc *model.SecurityIncident, now time.Time) []string {
	var triggers []string
	if inc.Severity == model.SeverityCritical {
		triggers = append(triggers, TriggerSeverity)
	}
	if inc.EstimatedImpact == model.SeverityCritical {
		triggers = append(triggers, TriggerImpact)
	}
	if pb, ok := r.Playbook(inc.Type, inc.Severity); ok && pb.MaxResponseMinutes > 0 {
		if now.Sub(inc.CreatedAt) > time.Duration(pb.MaxResponseMinutes)*time.Minute {
			triggers = append(triggers, TriggerResponseTime)
		}
	}
	return triggers
}

func (r *Responder) checkEscalation(id string, now time.Time) bool {
	r.mu.RLock()
	inc, ok := r.incidents[id]
	if !ok || inc.Escalated || inc.Status.Terminal() || inc.Status == model.IncidentStatusContained {
		r.mu.RUnlock()
		return false
	}
	triggers := r.escalationTriggers(inc, now)
	r.mu.RUnlock()

	if len(triggers) == 0 {
		return false
	}
	return r.escalate(id, now, triggers)
}

// escalate marks the incident escalated once and notifies the team. The
// incident stays in investigating until an analyst moves it on.
func (r *Responder) escalate(id string, now time.Time, triggers []string) bool {
	r.mu.Lock()
	inc, ok := r.incidents[id]
	if !ok || inc.Escalated || inc.Status.Terminal() {
		r.mu.Unlock()
		return false
	}
	inc.Escalated = true
	if inc.Status == model.IncidentStatusOpen {
		inc.Status = model.IncidentStatusInvestigating
	}
	inc.UpdatedAt = now
	inc.Timeline = append(inc.Timeline, model.TimelineEntry{
		Timestamp: now,
		Event:     "escalated",
		Details:   "escalated to security team: " + strings.Join(triggers, ", "),
		Actor:     SystemActor,
		Automated: true,
	})
	snap := inc.Clone()
	r.mu.Unlock()

	for _, t := range triggers {
		metrics.Escalations.WithLabelValues(t).Inc()
	}
	r.logger.Warn("incident escalated",
		logging.IncidentID(snap.ID),
		logging.ActorKey(snap.ActorKey),
		slog.String("triggers", strings.Join(triggers, ",")))
	r.publish(messaging.SubjectIncidentsEscalated, snap)
	r.notify(notify.KindIncidentEscalated, snap,
		fmt.Sprintf("Incident escalated: %s", snap.Type),
		fmt.Sprintf("%s incident for %s requires manual action (%s)", snap.Severity, snap.ActorKey, strings.Join(triggers, ", ")))
	return true
}

// CheckEscalations re-evaluates escalation rules for all open incidents and
// returns how many were escalated.
func (r *Responder) CheckEscalations(now time.Time) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.incidents))
	for id, inc := range r.incidents {
		if !inc.Escalated && !inc.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if r.checkEscalation(id, now) {
			n++
		}
	}
	return n
}

// Sweep drops resolved and false-positive incidents last updated more than
// retention before now. Contained incidents are kept. A non-positive
// retention keeps everything.
func (r *Responder) Sweep(now time.Time, retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, inc := range r.incidents {
		if inc.Status.Terminal() && now.Sub(inc.UpdatedAt) > retention {
			delete(r.incidents, id)
			delete(r.seen, id)
			n++
		}
	}
	return n
}

// UpdateStatus applies an analyst transition. It is the only way to reach
// contained, resolved or false_positive.
func (r *Responder) UpdateStatus(id string, status model.IncidentStatus, actor, notes string) (model.SecurityIncident, error) {
	now := r.now().UTC()
	if actor == "" {
		actor = "analyst"
	}

	r.mu.Lock()
	inc, ok := r.incidents[id]
	if !ok {
		r.mu.Unlock()
		return model.SecurityIncident{}, ErrNotFound
	}
	if !inc.Status.CanTransition(status) {
		from := inc.Status
		r.mu.Unlock()
		return model.SecurityIncident{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	from := inc.Status
	inc.Status = status
	inc.UpdatedAt = now
	details := fmt.Sprintf("%s -> %s", from, status)
	if notes != "" {
		details += ": " + notes
	}
	inc.Timeline = append(inc.Timeline, model.TimelineEntry{
		Timestamp: now, Event: "status_changed", Details: details, Actor: actor, Automated: false,
	})
	if status.Terminal() {
		key := activeKey(inc.ActorKey, inc.Type)
		if r.active[key] == inc.ID {
			delete(r.active, key)
		}
		delete(r.seen, inc.ID)
	}
	snap := inc.Clone()
	r.mu.Unlock()

	r.logger.Info("incident status updated",
		logging.IncidentID(snap.ID),
		slog.String("from", string(from)),
		slog.String("to", string(status)),
		slog.String("analyst", actor))
	r.record(model.EventIncidentUpdated, snap, model.SeverityLow, model.ResultSuccess)
	r.publish(messaging.SubjectIncidentsUpdated, snap)

	if status.Terminal() && r.onClosed != nil {
		r.onClosed(snap)
	}
	return snap, nil
}

// Get returns a snapshot of the incident.
func (r *Responder) Get(id string) (model.SecurityIncident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inc, ok := r.incidents[id]
	if !ok {
		return model.SecurityIncident{}, ErrNotFound
	}
	return inc.Clone(), nil
}

// Active returns the non-terminal incident for (actorKey, t), if any.
func (r *Responder) Active(actorKey string, t model.IndicatorType) (model.SecurityIncident, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.active[activeKey(actorKey, t)]
	if !ok {
		return model.SecurityIncident{}, false
	}
	return r.incidents[id].Clone(), true
}

// List returns incidents matching f, newest first.
func (r *Responder) List(f Filter) []model.SecurityIncident {
	r.mu.RLock()
	out := make([]model.SecurityIncident, 0, len(r.incidents))
	for _, inc := range r.incidents {
		switch {
		case f.ActorKey != "" && inc.ActorKey != f.ActorKey,
			f.Type != "" && inc.Type != f.Type,
			f.Status != "" && inc.Status != f.Status,
			f.ActiveOnly && inc.Status.Terminal():
			continue
		}
		out = append(out, inc.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Wait blocks until in-flight automated responses complete.
func (r *Responder) Wait() {
	r.wg.Wait()
}

func (r *Responder) record(eventType string, inc model.SecurityIncident, risk model.Severity, result string) {
	if r.audit == nil {
		return
	}
	ev := model.AuditEvent{
		EventType: eventType,
		ActorKey:  inc.ActorKey,
		IPAddress: asset(inc.AffectedAssets, AssetIP),
		UserID:    asset(inc.AffectedAssets, AssetUser),
		RiskLevel: risk,
		Result:    result,
	}
	ev.Metadata = ev.Metadata.
		Set(model.MetaIncidentID, inc.ID).
		Set(model.MetaIndicatorType, string(inc.Type))
	r.audit.LogEvent(ev)
}

func (r *Responder) publish(subject string, v interface{}) {
	if r.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.actionTimeout())
	defer cancel()
	if err := messaging.PublishJSON(ctx, r.publisher, subject, v); err != nil {
		r.faults.Report("incident.publish", err)
	}
}

func (r *Responder) notify(kind notify.Kind, inc model.SecurityIncident, title, message string) {
	if r.sender == nil {
		return
	}
	r.sender.Notify(notify.Notification{
		Kind:       kind,
		Severity:   inc.Severity,
		Title:      title,
		Message:    message,
		ActorKey:   inc.ActorKey,
		IncidentID: inc.ID,
		Fields: map[string]string{
			"status": string(inc.Status),
			"impact": string(inc.EstimatedImpact),
		},
	})
}
