package incident

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-guard/internal/config"
	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/messaging"
	"github.com/telhawk-systems/telhawk-guard/internal/notify"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

// mockExecutor records executed actions and fails types listed in fail.
type mockExecutor struct {
	mu       sync.Mutex
	executed []model.MitigationAction
	fail     map[model.MitigationType]error
	block    chan struct{}
}

func (m *mockExecutor) Execute(ctx context.Context, action model.MitigationAction, _ model.SecurityIncident) (string, error) {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executed = append(m.executed, action)
	if err := m.fail[action.Type]; err != nil {
		return "", err
	}
	return "done", nil
}

func (m *mockExecutor) types() []model.MitigationType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.MitigationType, len(m.executed))
	for i, a := range m.executed {
		out[i] = a.Type
	}
	return out
}

type recordingSender struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingSender) Notify(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingSender) count(kind notify.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

type recordingAudit struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (a *recordingAudit) LogEvent(ev model.AuditEvent) model.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return ev
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	r      *Responder
	exec   *mockExecutor
	sender *recordingSender
	audit  *recordingAudit
	pub    *messaging.MemoryPublisher
	clock  *testClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	rules := config.DefaultRules()
	f := &fixture{
		exec:   &mockExecutor{},
		sender: &recordingSender{},
		audit:  &recordingAudit{},
		pub:    messaging.NewMemoryPublisher(0),
		clock:  &testClock{t: time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)},
	}
	base := []Option{
		WithExecutor(f.exec),
		WithSender(f.sender),
		WithAudit(f.audit),
		WithPublisher(f.pub),
		WithClock(f.clock.now),
		WithLogger(logging.Discard()),
	}
	cfg := config.IncidentConfig{ActionTimeout: time.Second}
	f.r = New(cfg, rules.Playbooks, rules.Cooldowns, append(base, opts...)...)
	return f
}

func indicator(t model.IndicatorType, sev model.Severity, evidence string) model.ThreatIndicator {
	return model.ThreatIndicator{
		Type:       t,
		Severity:   sev,
		Confidence: 90,
		Evidence:   evidence,
		Source:     "test",
		DetectedAt: time.Date(2025, 1, 10, 11, 59, 0, 0, time.UTC),
	}
}

func alertFor(actor, ip string, inds ...model.ThreatIndicator) model.ThreatAlert {
	sev := model.SeverityLow
	for _, i := range inds {
		sev = model.MaxSeverity(sev, i.Severity)
	}
	return model.ThreatAlert{
		ID:                 "alert-" + actor,
		ActorKey:           actor,
		IPAddress:          ip,
		Endpoints:          []string{"/admin/backup"},
		Indicators:         inds,
		AggregatedSeverity: sev,
		OccurrenceCount:    1,
		IsActive:           true,
	}
}

func honeypotAlert() model.ThreatAlert {
	return alertFor("ip:203.0.113.9", "203.0.113.9",
		indicator(model.IndicatorScrapingPattern, model.SeverityCritical, "honeypot /admin/backup"))
}

// =============================================================================
// Creation
// =============================================================================

func TestHandleAlert_CreatesIncidentAndRunsPlaybook(t *testing.T) {
	f := newFixture(t)

	inc, created := f.r.HandleAlert(honeypotAlert())
	require.True(t, created)
	assert.Equal(t, model.IncidentStatusOpen, inc.Status)
	assert.Equal(t, model.IndicatorScrapingPattern, inc.Type)
	assert.Equal(t, model.SeverityCritical, inc.Severity)
	assert.Contains(t, inc.AffectedAssets, "ip:203.0.113.9")
	assert.Contains(t, inc.AffectedAssets, "endpoint:/admin/backup")
	require.NotEmpty(t, inc.Timeline)
	assert.Equal(t, "incident_created", inc.Timeline[0].Event)

	f.r.Wait()

	got, err := f.r.Get(inc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IncidentStatusInvestigating, got.Status)
	assert.True(t, got.Escalated, "critical severity escalates")

	require.Len(t, got.MitigationActions, 2)
	block := got.MitigationActions[0]
	assert.Equal(t, model.MitigationBlockIP, block.Type)
	assert.Equal(t, model.ActionStatusCompleted, block.Status)
	assert.Equal(t, "203.0.113.9", block.Subject)
	assert.True(t, block.Automated)
	assert.NotNil(t, block.CompletedAt)
	assert.Equal(t, model.MitigationAlertTeam, got.MitigationActions[1].Type)
	assert.Equal(t, inc.ID, got.MitigationActions[1].Subject)

	assert.Equal(t, []model.MitigationType{model.MitigationBlockIP, model.MitigationAlertTeam}, f.exec.types())
	assert.Equal(t, 1, f.sender.count(notify.KindIncidentOpened))
	assert.Equal(t, 1, f.sender.count(notify.KindIncidentEscalated))
	assert.Len(t, f.pub.Messages(messaging.SubjectIncidentsCreated), 1)
	assert.Len(t, f.pub.Messages(messaging.SubjectMitigationsExecuted), 2)
	assert.Len(t, f.pub.Messages(messaging.SubjectIncidentsEscalated), 1)
}

func TestHandleAlert_SameActorAndTypeUpdatesExisting(t *testing.T) {
	f := newFixture(t)

	first, created := f.r.HandleAlert(honeypotAlert())
	require.True(t, created)
	f.r.Wait()

	again := honeypotAlert()
	again.Indicators = append(again.Indicators,
		indicator(model.IndicatorScrapingPattern, model.SeverityCritical, "honeypot /.env"))
	again.Endpoints = append(again.Endpoints, "/.env")

	second, created := f.r.HandleAlert(again)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Indicators, 2, "repeated indicators are not duplicated")
	assert.Contains(t, second.AffectedAssets, "endpoint:/.env")
	assert.Equal(t, "alert_merged", second.Timeline[len(second.Timeline)-1].Event)

	f.r.Wait()
	assert.Len(t, f.r.List(Filter{}), 1)
}

func TestHandleAlert_DifferentTypeOpensSeparateIncident(t *testing.T) {
	f := newFixture(t)

	a, _ := f.r.HandleAlert(honeypotAlert())
	b, created := f.r.HandleAlert(alertFor("ip:203.0.113.9", "203.0.113.9",
		indicator(model.IndicatorBruteForce, model.SeverityHigh, "12 failures")))
	f.r.Wait()

	assert.True(t, created)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, f.r.List(Filter{ActorKey: "ip:203.0.113.9"}), 2)
}

func TestHandleAlert_ConcurrentAlertsSingleIncident(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.r.HandleAlert(honeypotAlert())
		}()
	}
	wg.Wait()
	f.r.Wait()

	assert.Len(t, f.r.List(Filter{}), 1)
}

// =============================================================================
// Playbooks and actions
// =============================================================================

func TestRespond_NoPlaybookStops(t *testing.T) {
	f := newFixture(t)

	// no playbook exists for phishing/medium
	inc, _ := f.r.HandleAlert(alertFor("user:9", "",
		indicator(model.IndicatorPhishing, model.SeverityMedium, "credential lure")))
	f.r.Wait()

	got, err := f.r.Get(inc.ID)
	require.NoError(t, err)
	assert.Empty(t, got.MitigationActions)
	assert.Empty(t, f.exec.types())
	assert.Equal(t, model.IncidentStatusOpen, got.Status)
	assert.Equal(t, "no_playbook", got.Timeline[len(got.Timeline)-1].Event)
}

func TestRespond_CooldownRecordsFailedAction(t *testing.T) {
	f := newFixture(t)

	first, _ := f.r.HandleAlert(honeypotAlert())
	f.r.Wait()

	// close it so the next alert opens a fresh incident for the same IP
	_, err := f.r.UpdateStatus(first.ID, model.IncidentStatusFalsePositive, "alice", "test traffic")
	require.NoError(t, err)

	f.clock.advance(30 * time.Second)
	second, created := f.r.HandleAlert(honeypotAlert())
	require.True(t, created)
	f.r.Wait()

	got, err := f.r.Get(second.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.MitigationActions)
	block := got.MitigationActions[0]
	assert.Equal(t, model.MitigationBlockIP, block.Type)
	assert.Equal(t, model.ActionStatusFailed, block.Status)
	assert.Equal(t, model.ResultOnCooldown, block.Result)

	blocks := 0
	for _, typ := range f.exec.types() {
		if typ == model.MitigationBlockIP {
			blocks++
		}
	}
	assert.Equal(t, 1, blocks, "block_ip executed once within its cooldown")
}

func TestRespond_MissingSubjectFails(t *testing.T) {
	f := newFixture(t)

	inc, _ := f.r.HandleAlert(alertFor("user:42", "",
		indicator(model.IndicatorScrapingPattern, model.SeverityCritical, "honeypot")))
	f.r.Wait()

	got, _ := f.r.Get(inc.ID)
	require.Len(t, got.MitigationActions, 2)
	assert.Equal(t, model.ActionStatusFailed, got.MitigationActions[0].Status)
	assert.Contains(t, got.MitigationActions[0].Result, "no subject")
	assert.Equal(t, model.ActionStatusCompleted, got.MitigationActions[1].Status)
}

func TestRespond_ActionTimeout(t *testing.T) {
	f := newFixture(t)
	f.exec.block = make(chan struct{})
	f.r.cfg.ActionTimeout = 20 * time.Millisecond

	inc, _ := f.r.HandleAlert(honeypotAlert())
	f.r.Wait()

	got, _ := f.r.Get(inc.ID)
	require.Len(t, got.MitigationActions, 2)
	for _, a := range got.MitigationActions {
		assert.Equal(t, model.ActionStatusFailed, a.Status)
		assert.Contains(t, a.Result, context.DeadlineExceeded.Error())
	}
}

func TestRespond_ExecutorIgnoringContextDoesNotStall(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	exec := ExecutorFunc(func(_ context.Context, action model.MitigationAction, _ model.SecurityIncident) (string, error) {
		if action.Type == model.MitigationBlockIP {
			<-release
		}
		return "done", nil
	})
	f := newFixture(t, WithExecutor(exec))
	f.r.cfg.ActionTimeout = 20 * time.Millisecond

	inc, _ := f.r.HandleAlert(honeypotAlert())

	finished := make(chan struct{})
	go func() {
		f.r.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("playbook stalled on a blocked action")
	}

	got, err := f.r.Get(inc.ID)
	require.NoError(t, err)
	require.Len(t, got.MitigationActions, 2)
	assert.Equal(t, model.ActionStatusFailed, got.MitigationActions[0].Status)
	assert.Contains(t, got.MitigationActions[0].Result, context.DeadlineExceeded.Error())
	assert.Equal(t, model.MitigationAlertTeam, got.MitigationActions[1].Type)
	assert.Equal(t, model.ActionStatusCompleted, got.MitigationActions[1].Status)
}

func TestRespond_FailedActionsEscalate(t *testing.T) {
	f := newFixture(t)
	f.exec.fail = map[model.MitigationType]error{model.MitigationRateLimit: errors.New("limiter unavailable")}

	// anomaly/high: rate_limit only, escalation threshold 1
	inc, _ := f.r.HandleAlert(alertFor("ip:10.0.0.7", "10.0.0.7",
		indicator(model.IndicatorAnomaly, model.SeverityHigh, "reputation 20")))
	f.r.Wait()

	got, _ := f.r.Get(inc.ID)
	assert.True(t, got.Escalated)
	last := got.Timeline[len(got.Timeline)-1]
	assert.Equal(t, "escalated", last.Event)
	assert.Contains(t, last.Details, TriggerFailedActions)
}

func TestCheckEscalations_ResponseTime(t *testing.T) {
	f := newFixture(t)

	// scraping/high: max response 60 minutes, not critical
	inc, _ := f.r.HandleAlert(alertFor("ip:10.0.0.8", "10.0.0.8",
		indicator(model.IndicatorScrapingPattern, model.SeverityHigh, "sequential ids")))
	f.r.Wait()

	got, _ := f.r.Get(inc.ID)
	require.False(t, got.Escalated)
	assert.Zero(t, f.r.CheckEscalations(f.clock.now().Add(30*time.Minute)))

	assert.Equal(t, 1, f.r.CheckEscalations(f.clock.now().Add(61*time.Minute)))
	got, _ = f.r.Get(inc.ID)
	assert.True(t, got.Escalated)
	assert.Equal(t, model.IncidentStatusInvestigating, got.Status)

	assert.Zero(t, f.r.CheckEscalations(f.clock.now().Add(2*time.Hour)), "escalation happens once")
}

func TestHandleAlert_IndicatorsCapped(t *testing.T) {
	f := newFixture(t)
	f.r.cfg.MaxIndicators = 3

	ind := func(evidence string) model.ThreatIndicator {
		return indicator(model.IndicatorBruteForce, model.SeverityHigh, evidence)
	}
	evidence := func(inc model.SecurityIncident) []string {
		out := make([]string, len(inc.Indicators))
		for i, in := range inc.Indicators {
			out[i] = in.Evidence
		}
		return out
	}

	inc, _ := f.r.HandleAlert(alertFor("user:8", "", ind("e1"), ind("e2"), ind("e3")))
	assert.Equal(t, []string{"e1", "e2", "e3"}, evidence(inc))

	inc, _ = f.r.HandleAlert(alertFor("user:8", "", ind("e2"), ind("e3"), ind("e4")))
	assert.Equal(t, []string{"e2", "e3", "e4"}, evidence(inc), "oldest evicted")

	inc, _ = f.r.HandleAlert(alertFor("user:8", "", ind("e2"), ind("e3"), ind("e4")))
	assert.Equal(t, []string{"e2", "e3", "e4"}, evidence(inc))
	f.r.Wait()

	for i := 5; i < 50; i++ {
		inc, _ = f.r.HandleAlert(alertFor("user:8", "", ind(fmt.Sprintf("e%d", i))))
	}
	f.r.Wait()
	assert.Len(t, inc.Indicators, 3)
	assert.Len(t, f.r.seen[inc.ID], 3)
}

func TestSweep_DropsOldTerminalIncidents(t *testing.T) {
	f := newFixture(t)

	resolved, _ := f.r.HandleAlert(honeypotAlert())
	open, _ := f.r.HandleAlert(alertFor("user:5", "", indicator(model.IndicatorInjection, model.SeverityHigh, "' OR 1=1")))
	f.r.Wait()
	_, err := f.r.UpdateStatus(resolved.ID, model.IncidentStatusResolved, "alice", "")
	require.NoError(t, err)

	now := f.clock.now()
	tests := []struct {
		name      string
		at        time.Time
		retention time.Duration
		removed   int
	}{
		{"retention disabled", now.Add(48 * time.Hour), 0, 0},
		{"within retention", now.Add(23 * time.Hour), 24 * time.Hour, 0},
		{"past retention", now.Add(25 * time.Hour), 24 * time.Hour, 1},
		{"already swept", now.Add(26 * time.Hour), 24 * time.Hour, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.removed, f.r.Sweep(tt.at, tt.retention), tt.name)
	}

	_, err = f.r.Get(resolved.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.r.Get(open.ID)
	assert.NoError(t, err, "active incidents are never swept")
}

// =============================================================================
// Manual updates
// =============================================================================

func TestUpdateStatus(t *testing.T) {
	var closed []model.SecurityIncident
	f := newFixture(t, WithClosedHandler(func(inc model.SecurityIncident) { closed = append(closed, inc) }))

	inc, _ := f.r.HandleAlert(honeypotAlert())
	f.r.Wait()

	got, err := f.r.UpdateStatus(inc.ID, model.IncidentStatusContained, "alice", "IP blocked at edge")
	require.NoError(t, err)
	assert.Equal(t, model.IncidentStatusContained, got.Status)
	last := got.Timeline[len(got.Timeline)-1]
	assert.Equal(t, "alice", last.Actor)
	assert.False(t, last.Automated)
	assert.Contains(t, last.Details, "IP blocked at edge")
	assert.Empty(t, closed)

	_, err = f.r.UpdateStatus(inc.ID, model.IncidentStatusInvestigating, "alice", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.r.UpdateStatus(inc.ID, model.IncidentStatusResolved, "bob", "")
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, inc.ID, closed[0].ID)

	_, err = f.r.UpdateStatus(inc.ID, model.IncidentStatusFalsePositive, "bob", "")
	assert.ErrorIs(t, err, ErrInvalidTransition, "terminal states are final")

	_, ok := f.r.Active(inc.ActorKey, inc.Type)
	assert.False(t, ok)

	_, err = f.r.UpdateStatus("missing", model.IncidentStatusResolved, "bob", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_Filters(t *testing.T) {
	f := newFixture(t)

	a, _ := f.r.HandleAlert(honeypotAlert())
	f.clock.advance(time.Second)
	f.r.HandleAlert(alertFor("user:5", "", indicator(model.IndicatorInjection, model.SeverityHigh, "' OR 1=1")))
	f.r.Wait()

	_, err := f.r.UpdateStatus(a.ID, model.IncidentStatusResolved, "alice", "")
	require.NoError(t, err)

	all := f.r.List(Filter{})
	require.Len(t, all, 2)
	assert.Equal(t, "user:5", all[0].ActorKey, "newest first")

	assert.Len(t, f.r.List(Filter{ActiveOnly: true}), 1)
	assert.Len(t, f.r.List(Filter{Type: model.IndicatorInjection}), 1)
	assert.Len(t, f.r.List(Filter{Status: model.IncidentStatusResolved}), 1)
	assert.Len(t, f.r.List(Filter{Limit: 1}), 1)
}

// =============================================================================
// Helpers
// =============================================================================

func TestDominantType(t *testing.T) {
	tests := []struct {
		name string
		inds []model.ThreatIndicator
		want model.IndicatorType
	}{
		{"empty", nil, model.IndicatorAnomaly},
		{"most severe wins", []model.ThreatIndicator{
			indicator(model.IndicatorAnomaly, model.SeverityMedium, "a"),
			indicator(model.IndicatorAnomaly, model.SeverityMedium, "b"),
			indicator(model.IndicatorInjection, model.SeverityHigh, "c"),
		}, model.IndicatorInjection},
		{"count breaks ties", []model.ThreatIndicator{
			indicator(model.IndicatorEnumeration, model.SeverityHigh, "a"),
			indicator(model.IndicatorBruteForce, model.SeverityHigh, "b"),
			indicator(model.IndicatorBruteForce, model.SeverityHigh, "c"),
		}, model.IndicatorBruteForce},
		{"name breaks remaining ties", []model.ThreatIndicator{
			indicator(model.IndicatorInjection, model.SeverityHigh, "a"),
			indicator(model.IndicatorBruteForce, model.SeverityHigh, "b"),
		}, model.IndicatorBruteForce},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DominantType(tt.inds))
		})
	}
}

func TestEstimateImpact(t *testing.T) {
	assert.Equal(t, model.SeverityHigh, EstimateImpact(model.SeverityHigh, 1))
	assert.Equal(t, model.SeverityCritical, EstimateImpact(model.SeverityHigh, 5))
	assert.Equal(t, model.SeverityHigh, EstimateImpact(model.SeverityLow, 20))
	assert.Equal(t, model.SeverityCritical, EstimateImpact(model.SeverityCritical, 40))
	assert.Equal(t, model.SeverityLow, EstimateImpact("", 0))
}
