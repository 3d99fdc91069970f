package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-guard/internal/config"
	"github.com/telhawk-systems/telhawk-guard/internal/incident"
	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/messaging"
	"github.com/telhawk-systems/telhawk-guard/internal/notify"
	"github.com/telhawk-systems/telhawk-guard/internal/repository"
	"github.com/telhawk-systems/telhawk-guard/internal/signatures"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *testClock {
	return &testClock{t: time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingChannel struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingChannel) Send(_ context.Context, n *notify.Notification) error {
	r.mu.Lock()
	r.sent = append(r.sent, *n)
	r.mu.Unlock()
	return nil
}

func (r *recordingChannel) Type() string { return "recording" }

func (r *recordingChannel) count(kind notify.Kind) int {
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

type fixture struct {
	engine  *Engine
	clock   *testClock
	pub     *messaging.MemoryPublisher
	channel *recordingChannel
}

func newEngine(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock:   newClock(),
		pub:     messaging.NewMemoryPublisher(0),
		channel: &recordingChannel{},
	}
	base := []Option{
		WithClock(f.clock.Now),
		WithLogger(logging.Discard()),
		WithPublisher(f.pub),
		WithChannels(f.channel),
	}
	e, err := New(config.Default(), nil, append(base, opts...)...)
	require.NoError(t, err)
	f.engine = e
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return f
}

func browser(ip, endpoint string) model.RequestContext {
	return model.RequestContext{IPAddress: ip, UserAgent: chromeUA, Endpoint: endpoint, Method: "GET"}
}

func TestNewRejectsInvalidRules(t *testing.T) {
	rules := config.DefaultRules()
	rules.Signatures = append(rules.Signatures, config.SignatureRule{ID: "broken", Pattern: "("})
	_, err := New(config.Default(), rules, WithLogger(logging.Discard()))
	assert.Error(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{"zero ring size", func(cfg *config.Config) { cfg.Audit.RingSize = 0 }},
		{"unknown audit backend", func(cfg *config.Config) { cfg.Audit.Backend = "tape" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			_, err := New(cfg, nil, WithLogger(logging.Discard()))
			assert.Error(t, err)
		})
	}
}

func TestCheckRequest_CleanRequestMonitored(t *testing.T) {
	f := newEngine(t)
	v := f.engine.CheckRequest(context.Background(), browser("192.0.2.1", "/api/items"), map[string]any{"name": "widget"})
	assert.True(t, v.Allowed)
	assert.Equal(t, model.ActionMonitor, v.Action)
	assert.Empty(t, v.Threats)
}

func TestCheckRequest_ToolUserAgentBlocked(t *testing.T) {
	f := newEngine(t)
	rc := model.RequestContext{IPAddress: "192.0.2.2", UserAgent: "curl/7.68.0", Endpoint: "/api/items", Method: "GET"}

	v := f.engine.CheckRequest(context.Background(), rc, nil)
	assert.False(t, v.Allowed)
	assert.Equal(t, model.ActionBlock, v.Action)
	assert.Equal(t, model.ReasonSuspiciousAgent, v.Reason)
	assert.NotEmpty(t, v.Threats)

	events := f.engine.Audit().Recent(model.ActorKeyFor(rc), f.clock.Now().Add(-time.Minute))
	require.NotEmpty(t, events)
	assert.Equal(t, model.EventSuspiciousAgent, events[0].EventType)
}

func TestCheckRequest_RateLimitEscalatesToIPBlock(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	rc := browser("192.0.2.10", "/api/items")
	t0 := f.clock.Now()

	for i := 0; i < 60; i++ {
		f.clock.Set(t0.Add(time.Duration(i) * time.Second))
		v := f.engine.CheckRequest(ctx, rc, nil)
		require.True(t, v.Allowed, "request %d", i+1)
	}

	f.clock.Set(t0.Add(59500 * time.Millisecond))
	v := f.engine.CheckRequest(ctx, rc, nil)
	assert.False(t, v.Allowed)
	assert.Equal(t, model.ReasonRateLimited, v.Reason)

	f.clock.Set(t0.Add(59600 * time.Millisecond))
	v = f.engine.CheckRequest(ctx, rc, nil)
	assert.Equal(t, model.ReasonRateLimited, v.Reason)

	f.clock.Set(t0.Add(59700 * time.Millisecond))
	v = f.engine.CheckRequest(ctx, rc, nil)
	assert.Equal(t, model.ReasonIPBlocked, v.Reason)
	assert.True(t, f.engine.Limiter().IsBlocked("192.0.2.10"))

	// a fresh window does not lift the block
	f.clock.Set(t0.Add(2 * time.Minute))
	v = f.engine.CheckRequest(ctx, rc, nil)
	assert.False(t, v.Allowed)
	assert.Equal(t, model.ReasonIPBlocked, v.Reason)

	assert.True(t, f.engine.Release(model.MitigationBlockIP, "192.0.2.10"))
	assert.True(t, f.engine.CheckRequest(ctx, rc, nil).Allowed)
}

func TestCheckRequest_MaliciousPayload(t *testing.T) {
	f := newEngine(t)
	rc := browser("192.0.2.20", "/api/comments")
	rc.Method = "POST"

	v := f.engine.CheckRequest(context.Background(), rc, map[string]any{"comment": "' OR 1=1"})
	assert.False(t, v.Allowed)
	assert.Equal(t, model.ReasonMaliciousPayload, v.Reason)

	matches := signatures.MustDefault().Match("' OR 1=1")
	require.NotEmpty(t, matches)
	assert.Contains(t, v.Threats, matches[0].Source())

	alert, ok := f.engine.Detector().Alert(model.ActorKeyFor(rc))
	require.True(t, ok)
	found := false
	for _, ind := range alert.Indicators {
		if ind.Type == model.IndicatorInjection && ind.Severity == model.SeverityHigh {
			found = true
		}
	}
	assert.True(t, found, "expected an injection/high indicator, got %+v", alert.Indicators)
}

func TestCheckRequest_HoneypotOpensIncident(t *testing.T) {
	f := newEngine(t)
	rc := browser("192.0.2.30", "/admin/backup")

	v := f.engine.CheckRequest(context.Background(), rc, nil)
	assert.False(t, v.Allowed)
	assert.Equal(t, model.ReasonRestrictedResource, v.Reason)

	f.engine.Wait()

	incidents := f.engine.Incidents(incident.Filter{ActorKey: model.ActorKeyFor(rc)})
	require.Len(t, incidents, 1)
	inc := incidents[0]
	assert.Equal(t, model.SeverityCritical, inc.Severity)

	var blocked bool
	for _, a := range inc.MitigationActions {
		if a.Type == model.MitigationBlockIP {
			assert.Equal(t, model.ActionStatusCompleted, a.Status)
			blocked = true
		}
	}
	assert.True(t, blocked)
	assert.True(t, f.engine.Limiter().IsBlocked("192.0.2.30"))

	assert.NotEmpty(t, f.pub.Messages(messaging.SubjectAlertsEscalated))
	assert.Equal(t, 1, f.channel.count(notify.KindTeamAlert))
}

func TestCheckRequest_BadReputationBlocked(t *testing.T) {
	f := newEngine(t)
	v := f.engine.CheckRequest(context.Background(), browser("203.0.113.7", "/api/items"), nil)
	assert.False(t, v.Allowed)
	assert.Equal(t, model.ReasonThreatDetected, v.Reason)
}

func TestClosingIncidentResolvesAlert(t *testing.T) {
	f := newEngine(t)
	rc := browser("192.0.2.31", "/admin/backup")
	f.engine.CheckRequest(context.Background(), rc, nil)
	f.engine.Wait()

	incidents := f.engine.Incidents(incident.Filter{ActorKey: model.ActorKeyFor(rc)})
	require.Len(t, incidents, 1)

	_, err := f.engine.UpdateIncident(incidents[0].ID, model.IncidentStatusResolved, "analyst", "blocked at edge")
	require.NoError(t, err)

	alert, ok := f.engine.Detector().Alert(model.ActorKeyFor(rc))
	require.True(t, ok)
	assert.False(t, alert.IsActive)
	assert.Len(t, f.pub.Messages(messaging.SubjectAlertsResolved), 1)
}

func TestEnforcement_QuarantineExpires(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()

	_, err := f.engine.execute(ctx, model.MitigationAction{Type: model.MitigationQuarantineUser, Subject: "user-7"}, model.SecurityIncident{})
	require.NoError(t, err)
	assert.True(t, f.engine.IsQuarantined("user-7"))

	rc := browser("192.0.2.50", "/api/items")
	rc.UserID = "user-7"
	v := f.engine.CheckRequest(ctx, rc, nil)
	assert.Equal(t, model.ReasonUserQuarantined, v.Reason)

	f.clock.Advance(f.engine.Config().Incident.QuarantineDuration + time.Second)
	require.NoError(t, f.engine.RunMaintenance(ctx, f.clock.Now()))
	assert.False(t, f.engine.IsQuarantined("user-7"))
	assert.True(t, f.engine.CheckRequest(ctx, rc, nil).Allowed)
}

func TestEnforcement_DisabledEndpoint(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()

	_, err := f.engine.execute(ctx, model.MitigationAction{Type: model.MitigationDisableEndpoint, Subject: "/api/export"}, model.SecurityIncident{})
	require.NoError(t, err)

	v := f.engine.CheckRequest(ctx, browser("192.0.2.51", "/api/export"), nil)
	assert.Equal(t, model.ReasonEndpointDisabled, v.Reason)
	assert.True(t, f.engine.CheckRequest(ctx, browser("192.0.2.51", "/api/items"), nil).Allowed)

	assert.True(t, f.engine.Release(model.MitigationDisableEndpoint, "/api/export"))
	assert.False(t, f.engine.IsEndpointDisabled("/api/export"))
	assert.False(t, f.engine.Release(model.MitigationDisableEndpoint, "/api/export"))
}

func TestExecute(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	inc := model.SecurityIncident{ID: "inc-1", ActorKey: "ip:192.0.2.60", Type: model.IndicatorAnomaly, Severity: model.SeverityHigh}

	tests := []struct {
		name    string
		action  model.MitigationAction
		wantErr bool
	}{
		{"block ip", model.MitigationAction{Type: model.MitigationBlockIP, Subject: "192.0.2.60"}, false},
		{"rate limit", model.MitigationAction{Type: model.MitigationRateLimit, Subject: "ip:192.0.2.60"}, false},
		{"alert team", model.MitigationAction{Type: model.MitigationAlertTeam, Subject: "ip:192.0.2.60"}, false},
		{"custom", model.MitigationAction{Type: model.MitigationCustom, Name: "rotate keys", Subject: "ip:192.0.2.60"}, false},
		{"unknown", model.MitigationAction{Type: "teleport", Subject: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.engine.execute(ctx, tt.action, inc)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, result)
		})
	}
	assert.True(t, f.engine.Limiter().IsBlocked("192.0.2.60"))
	f.engine.Wait()
	assert.Equal(t, 1, f.channel.count(notify.KindTeamAlert))
}

func TestRecordEvent_BruteForceOpensIncident(t *testing.T) {
	f := newEngine(t)
	for i := 0; i < 10; i++ {
		f.clock.Advance(2 * time.Second)
		ev := f.engine.RecordEvent(model.AuditEvent{
			EventType: "login",
			UserID:    "alice",
			IPAddress: "192.0.2.40",
			Endpoint:  "/login",
			Method:    "POST",
			Result:    model.ResultFailure,
		})
		assert.Equal(t, "user:alice", ev.ActorKey)
		assert.Equal(t, model.SeverityLow, ev.RiskLevel)
	}
	f.engine.Wait()

	alert, ok := f.engine.Detector().Alert("user:alice")
	require.True(t, ok)
	assert.Equal(t, model.SeverityHigh, alert.AggregatedSeverity)

	incidents := f.engine.Incidents(incident.Filter{Type: model.IndicatorBruteForce})
	require.Len(t, incidents, 1)
	assert.Equal(t, "user:alice", incidents[0].ActorKey)
}

func TestRecordEvent_IgnoresClientIdentityAndTime(t *testing.T) {
	f := newEngine(t)
	future := f.clock.Now().Add(365 * 24 * time.Hour)

	for i := 0; i < 10; i++ {
		ev := f.engine.RecordEvent(model.AuditEvent{
			ID:        "client-chosen",
			Timestamp: future,
			Signature: "deadbeef",
			EventType: "login",
			UserID:    "mallory",
			Endpoint:  "/login",
			Method:    "POST",
			Result:    model.ResultFailure,
		})
		assert.NotEqual(t, "client-chosen", ev.ID)
		assert.Equal(t, f.clock.Now(), ev.Timestamp)
		assert.True(t, f.engine.Audit().Verify(ev))
	}
	f.engine.Wait()

	f.clock.Advance(24 * time.Hour)
	now := f.clock.Now()
	assert.Empty(t, f.engine.Audit().Recent("user:mallory", now.Add(-f.engine.Config().Threat.BehaviorWindow)))

	require.NoError(t, f.engine.RunMaintenance(context.Background(), now))
	for _, p := range f.engine.Patterns() {
		assert.NotEqual(t, "/login", p.Endpoint, "stale login pattern survived pruning")
	}
}

func TestRunMaintenanceFlushesAudit(t *testing.T) {
	repo := repository.NewMemoryRepository(100)
	f := newEngine(t, WithRepository(repo))
	ctx := context.Background()

	f.engine.RecordEvent(model.AuditEvent{EventType: "login", UserID: "bob", Endpoint: "/login", Result: model.ResultSuccess})
	assert.Equal(t, 0, repo.Len())

	require.NoError(t, f.engine.RunMaintenance(ctx, f.clock.Now()))
	assert.Equal(t, 1, repo.Len())

	events, err := f.engine.QueryAudit(ctx, model.AuditFilter{ActorKey: "user:bob"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "login", events[0].EventType)
}

func TestEngineStartStop(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Start(ctx))
	assert.True(t, f.engine.Scheduler().Running())
	assert.Error(t, f.engine.Start(ctx))

	require.NoError(t, f.engine.Stop(ctx))
	assert.False(t, f.engine.Scheduler().Running())
	require.NoError(t, f.engine.Stop(ctx), "stop is idempotent")
}

func TestCheckRequest_RepeatedAdminAccessFlagsEnumeration(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()
	rc := browser("192.0.2.60", "/admin/users")

	var v model.SecurityVerdict
	for i, gap := range []time.Duration{3, 7, 2, 11, 5, 4} {
		f.clock.Advance(gap * time.Second)
		v = f.engine.CheckRequest(ctx, rc, nil)
		if i < 5 {
			assert.Empty(t, v.Threats, "request %d", i)
		}
	}
	assert.True(t, v.Allowed)
	assert.Equal(t, model.ActionAlert, v.Action)
	assert.Contains(t, v.Threats, "enumeration:high")

	admin := 0
	for _, ev := range f.engine.Audit().Recent("ip:192.0.2.60", f.clock.Now().Add(-time.Hour)) {
		if ev.EventType == model.EventAdminAccess {
			admin++
			assert.Equal(t, model.SeverityLow, ev.RiskLevel)
		}
	}
	assert.Equal(t, 6, admin)

	f.engine.Wait()
	assert.Len(t, f.engine.Incidents(incident.Filter{Type: model.IndicatorEnumeration}), 1)
}

func TestCheckRequest_NonAdminPathNotAudited(t *testing.T) {
	f := newEngine(t)
	f.engine.CheckRequest(context.Background(), browser("192.0.2.61", "/api/items"), nil)
	assert.Empty(t, f.engine.Audit().Recent("ip:192.0.2.61", f.clock.Now().Add(-time.Hour)))
}

func TestCheckRequestConcurrent(t *testing.T) {
	f := newEngine(t)
	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.engine.CheckRequest(context.Background(), browser("192.0.2.70", "/api/items"), nil).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(20), allowed.Load())
}
