package threat

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-guard/internal/config"
	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/signatures"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

type staticScores map[string]int

func (s staticScores) Score(ip string) (int, bool) {
	v, ok := s[ip]
	return v, ok
}

var fixedNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newDetector(opts ...Option) *Detector {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow }), WithLogger(logging.Discard())}, opts...)
	return New(config.Default().Threat, signatures.MustDefault(), config.DefaultRules().AdminPaths, opts...)
}

func indicator(t model.IndicatorType, sev model.Severity) model.ThreatIndicator {
	return model.ThreatIndicator{Type: t, Severity: sev, Confidence: 80, DetectedAt: fixedNow}
}

// =============================================================================
// Content analysis
// =============================================================================

func TestAnalyzeContent_Patterns(t *testing.T) {
	inds := newDetector().AnalyzeContent(`{"q":"' OR 1=1"}`, "payload")
	require.NotEmpty(t, inds)
	assert.Equal(t, model.IndicatorInjection, inds[0].Type)
	assert.Equal(t, model.SeverityHigh, inds[0].Severity)
	assert.Equal(t, "pattern:payload", inds[0].Source)
	assert.Equal(t, fixedNow, inds[0].DetectedAt)
}

func TestAnalyzeContent_Entropy(t *testing.T) {
	d := newDetector()
	high := "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

	inds := d.AnalyzeContent(high, "payload")
	require.Len(t, inds, 1)
	assert.Equal(t, model.IndicatorAnomaly, inds[0].Type)
	assert.Equal(t, model.SeverityMedium, inds[0].Severity)

	assert.Empty(t, d.AnalyzeContent(strings.Repeat("hello world ", 20), "payload"))
}

func TestAnalyzeContent_LengthCeiling(t *testing.T) {
	inds := newDetector().AnalyzeContent(strings.Repeat("ab", 6000), "payload")
	require.Len(t, inds, 1)
	assert.Contains(t, inds[0].Evidence, "exceeds")
}

func TestEntropy(t *testing.T) {
	assert.Zero(t, Entropy(""))
	assert.Zero(t, Entropy("aaaa"))
	assert.InDelta(t, 1.0, Entropy("abab"), 0.0001)
	assert.InDelta(t, 6.0, Entropy("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"), 0.0001)
}

// =============================================================================
// Behavioral analysis
// =============================================================================

func TestAnalyzeBehavior(t *testing.T) {
	d := newDetector()

	var failures []model.AuditEvent
	for i := 0; i < 10; i++ {
		failures = append(failures, model.AuditEvent{Endpoint: "/login", Result: model.ResultFailure})
	}
	inds := d.AnalyzeBehavior(failures)
	require.Len(t, inds, 1)
	assert.Equal(t, model.IndicatorBruteForce, inds[0].Type)

	var spread []model.AuditEvent
	for i := 0; i < 21; i++ {
		spread = append(spread, model.AuditEvent{Endpoint: fmt.Sprintf("/api/things/%d", i), Result: model.ResultFlagged})
	}
	inds = d.AnalyzeBehavior(spread)
	require.Len(t, inds, 1)
	assert.Equal(t, model.IndicatorEnumeration, inds[0].Type)
	assert.Equal(t, model.SeverityMedium, inds[0].Severity)

	var admin []model.AuditEvent
	for i := 0; i < 6; i++ {
		admin = append(admin, model.AuditEvent{Endpoint: "/admin/users", Result: model.ResultBlocked})
	}
	inds = d.AnalyzeBehavior(admin)
	require.Len(t, inds, 1)
	assert.Equal(t, model.SeverityHigh, inds[0].Severity)
	assert.Equal(t, 90, inds[0].Confidence)

	assert.Empty(t, d.AnalyzeBehavior(failures[:9]))
}

// =============================================================================
// Reputation
// =============================================================================

func TestCheckReputation(t *testing.T) {
	d := newDetector(WithReputation(staticScores{
		"10.0.0.1": 5,
		"10.0.0.2": 20,
		"10.0.0.3": 45,
		"10.0.0.4": 90,
	}))

	tests := []struct {
		ip   string
		want model.Severity
		hit  bool
	}{
		{"10.0.0.1", model.SeverityCritical, true},
		{"10.0.0.2", model.SeverityHigh, true},
		{"10.0.0.3", model.SeverityLow, true},
		{"10.0.0.4", "", false},
		{"10.0.0.9", "", false},
	}
	for _, tt := range tests {
		ind, ok := d.CheckReputation(tt.ip)
		assert.Equal(t, tt.hit, ok, tt.ip)
		if ok {
			assert.Equal(t, tt.want, ind.Severity, tt.ip)
			assert.Equal(t, model.IndicatorAnomaly, ind.Type)
		}
	}
}

// =============================================================================
// Alerts
// =============================================================================

func TestRecord_AggregatesMaxSeverity(t *testing.T) {
	d := newDetector()
	subj := Subject{ActorKey: "user:1", IPAddress: "10.0.0.1", Endpoint: "/a"}

	a, escalated := d.Record(subj, []model.ThreatIndicator{indicator(model.IndicatorAnomaly, model.SeverityLow)})
	assert.False(t, escalated)
	assert.Equal(t, model.SeverityLow, a.AggregatedSeverity)

	a, _ = d.Record(subj, []model.ThreatIndicator{
		indicator(model.IndicatorInjection, model.SeverityHigh),
		indicator(model.IndicatorAnomaly, model.SeverityMedium),
	})
	assert.Equal(t, model.SeverityHigh, a.AggregatedSeverity)
	assert.Len(t, a.Indicators, 3)
	assert.Equal(t, 2, a.OccurrenceCount)
	assert.Equal(t, "10.0.0.1", a.IPAddress)
	assert.True(t, a.IsActive)

	a, _ = d.Record(subj, []model.ThreatIndicator{indicator(model.IndicatorAnomaly, model.SeverityLow)})
	assert.Equal(t, model.SeverityHigh, a.AggregatedSeverity, "severity never decreases")
}

func permutations(in []model.Severity) [][]model.Severity {
	if len(in) <= 1 {
		return [][]model.Severity{append([]model.Severity(nil), in...)}
	}
	var out [][]model.Severity
	for i := range in {
		rest := make([]model.Severity, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]model.Severity{in[i]}, p...))
		}
	}
	return out
}

func TestRecord_AggregateIsOrderIndependent(t *testing.T) {
	orders := permutations([]model.Severity{
		model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical,
	})
	require.Len(t, orders, 24)

	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			inds := make([]model.ThreatIndicator, len(order))
			for i, sev := range order {
				inds[i] = indicator(model.IndicatorAnomaly, sev)
			}

			perCall := newDetector()
			subj := Subject{ActorKey: "ip:10.0.0.9"}
			for _, ind := range inds {
				perCall.Record(subj, []model.ThreatIndicator{ind})
			}
			a, ok := perCall.Alert(subj.ActorKey)
			require.True(t, ok)
			assert.Equal(t, model.SeverityCritical, a.AggregatedSeverity, "one indicator per call")

			batched := newDetector()
			a, _ = batched.Record(subj, inds)
			assert.Equal(t, model.SeverityCritical, a.AggregatedSeverity, "single batch")
		})
	}
}

func TestRecord_EscalatesSynchronously(t *testing.T) {
	var escalated []model.ThreatAlert
	d := newDetector(WithEscalator(func(a model.ThreatAlert) { escalated = append(escalated, a) }))
	subj := Subject{ActorKey: "ip:10.0.0.5"}

	d.Record(subj, []model.ThreatIndicator{indicator(model.IndicatorAnomaly, model.SeverityMedium)})
	assert.Empty(t, escalated)

	_, ok := d.Record(subj, []model.ThreatIndicator{indicator(model.IndicatorInjection, model.SeverityCritical)})
	assert.True(t, ok)
	require.Len(t, escalated, 1)
	assert.Equal(t, model.SeverityCritical, escalated[0].AggregatedSeverity)
}

func TestRecord_EmptyIsNoop(t *testing.T) {
	d := newDetector()
	_, ok := d.Record(Subject{ActorKey: "user:1"}, nil)
	assert.False(t, ok)
	assert.Empty(t, d.Alerts(false))
}

func TestResolveAlert_StartsNewAlert(t *testing.T) {
	d := newDetector()
	subj := Subject{ActorKey: "user:1"}

	first, _ := d.Record(subj, []model.ThreatIndicator{indicator(model.IndicatorInjection, model.SeverityCritical)})
	require.True(t, d.ResolveAlert("user:1"))
	assert.False(t, d.ResolveAlert("user:1"))

	second, _ := d.Record(subj, []model.ThreatIndicator{indicator(model.IndicatorAnomaly, model.SeverityLow)})
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, model.SeverityLow, second.AggregatedSeverity)
	assert.Len(t, d.Alerts(true), 1)
}

func TestRecord_BoundedKeepsMaxSeverity(t *testing.T) {
	cfg := config.Default().Threat
	cfg.MaxAlertIndicators = 3
	d := New(cfg, signatures.MustDefault(), nil, WithClock(func() time.Time { return fixedNow }), WithLogger(logging.Discard()))
	subj := Subject{ActorKey: "user:1"}

	d.Record(subj, []model.ThreatIndicator{indicator(model.IndicatorInjection, model.SeverityCritical)})
	for i := 0; i < 10; i++ {
		d.Record(subj, []model.ThreatIndicator{indicator(model.IndicatorAnomaly, model.SeverityLow)})
	}

	a, ok := d.Alert("user:1")
	require.True(t, ok)
	assert.Len(t, a.Indicators, 3)
	assert.Equal(t, model.SeverityCritical, a.Indicators[0].Severity)
	assert.Equal(t, model.SeverityCritical, a.AggregatedSeverity)
	assert.Equal(t, 11, a.OccurrenceCount)
}

func TestSweep(t *testing.T) {
	now := fixedNow
	d := newDetector(WithClock(func() time.Time { return now }))
	d.Record(Subject{ActorKey: "user:1"}, []model.ThreatIndicator{indicator(model.IndicatorAnomaly, model.SeverityLow)})

	assert.Zero(t, d.Sweep(now.Add(time.Hour), 24*time.Hour))
	assert.Equal(t, 1, d.Sweep(now.Add(25*time.Hour), 24*time.Hour))
}
