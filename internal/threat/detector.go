// Package threat turns request content, recent audit history and IP
// reputation into typed indicators and aggregates them into per-actor alerts.
package threat

import (
	"fmt"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-guard/internal/config"
	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/shardmap"
	"github.com/telhawk-systems/telhawk-guard/internal/signatures"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

// Indicator sources.
const (
	SourcePattern    = "pattern"
	SourceAnomaly    = "anomaly"
	SourceBehavior   = "audit_behavior"
	SourceReputation = "reputation"
)

const maxAlertEndpoints = 20

// ReputationScorer returns a cached, non-blocking score for an IP.
type ReputationScorer interface {
	Score(ip string) (score int, known bool)
}

// Escalator receives alerts whose aggregated severity reaches the escalation level.
type Escalator func(alert model.ThreatAlert)

// Subject identifies who an indicator is about.
type Subject struct {
	ActorKey  string
	IPAddress string
	UserID    string
	Endpoint  string
}

// SubjectFor builds the subject of a request.
func SubjectFor(rc model.RequestContext) Subject {
	return Subject{
		ActorKey:  model.ActorKeyFor(rc),
		IPAddress: rc.IPAddress,
		UserID:    rc.UserID,
		Endpoint:  rc.Endpoint,
	}
}

// Detector produces indicators and maintains alerts.
type Detector struct {
	cfg        config.ThreatConfig
	sigs       *signatures.Set
	reputation ReputationScorer
	adminPaths []string
	escalateAt model.Severity
	escalate   Escalator
	alerts     *shardmap.Map[*model.ThreatAlert]
	now        func() time.Time
	logger     *logging.Logger
}

// Option configures a Detector.
type Option func(*Detector)

func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

func WithEscalator(fn Escalator) Option {
	return func(d *Detector) { d.escalate = fn }
}

func WithReputation(r ReputationScorer) Option {
	return func(d *Detector) { d.reputation = r }
}

func WithLogger(logger *logging.Logger) Option {
	return func(d *Detector) { d.logger = logger }
}

// New creates a Detector.
func New(cfg config.ThreatConfig, sigs *signatures.Set, adminPaths []string, opts ...Option) *Detector {
	d := &Detector{
		cfg:        cfg,
		sigs:       sigs,
		adminPaths: adminPaths,
		escalateAt: model.Severity(cfg.EscalationSeverity),
		alerts:     shardmap.New[*model.ThreatAlert](),
		now:        time.Now,
		logger:     logging.Default(),
	}
	if !d.escalateAt.Valid() {
		d.escalateAt = model.SeverityHigh
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AnalyzeContent runs signature and anomaly analysis over input.
func (d *Detector) AnalyzeContent(input, source string) []model.ThreatIndicator {
	if input == "" {
		return nil
	}
	now := d.now()
	var inds []model.ThreatIndicator

	for _, sig := range d.sigs.Match(input) {
		ind := sig.Indicator(SourcePattern+":"+source, input)
		ind.DetectedAt = now
		inds = append(inds, ind)
	}

	if d.cfg.MaxInputLength > 0 && len(input) > d.cfg.MaxInputLength {
		inds = append(inds, model.ThreatIndicator{
			Type:       model.IndicatorAnomaly,
			Severity:   model.SeverityMedium,
			Confidence: 60,
			Evidence:   fmt.Sprintf("%s length %d exceeds %d", source, len(input), d.cfg.MaxInputLength),
			Source:     SourceAnomaly,
			DetectedAt: now,
		})
	}

	if e := Entropy(input); e > d.cfg.EntropyThreshold {
		inds = append(inds, model.ThreatIndicator{
			Type:        model.IndicatorAnomaly,
			Severity:    model.SeverityMedium,
			Confidence:  65,
			Evidence:    fmt.Sprintf("%s entropy %.2f bits/char", source, e),
			Mitigations: []string{"inspect for encoded or obfuscated content"},
			Source:      SourceAnomaly,
			DetectedAt:  now,
		})
	}
	return inds
}

// AnalyzeBehavior inspects an actor's recent audit events for brute force
// and enumeration.
func (d *Detector) AnalyzeBehavior(events []model.AuditEvent) []model.ThreatIndicator {
	if len(events) == 0 {
		return nil
	}
	now := d.now()

	failures, admin := 0, 0
	endpoints := make(map[string]struct{})
	for _, ev := range events {
		if ev.Result == model.ResultFailure {
			failures++
		}
		if ev.Endpoint != "" {
			endpoints[ev.Endpoint] = struct{}{}
			if d.IsAdminPath(ev.Endpoint) {
				admin++
			}
		}
	}

	var inds []model.ThreatIndicator
	if failures >= d.cfg.FailureThreshold {
		inds = append(inds, model.ThreatIndicator{
			Type:        model.IndicatorBruteForce,
			Severity:    model.SeverityHigh,
			Confidence:  85,
			Evidence:    fmt.Sprintf("%d failed events in window", failures),
			Mitigations: []string{"rate limit actor", "require step-up authentication"},
			Source:      SourceBehavior,
			DetectedAt:  now,
		})
	}
	if len(endpoints) > d.cfg.EndpointThreshold {
		inds = append(inds, model.ThreatIndicator{
			Type:       model.IndicatorEnumeration,
			Severity:   model.SeverityMedium,
			Confidence: 70,
			Evidence:   fmt.Sprintf("%d distinct endpoints in window", len(endpoints)),
			Source:     SourceBehavior,
			DetectedAt: now,
		})
	}
	if admin > d.cfg.AdminThreshold {
		inds = append(inds, model.ThreatIndicator{
			Type:        model.IndicatorEnumeration,
			Severity:    model.SeverityHigh,
			Confidence:  90,
			Evidence:    fmt.Sprintf("%d administrative endpoint accesses", admin),
			Mitigations: []string{"restrict administrative surface"},
			Source:      SourceBehavior,
			DetectedAt:  now,
		})
	}
	return inds
}

// CheckReputation returns an indicator when ip's cached score is below the threshold.
func (d *Detector) CheckReputation(ip string) (model.ThreatIndicator, bool) {
	if d.reputation == nil || ip == "" {
		return model.ThreatIndicator{}, false
	}
	score, known := d.reputation.Score(ip)
	if !known || score >= d.cfg.ReputationThreshold {
		return model.ThreatIndicator{}, false
	}

	var sev model.Severity
	switch {
	case score < 10:
		sev = model.SeverityCritical
	case score < 25:
		sev = model.SeverityHigh
	case score < 40:
		sev = model.SeverityMedium
	default:
		sev = model.SeverityLow
	}
	return model.ThreatIndicator{
		Type:        model.IndicatorAnomaly,
		Severity:    sev,
		Confidence:  100 - score,
		Evidence:    fmt.Sprintf("ip reputation score %d", score),
		Mitigations: []string{"block ip"},
		Source:      SourceReputation,
		DetectedAt:  d.now(),
	}, true
}

// IsAdminPath reports whether endpoint falls under a configured administrative prefix.
func (d *Detector) IsAdminPath(endpoint string) bool {
	lower := strings.ToLower(endpoint)
	for _, p := range d.adminPaths {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
