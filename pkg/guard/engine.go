// Package guard is the request-time security engine. An Engine sequences the
// rate limiter, payload inspector, user-agent classifier, behavior profiler and
// threat detector for each request, and owns the audit log, the incident
// responder and the background maintenance that keeps their state bounded.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-guard/internal/audit"
	"github.com/telhawk-systems/telhawk-guard/internal/behavior"
	"github.com/telhawk-systems/telhawk-guard/internal/config"
	"github.com/telhawk-systems/telhawk-guard/internal/faults"
	"github.com/telhawk-systems/telhawk-guard/internal/incident"
	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/messaging"
	"github.com/telhawk-systems/telhawk-guard/internal/notify"
	"github.com/telhawk-systems/telhawk-guard/internal/payload"
	"github.com/telhawk-systems/telhawk-guard/internal/ratelimit"
	"github.com/telhawk-systems/telhawk-guard/internal/reputation"
	"github.com/telhawk-systems/telhawk-guard/internal/scheduler"
	"github.com/telhawk-systems/telhawk-guard/internal/shardmap"
	"github.com/telhawk-systems/telhawk-guard/internal/signatures"
	"github.com/telhawk-systems/telhawk-guard/internal/threat"
	"github.com/telhawk-systems/telhawk-guard/internal/useragent"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

// Engine holds all per-process security state. Create one with New; there
// are no package-level singletons, so several engines can coexist.
type Engine struct {
	cfg    *config.Config
	rules  *config.Rules
	logger *logging.Logger
	faults *faults.Reporter
	now    func() time.Time

	repo      audit.Repository
	publisher messaging.Publisher
	shared    reputation.Cache
	channels  []notify.Channel

	dispatcher *notify.Dispatcher
	limiter    *ratelimit.Limiter
	inspector  *payload.Inspector
	classifier *useragent.Classifier
	profiler   *behavior.Profiler
	reputation *reputation.Service
	detector   *threat.Detector
	audit      *audit.Log
	responder  *incident.Responder
	scheduler  *scheduler.Scheduler

	// enforcement state written by mitigation actions: subject -> expiry
	quarantined *shardmap.Map[time.Time]
	disabled    *shardmap.Map[time.Time]
}

// Option configures an Engine.
type Option func(*Engine)

// WithRepository sets the durable audit store.
func WithRepository(repo audit.Repository) Option {
	return func(e *Engine) { e.repo = repo }
}

// WithPublisher sets the message bus used for alert, incident and
// notification events.
func WithPublisher(p messaging.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithSharedReputation sets the shared reputation cache tier.
func WithSharedReputation(c reputation.Cache) Option {
	return func(e *Engine) { e.shared = c }
}

// WithChannels replaces the notification channels built from configuration.
func WithChannels(channels ...notify.Channel) Option {
	return func(e *Engine) { e.channels = channels }
}

func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithFaults(r *faults.Reporter) Option {
	return func(e *Engine) { e.faults = r }
}

// New builds an Engine. rules may be nil to use the built-in rules.
func New(cfg *config.Config, rules *config.Rules, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if rules == nil {
		rules = config.DefaultRules()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules: %w", err)
	}

	e := &Engine{
		cfg:         cfg,
		rules:       rules,
		logger:      logging.Default(),
		now:         time.Now,
		quarantined: shardmap.New[time.Time](),
		disabled:    shardmap.New[time.Time](),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.faults == nil {
		e.faults = faults.New(e.logger.Component("faults"), cfg.Engine.ErrorBuffer)
	}

	sigs, err := signatures.Compile(rules.Signatures)
	if err != nil {
		return nil, fmt.Errorf("failed to compile signatures: %w", err)
	}

	if e.channels == nil {
		e.channels = notify.ChannelsFromConfig(cfg.Notify, e.publisher, e.logger.Component("notify"))
	}
	e.dispatcher = notify.NewDispatcher(cfg.Notify, e.channels,
		notify.WithFaults(e.faults), notify.WithClock(e.now))

	e.audit = audit.New(cfg.Audit,
		audit.WithRepository(e.repo),
		audit.WithSender(e.dispatcher),
		audit.WithFaults(e.faults),
		audit.WithClock(e.now),
		audit.WithLogger(e.logger.Component("audit")),
		audit.WithPatternHandler(e.onSuspiciousPattern))

	e.limiter = ratelimit.New(cfg.RateLimit,
		ratelimit.WithClock(e.now),
		ratelimit.WithViolationHandler(e.onViolation),
		ratelimit.WithLogger(e.logger.Component("ratelimit")))

	e.inspector = payload.New(cfg.Payload, sigs)
	e.classifier = useragent.New(cfg.UserAgent, rules.ToolSignatures)

	e.profiler = behavior.New(cfg.Behavior, rules.Honeypots,
		behavior.WithClock(e.now),
		behavior.WithIPBlocker(func(ip string) { e.limiter.BlockIP(ip, cfg.RateLimit.BlockDuration) }),
		behavior.WithLogger(e.logger.Component("behavior")))

	e.reputation, err = e.buildReputation()
	if err != nil {
		return nil, err
	}

	e.detector = threat.New(cfg.Threat, sigs, rules.AdminPaths,
		threat.WithClock(e.now),
		threat.WithReputation(e.reputation),
		threat.WithEscalator(e.onEscalation),
		threat.WithLogger(e.logger.Component("threat")))

	e.responder = incident.New(cfg.Incident, rules.Playbooks, rules.Cooldowns,
		incident.WithExecutor(incident.ExecutorFunc(e.execute)),
		incident.WithSender(e.dispatcher),
		incident.WithPublisher(e.publisher),
		incident.WithAudit(e.audit),
		incident.WithFaults(e.faults),
		incident.WithLogger(e.logger.Component("incident")),
		incident.WithClock(e.now),
		incident.WithClosedHandler(e.onIncidentClosed))

	e.scheduler = scheduler.New(e.logger)
	if err := e.registerJobs(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) buildReputation() (*reputation.Service, error) {
	rc := e.cfg.Reputation
	local, err := reputation.NewMemoryCache(rc.CacheSize, e.now)
	if err != nil {
		return nil, fmt.Errorf("failed to create reputation cache: %w", err)
	}

	var source reputation.Source
	if rc.FeedURL != "" {
		source = reputation.NewHTTPSource(rc.FeedURL, rc.Timeout)
	} else {
		static, err := reputation.NewStaticSource(e.rules.Reputation, rc.DefaultScore)
		if err != nil {
			return nil, fmt.Errorf("failed to load reputation rules: %w", err)
		}
		source = static
	}

	return reputation.NewService(reputation.Config{
		TTL:          rc.TTL,
		Timeout:      rc.Timeout,
		DefaultScore: rc.DefaultScore,
	}, local, e.shared, source, e.faults), nil
}

// Start launches background maintenance.
func (e *Engine) Start(ctx context.Context) error {
	return e.scheduler.Start(ctx)
}

// Stop halts maintenance, waits for in-flight responses and deliveries, and
// makes a final attempt to flush buffered audit events.
func (e *Engine) Stop(ctx context.Context) error {
	if e.scheduler.Running() {
		if err := e.scheduler.Stop(); err != nil {
			return err
		}
	}
	e.responder.Wait()
	e.reputation.Wait()
	e.audit.Wait()
	e.dispatcher.Wait()

	if _, err := e.audit.Flush(ctx); err != nil {
		return fmt.Errorf("final audit flush: %w", err)
	}
	return nil
}

// Wait blocks until background work triggered by earlier calls settles:
// automated responses, audit writes, reputation refreshes and notifications.
func (e *Engine) Wait() {
	e.responder.Wait()
	e.reputation.Wait()
	e.audit.Wait()
	e.dispatcher.Wait()
}

// Errors streams swallowed infrastructure failures. Nil when the engine was
// configured without an error buffer.
func (e *Engine) Errors() <-chan *faults.NonFatalError {
	return e.faults.Errors()
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Rules returns the detection and response rules in effect.
func (e *Engine) Rules() *config.Rules { return e.rules }

// Limiter exposes the rate limiter.
func (e *Engine) Limiter() *ratelimit.Limiter { return e.limiter }

// Profiler exposes the behavior profiler.
func (e *Engine) Profiler() *behavior.Profiler { return e.profiler }

// Detector exposes the threat detector.
func (e *Engine) Detector() *threat.Detector { return e.detector }

// Audit exposes the audit log.
func (e *Engine) Audit() *audit.Log { return e.audit }

// Responder exposes the incident responder.
func (e *Engine) Responder() *incident.Responder { return e.responder }

// Dispatcher exposes the notification dispatcher.
func (e *Engine) Dispatcher() *notify.Dispatcher { return e.dispatcher }

// Scheduler exposes the maintenance scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

// Alerts returns threat alerts, optionally only active ones.
func (e *Engine) Alerts(activeOnly bool) []model.ThreatAlert {
	return e.detector.Alerts(activeOnly)
}

// Incidents lists incidents matching f.
func (e *Engine) Incidents(f incident.Filter) []model.SecurityIncident {
	return e.responder.List(f)
}

// Incident returns one incident.
func (e *Engine) Incident(id string) (model.SecurityIncident, error) {
	return e.responder.Get(id)
}

// UpdateIncident applies an analyst status change.
func (e *Engine) UpdateIncident(id string, status model.IncidentStatus, analyst, notes string) (model.SecurityIncident, error) {
	return e.responder.UpdateStatus(id, status, analyst, notes)
}

// Patterns returns tracked audit patterns, highest risk first.
func (e *Engine) Patterns() []model.SecurityPattern {
	return e.audit.Patterns()
}

// QueryAudit reads audit events from durable storage, or memory when none is configured.
func (e *Engine) QueryAudit(ctx context.Context, f model.AuditFilter) ([]model.AuditEvent, error) {
	return e.audit.Query(ctx, f)
}
