// Package audit keeps a bounded in-memory history of security events, tracks
// recurring event patterns and forwards events to durable storage.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-guard/internal/config"
	"github.com/telhawk-systems/telhawk-guard/internal/faults"
	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/metrics"
	"github.com/telhawk-systems/telhawk-guard/internal/notify"
	"github.com/telhawk-systems/telhawk-guard/internal/shardmap"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

// Repository is the durable audit store.
type Repository interface {
	AppendEvents(ctx context.Context, events []model.AuditEvent) error
	QueryEvents(ctx context.Context, filter model.AuditFilter) ([]model.AuditEvent, error)
}

// PatternHandler is called after a pattern is reported as suspicious.
type PatternHandler func(p model.SecurityPattern)

// Log is the audit log. It is safe for concurrent use.
type Log struct {
	cfg    config.AuditConfig
	repo   Repository
	sender notify.Sender
	signer *Signer
	faults *faults.Reporter
	logger *logging.Logger
	now    func() time.Time

	onPattern PatternHandler

	ringMu sync.RWMutex
	ring   []model.AuditEvent
	next   int
	size   int

	pendingMu sync.Mutex
	pending   []model.AuditEvent

	patterns *shardmap.Map[*patternState]

	wg sync.WaitGroup
}

type patternState struct {
	model.SecurityPattern
	users map[string]struct{}
}

// Option configures a Log.
type Option func(*Log)

func WithRepository(repo Repository) Option {
	return func(l *Log) { l.repo = repo }
}

func WithSender(s notify.Sender) Option {
	return func(l *Log) { l.sender = s }
}

func WithFaults(r *faults.Reporter) Option {
	return func(l *Log) { l.faults = r }
}

func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

func WithLogger(logger *logging.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

func WithPatternHandler(h PatternHandler) Option {
	return func(l *Log) { l.onPattern = h }
}

// DefaultRingSize is used when the configured ring size is not positive.
const DefaultRingSize = 1000

// New creates a Log.
func New(cfg config.AuditConfig, opts ...Option) *Log {
	if cfg.RingSize <= 0 {
		cfg.RingSize = DefaultRingSize
	}
	l := &Log{
		cfg:      cfg,
		signer:   NewSigner(cfg.SigningKey),
		logger:   logging.Default(),
		now:      time.Now,
		ring:     make([]model.AuditEvent, cfg.RingSize),
		patterns: shardmap.New[*patternState](),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LogEvent stamps, signs and records ev. High and critical events are
// persisted immediately; critical events also notify the alerting sink.
// Storage and delivery happen in the background and never fail the caller.
func (l *Log) LogEvent(ev model.AuditEvent) model.AuditEvent {
	ev = l.record(ev)
	l.updatePattern(ev)
	return ev
}

func (l *Log) record(ev model.AuditEvent) model.AuditEvent {
	if ev.ID == "" {
		ev.ID = uuid.Must(uuid.NewV7()).String()
	}
	if now := l.now().UTC(); ev.Timestamp.IsZero() || ev.Timestamp.After(now) {
		ev.Timestamp = now
	}
	if !ev.RiskLevel.Valid() {
		ev.RiskLevel = model.SeverityLow
	}
	ev.Metadata = ev.Metadata.Clone()
	ev.Signature = l.signer.Sign(ev)

	l.ringMu.Lock()
	l.ring[l.next] = ev
	l.next = (l.next + 1) % len(l.ring)
	if l.size < len(l.ring) {
		l.size++
	}
	l.ringMu.Unlock()

	metrics.AuditEvents.WithLabelValues(string(ev.RiskLevel)).Inc()

	if ev.RiskLevel.AtLeast(model.SeverityHigh) {
		l.persistNow(ev)
	} else {
		l.enqueue(ev)
	}
	if ev.RiskLevel == model.SeverityCritical && l.sender != nil {
		l.sender.Notify(notify.Notification{
			Kind:      notify.KindCriticalEvent,
			Severity:  ev.RiskLevel,
			Title:     "Critical security event: " + ev.EventType,
			Message:   fmt.Sprintf("%s on %s %s by %s (%s)", ev.EventType, ev.Method, ev.Endpoint, ev.ActorKey, ev.Result),
			ActorKey:  ev.ActorKey,
			Timestamp: ev.Timestamp,
			Fields:    map[string]string{"event_id": ev.ID, "ip": ev.IPAddress},
		})
	}
	return ev
}

func (l *Log) persistNow(ev model.AuditEvent) {
	if l.repo == nil {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.PersistTimeout)
		defer cancel()
		if err := l.repo.AppendEvents(ctx, []model.AuditEvent{ev}); err != nil {
			l.faults.Report("audit.persist", err)
			l.enqueue(ev)
		}
	}()
}

func (l *Log) enqueue(ev model.AuditEvent) {
	if l.repo == nil {
		return
	}
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	if l.cfg.FlushBuffer > 0 && len(l.pending) >= l.cfg.FlushBuffer {
		l.pending = l.pending[1:]
		metrics.AuditBufferDropped.Inc()
	}
	l.pending = append(l.pending, ev)
}

func patternKey(ev model.AuditEvent) string {
	return ev.EventType + "|" + ev.Result + "|" + ev.Endpoint + "|" + ev.Method
}

func (l *Log) updatePattern(ev model.AuditEvent) {
	now := ev.Timestamp
	var report *model.SecurityPattern

	l.patterns.Update(patternKey(ev), func(p *patternState, exists bool) (*patternState, bool) {
		if !exists {
			p = &patternState{
				SecurityPattern: model.SecurityPattern{
					Key:       patternKey(ev),
					EventType: ev.EventType,
					Result:    ev.Result,
					Endpoint:  ev.Endpoint,
					Method:    ev.Method,
				},
				users: make(map[string]struct{}),
			}
		}

		increment := l.cfg.RiskIncrement
		if exists && now.Sub(p.LastSeen) <= l.cfg.RecurrenceWindow {
			increment *= 2
		}
		p.Frequency++
		p.RiskScore += increment
		if p.RiskScore > 100 {
			p.RiskScore = 100
		}
		p.LastSeen = now
		if ev.ActorKey != "" && len(p.users) < l.cfg.MaxAffectedUsers {
			p.users[ev.ActorKey] = struct{}{}
		}

		if p.RiskScore > l.cfg.SuspiciousRisk && p.Frequency > l.cfg.SuspiciousFrequency {
			snap := p.snapshot()
			report = &snap
			p.RiskScore /= 2
		}
		return p, true
	})

	if report != nil {
		l.reportPattern(*report)
	}
}

func (p *patternState) snapshot() model.SecurityPattern {
	out := p.SecurityPattern
	out.AffectedUsers = make([]string, 0, len(p.users))
	for u := range p.users {
		out.AffectedUsers = append(out.AffectedUsers, u)
	}
	sort.Strings(out.AffectedUsers)
	return out
}

func (l *Log) reportPattern(p model.SecurityPattern) {
	metrics.SuspiciousPatterns.Inc()
	l.logger.Warn("suspicious audit pattern",
		slog.String("pattern", p.Key),
		slog.Int("frequency", p.Frequency),
		slog.Int("risk_score", p.RiskScore),
		slog.Int("affected_users", len(p.AffectedUsers)))

	ev := model.AuditEvent{
		EventType: model.EventSuspiciousPattern,
		Endpoint:  p.Endpoint,
		Method:    p.Method,
		RiskLevel: model.SeverityHigh,
		Result:    model.ResultFlagged,
	}
	ev.Metadata = ev.Metadata.
		Set(model.MetaPatternKey, p.Key).
		Set(model.MetaFrequency, strconv.Itoa(p.Frequency)).
		Set(model.MetaScore, strconv.Itoa(p.RiskScore))
	l.record(ev)

	if l.sender != nil {
		l.sender.Notify(notify.Notification{
			Kind:      notify.KindSuspiciousPattern,
			Severity:  model.SeverityHigh,
			Title:     "Suspicious activity pattern",
			Message:   fmt.Sprintf("%s seen %d times (risk %d) across %d actors", p.Key, p.Frequency, p.RiskScore, len(p.AffectedUsers)),
			Timestamp: p.LastSeen,
		})
	}
	if l.onPattern != nil {
		l.onPattern(p)
	}
}

// Flush writes buffered events to the repository. Failed batches are kept
// for the next attempt.
func (l *Log) Flush(ctx context.Context) (int, error) {
	if l.repo == nil {
		return 0, nil
	}
	l.pendingMu.Lock()
	batch := l.pending
	l.pending = nil
	l.pendingMu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	start := time.Now()
	err := l.repo.AppendEvents(ctx, batch)
	metrics.AuditFlushDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		l.pendingMu.Lock()
		l.pending = append(batch, l.pending...)
		if l.cfg.FlushBuffer > 0 && len(l.pending) > l.cfg.FlushBuffer {
			dropped := len(l.pending) - l.cfg.FlushBuffer
			l.pending = l.pending[dropped:]
			metrics.AuditBufferDropped.Add(float64(dropped))
		}
		l.pendingMu.Unlock()
		return 0, fmt.Errorf("failed to flush audit events: %w", err)
	}
	return len(batch), nil
}

// Pending returns the number of events awaiting flush.
func (l *Log) Pending() int {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	return len(l.pending)
}

// PrunePatterns removes patterns idle longer than the configured TTL.
func (l *Log) PrunePatterns(now time.Time) int {
	return l.patterns.DeleteFunc(func(_ string, p *patternState) bool {
		return now.Sub(p.LastSeen) > l.cfg.PatternTTL
	})
}

// Patterns returns snapshots of all tracked patterns, highest risk first.
func (l *Log) Patterns() []model.SecurityPattern {
	var keys []string
	l.patterns.Range(func(k string, _ *patternState) bool {
		keys = append(keys, k)
		return true
	})
	out := make([]model.SecurityPattern, 0, len(keys))
	for _, k := range keys {
		l.patterns.View(k, func(p *patternState, ok bool) {
			if ok {
				out = append(out, p.snapshot())
			}
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RiskScore > out[j].RiskScore })
	return out
}

// Events returns the ring contents, oldest first.
func (l *Log) Events() []model.AuditEvent {
	l.ringMu.RLock()
	defer l.ringMu.RUnlock()
	out := make([]model.AuditEvent, 0, l.size)
	start := (l.next - l.size + len(l.ring)) % len(l.ring)
	for i := 0; i < l.size; i++ {
		out = append(out, l.ring[(start+i)%len(l.ring)])
	}
	return out
}

// Recent returns the actor's events at or after since, oldest first.
func (l *Log) Recent(actorKey string, since time.Time) []model.AuditEvent {
	var out []model.AuditEvent
	for _, ev := range l.Events() {
		if ev.ActorKey == actorKey && !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	return out
}

// Query reads events from the repository, or from memory when none is configured.
func (l *Log) Query(ctx context.Context, filter model.AuditFilter) ([]model.AuditEvent, error) {
	if l.repo != nil {
		return l.repo.QueryEvents(ctx, filter)
	}
	var out []model.AuditEvent
	events := l.Events()
	for i := len(events) - 1; i >= 0; i-- {
		if filter.Matches(events[i]) {
			out = append(out, events[i])
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
	}
	return out, nil
}

// Verify checks an event signature.
func (l *Log) Verify(ev model.AuditEvent) bool {
	return l.signer.Verify(ev)
}

// Wait blocks until in-flight immediate writes complete.
func (l *Log) Wait() {
	l.wg.Wait()
}
