// Package ratelimit implements per-actor fixed-window request limiting with
// adaptive tightening and a temporary IP block list.
package ratelimit

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/telhawk-systems/telhawk-guard/internal/config"
	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/metrics"
	"github.com/telhawk-systems/telhawk-guard/internal/shardmap"
)

// Violation describes one rejected request, forwarded to the audit layer.
type Violation struct {
	Key        string
	IP         string
	Window     time.Duration
	Limit      int
	Violations int
	Blocked    bool
	At         time.Time
}

// ViolationHandler receives violations outside of any limiter lock.
type ViolationHandler func(Violation)

type window struct {
	count      int
	violations int
	resetAt    time.Time
}

type restriction struct {
	factor int
	until  time.Time
}

// Limiter is a fixed-window rate limiter. Windows are replaced wholesale once
// their reset time passes, so a burst of up to twice the limit can straddle a
// window boundary.
type Limiter struct {
	cfg          config.RateLimitConfig
	windows      *shardmap.Map[window]
	blocked      *shardmap.Map[time.Time]
	restrictions *shardmap.Map[restriction]
	onViolation  ViolationHandler
	now          func() time.Time
	logger       *logging.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithViolationHandler registers the violation sink.
func WithViolationHandler(h ViolationHandler) Option {
	return func(l *Limiter) { l.onViolation = h }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a Limiter.
func New(cfg config.RateLimitConfig, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:          cfg,
		windows:      shardmap.New[window](),
		blocked:      shardmap.New[time.Time](),
		restrictions: shardmap.New[restriction](),
		now:          time.Now,
		logger:       logging.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cfg.AdaptiveFloor <= 0 {
		l.cfg.AdaptiveFloor = 5
	}
	if l.cfg.ViolationsBeforeBlock <= 0 {
		l.cfg.ViolationsBeforeBlock = 3
	}
	return l
}

func windowKey(key string, w time.Duration) string {
	return key + "|" + strconv.FormatInt(int64(w/time.Second), 10)
}

// CheckLimit counts one request for key in a window of the given length and
// reports whether it is allowed. When ip is set it is checked against the
// block list first and blocked after repeated violations.
func (l *Limiter) CheckLimit(key string, maxRequests int, windowLen time.Duration, adaptive bool, ip string) bool {
	now := l.now()
	if ip != "" && l.IsBlocked(ip) {
		return false
	}

	base := l.restrictedMax(key, maxRequests, now)

	var violation *Violation
	l.windows.Update(windowKey(key, windowLen), func(w window, exists bool) (window, bool) {
		if !exists || now.After(w.resetAt) {
			return window{count: 1, resetAt: now.Add(windowLen)}, true
		}

		limit := base
		if adaptive && w.violations > 0 {
			limit = l.adaptiveMax(base, w.violations)
		}
		if w.count < limit {
			w.count++
			return w, true
		}

		w.violations++
		violation = &Violation{
			Key:        key,
			IP:         ip,
			Window:     windowLen,
			Limit:      limit,
			Violations: w.violations,
			Blocked:    ip != "" && w.violations >= l.cfg.ViolationsBeforeBlock,
			At:         now,
		}
		return w, true
	})

	if violation == nil {
		return true
	}

	metrics.RateLimitHits.WithLabelValues(violation.Window.String()).Inc()
	if violation.Blocked {
		l.BlockIP(ip, l.cfg.BlockDuration)
		l.logger.Warn("rate limit violations exceeded, blocking ip",
			logging.ActorKey(key), logging.IP(ip), slog.Int("violations", violation.Violations))
	}
	if l.onViolation != nil {
		l.onViolation(*violation)
	}
	return false
}

// adaptiveMax lowers the ceiling by AdaptiveStep per violation, never below
// the floor and never above the configured ceiling.
func (l *Limiter) adaptiveMax(maxRequests, violations int) int {
	limit := maxRequests - l.cfg.AdaptiveStep*violations
	if limit < l.cfg.AdaptiveFloor {
		limit = l.cfg.AdaptiveFloor
	}
	if limit > maxRequests {
		limit = maxRequests
	}
	return limit
}

func (l *Limiter) restrictedMax(key string, maxRequests int, now time.Time) int {
	r, ok := l.restrictions.Get(key)
	if !ok || now.After(r.until) || r.factor <= 1 {
		return maxRequests
	}
	limit := maxRequests / r.factor
	if limit < 1 {
		limit = 1
	}
	return limit
}

// CheckGlobalLimits applies the per-minute then per-hour ceilings to the
// actor, stopping at the first failure.
func (l *Limiter) CheckGlobalLimits(key, ip string) bool {
	if !l.CheckLimit(key, l.cfg.PerMinute, time.Minute, l.cfg.Adaptive, ip) {
		return false
	}
	return l.CheckLimit(key, l.cfg.PerHour, time.Hour, l.cfg.Adaptive, ip)
}

// BlockIP places ip on the block list for d, extending any existing block.
func (l *Limiter) BlockIP(ip string, d time.Duration) {
	if ip == "" {
		return
	}
	until := l.now().Add(d)
	l.blocked.Update(ip, func(cur time.Time, exists bool) (time.Time, bool) {
		if exists && cur.After(until) {
			return cur, true
		}
		return until, true
	})
	metrics.BlockedIPs.Set(float64(l.blocked.Len()))
}

// UnblockIP removes ip from the block list.
func (l *Limiter) UnblockIP(ip string) {
	l.blocked.Delete(ip)
	metrics.BlockedIPs.Set(float64(l.blocked.Len()))
}

// IsBlocked reports whether ip is currently blocked.
func (l *Limiter) IsBlocked(ip string) bool {
	until, ok := l.blocked.Get(ip)
	return ok && l.now().Before(until)
}

// Restrict divides the ceilings applied to key by factor for d.
func (l *Limiter) Restrict(key string, factor int, d time.Duration) {
	l.restrictions.Set(key, restriction{factor: factor, until: l.now().Add(d)})
}

// Sweep deletes expired windows, blocks and restrictions.
func (l *Limiter) Sweep(now time.Time) int {
	removed := l.windows.DeleteFunc(func(_ string, w window) bool { return now.After(w.resetAt) })
	removed += l.blocked.DeleteFunc(func(_ string, until time.Time) bool { return !now.Before(until) })
	removed += l.restrictions.DeleteFunc(func(_ string, r restriction) bool { return now.After(r.until) })
	metrics.BlockedIPs.Set(float64(l.blocked.Len()))
	return removed
}

// Windows returns the number of live windows.
func (l *Limiter) Windows() int {
	return l.windows.Len()
}
