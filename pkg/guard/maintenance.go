package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/telhawk-systems/telhawk-guard/internal/scheduler"
)

// Maintenance job names.
const (
	JobSweep       = "sweep"
	JobAuditFlush  = "audit-flush"
	JobAuditPrune  = "audit-prune"
	JobEscalations = "escalations"
)

func (e *Engine) registerJobs() error {
	sweep := e.cfg.Engine.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	flush := e.cfg.Audit.FlushInterval
	if flush <= 0 {
		flush = 30 * time.Second
	}
	prune := e.cfg.Audit.PruneInterval
	if prune <= 0 {
		prune = time.Hour
	}

	jobs := []scheduler.Job{
		{Name: JobSweep, Interval: sweep, Run: func(_ context.Context, now time.Time) error {
			e.sweep(now)
			return nil
		}},
		{Name: JobAuditFlush, Interval: flush, Run: e.flushAudit},
		{Name: JobAuditPrune, Interval: prune, Run: func(_ context.Context, now time.Time) error {
			e.audit.PrunePatterns(now)
			return nil
		}},
		{Name: JobEscalations, Interval: sweep, Run: func(_ context.Context, now time.Time) error {
			e.responder.CheckEscalations(now)
			return nil
		}},
	}
	for _, job := range jobs {
		if err := e.scheduler.Add(job); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) sweep(now time.Time) {
	windows := e.limiter.Sweep(now)
	profiles := e.profiler.Sweep(now)
	alerts := e.detector.Sweep(now, e.cfg.Behavior.IdleTTL)
	cooldowns := e.responder.Cooldowns().Sweep(now)
	incidents := e.responder.Sweep(now, e.cfg.Incident.Retention)
	expired := func(_ string, until time.Time) bool { return !now.Before(until) }
	enforcement := e.quarantined.DeleteFunc(expired) + e.disabled.DeleteFunc(expired)

	e.logger.Debug("maintenance sweep",
		slog.Int("windows", windows),
		slog.Int("profiles", profiles),
		slog.Int("alerts", alerts),
		slog.Int("cooldowns", cooldowns),
		slog.Int("incidents", incidents),
		slog.Int("enforcement", enforcement))
}

func (e *Engine) flushAudit(ctx context.Context, _ time.Time) error {
	n, err := e.audit.Flush(ctx)
	if err != nil {
		e.faults.Report("audit.flush", err)
		return err
	}
	if n > 0 {
		e.logger.Debug("audit events flushed", slog.Int("count", n))
	}
	return nil
}

// RunMaintenance runs every maintenance job once at now, in order. Tests use
// it to drive expiry deterministically instead of waiting on timers.
func (e *Engine) RunMaintenance(ctx context.Context, now time.Time) error {
	e.sweep(now)
	err := e.flushAudit(ctx, now)
	e.audit.PrunePatterns(now)
	e.responder.CheckEscalations(now)
	return err
}
