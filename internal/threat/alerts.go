package threat

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/metrics"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

// Record merges indicators into the subject's alert and returns a snapshot.
// When the aggregated severity reaches the escalation level the snapshot is
// handed to the escalator before Record returns.
func (d *Detector) Record(subj Subject, inds []model.ThreatIndicator) (model.ThreatAlert, bool) {
	if len(inds) == 0 {
		return model.ThreatAlert{}, false
	}
	now := d.now()

	var snapshot model.ThreatAlert
	d.alerts.Update(subj.ActorKey, func(a *model.ThreatAlert, exists bool) (*model.ThreatAlert, bool) {
		if !exists || !a.IsActive {
			a = &model.ThreatAlert{
				ID:                 uuid.Must(uuid.NewV7()).String(),
				ActorKey:           subj.ActorKey,
				AggregatedSeverity: model.SeverityLow,
				FirstDetected:      now,
				IsActive:           true,
			}
		}
		if subj.IPAddress != "" {
			a.IPAddress = subj.IPAddress
		}
		if subj.UserID != "" {
			a.UserID = subj.UserID
		}
		if subj.Endpoint != "" && !contains(a.Endpoints, subj.Endpoint) && len(a.Endpoints) < maxAlertEndpoints {
			a.Endpoints = append(a.Endpoints, subj.Endpoint)
		}
		for _, ind := range inds {
			d.appendIndicator(a, ind)
			a.AggregatedSeverity = model.MaxSeverity(a.AggregatedSeverity, ind.Severity)
		}
		a.OccurrenceCount++
		a.LastSeen = now
		snapshot = a.Clone()
		return a, true
	})

	for _, ind := range inds {
		metrics.Indicators.WithLabelValues(string(ind.Type), string(ind.Severity)).Inc()
	}

	escalated := snapshot.AggregatedSeverity.AtLeast(d.escalateAt)
	if escalated && d.escalate != nil {
		d.logger.Info("escalating threat alert",
			logging.ActorKey(snapshot.ActorKey), logging.Severity(string(snapshot.AggregatedSeverity)))
		d.escalate(snapshot)
	}
	return snapshot, escalated
}

// appendIndicator adds ind, evicting the oldest least severe indicator once the
// alert is full. The maximum severity is never evicted.
func (d *Detector) appendIndicator(a *model.ThreatAlert, ind model.ThreatIndicator) {
	limit := d.cfg.MaxAlertIndicators
	if limit > 0 && len(a.Indicators) >= limit {
		victim := 0
		for i, cur := range a.Indicators {
			if cur.Severity.Rank() < a.Indicators[victim].Severity.Rank() {
				victim = i
			}
		}
		a.Indicators = append(a.Indicators[:victim], a.Indicators[victim+1:]...)
	}
	a.Indicators = append(a.Indicators, ind)
}

// Alert returns a snapshot of the actor's alert.
func (d *Detector) Alert(actorKey string) (model.ThreatAlert, bool) {
	var (
		out model.ThreatAlert
		ok  bool
	)
	d.alerts.View(actorKey, func(a *model.ThreatAlert, exists bool) {
		if exists {
			out, ok = a.Clone(), true
		}
	})
	return out, ok
}

// Alerts returns snapshots of all alerts, most recently seen first.
func (d *Detector) Alerts(activeOnly bool) []model.ThreatAlert {
	var keys []string
	d.alerts.Range(func(k string, _ *model.ThreatAlert) bool {
		keys = append(keys, k)
		return true
	})

	out := make([]model.ThreatAlert, 0, len(keys))
	for _, k := range keys {
		if a, ok := d.Alert(k); ok && (!activeOnly || a.IsActive) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// ResolveAlert deactivates the actor's alert so the next indicator opens a new one.
func (d *Detector) ResolveAlert(actorKey string) bool {
	resolved := false
	d.alerts.Update(actorKey, func(a *model.ThreatAlert, exists bool) (*model.ThreatAlert, bool) {
		if exists && a.IsActive {
			a.IsActive = false
			resolved = true
		}
		return a, exists
	})
	return resolved
}

// Sweep removes alerts not seen for longer than idle.
func (d *Detector) Sweep(now time.Time, idle time.Duration) int {
	return d.alerts.DeleteFunc(func(_ string, a *model.ThreatAlert) bool {
		return now.Sub(a.LastSeen) > idle
	})
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
