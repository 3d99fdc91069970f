package incident

import (
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

// Cooldowns gates repeated mitigation actions per (type, subject).
// TryAcquire is an atomic check-and-set.
type Cooldowns struct {
	mu        sync.Mutex
	durations map[model.MitigationType]time.Duration
	until     map[string]time.Time
}

// NewCooldowns creates a gate with per-type durations. Types without a
// duration are never gated.
func NewCooldowns(durations map[model.MitigationType]time.Duration) *Cooldowns {
	d := make(map[model.MitigationType]time.Duration, len(durations))
	for k, v := range durations {
		d[k] = v
	}
	return &Cooldowns{durations: d, until: make(map[string]time.Time)}
}

// Key returns the cooldown key for an action type and subject.
func Key(t model.MitigationType, subject string) string {
	return string(t) + ":" + subject
}

// TryAcquire reports whether an action of type t against subject may run at
// now, and if so starts its cooldown.
func (c *Cooldowns) TryAcquire(t model.MitigationType, subject string, now time.Time) bool {
	d := c.durations[t]
	if d <= 0 {
		return true
	}
	key := Key(t, subject)

	c.mu.Lock()
	defer c.mu.Unlock()
	if until, ok := c.until[key]; ok && now.Before(until) {
		return false
	}
	c.until[key] = now.Add(d)
	return true
}

// Remaining returns how long the cooldown for (t, subject) still runs.
func (c *Cooldowns) Remaining(t model.MitigationType, subject string, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.until[Key(t, subject)]
	if !ok || !now.Before(until) {
		return 0
	}
	return until.Sub(now)
}

// Sweep drops expired entries.
func (c *Cooldowns) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, until := range c.until {
		if !now.Before(until) {
			delete(c.until, k)
			n++
		}
	}
	return n
}
