// Package behavior builds per-actor request profiles and flags automation.
package behavior

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-guard/internal/config"
	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/metrics"
	"github.com/telhawk-systems/telhawk-guard/internal/shardmap"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

const (
	sourceName       = "behavior"
	maxUserAgentsSet = 32
)

// Result is the profiler's assessment of one request.
type Result struct {
	Indicators []model.ThreatIndicator
	Score      int
	Action     model.Action
	Blocked    bool
	Honeypot   bool
}

// Profile is a read-only summary of an actor's profile.
type Profile struct {
	ActorKey     string        `json:"actor_key"`
	RequestCount int           `json:"request_count"`
	FirstSeen    time.Time     `json:"first_seen"`
	LastSeen     time.Time     `json:"last_seen"`
	Endpoints    int           `json:"endpoints"`
	UserAgents   int           `json:"user_agents"`
	MeanInterval time.Duration `json:"mean_interval"`
	Suspicious   bool          `json:"suspicious"`
}

type profile struct {
	requestCount int
	firstSeen    time.Time
	lastSeen     time.Time
	endpoints    map[string]struct{}
	userAgents   map[string]struct{}
	intervals    *ring
	suspicious   bool

	seqRatio float64
	seqDirty bool
}

// Profiler tracks behavior per actor key.
type Profiler struct {
	cfg       config.BehaviorConfig
	honeypots map[string]struct{}
	profiles  *shardmap.Map[*profile]
	blockIP   func(ip string)
	now       func() time.Time
	logger    *logging.Logger
}

// Option configures a Profiler.
type Option func(*Profiler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Profiler) { p.now = now }
}

// WithIPBlocker sets the callback used to block the IP of a honeypot visitor.
func WithIPBlocker(fn func(ip string)) Option {
	return func(p *Profiler) { p.blockIP = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Profiler) { p.logger = logger }
}

// New creates a Profiler.
func New(cfg config.BehaviorConfig, honeypots []string, opts ...Option) *Profiler {
	p := &Profiler{
		cfg:       cfg,
		honeypots: make(map[string]struct{}, len(honeypots)),
		profiles:  shardmap.New[*profile](),
		now:       time.Now,
		logger:    logging.Default(),
	}
	for _, h := range honeypots {
		p.honeypots[normalizePath(h)] = struct{}{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsHoneypot reports whether endpoint is one of the trap paths.
func (p *Profiler) IsHoneypot(endpoint string) bool {
	_, ok := p.honeypots[normalizePath(endpoint)]
	return ok
}

// Analyze records the request in the actor's profile and evaluates it.
func (p *Profiler) Analyze(rc model.RequestContext) Result {
	now := p.now()
	key := model.ActorKeyFor(rc)
	honeypot := p.IsHoneypot(rc.Endpoint)

	var res Result
	p.profiles.Update(key, func(prof *profile, exists bool) (*profile, bool) {
		if !exists {
			prof = &profile{
				firstSeen:  now,
				endpoints:  make(map[string]struct{}),
				userAgents: make(map[string]struct{}),
				intervals:  newRing(p.cfg.IntervalWindow),
			}
		}
		p.record(prof, rc, now)
		res = p.evaluate(prof, honeypot, now)
		return prof, true
	})

	if honeypot && rc.IPAddress != "" && p.blockIP != nil {
		p.blockIP(rc.IPAddress)
	}
	if res.Blocked {
		p.logger.Warn("automated behavior detected",
			logging.ActorKey(key), logging.Endpoint(rc.Endpoint), logging.IP(rc.IPAddress))
	}
	return res
}

func (p *Profiler) record(prof *profile, rc model.RequestContext, now time.Time) {
	if prof.requestCount > 0 {
		prof.intervals.push(now.Sub(prof.lastSeen).Seconds())
	}
	prof.requestCount++
	prof.lastSeen = now

	if rc.Endpoint != "" && len(prof.endpoints) < p.cfg.MaxEndpoints {
		if _, seen := prof.endpoints[rc.Endpoint]; !seen {
			prof.endpoints[rc.Endpoint] = struct{}{}
			prof.seqDirty = true
		}
	}
	if rc.UserAgent != "" && len(prof.userAgents) < maxUserAgentsSet {
		prof.userAgents[rc.UserAgent] = struct{}{}
	}
}

func (p *Profiler) evaluate(prof *profile, honeypot bool, now time.Time) Result {
	var inds []model.ThreatIndicator
	add := func(t model.IndicatorType, sev model.Severity, confidence int, evidence string, mitigations ...string) {
		inds = append(inds, model.ThreatIndicator{
			Type:        t,
			Severity:    sev,
			Confidence:  confidence,
			Evidence:    evidence,
			Mitigations: mitigations,
			Source:      sourceName,
			DetectedAt:  now,
		})
	}

	mean, stddev, n := prof.intervals.stats()

	if n > 0 && prof.requestCount > p.cfg.FastMinRequests && mean < p.cfg.FastInterval.Seconds() {
		add(model.IndicatorScrapingPattern, model.SeverityHigh, 90,
			"mean request interval "+formatSeconds(mean)+" over "+strconv.Itoa(prof.requestCount)+" requests",
			"rate limit actor")
	}

	if len(prof.endpoints) > p.cfg.EndpointThreshold {
		if prof.seqDirty {
			prof.seqRatio = sequentialRatio(prof.endpoints)
			prof.seqDirty = false
		}
		if prof.seqRatio > p.cfg.SequentialRatio {
			add(model.IndicatorScrapingPattern, model.SeverityHigh, 85,
				strconv.Itoa(len(prof.endpoints))+" endpoints with sequential identifiers",
				"rate limit actor", "use non-sequential identifiers")
		}
	}

	if n >= 2 && prof.requestCount > p.cfg.CVMinRequests {
		cv := 0.0
		if mean > 0 {
			cv = stddev / mean
		}
		if cv < p.cfg.CVThreshold {
			add(model.IndicatorScrapingPattern, model.SeverityMedium, 75,
				"request timing lacks human variation (cv "+formatSeconds(cv)+")")
		}
	}

	if len(prof.userAgents) > p.cfg.MaxUserAgents {
		add(model.IndicatorAnomaly, model.SeverityMedium, 70,
			strconv.Itoa(len(prof.userAgents))+" distinct user agents", "require re-authentication")
	}

	if honeypot {
		add(model.IndicatorScrapingPattern, model.SeverityCritical, 100,
			"honeypot endpoint accessed", "block ip")
	}

	res := Result{Indicators: inds, Score: Score(inds), Honeypot: honeypot}
	switch {
	case honeypot || res.Score >= p.cfg.BlockScore:
		res.Action = model.ActionBlock
		res.Blocked = true
		prof.suspicious = true
	case res.Score >= p.cfg.MonitorScore:
		res.Action = model.ActionMonitor
	}
	return res
}

// Score is 10 × Σ(confidence/100 × severity weight), capped at 100.
func Score(inds []model.ThreatIndicator) int {
	total := 0.0
	for _, ind := range inds {
		total += float64(ind.Confidence) / 100 * ind.Severity.Weight()
	}
	score := int(math.Round(total * 10))
	if score > 100 {
		score = 100
	}
	return score
}

// Sweep evicts profiles idle longer than the configured TTL.
func (p *Profiler) Sweep(now time.Time) int {
	removed := p.profiles.DeleteFunc(func(_ string, prof *profile) bool {
		return now.Sub(prof.lastSeen) > p.cfg.IdleTTL
	})
	metrics.TrackedProfiles.Set(float64(p.profiles.Len()))
	return removed
}

// Snapshot returns the summary of an actor's profile.
func (p *Profiler) Snapshot(actorKey string) (Profile, bool) {
	var (
		out Profile
		ok  bool
	)
	p.profiles.View(actorKey, func(prof *profile, exists bool) {
		if !exists {
			return
		}
		mean, _, _ := prof.intervals.stats()
		out = Profile{
			ActorKey:     actorKey,
			RequestCount: prof.requestCount,
			FirstSeen:    prof.firstSeen,
			LastSeen:     prof.lastSeen,
			Endpoints:    len(prof.endpoints),
			UserAgents:   len(prof.userAgents),
			MeanInterval: time.Duration(mean * float64(time.Second)),
			Suspicious:   prof.suspicious,
		}
		ok = true
	})
	return out, ok
}

// Suspicious reports whether the actor has been marked suspicious.
func (p *Profiler) Suspicious(actorKey string) bool {
	prof, ok := p.Snapshot(actorKey)
	return ok && prof.Suspicious
}

// Len returns the number of live profiles.
func (p *Profiler) Len() int {
	return p.profiles.Len()
}

// sequentialRatio is the share of consecutive-integer neighbours among the
// distinct numeric identifiers found in endpoint paths.
func sequentialRatio(endpoints map[string]struct{}) float64 {
	seen := make(map[int64]struct{}, len(endpoints))
	for ep := range endpoints {
		if id, ok := lastNumericSegment(ep); ok {
			seen[id] = struct{}{}
		}
	}
	if len(seen) < 2 {
		return 0
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	consecutive := 0
	for i := 1; i < len(ids); i++ {
		if ids[i]-ids[i-1] == 1 {
			consecutive++
		}
	}
	return float64(consecutive) / float64(len(ids)-1)
}

func lastNumericSegment(endpoint string) (int64, bool) {
	if i := strings.IndexAny(endpoint, "?#"); i >= 0 {
		endpoint = endpoint[:i]
	}
	parts := strings.Split(strings.Trim(endpoint, "/"), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if id, err := strconv.ParseInt(parts[i], 10, 64); err == nil {
			return id, true
		}
	}
	return 0, false
}

func normalizePath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	p = strings.ToLower(strings.TrimRight(p, "/"))
	if p == "" {
		return "/"
	}
	return p
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
