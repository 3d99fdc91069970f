package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/pkg/guard"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

// Target receives simulated traffic.
type Target interface {
	Check(ctx context.Context, rc model.RequestContext, payload any) (model.SecurityVerdict, error)
	Record(ctx context.Context, ev model.AuditEvent) error
}

// Clock is a settable time source shared between the runner and an
// in-process engine so simulated offsets become engine time.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{t: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// EngineTarget drives an in-process engine.
type EngineTarget struct {
	Engine *guard.Engine
}

func (t EngineTarget) Check(ctx context.Context, rc model.RequestContext, payload any) (model.SecurityVerdict, error) {
	return t.Engine.CheckRequest(ctx, rc, payload), nil
}

func (t EngineTarget) Record(_ context.Context, ev model.AuditEvent) error {
	t.Engine.RecordEvent(ev)
	return nil
}

// HTTPTarget drives a running guard service through its API.
type HTTPTarget struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPTarget creates a target for the service at baseURL.
func NewHTTPTarget(baseURL string) *HTTPTarget {
	return &HTTPTarget{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *HTTPTarget) Check(ctx context.Context, rc model.RequestContext, payload any) (model.SecurityVerdict, error) {
	var verdict model.SecurityVerdict
	body := map[string]any{"request": rc}
	if payload != nil {
		body["payload"] = payload
	}
	resp, err := t.post(ctx, "/api/v1/check", body)
	if err != nil {
		return verdict, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusForbidden {
		return verdict, fmt.Errorf("check returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return verdict, fmt.Errorf("failed to decode verdict: %w", err)
	}
	return verdict, nil
}

func (t *HTTPTarget) Record(ctx context.Context, ev model.AuditEvent) error {
	resp, err := t.post(ctx, "/api/v1/events", ev)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("event returned status %d", resp.StatusCode)
	}
	return nil
}

func (t *HTTPTarget) post(ctx context.Context, path string, v any) (*http.Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

// ScenarioResult tallies the verdicts one scenario received.
type ScenarioResult struct {
	Name     string         `json:"name"`
	Requests int            `json:"requests"`
	Allowed  int            `json:"allowed"`
	Blocked  int            `json:"blocked"`
	Events   int            `json:"events"`
	Errors   int            `json:"errors"`
	Reasons  map[string]int `json:"reasons,omitempty"`
}

// Summary is the outcome of a run.
type Summary struct {
	Seed      int64            `json:"seed"`
	Scenarios []ScenarioResult `json:"scenarios"`
	Duration  time.Duration    `json:"duration"`
}

// Result returns the named scenario's tally.
func (s Summary) Result(name string) (ScenarioResult, bool) {
	for _, r := range s.Scenarios {
		if r.Name == name {
			return r, true
		}
	}
	return ScenarioResult{}, false
}

// Runner replays scenarios against a target.
type Runner struct {
	target   Target
	clock    *Clock
	seed     int64
	realtime bool
	gap      time.Duration
	logger   *logging.Logger
}

type Option func(*Runner)

// WithClock advances clock to each step's simulated time before it is sent.
func WithClock(c *Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithSeed fixes the faker seed so runs are reproducible.
func WithSeed(seed int64) Option {
	return func(r *Runner) { r.seed = seed }
}

// WithRealtime sleeps between steps according to their offsets.
func WithRealtime(enabled bool) Option {
	return func(r *Runner) { r.realtime = enabled }
}

func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a runner. Scenarios run back to back, separated by a
// simulated hour so their state does not overlap.
func NewRunner(target Target, opts ...Option) *Runner {
	r := &Runner{
		target: target,
		seed:   time.Now().UnixNano(),
		gap:    time.Hour,
		logger: logging.Default().Component("simulator"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run replays the named scenarios, or all of them when names is empty.
func (r *Runner) Run(ctx context.Context, names ...string) (Summary, error) {
	if len(names) == 0 {
		names = Names()
	}
	scenarios := make([]Scenario, 0, len(names))
	for _, name := range names {
		s, ok := Get(name)
		if !ok {
			return Summary{}, fmt.Errorf("unknown scenario %q (available: %s)", name, strings.Join(Names(), ", "))
		}
		scenarios = append(scenarios, s)
	}

	started := time.Now()
	summary := Summary{Seed: r.seed}
	faker := gofakeit.New(r.seed)

	var base time.Time
	if r.clock != nil {
		base = r.clock.Now()
	}
	for _, s := range scenarios {
		steps := s.Generate(faker)
		sort.SliceStable(steps, func(i, j int) bool { return steps[i].Offset < steps[j].Offset })

		r.logger.Info("running scenario", "scenario", s.Name(), "steps", len(steps))
		res, err := r.runScenario(ctx, s.Name(), base, steps)
		summary.Scenarios = append(summary.Scenarios, res)
		if err != nil {
			summary.Duration = time.Since(started)
			return summary, err
		}
		if len(steps) > 0 {
			base = base.Add(steps[len(steps)-1].Offset + r.gap)
		}
	}
	summary.Duration = time.Since(started)
	return summary, nil
}

func (r *Runner) runScenario(ctx context.Context, name string, base time.Time, steps []Step) (ScenarioResult, error) {
	res := ScenarioResult{Name: name, Reasons: make(map[string]int)}
	var last time.Duration
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if r.realtime && step.Offset > last {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(step.Offset - last):
			}
		}
		last = step.Offset
		if r.clock != nil {
			r.clock.Set(base.Add(step.Offset))
		}

		res.Requests++
		v, err := r.target.Check(ctx, step.Request, step.Payload)
		if err != nil {
			res.Errors++
			r.logger.Warn("check failed", "scenario", name, logging.Error(err))
			continue
		}
		if v.Allowed {
			res.Allowed++
		} else {
			res.Blocked++
			res.Reasons[v.Reason]++
		}

		if step.Event != nil {
			if err := r.target.Record(ctx, *step.Event); err != nil {
				res.Errors++
				r.logger.Warn("event failed", "scenario", name, logging.Error(err))
				continue
			}
			res.Events++
		}
	}
	return res, nil
}
