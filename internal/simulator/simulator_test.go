package simulator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-guard/internal/config"
	"github.com/telhawk-systems/telhawk-guard/internal/incident"
	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/notify"
	"github.com/telhawk-systems/telhawk-guard/pkg/guard"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

func TestRegistry(t *testing.T) {
	names := Names()
	assert.Equal(t, []string{"browsing", "credential-stuffing", "honeypot", "injection", "scanner", "scraping"}, names)

	_, ok := Get("scraping")
	assert.True(t, ok)
	_, ok = Get("nope")
	assert.False(t, ok)

	assert.Panics(t, func() { Register(&Scraping{}) })
}

func TestScenariosAreDeterministic(t *testing.T) {
	for _, s := range List() {
		a := s.Generate(gofakeit.New(7))
		b := s.Generate(gofakeit.New(7))
		require.NotEmpty(t, a, s.Name())
		assert.Equal(t, a, b, s.Name())
	}
}

func TestRunAgainstEngine(t *testing.T) {
	clock := NewClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	engine, err := guard.New(config.Default(), nil,
		guard.WithClock(clock.Now),
		guard.WithLogger(logging.Discard()),
		guard.WithChannels(notify.NewLogChannel(logging.Discard())))
	require.NoError(t, err)
	defer func() { _ = engine.Stop(context.Background()) }()

	runner := NewRunner(EngineTarget{Engine: engine}, WithClock(clock), WithSeed(42), WithLogger(logging.Discard()))
	summary, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Scenarios, 6)
	assert.Equal(t, int64(42), summary.Seed)
	engine.Wait()

	browsing, _ := summary.Result("browsing")
	assert.Equal(t, 40, browsing.Requests)
	assert.Zero(t, browsing.Blocked, "reasons: %v", browsing.Reasons)

	scanner, _ := summary.Result("scanner")
	assert.Equal(t, scanner.Requests, scanner.Blocked)
	assert.Equal(t, scanner.Requests, scanner.Reasons[model.ReasonSuspiciousAgent])

	injection, _ := summary.Result("injection")
	assert.Equal(t, injection.Requests, injection.Blocked)
	assert.Positive(t, injection.Reasons[model.ReasonMaliciousPayload])

	honeypot, _ := summary.Result("honeypot")
	assert.Equal(t, honeypot.Requests, honeypot.Blocked)
	assert.Equal(t, 1, honeypot.Reasons[model.ReasonRestrictedResource])
	assert.Equal(t, honeypot.Requests-1, honeypot.Reasons[model.ReasonIPBlocked])

	scraping, _ := summary.Result("scraping")
	assert.GreaterOrEqual(t, scraping.Allowed, 10)
	assert.Positive(t, scraping.Blocked)

	stuffing, _ := summary.Result("credential-stuffing")
	assert.Equal(t, 12, stuffing.Events)
	assert.Len(t, engine.Incidents(incident.Filter{Type: model.IndicatorBruteForce}), 1)
}

func TestRunUnknownScenario(t *testing.T) {
	runner := NewRunner(EngineTarget{}, WithLogger(logging.Discard()))
	_, err := runner.Run(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestHTTPTarget(t *testing.T) {
	var checks, events atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/check":
			checks.Add(1)
			var body struct {
				Request model.RequestContext `json:"request"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			w.Header().Set("Content-Type", "application/json")
			if body.Request.Endpoint == "/.env" {
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(model.Block(model.ReasonRestrictedResource))
				return
			}
			_ = json.NewEncoder(w).Encode(model.Allow(model.ActionMonitor))
		case "/api/v1/events":
			events.Add(1)
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	runner := NewRunner(NewHTTPTarget(srv.URL+"/"), WithSeed(1), WithLogger(logging.Discard()))
	summary, err := runner.Run(context.Background(), "honeypot", "credential-stuffing")
	require.NoError(t, err)

	honeypot, _ := summary.Result("honeypot")
	assert.Equal(t, 1, honeypot.Blocked)
	assert.Zero(t, honeypot.Errors)

	stuffing, _ := summary.Result("credential-stuffing")
	assert.Equal(t, 12, stuffing.Events)
	assert.Equal(t, int32(12), events.Load())
	assert.Equal(t, int32(17), checks.Load())
}

func TestHTTPTargetErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	runner := NewRunner(NewHTTPTarget(srv.URL), WithSeed(1), WithLogger(logging.Discard()))
	summary, err := runner.Run(context.Background(), "scanner")
	require.NoError(t, err)
	scanner, _ := summary.Result("scanner")
	assert.Equal(t, scanner.Requests, scanner.Errors)
}
