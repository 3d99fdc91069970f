package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-guard/internal/config"
	"github.com/telhawk-systems/telhawk-guard/internal/faults"
	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/messaging"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

func testConfig() config.NotifyConfig {
	return config.NotifyConfig{
		Timeout:         time.Second,
		RatePerSecond:   1000,
		Burst:           100,
		BreakerFailures: 2,
		BreakerTimeout:  time.Minute,
	}
}

func sample() Notification {
	return Notification{
		Kind:       KindIncidentOpened,
		Severity:   model.SeverityCritical,
		Title:      "Incident opened",
		Message:    "honeypot access from 203.0.113.9",
		ActorKey:   "ip:203.0.113.9",
		IncidentID: "inc-1",
	}
}

// mockChannel records deliveries and fails on demand.
type mockChannel struct {
	calls atomic.Int32
	err   error
}

func (m *mockChannel) Send(ctx context.Context, n *Notification) error {
	m.calls.Add(1)
	return m.err
}

func (m *mockChannel) Type() string { return "mock" }

func TestWebhookChannel_Send(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := sample()
	require.NoError(t, NewWebhookChannel(srv.URL, time.Second).Send(context.Background(), &n))
	assert.Equal(t, KindIncidentOpened, got.Kind)
	assert.Equal(t, "inc-1", got.IncidentID)
}

func TestWebhookChannel_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := sample()
	err := NewWebhookChannel(srv.URL, time.Second).Send(context.Background(), &n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSlackChannel_Send(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := sample()
	n.Timestamp = time.Unix(1700000000, 0)
	require.NoError(t, NewSlackChannel(srv.URL, time.Second).Send(context.Background(), &n))

	var payload struct {
		Text        string `json:"text"`
		Attachments []struct {
			Color  string `json:"color"`
			Text   string `json:"text"`
			TS     int64  `json:"ts"`
			Fields []struct {
				Title string `json:"title"`
				Value string `json:"value"`
			} `json:"fields"`
		} `json:"attachments"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Contains(t, payload.Text, "Incident opened")
	require.Len(t, payload.Attachments, 1)
	assert.Equal(t, "#8B0000", payload.Attachments[0].Color)
	assert.Equal(t, int64(1700000000), payload.Attachments[0].TS)
	assert.Len(t, payload.Attachments[0].Fields, 4)
}

func TestLogChannel_Send(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, logging.ParseLevel("info"), "json")

	n := sample()
	require.NoError(t, NewLogChannel(logger).Send(context.Background(), &n))
	assert.Contains(t, buf.String(), "SECURITY NOTIFICATION: Incident opened")
	assert.Contains(t, buf.String(), `"incident_id":"inc-1"`)
}

func TestNATSChannel_Send(t *testing.T) {
	pub := messaging.NewMemoryPublisher(0)
	n := sample()
	require.NoError(t, NewNATSChannel(pub).Send(context.Background(), &n))

	msgs := pub.Messages("guard.notifications.incident_opened")
	require.Len(t, msgs, 1)
	assert.Contains(t, string(msgs[0].Data), `"incident_id":"inc-1"`)
}

func TestDispatcher_SendStampsAndDelivers(t *testing.T) {
	pub := messaging.NewMemoryPublisher(0)
	fixed := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	d := NewDispatcher(testConfig(), []Channel{NewNATSChannel(pub)}, WithClock(func() time.Time { return fixed }))

	require.NoError(t, d.Send(context.Background(), sample()))

	msgs := pub.Messages("")
	require.Len(t, msgs, 1)
	var got Notification
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, fixed, got.Timestamp)
}

func TestDispatcher_PartialFailureSucceeds(t *testing.T) {
	failing := &mockChannel{err: assert.AnError}
	pub := messaging.NewMemoryPublisher(0)
	d := NewDispatcher(testConfig(), []Channel{failing, NewNATSChannel(pub)})

	require.NoError(t, d.Send(context.Background(), sample()))
	assert.Equal(t, int32(1), failing.calls.Load())
	assert.Len(t, pub.Messages(""), 1)
}

func TestDispatcher_AllFailed(t *testing.T) {
	d := NewDispatcher(testConfig(), []Channel{&mockChannel{err: assert.AnError}})
	err := d.Send(context.Background(), sample())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestDispatcher_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	ch := &mockChannel{err: assert.AnError}
	d := NewDispatcher(testConfig(), []Channel{ch})

	for i := 0; i < 5; i++ {
		_ = d.Send(context.Background(), sample())
	}

	assert.Equal(t, int32(2), ch.calls.Load(), "open breaker short-circuits delivery")
	assert.Equal(t, "open", d.States()["mock"])
}

func TestDispatcher_Throttle(t *testing.T) {
	cfg := testConfig()
	cfg.RatePerSecond = 0.001
	cfg.Burst = 2
	ch := &mockChannel{}
	d := NewDispatcher(cfg, []Channel{ch})

	require.NoError(t, d.Send(context.Background(), sample()))
	require.NoError(t, d.Send(context.Background(), sample()))
	assert.ErrorIs(t, d.Send(context.Background(), sample()), ErrThrottled)

	d.Notify(sample())
	d.Wait()
	assert.Equal(t, int32(2), ch.calls.Load())
}

func TestDispatcher_NotifyReportsFailures(t *testing.T) {
	reporter := faults.New(logging.Discard(), 4)
	d := NewDispatcher(testConfig(), []Channel{&mockChannel{err: assert.AnError}}, WithFaults(reporter))

	d.Notify(sample())
	d.Wait()

	select {
	case nf := <-reporter.Errors():
		assert.Equal(t, "notify", nf.Op)
		assert.ErrorIs(t, nf, assert.AnError)
	default:
		t.Fatal("expected a non-fatal error report")
	}
}

func TestDispatcher_NoChannels(t *testing.T) {
	d := NewDispatcher(testConfig(), nil)
	assert.NoError(t, d.Send(context.Background(), sample()))
	d.Notify(sample())
	d.Wait()
}

func TestChannelsFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.WebhookURL = "http://hooks.example/guard"
	cfg.SlackWebhookURL = "https://hooks.slack.example/T000"
	cfg.LogChannel = true

	channels := ChannelsFromConfig(cfg, messaging.NewMemoryPublisher(0), logging.Discard())
	var types []string
	for _, ch := range channels {
		types = append(types, ch.Type())
	}
	assert.Equal(t, []string{"webhook", "slack", "nats", "log"}, types)

	assert.Empty(t, ChannelsFromConfig(config.NotifyConfig{}, nil, logging.Discard()))
}
