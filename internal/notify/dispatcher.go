package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/telhawk-systems/telhawk-guard/internal/config"
	"github.com/telhawk-systems/telhawk-guard/internal/faults"
	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/messaging"
	"github.com/telhawk-systems/telhawk-guard/internal/metrics"
)

// ErrThrottled is returned by Send when the dispatcher rate limit is exhausted.
var ErrThrottled = errors.New("notification throttled")

// Delivery outcomes recorded in metrics.
const (
	outcomeSent      = "sent"
	outcomeFailed    = "failed"
	outcomeOpen      = "circuit_open"
	outcomeThrottled = "throttled"
)

type breakerChannel struct {
	Channel
	cb *gobreaker.CircuitBreaker
}

// Dispatcher fans notifications out to channels. Each channel sits behind its
// own circuit breaker and all deliveries share one rate limit.
type Dispatcher struct {
	channels []breakerChannel
	limiter  *rate.Limiter
	timeout  time.Duration
	faults   *faults.Reporter
	now      func() time.Time
	wg       sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithFaults(r *faults.Reporter) DispatcherOption {
	return func(d *Dispatcher) { d.faults = r }
}

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a Dispatcher over channels.
func NewDispatcher(cfg config.NotifyConfig, channels []Channel, opts ...DispatcherOption) *Dispatcher {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	d := &Dispatcher{
		limiter: rate.NewLimiter(limit, burst),
		timeout: cfg.Timeout,
		now:     time.Now,
	}
	for _, ch := range channels {
		d.channels = append(d.channels, breakerChannel{
			Channel: ch,
			cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:    "notify-" + ch.Type(),
				Timeout: cfg.BreakerTimeout,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= failures
				},
			}),
		})
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ChannelsFromConfig builds the configured channels. pub may be nil.
func ChannelsFromConfig(cfg config.NotifyConfig, pub messaging.Publisher, logger *logging.Logger) []Channel {
	var channels []Channel
	if cfg.WebhookURL != "" {
		channels = append(channels, NewWebhookChannel(cfg.WebhookURL, cfg.Timeout))
	}
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, NewSlackChannel(cfg.SlackWebhookURL, cfg.Timeout))
	}
	if pub != nil {
		channels = append(channels, NewNATSChannel(pub))
	}
	if cfg.LogChannel {
		channels = append(channels, NewLogChannel(logger))
	}
	return channels
}

// Notify delivers n in the background. Failures are reported, never returned.
func (d *Dispatcher) Notify(n Notification) {
	d.prepare(&n)
	if !d.limiter.Allow() {
		metrics.NotificationsSent.WithLabelValues("all", outcomeThrottled).Inc()
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := d.context(context.Background())
		defer cancel()
		if err := d.deliver(ctx, &n); err != nil {
			d.faults.Report("notify", err)
		}
	}()
}

// Send delivers n synchronously and succeeds when at least one channel accepted it.
func (d *Dispatcher) Send(ctx context.Context, n Notification) error {
	d.prepare(&n)
	if !d.limiter.Allow() {
		metrics.NotificationsSent.WithLabelValues("all", outcomeThrottled).Inc()
		return ErrThrottled
	}
	ctx, cancel := d.context(ctx)
	defer cancel()
	return d.deliver(ctx, &n)
}

func (d *Dispatcher) prepare(n *Notification) {
	if n.ID == "" {
		n.ID = uuid.Must(uuid.NewV7()).String()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = d.now().UTC()
	}
}

func (d *Dispatcher) context(parent context.Context) (context.Context, context.CancelFunc) {
	if d.timeout > 0 {
		return context.WithTimeout(parent, d.timeout)
	}
	return context.WithCancel(parent)
}

func (d *Dispatcher) deliver(ctx context.Context, n *Notification) error {
	if len(d.channels) == 0 {
		return nil
	}

	var (
		errs      []error
		delivered int
	)
	for _, ch := range d.channels {
		_, err := ch.cb.Execute(func() (interface{}, error) {
			return nil, ch.Send(ctx, n)
		})
		switch {
		case err == nil:
			delivered++
			metrics.NotificationsSent.WithLabelValues(ch.Type(), outcomeSent).Inc()
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			metrics.NotificationsSent.WithLabelValues(ch.Type(), outcomeOpen).Inc()
			errs = append(errs, fmt.Errorf("%s channel: %w", ch.Type(), err))
		default:
			metrics.NotificationsSent.WithLabelValues(ch.Type(), outcomeFailed).Inc()
			errs = append(errs, fmt.Errorf("%s channel failed: %w", ch.Type(), err))
		}
	}

	if delivered == 0 {
		return fmt.Errorf("all notification channels failed: %w", errors.Join(errs...))
	}
	if len(errs) > 0 {
		// partial delivery still counts; surface the failing channels
		d.faults.Report("notify.partial", errors.Join(errs...))
	}
	return nil
}

// States reports each channel's circuit breaker state.
func (d *Dispatcher) States() map[string]string {
	out := make(map[string]string, len(d.channels))
	for _, ch := range d.channels {
		out[ch.Type()] = ch.cb.State().String()
	}
	return out
}

// Wait blocks until background deliveries complete.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
