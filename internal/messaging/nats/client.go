// Package nats publishes guard events to a NATS server and lets operators
// tail them.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/telhawk-guard/internal/config"
	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/messaging"
)

// Headers stamped on every published event.
const (
	HeaderContentType = "Content-Type"
	HeaderSource      = "Guard-Source"
	HeaderPublishedAt = "Guard-Published-At"
)

// Client implements messaging.Publisher on a core NATS connection.
type Client struct {
	conn   *nats.Conn
	name   string
	logger *logging.Logger
}

// Config holds NATS client configuration.
type Config struct {
	URL  string
	Name string // reported to the server and stamped as Guard-Source

	// MaxReconnects of -1 retries forever.
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	DrainTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "telhawk-guard",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		DrainTimeout:  10 * time.Second,
	}
}

// ConfigFrom maps the service NATS section onto a client Config.
func ConfigFrom(cfg config.NATSConfig) Config {
	c := DefaultConfig()
	if cfg.URL != "" {
		c.URL = cfg.URL
	}
	c.MaxReconnects = cfg.MaxReconnects
	if cfg.ReconnectWait > 0 {
		c.ReconnectWait = cfg.ReconnectWait
	}
	return c
}

func (cfg Config) options(logger *logging.Logger) []nats.Option {
	return []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("event bus disconnected, alerts will be dropped until reconnect", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("event bus reconnected", slog.String("url", c.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warn("event bus error", slog.String("subject", subject), logging.Error(err))
		}),
	}
}

// NewClient connects to NATS. The connection keeps reconnecting in the
// background, so a broker outage after startup only drops events.
func NewClient(cfg Config, logger *logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.Component("nats")

	conn, err := nats.Connect(cfg.URL, cfg.options(logger)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	return &Client{conn: conn, name: cfg.Name, logger: logger}, nil
}

// Publish sends a JSON event to subject.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	return c.PublishMsg(ctx, &messaging.Message{Subject: subject, Data: data})
}

// PublishMsg sends msg with the guard headers added.
func (c *Client) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.PublishMsg(c.encode(msg, time.Now()))
}

// Subscribe delivers events matching subject (wildcards allowed) to handler
// until the client is closed.
func (c *Client) Subscribe(subject string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(m *nats.Msg) {
		if err := handler(context.Background(), decode(m, time.Now())); err != nil {
			c.logger.Warn("event handler failed", slog.String("subject", m.Subject), logging.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return subscription{sub}, nil
}

// Close drains pending publishes and subscriptions, then closes the
// connection. Draining is bounded by Config.DrainTimeout.
func (c *Client) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

type subscription struct {
	sub *nats.Subscription
}

func (s subscription) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s subscription) Subject() string    { return s.sub.Subject }

func (c *Client) encode(msg *messaging.Message, now time.Time) *nats.Msg {
	m := nats.NewMsg(msg.Subject)
	m.Data = msg.Data
	for k, v := range msg.Metadata {
		m.Header.Set(k, v)
	}
	if m.Header.Get(HeaderContentType) == "" {
		m.Header.Set(HeaderContentType, "application/json")
	}
	if c.name != "" {
		m.Header.Set(HeaderSource, c.name)
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = now
	}
	m.Header.Set(HeaderPublishedAt, ts.UTC().Format(time.RFC3339Nano))
	return m
}

func decode(m *nats.Msg, now time.Time) *messaging.Message {
	msg := &messaging.Message{Subject: m.Subject, Data: m.Data, Timestamp: now}
	if len(m.Header) == 0 {
		return msg
	}
	msg.Metadata = make(map[string]string, len(m.Header))
	for k := range m.Header {
		msg.Metadata[k] = m.Header.Get(k)
	}
	if ts, err := time.Parse(time.RFC3339Nano, m.Header.Get(HeaderPublishedAt)); err == nil {
		msg.Timestamp = ts
	}
	return msg
}
