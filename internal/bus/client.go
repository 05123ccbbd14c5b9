package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miragelabs/mirage-core/internal/config"
	"github.com/miragelabs/mirage-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Client wraps the NATS connection and JetStream context with typed publish
// helpers for the status stream. A nil client swallows publishes, so callers
// can run without a bus.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("mirage-runtime"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn: conn,
		js:   js,
		log:  log,
	}, nil
}

func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) JetStream() nats.JetStreamContext {
	return c.js
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

func (c *Client) publish(subject string, v any) error {
	if c == nil || c.conn == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	return c.conn.Publish(subject, data)
}

// PublishDeviceStatus announces a connectivity transition.
func (c *Client) PublishDeviceStatus(st protocol.DeviceStatus) error {
	return c.publish(protocol.DeviceStatusSubject(st.Device), st)
}

// PublishSessionEvent announces an arbitration transition.
func (c *Client) PublishSessionEvent(ev protocol.SessionEvent) error {
	return c.publish(protocol.SubjectSessionEvent, ev)
}

// PublishChannelEvent announces a committed channel write or transition.
func (c *Client) PublishChannelEvent(ev protocol.ChannelEvent) error {
	return c.publish(protocol.ChannelEventSubject(ev.Device), ev)
}

// PublishTranscript announces a captured transcript.
func (c *Client) PublishTranscript(tr protocol.Transcript) error {
	return c.publish(protocol.TranscriptSubject(tr.Device), tr)
}

// PublishTurnEvent announces an audio turn transition.
func (c *Client) PublishTurnEvent(ev protocol.TurnEvent) error {
	return c.publish(protocol.TurnSubject(ev.Device), ev)
}

// PublishAutopilotProgress announces run progress.
func (c *Client) PublishAutopilotProgress(p protocol.AutopilotProgress) error {
	return c.publish(protocol.AutopilotSubject(p.RunID), p)
}
