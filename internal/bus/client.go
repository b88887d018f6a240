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

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// resultsRetention bounds how long result events stay in JetStream.
const resultsRetention = 7 * 24 * time.Hour

// Client wraps NATS connection and JetStream context with minimal helpers.
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
		nats.Name("loqa-scribe"),
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

	js, err := conn.JetStream(nats.Context(ctx))
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
	if c == nil {
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

func (c *Client) Logger() *slog.Logger {
	return c.log
}

// EnsureResultsStream creates the stream retaining result events. Servers
// without JetStream report an error; core publishing still works then.
func (c *Client) EnsureResultsStream() error {
	if _, err := c.js.StreamInfo(protocol.ResultsStream); err == nil {
		return nil
	}
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:     protocol.ResultsStream,
		Subjects: []string{protocol.SubjectResultPrefix + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   resultsRetention,
	})
	if err != nil {
		return fmt.Errorf("create results stream: %w", err)
	}
	return nil
}

// PublishResult broadcasts a terminal request event on
// scribe.result.<state>.
func (c *Client) PublishResult(_ context.Context, evt protocol.RecognitionEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode result event: %w", err)
	}
	subject := protocol.SubjectResultPrefix + "." + evt.State
	if err := c.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish result event: %w", err)
	}
	return nil
}

// Recognize submits a request to the worker queue and waits for the reply.
func (c *Client) Recognize(ctx context.Context, req protocol.RecognitionRequest) (protocol.RecognitionReply, error) {
	var reply protocol.RecognitionReply
	payload, err := json.Marshal(req)
	if err != nil {
		return reply, fmt.Errorf("encode request: %w", err)
	}
	if limit := c.conn.MaxPayload(); limit > 0 && int64(len(payload)) > limit {
		return reply, fmt.Errorf("request of %d bytes exceeds the bus payload limit of %d bytes", len(payload), limit)
	}
	msg, err := c.conn.RequestWithContext(ctx, protocol.SubjectRecognize, payload)
	if err != nil {
		return reply, fmt.Errorf("recognition request: %w", err)
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return reply, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}
