package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/precepto/recorder/domain"
	"github.com/precepto/recorder/domain/repositories"
)

// Client wraps a NATS connection as both sides of the messaging channel
type Client struct {
	conn   *nats.Conn
	logger *zap.Logger
}

var (
	_ repositories.Messenger  = (*Client)(nil)
	_ repositories.Subscriber = (*Client)(nil)
)

// NewClient connects to the NATS server at url
func NewClient(url, name string, logger *zap.Logger) (*Client, error) {
	if url == "" {
		url = nats.DefaultURL
	}

	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("Successfully connected to NATS", zap.String("url", conn.ConnectedUrl()))

	return &Client{conn: conn, logger: logger}, nil
}

// Publish implements repositories.Messenger
func (c *Client) Publish(subject string, payload []byte, headers map[string]string) error {
	msg := &nats.Msg{
		Subject: subject,
		Data:    payload,
		Header:  toHeader(headers),
	}
	if err := c.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("%w: publish %s: %v", domain.ErrTransport, subject, err)
	}
	return nil
}

// Request implements repositories.Messenger
func (c *Client) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	reply, err := c.conn.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: request %s: %v", domain.ErrTransport, subject, err)
	}
	return reply.Data, nil
}

// Subscribe implements repositories.Subscriber
func (c *Client) Subscribe(subject, queue string, handler repositories.MessageHandler) (func() error, error) {
	sub, err := c.conn.QueueSubscribe(subject, queue, func(m *nats.Msg) {
		handler(context.Background(), fromMsg(m))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.logger.Info("Subscribed", zap.String("subject", subject), zap.String("queue", queue))
	return sub.Unsubscribe, nil
}

// Close drains pending messages and closes the connection
func (c *Client) Close() error {
	if err := c.conn.Drain(); err != nil {
		c.logger.Error("Failed to drain NATS connection", zap.Error(err))
		c.conn.Close()
		return err
	}
	return nil
}

func toHeader(headers map[string]string) nats.Header {
	if len(headers) == 0 {
		return nil
	}
	h := make(nats.Header, len(headers))
	for k, v := range headers {
		h[k] = []string{v}
	}
	return h
}

func fromMsg(m *nats.Msg) repositories.Message {
	headers := make(map[string]string, len(m.Header))
	for k, v := range m.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return repositories.Message{
		Subject: m.Subject,
		Data:    m.Data,
		Headers: headers,
		Respond: m.Respond,
	}
}
