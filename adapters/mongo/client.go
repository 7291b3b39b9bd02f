package mongo

import (
	"cmp"
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Options configures the chunk store connection. Zero fields take the
// defaults below.
type Options struct {
	URI            string
	Database       string
	MaxPoolSize    uint64
	ConnectTimeout time.Duration
}

const (
	defaultURI            = "mongodb://localhost:27017"
	defaultDatabase       = "precepto"
	defaultMaxPoolSize    = 10
	defaultConnectTimeout = 10 * time.Second
)

func (o Options) withDefaults() Options {
	o.URI = cmp.Or(o.URI, defaultURI)
	o.Database = cmp.Or(o.Database, defaultDatabase)
	o.MaxPoolSize = cmp.Or(o.MaxPoolSize, defaultMaxPoolSize)
	o.ConnectTimeout = cmp.Or(o.ConnectTimeout, defaultConnectTimeout)
	return o
}

func (o Options) clientOptions() *options.ClientOptions {
	return options.Client().
		ApplyURI(o.URI).
		SetMaxPoolSize(o.MaxPoolSize).
		SetMinPoolSize(1).
		SetMaxConnIdleTime(30 * time.Minute).
		SetServerSelectionTimeout(o.ConnectTimeout / 2).
		SetConnectTimeout(o.ConnectTimeout)
}

// Client is a connected driver handle bound to the chunk database.
type Client struct {
	*mongo.Client
	Database *mongo.Database
	logger   *zap.Logger
}

// NewClient dials the chunk database and verifies it answers a ping
// within the connect timeout.
func NewClient(ctx context.Context, opts Options, logger *zap.Logger) (*Client, error) {
	opts = opts.withDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(dialCtx, opts.clientOptions())
	if err != nil {
		return nil, fmt.Errorf("connect chunk database: %w", err)
	}
	if err := client.Ping(dialCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping chunk database: %w", err)
	}

	logger.Info("Chunk database ready",
		zap.String("database", opts.Database),
		zap.Uint64("max_pool", opts.MaxPoolSize))

	return &Client{
		Client:   client,
		Database: client.Database(opts.Database),
		logger:   logger,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	if err := c.Disconnect(ctx); err != nil {
		c.logger.Warn("Chunk database disconnect failed", zap.Error(err))
		return err
	}
	return nil
}
