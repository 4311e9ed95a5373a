// Package redis publishes completion events to a Redis pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/daybreak/adapter"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "daybreak:pipeline_completed"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// Config configures the Redis adapter.
type Config struct {
	// URL is the Redis connection URL (required), redis://[:password@]host:port[/db].
	URL string
	// Channel defaults to DefaultChannel.
	Channel string
	// Timeout bounds each PUBLISH (default 5s).
	Timeout time.Duration
	// Retries after the first attempt.
	Retries int
}

// Adapter publishes events via Redis PUBLISH.
type Adapter struct {
	config Config
	client *goredis.Client
}

// New creates a Redis adapter. The URL must parse.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Adapter{config: cfg, client: goredis.NewClient(opts)}, nil
}

// Channel returns the channel events are published on.
func (a *Adapter) Channel() string { return a.config.Channel }

// Publish sends event as JSON on the configured channel.
func (a *Adapter) Publish(ctx context.Context, event *adapter.PipelineCompletedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	err = adapter.Retry(ctx, a.config.Retries, nil, func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
		return a.client.Publish(pctx, a.config.Channel, body).Err()
	})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Close releases the client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

var _ adapter.Adapter = (*Adapter)(nil)
