package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/promised/internal/events"
	"github.com/phrazzld/promised/internal/redact"
	"github.com/redis/go-redis/v9"
)

// LogSink writes every outcome to the structured log. It never fails.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("sink", "log")}
}

// HandleEvent logs the outcome.
func (s *LogSink) HandleEvent(ctx context.Context, e *events.PromiseFinished) error {
	s.logger.InfoContext(ctx, "promise finished",
		"promise_id", e.PromiseID,
		"origin", e.Origin,
		"status", e.Status,
		"result_summary", redact.Truncate(e.ResultSummary, 200),
		"error_detail", redact.String(e.ErrorDetail),
		"completed_at", e.CompletedAt,
		"attempt", e.Attempt)
	return nil
}

// Publisher is the subset of a Redis client the RedisSink needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisSink publishes outcomes on a per-origin pub/sub channel so the
// originating conversation can subscribe to its own results.
type RedisSink struct {
	client Publisher
	prefix string
	logger *slog.Logger
	closer func() error
}

// NewRedisSink connects to the Redis server at url.
func NewRedisSink(ctx context.Context, url, prefix string, logger *slog.Logger) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	sink := NewRedisSinkWithClient(client, prefix, logger)
	sink.closer = client.Close
	return sink, nil
}

// NewRedisSinkWithClient creates a RedisSink around an existing publisher.
func NewRedisSinkWithClient(client Publisher, prefix string, logger *slog.Logger) *RedisSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSink{
		client: client,
		prefix: prefix,
		logger: logger.With("sink", "redis"),
	}
}

// Channel returns the pub/sub channel for an origin.
func (s *RedisSink) Channel(origin string) string {
	return s.prefix + ":" + origin
}

// HandleEvent publishes the JSON-encoded event.
func (s *RedisSink) HandleEvent(ctx context.Context, e *events.PromiseFinished) error {
	payload, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	channel := s.Channel(e.Origin)
	receivers, err := s.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	s.logger.DebugContext(ctx, "published outcome",
		"promise_id", e.PromiseID,
		"channel", channel,
		"receivers", receivers)
	return nil
}

// Close closes the underlying client when the sink owns it.
func (s *RedisSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
