// Package redis provides Redis connection utilities.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotReady is returned when Redis did not answer a ping within the allowed attempts.
var ErrNotReady = errors.New("redis is not ready")

// Config contains Redis connection configuration.
type Config struct {
	URL             string
	ConnectAttempts int
	ConnectTimeout  time.Duration
}

// Connect creates a Redis client and waits until it answers a ping, retrying with backoff.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	client := redis.NewClient(opts)
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			slog.Info("connected to redis", "attempts", attempt)
			return client, nil
		}

		if attempt < attempts {
			backoff := calcBackoff(attempt)
			slog.Warn("failed to ping redis, retrying",
				"attempt", attempt,
				"max_attempts", attempts,
				"backoff", backoff,
				"error", lastErr,
			)
			if !sleep(ctx, backoff) {
				_ = client.Close()
				return nil, errors.Join(ErrNotReady, ctx.Err())
			}
		}
	}

	_ = client.Close()
	return nil, errors.Join(ErrNotReady, fmt.Errorf("after %d attempts: %w", attempts, lastErr))
}

// calcBackoff returns exponential backoff duration capped at 16 seconds.
func calcBackoff(attempt int) time.Duration {
	backoff := time.Duration(1<<(attempt-1)) * time.Second
	if backoff > 16*time.Second {
		backoff = 16 * time.Second
	}
	return backoff
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
