// Package redis provides a Redis implementation of the notification batch queue.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bissquit/booking-notifier/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "notifier:batch:"
	indexKey  = "notifier:batches"
)

// DefaultBatchTTL keeps an unflushed batch long enough to cover a weekly cadence.
const DefaultBatchTTL = 8 * 24 * time.Hour

// BatchQueue implements notifications.BatchQueue on Redis lists.
// Each recipient and group key owns one list; the set at indexKey lists
// every non-empty batch for the flusher.
type BatchQueue struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewBatchQueue creates a new Redis batch queue.
func NewBatchQueue(client redis.UniversalClient, ttl time.Duration) *BatchQueue {
	if ttl <= 0 {
		ttl = DefaultBatchTTL
	}
	return &BatchQueue{client: client, ttl: ttl}
}

// AddToBatch appends a notification to the recipient's batch for groupKey.
func (q *BatchQueue) AddToBatch(ctx context.Context, n domain.Notification, groupKey string) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	key := batchKey(n.RecipientID, groupKey)
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, q.ttl)
	pipe.SAdd(ctx, indexKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add to batch %s: %w", key, err)
	}
	return nil
}

// Pending returns the notifications waiting in a batch, oldest first.
func (q *BatchQueue) Pending(ctx context.Context, recipientID, groupKey string) ([]domain.Notification, error) {
	key := batchKey(recipientID, groupKey)
	raw, err := q.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read batch %s: %w", key, err)
	}

	items := make([]domain.Notification, 0, len(raw))
	for _, r := range raw {
		var n domain.Notification
		if err := json.Unmarshal([]byte(r), &n); err != nil {
			return nil, fmt.Errorf("decode batched notification: %w", err)
		}
		items = append(items, n)
	}
	return items, nil
}

func batchKey(recipientID, groupKey string) string {
	return keyPrefix + recipientID + ":" + groupKey
}
