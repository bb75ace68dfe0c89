package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/StateFlow/internal/models"
	backend "github.com/redis/go-redis/v9"
)

// RedisTracker keeps the window in a Redis LIST and the repeat counter in a
// HASH, so several processes can share conversation history.
type RedisTracker struct {
	client *backend.Client
	prefix string
	window int
	ttl    time.Duration
}

// RedisOption configures a RedisTracker.
type RedisOption func(*RedisTracker)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisTracker) { r.prefix = prefix }
}

// WithWindow sets the number of transitions kept.
func WithWindow(n int) RedisOption {
	return func(r *RedisTracker) {
		if n > 0 {
			r.window = n
		}
	}
}

// WithTTL expires idle conversations. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisTracker) { r.ttl = ttl }
}

// NewRedisTracker connects to Redis at address.
func NewRedisTracker(address, password string, db int, opts ...RedisOption) *RedisTracker {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisTrackerFromClient(rdb, opts...)
}

// NewRedisTrackerFromClient wraps an existing client.
func NewRedisTrackerFromClient(client *backend.Client, opts ...RedisOption) *RedisTracker {
	r := &RedisTracker{client: client, prefix: "stateflow:history:", window: DefaultWindow}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisTracker) listKey(id string) string    { return r.prefix + id + ":transitions" }
func (r *RedisTracker) counterKey(id string) string { return r.prefix + id + ":counter" }

// History implements Tracker.
func (r *RedisTracker) History(ctx context.Context, conversationID string) (models.TransitionHistory, error) {
	vals, err := r.client.LRange(ctx, r.listKey(conversationID), 0, -1).Result()
	if err != nil {
		return models.TransitionHistory{}, fmt.Errorf("failed to read history from redis: %w", err)
	}
	h := models.TransitionHistory{Entries: make([]models.Transition, 0, len(vals))}
	for _, v := range vals {
		var t models.Transition
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return models.TransitionHistory{}, fmt.Errorf("failed to unmarshal transition: %w", err)
		}
		h.Entries = append(h.Entries, t)
	}
	return h, nil
}

// Record implements Tracker. A conversation is processed by one flush at a
// time, so the read of the previous state does not race with another Record.
func (r *RedisTracker) Record(ctx context.Context, conversationID, state string, at time.Time) (int, error) {
	prev, err := r.client.HGetAll(ctx, r.counterKey(conversationID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read repeat counter: %w", err)
	}
	repeats := 0
	if prev["state"] == state {
		n, _ := strconv.Atoi(prev["repeats"])
		repeats = n + 1
	}

	data, err := json.Marshal(models.Transition{State: state, At: at})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal transition: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, r.listKey(conversationID), data)
	pipe.LTrim(ctx, r.listKey(conversationID), int64(-r.window), -1)
	pipe.HSet(ctx, r.counterKey(conversationID), "state", state, "repeats", repeats)
	if r.ttl > 0 {
		pipe.Expire(ctx, r.listKey(conversationID), r.ttl)
		pipe.Expire(ctx, r.counterKey(conversationID), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to record transition in redis: %w", err)
	}
	slog.Debug("RedisTracker Record succeeded", "conversationID", conversationID, "state", state, "repeats", repeats)
	return repeats, nil
}

// Repeats implements Tracker.
func (r *RedisTracker) Repeats(ctx context.Context, conversationID string) (int, error) {
	v, err := r.client.HGet(ctx, r.counterKey(conversationID), "repeats").Result()
	if err == backend.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read repeat counter: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("corrupt repeat counter %q: %w", v, err)
	}
	return n, nil
}

// Reset implements Tracker.
func (r *RedisTracker) Reset(ctx context.Context, conversationID string) error {
	if err := r.client.Del(ctx, r.listKey(conversationID), r.counterKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("failed to reset history: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (r *RedisTracker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the redis client.
func (r *RedisTracker) Close() error {
	return r.client.Close()
}
