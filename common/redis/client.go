package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Logger interface for logging.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Client wraps redis.Client with the operations the platform relies on:
// key-value state, stream queues, per-run event channels and TTL locks.
type Client struct {
	redis  *redis.Client
	logger Logger
}

// NewClient creates a new Redis client wrapper.
func NewClient(redisClient *redis.Client, logger Logger) *Client {
	return &Client{redis: redisClient, logger: logger}
}

// Underlying returns the raw redis.Client for blocking or advanced operations.
func (c *Client) Underlying() *redis.Client {
	return c.redis
}

// Set sets a key with optional expiration (0 = no expiration).
func (c *Client) Set(ctx context.Context, key, value string, expiry time.Duration) error {
	if err := c.redis.Set(ctx, key, value, expiry).Err(); err != nil {
		c.logger.Error("redis SET failed", "key", key, "error", err)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Get retrieves a value by key. Missing keys return redis.Nil wrapped.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("key not found: %s", key)
	}
	if err != nil {
		c.logger.Error("redis GET failed", "key", key, "error", err)
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return val, nil
}

// SetNX sets a key only if it doesn't exist (idempotency checks and locks).
func (c *Client) SetNX(ctx context.Context, key, value string, expiry time.Duration) (bool, error) {
	wasSet, err := c.redis.SetNX(ctx, key, value, expiry).Result()
	if err != nil {
		c.logger.Error("redis SETNX failed", "key", key, "error", err)
		return false, fmt.Errorf("failed to setnx key %s: %w", key, err)
	}
	return wasSet, nil
}

// Delete removes keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		c.logger.Error("redis DEL failed", "keys", keys, "error", err)
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// Increment increments a counter and returns the new value.
func (c *Client) Increment(ctx context.Context, key string) (int64, error) {
	val, err := c.redis.Incr(ctx, key).Result()
	if err != nil {
		c.logger.Error("redis INCR failed", "key", key, "error", err)
		return 0, fmt.Errorf("failed to increment key %s: %w", key, err)
	}
	return val, nil
}

// Expire sets a TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.redis.Expire(ctx, key, ttl).Err(); err != nil {
		c.logger.Error("redis EXPIRE failed", "key", key, "error", err)
		return fmt.Errorf("failed to expire key %s: %w", key, err)
	}
	return nil
}

// AcquireLock takes a TTL-bounded named lock. Returns false when another
// holder owns it.
func (c *Client) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.SetNX(ctx, "lock:"+name, owner, ttl)
	if err != nil {
		return false, err
	}
	if ok {
		c.logger.Debug("lock acquired", "lock", name, "owner", owner, "ttl", ttl)
	}
	return ok, nil
}

// ReleaseLock releases a named lock if held by owner. Uses a CAS script so
// an expired-and-reacquired lock is never released by the old holder.
func (c *Client) ReleaseLock(ctx context.Context, name, owner string) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	if err := script.Run(ctx, c.redis, []string{"lock:" + name}, owner).Err(); err != nil && err != redis.Nil {
		c.logger.Error("redis lock release failed", "lock", name, "error", err)
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}

// PublishEvent publishes an event to a Redis channel.
func (c *Client) PublishEvent(ctx context.Context, channel string, message string) error {
	if err := c.redis.Publish(ctx, channel, message).Err(); err != nil {
		c.logger.Error("redis PUBLISH failed", "channel", channel, "error", err)
		return fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}
	c.logger.Debug("redis PUBLISH", "channel", channel)
	return nil
}

// Subscribe subscribes to a channel and returns the PubSub handle. The
// caller owns the handle and must Close it.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.redis.Subscribe(ctx, channels...)
}

// AddToStream adds a message to a Redis stream.
func (c *Client) AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	id, err := c.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		c.logger.Error("redis XADD failed", "stream", stream, "error", err)
		return "", fmt.Errorf("failed to add to stream %s: %w", stream, err)
	}
	return id, nil
}

// CreateStreamGroup creates a consumer group for a stream.
func (c *Client) CreateStreamGroup(ctx context.Context, stream, group string) error {
	err := c.redis.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		c.logger.Error("redis XGROUP CREATE failed", "stream", stream, "group", group, "error", err)
		return fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}
	return nil
}

// ReadFromStreamGroup reads messages from a stream using consumer groups.
// A nil, nil return means the block timed out with no messages.
func (c *Client) ReadFromStreamGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]redis.XStream, error) {
	streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()

	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		c.logger.Error("redis XREADGROUP failed", "stream", stream, "group", group, "error", err)
		return nil, fmt.Errorf("failed to read from stream %s: %w", stream, err)
	}
	return streams, nil
}

// ClaimStaleMessages reassigns messages pending longer than minIdle to
// this consumer, recovering work from consumers that died before acking.
// Returns the claimed messages and the cursor for the next sweep.
func (c *Client) ClaimStaleMessages(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]redis.XMessage, string, error) {
	msgs, next, err := c.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if err != nil && err != redis.Nil {
		c.logger.Error("redis XAUTOCLAIM failed", "stream", stream, "group", group, "error", err)
		return nil, start, fmt.Errorf("failed to claim stale messages on %s: %w", stream, err)
	}
	return msgs, next, nil
}

// AckStreamMessage acknowledges a message in a stream.
func (c *Client) AckStreamMessage(ctx context.Context, stream, group, messageID string) error {
	if err := c.redis.XAck(ctx, stream, group, messageID).Err(); err != nil {
		c.logger.Error("redis XACK failed", "stream", stream, "message_id", messageID, "error", err)
		return fmt.Errorf("failed to ack message %s: %w", messageID, err)
	}
	return nil
}
