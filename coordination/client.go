// Package coordination wraps the shared key/value service (outside the
// relational store) that holds rate-limit buckets and task-queue state
// (GLOSSARY "Coordination store").
package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/answerlens/engine/core"
	"github.com/redis/go-redis/v9"
)

// Client is a namespaced wrapper around go-redis, used by ratelimit (token
// buckets), queue (FIFO lists) and materialize (fingerprint reservation).
type Client struct {
	rdb       *redis.Client
	namespace string
	logger    core.Logger
}

// Options configures a Client.
type Options struct {
	RedisURL  string
	Namespace string
	Logger    core.Logger
}

// New connects to Redis and verifies connectivity with a 5s ping.
func New(opts Options) (*Client, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("%w: coordination redis url is required", core.ErrMissingConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redis url: %v", core.ErrInvalidConfiguration, err)
	}

	rdb := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping failed: %v", core.ErrProviderUnavailable, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = core.NoOpLogger{}
	}

	return &Client{rdb: rdb, namespace: opts.Namespace, logger: logger}, nil
}

// NewFromRedisClient wraps an already-constructed *redis.Client, used by
// tests against miniredis.
func NewFromRedisClient(rdb *redis.Client, namespace string) *Client {
	return &Client{rdb: rdb, namespace: namespace, logger: core.NoOpLogger{}}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key namespaces a logical key, e.g. "ratelimit:openai" ->
// "answerlens:ratelimit:openai".
func (c *Client) Key(parts ...string) string {
	key := parts[0]
	for _, p := range parts[1:] {
		key = key + ":" + p
	}
	if c.namespace == "" {
		return key
	}
	return c.namespace + ":" + key
}

// Eval runs a Lua script atomically against the Redis server, the mechanism
// ratelimit uses for its atomic refill/consume (§4.2).
func (c *Client) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	return script.Run(ctx, c.rdb, keys, args...).Result()
}

// LPush pushes a value onto the head of a namespaced list (queue producer side).
func (c *Client) LPush(ctx context.Context, key string, value interface{}) error {
	return c.rdb.LPush(ctx, c.Key(key), value).Err()
}

// BRPop blocks for up to timeout for a value at the tail of a namespaced
// list (queue consumer side). Returns (value, false, nil) on timeout.
func (c *Client) BRPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error) {
	res, err := c.rdb.BRPop(ctx, timeout, c.Key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	// res is [key, value]
	if len(res) < 2 {
		return "", false, nil
	}
	return res[1], true, nil
}

// LLen reports the current depth of a namespaced list.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, c.Key(key)).Result()
}

// SetNX atomically reserves a key, used by materialize to claim a
// fingerprint before the relational insert (a fast-path duplicate check;
// the unique index in the relational store remains the source of truth).
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, c.Key(key), value, ttl).Result()
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
