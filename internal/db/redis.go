package db

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"bothost/internal/logging"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL string // redis://host:port/db or rediss://host:port/db for TLS

	// Connection pool settings
	PoolSize     int
	MinIdleConns int
	PoolTimeout  time.Duration
	IdleTimeout  time.Duration

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Sentinel configuration (for high availability)
	SentinelAddrs    []string
	SentinelMaster   string
	SentinelPassword string
}

// DefaultRedisConfig returns sensible defaults for Redis configuration
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		PoolSize:     20,
		MinIdleConns: 2,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

// RedisConfigFromEnv creates Redis config for url, reading pool and sentinel
// settings from the environment.
func RedisConfigFromEnv(url string) *RedisConfig {
	config := DefaultRedisConfig()
	config.URL = url

	if poolSize := os.Getenv("REDIS_POOL_SIZE"); poolSize != "" {
		if ps, err := strconv.Atoi(poolSize); err == nil && ps > 0 {
			config.PoolSize = ps
		}
	}
	if sentinelAddrs := os.Getenv("REDIS_SENTINEL_ADDRS"); sentinelAddrs != "" {
		config.SentinelAddrs = strings.Split(sentinelAddrs, ",")
	}
	config.SentinelMaster = os.Getenv("REDIS_SENTINEL_MASTER")
	config.SentinelPassword = os.Getenv("REDIS_SENTINEL_PASSWORD")

	return config
}

// RedisClient wraps the go-redis client with the operations the server uses.
type RedisClient struct {
	client     redis.UniversalClient
	isSentinel bool
}

// incrWindow increments a counter and starts its expiry on the first hit so
// a window never outlives its length.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, config *RedisConfig) (*RedisClient, error) {
	rc := &RedisClient{}

	if len(config.SentinelAddrs) > 0 && config.SentinelMaster != "" {
		rc.client = newSentinelClient(config)
		rc.isSentinel = true
	} else {
		client, err := newStandardClient(config)
		if err != nil {
			return nil, err
		}
		rc.client = client
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.client.Ping(pingCtx).Err(); err != nil {
		_ = rc.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.L().Info("redis connected", zap.Bool("sentinel", rc.isSentinel))
	return rc, nil
}

func newStandardClient(config *RedisConfig) (redis.UniversalClient, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("redis URL is empty")
	}
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	opts.PoolSize = config.PoolSize
	opts.MinIdleConns = config.MinIdleConns
	opts.PoolTimeout = config.PoolTimeout
	opts.IdleTimeout = config.IdleTimeout
	opts.DialTimeout = config.DialTimeout
	opts.ReadTimeout = config.ReadTimeout
	opts.WriteTimeout = config.WriteTimeout
	return redis.NewClient(opts), nil
}

func newSentinelClient(config *RedisConfig) redis.UniversalClient {
	password := ""
	if config.URL != "" {
		if opts, err := redis.ParseURL(config.URL); err == nil {
			password = opts.Password
		}
	}
	return redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:       config.SentinelMaster,
		SentinelAddrs:    config.SentinelAddrs,
		SentinelPassword: config.SentinelPassword,
		Password:         password,
		PoolSize:         config.PoolSize,
		MinIdleConns:     config.MinIdleConns,
		PoolTimeout:      config.PoolTimeout,
		IdleTimeout:      config.IdleTimeout,
		DialTimeout:      config.DialTimeout,
		ReadTimeout:      config.ReadTimeout,
		WriteTimeout:     config.WriteTimeout,
	})
}

// Client returns the underlying Redis client
func (rc *RedisClient) Client() redis.UniversalClient {
	return rc.client
}

// Ping tests the Redis connection
func (rc *RedisClient) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Health returns a detailed health status
func (rc *RedisClient) Health(ctx context.Context) map[string]interface{} {
	status := map[string]interface{}{
		"connected": false,
		"type":      "standard",
	}
	if rc.isSentinel {
		status["type"] = "sentinel"
	}

	start := time.Now()
	if err := rc.client.Ping(ctx).Err(); err != nil {
		status["error"] = err.Error()
		return status
	}
	status["connected"] = true
	status["latency"] = time.Since(start).String()

	stats := rc.client.PoolStats()
	status["pool"] = map[string]interface{}{
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
	}
	return status
}

// IncrWindow counts a hit against key in a fixed window and returns the
// count so far. The key expires when the window ends.
func (rc *RedisClient) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	return incrWindow.Run(ctx, rc.client, []string{key}, window.Milliseconds()).Int64()
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}
