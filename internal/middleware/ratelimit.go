package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"bothost/internal/logging"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limiter decides whether a client identified by key may make a request.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration)
}

// clientLimiter is a token bucket for a single client.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter keeps a token bucket per client in memory.
type IPRateLimiter struct {
	limiters map[string]*clientLimiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	idle     time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewIPRateLimiter creates a limiter allowing perMinute requests per client
// with bursts of up to burst requests.
func NewIPRateLimiter(perMinute, burst int) *IPRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*clientLimiter),
		rate:     rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		idle:     time.Hour,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupRoutine(10 * time.Minute)
	return l
}

// GetLimiter returns the token bucket for key
func (l *IPRateLimiter) GetLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	cl, exists := l.limiters[key]
	if !exists {
		cl = &clientLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = cl
	}
	cl.lastSeen = time.Now()
	return cl.limiter
}

func (l *IPRateLimiter) Allow(_ context.Context, key string) (bool, time.Duration) {
	r := l.GetLimiter(key).Reserve()
	if !r.OK() {
		return false, time.Minute
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

// cleanupRoutine removes limiters for clients that went quiet.
func (l *IPRateLimiter) cleanupRoutine(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.prune(time.Now().Add(-l.idle))
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) prune(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, cl := range l.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
		}
	}
}

// Stop ends the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// WindowCounter counts hits in fixed windows shared between server
// instances. db.RedisClient implements it.
type WindowCounter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisRateLimiter enforces a fixed-window limit shared by every server
// instance. When the counter is unreachable it falls back to a local
// limiter rather than rejecting traffic.
type RedisRateLimiter struct {
	counter  WindowCounter
	limit    int64
	window   time.Duration
	prefix   string
	fallback Limiter
}

// NewRedisRateLimiter allows limit requests per window for each client.
func NewRedisRateLimiter(counter WindowCounter, prefix string, limit int, window time.Duration, fallback Limiter) *RedisRateLimiter {
	return &RedisRateLimiter{
		counter:  counter,
		limit:    int64(limit),
		window:   window,
		prefix:   prefix,
		fallback: fallback,
	}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	now := time.Now()
	slot := now.UnixNano() / int64(l.window)
	windowKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	n, err := l.counter.IncrWindow(ctx, windowKey, l.window)
	if err != nil {
		logging.L().Warn("rate limit counter unavailable, using local limiter", zap.Error(err))
		if l.fallback == nil {
			return true, 0
		}
		return l.fallback.Allow(ctx, key)
	}
	if n > l.limit {
		end := time.Unix(0, (slot+1)*int64(l.window))
		return false, end.Sub(now)
	}
	return true, 0
}

// ClientKey identifies the caller: the user when authenticated, otherwise
// the client IP.
func ClientKey(c *gin.Context) string {
	if id, ok := GetUserID(c); ok {
		return "user:" + strconv.FormatUint(uint64(id), 10)
	}
	return "ip:" + c.ClientIP()
}

// RateLimit rejects requests over the limiter's budget with 429 and a
// Retry-After header.
func RateLimit(l Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ClientKey(c)
		allowed, retryAfter := l.Allow(c.Request.Context(), key)
		if !allowed {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			logging.L().Debug("rate limit exceeded", zap.String("client", key), zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "Rate limit exceeded",
				Code:  "RATE_LIMIT_EXCEEDED",
				Details: map[string]interface{}{
					"retry_after_seconds": seconds,
				},
				Timestamp: time.Now().UTC(),
				RequestID: c.GetString("request_id"),
			})
			return
		}

		c.Next()
	}
}
