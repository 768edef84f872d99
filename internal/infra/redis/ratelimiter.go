package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/digest-dispatch/internal/observability"
	"github.com/kursadbilgin/digest-dispatch/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// slidingWindow is the trailing interval over which requests count
	// against the endpoint cap.
	slidingWindow = time.Hour
	// minRetryAfter floors the Retry-After hint handed to rejected clients.
	minRetryAfter = 60 * time.Second
)

// slidingWindowScript prunes expired entries, rejects when the cap is
// reached (returning the oldest entry's score for the retry hint), and
// otherwise records the request and refreshes the key TTL.
var slidingWindowScript = goredis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
if count >= tonumber(ARGV[2]) then
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  return {0, oldest[2]}
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
redis.call("EXPIRE", KEYS[1], ARGV[5])
return {1, "0"}
`)

var _ ratelimit.RateLimiter = (*SlidingWindowLimiter)(nil)

// SlidingWindowLimiter is a per-(endpoint, client) request counter backed
// by a Redis sorted set. On storage failure it fails open: the control
// surface stays reachable even when Redis is not.
type SlidingWindowLimiter struct {
	client  *goredis.Client
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	seq     func() string
	script  *goredis.Script
}

func NewSlidingWindowLimiter(client *goredis.Client, logger *zap.Logger) (*SlidingWindowLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &SlidingWindowLimiter{
		client: client,
		logger: logger,
		now:    time.Now,
		script: slidingWindowScript,
	}
	l.seq = func() string {
		return fmt.Sprintf("%d", l.now().UnixNano())
	}
	return l, nil
}

func (l *SlidingWindowLimiter) SetMetrics(metrics *observability.Metrics) {
	if l == nil {
		return
	}
	l.metrics = metrics
}

func (l *SlidingWindowLimiter) Allow(ctx context.Context, endpoint, clientKey string, limit int) (ratelimit.Decision, error) {
	if l == nil || l.client == nil {
		return ratelimit.Decision{}, fmt.Errorf("rate limiter is not initialized")
	}

	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ratelimit.Decision{}, fmt.Errorf("endpoint is required")
	}
	if clientKey = strings.TrimSpace(clientKey); clientKey == "" {
		clientKey = "unknown"
	}
	if limit <= 0 {
		return ratelimit.Decision{Allowed: true}, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := l.now().UTC()
	key := fmt.Sprintf("ratelimit:%s:%s", endpoint, clientKey)
	cutoff := now.Add(-slidingWindow).Unix()

	result, err := l.script.Run(ctx, l.client, []string{key},
		cutoff,
		limit,
		now.Unix(),
		l.seq(),
		int(slidingWindow.Seconds()),
	).Slice()
	if err != nil {
		l.logger.Warn("rate limit check failed, failing open",
			zap.String("endpoint", endpoint),
			zap.String("clientKey", clientKey),
			zap.Error(err),
		)
		if l.metrics != nil {
			l.metrics.IncRateLimitFailOpen(endpoint)
		}
		return ratelimit.Decision{Allowed: true, FailedOpen: true}, nil
	}

	allowed, oldest, err := parseScriptResult(result)
	if err != nil {
		l.logger.Warn("rate limit result unparseable, failing open", zap.Error(err))
		if l.metrics != nil {
			l.metrics.IncRateLimitFailOpen(endpoint)
		}
		return ratelimit.Decision{Allowed: true, FailedOpen: true}, nil
	}
	if allowed {
		return ratelimit.Decision{Allowed: true}, nil
	}

	retryAfter := slidingWindow - now.Sub(time.Unix(oldest, 0))
	if retryAfter < minRetryAfter {
		retryAfter = minRetryAfter
	}
	return ratelimit.Decision{Allowed: false, RetryAfter: retryAfter}, nil
}

func parseScriptResult(result []interface{}) (allowed bool, oldestUnix int64, err error) {
	if len(result) != 2 {
		return false, 0, fmt.Errorf("unexpected script result length %d", len(result))
	}

	flag, ok := result[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected script result type %T", result[0])
	}
	if flag == 1 {
		return true, 0, nil
	}

	switch v := result[1].(type) {
	case string:
		// ZRANGE WITHSCORES returns scores as strings.
		var score float64
		if _, scanErr := fmt.Sscanf(v, "%f", &score); scanErr != nil {
			return false, 0, fmt.Errorf("unparseable oldest score %q", v)
		}
		return false, int64(score), nil
	case int64:
		return false, v, nil
	default:
		return false, 0, fmt.Errorf("unexpected oldest score type %T", result[1])
	}
}
