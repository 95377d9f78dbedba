// Package ratelimit enforces a global requests-per-minute ceiling on the
// proxy using a Redis sliding window evaluated by an atomic Lua script.
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript admits a request if fewer than limit requests were
// admitted in the trailing window.
// KEYS[1] = Redis key
// ARGV[1] = now (unix ns), ARGV[2] = window (ns), ARGV[3] = limit,
// ARGV[4] = unique member for this request
// Returns {allowed (0|1), count after the call, oldest admitted score}.
var slidingWindowScript = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local first = ARGV[1]
if oldest[2] then first = oldest[2] end

if count >= limit then
	return {0, count, first}
end

redis.call('ZADD', key, ARGV[1], ARGV[4])
redis.call('PEXPIRE', key, math.ceil(window / 1000000))
return {1, count + 1, first}
`)

const (
	defaultKey = "costproxy:ratelimit:rpm"
	window     = time.Minute
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long until the oldest admitted request leaves the
	// window. Zero when Allowed.
	RetryAfter time.Duration
}

// RPMLimiter checks a global requests-per-minute limit.
type RPMLimiter struct {
	rdb   redis.Scripter
	limit int
	key   string
	log   *slog.Logger
}

// NewRPMLimiter returns a limiter admitting limit requests per minute.
// limit must be > 0.
func NewRPMLimiter(rdb redis.Scripter, limit int, log *slog.Logger) *RPMLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RPMLimiter{rdb: rdb, limit: limit, key: defaultKey, log: log}
}

// Allow records one request. When Redis is unavailable the request is
// allowed and the failure logged.
func (r *RPMLimiter) Allow(ctx context.Context, requestID string) Decision {
	now := time.Now()
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + requestID

	res, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{r.key},
		now.UnixNano(), window.Nanoseconds(), r.limit, member,
	).Slice()
	if err != nil || len(res) != 3 {
		r.log.WarnContext(ctx, "ratelimit_degraded",
			slog.String("request_id", requestID),
			slog.Any("error", err),
		)
		return Decision{Allowed: true, Limit: r.limit, Remaining: r.limit}
	}

	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	oldestStr, _ := res[2].(string)
	// Scores are doubles; Redis may format them in exponent form.
	oldest, _ := strconv.ParseFloat(oldestStr, 64)

	d := Decision{
		Allowed:   allowed == 1,
		Limit:     r.limit,
		Remaining: max(r.limit-int(count), 0),
	}
	if !d.Allowed {
		until := time.Unix(0, int64(oldest)).Add(window)
		d.RetryAfter = max(time.Until(until), time.Second)
	}
	return d
}
