// Package quota enforces per-tenant request and byte budgets with a
// Redis-scripted token bucket. The read-modify-write runs inside a single
// Lua script, so admission is serialized per key across every process in
// the deployment; no token counts are cached locally.
package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/erauner12/noteflow-api/internal/repo"
)

// Surface identifies which protocol adapter is charging the bucket.
type Surface string

const (
	SurfaceREST   Surface = "REST"
	SurfaceStream Surface = "STREAM"
	SurfaceRPC    Surface = "RPC"
)

// Defaults applied when a tenant carries no quota override.
const (
	DefaultRequestsPerMinute = 60
	DefaultBytesPerMinute    = 1 << 20 // 1 MiB
	window                   = 60      // seconds
)

// Limits are the effective per-minute capacities for one tenant.
type Limits struct {
	RequestsPerMinute int
	BytesPerMinute    int
}

// LimitsFor resolves a tenant's effective limits from its stored override.
func LimitsFor(t repo.Tenant) Limits {
	l := Limits{RequestsPerMinute: DefaultRequestsPerMinute, BytesPerMinute: DefaultBytesPerMinute}
	if t.Quota != nil {
		if t.Quota.RequestsPerMinute > 0 {
			l.RequestsPerMinute = t.Quota.RequestsPerMinute
		}
		if t.Quota.BytesPerMinute > 0 {
			l.BytesPerMinute = t.Quota.BytesPerMinute
		}
	}
	return l
}

// Decision is the outcome of TryConsume.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // set when denied
}

// Snapshot is a read-only view of the current token counts, used for
// response headers. Taking a snapshot never refills a bucket.
type Snapshot struct {
	Requests int
	Bytes    int
	Reset    time.Time
}

// tryConsumeScript implements the bucket: linear floor refill up to
// capacity, consume-and-write-back on success, compute retry-after without
// writing on failure. Returns {remaining_tokens, retry_after_seconds}.
var tryConsumeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local bucket = redis.call('hmget', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1] or capacity)
local last_refill = tonumber(bucket[2] or 0)

local elapsed = math.max(0, now - last_refill)
local refill = math.floor(elapsed * capacity / window)
tokens = math.min(capacity, tokens + refill)

if tokens >= requested then
    tokens = tokens - requested
    redis.call('hmset', key, 'tokens', tokens, 'last_refill', now)
    redis.call('expire', key, window)
    return {tokens, 0}
else
    local retry_after = math.ceil((requested - tokens) * window / capacity)
    return {tokens, retry_after}
end
`)

// Engine is the shared token-bucket quota engine.
type Engine struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewEngine(rdb redis.UniversalClient) *Engine {
	return &Engine{rdb: rdb, now: time.Now}
}

func requestKey(tenantID uuid.UUID, surface Surface) string {
	return fmt.Sprintf("rl:org:%s:req:%s", tenantID, surface)
}

func bytesKey(tenantID uuid.UUID, surface Surface) string {
	return fmt.Sprintf("rl:org:%s:bytes:%s", tenantID, surface)
}

// TryConsume charges one request plus the given byte count against the
// tenant's buckets. The request bucket is checked first; when it denies,
// the byte bucket is left untouched. A denial never consumes from the
// bucket that denied.
func (e *Engine) TryConsume(ctx context.Context, tenantID uuid.UUID, surface Surface, bytes int, limits Limits) (Decision, error) {
	now := e.now().Unix()

	retry, err := e.run(ctx, requestKey(tenantID, surface), now, limits.RequestsPerMinute, 1)
	if err != nil {
		return Decision{}, err
	}
	if retry > 0 {
		return Decision{RetryAfter: time.Duration(retry) * time.Second}, nil
	}

	if bytes > 0 {
		retry, err = e.run(ctx, bytesKey(tenantID, surface), now, limits.BytesPerMinute, bytes)
		if err != nil {
			return Decision{}, err
		}
		if retry > 0 {
			return Decision{RetryAfter: time.Duration(retry) * time.Second}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

func (e *Engine) run(ctx context.Context, key string, now int64, capacity, requested int) (int64, error) {
	res, err := tryConsumeScript.Run(ctx, e.rdb, []string{key}, now, window, capacity, requested).Slice()
	if err != nil {
		return 0, fmt.Errorf("quota script: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("quota script: unexpected reply %v", res)
	}
	retry, ok := res[1].(int64)
	if !ok {
		return 0, fmt.Errorf("quota script: unexpected reply %v", res)
	}
	return retry, nil
}

// Remaining reads the current token counts without refilling.
func (e *Engine) Remaining(ctx context.Context, tenantID uuid.UUID, surface Surface, limits Limits) (Snapshot, error) {
	snap := Snapshot{
		Requests: limits.RequestsPerMinute,
		Bytes:    limits.BytesPerMinute,
		Reset:    e.now().Add(window * time.Second),
	}

	if v, err := e.rdb.HGet(ctx, requestKey(tenantID, surface), "tokens").Result(); err == nil {
		if n, err := strconv.Atoi(v); err == nil {
			snap.Requests = n
		}
	} else if err != redis.Nil {
		return Snapshot{}, err
	}

	if v, err := e.rdb.HGet(ctx, bytesKey(tenantID, surface), "tokens").Result(); err == nil {
		if n, err := strconv.Atoi(v); err == nil {
			snap.Bytes = n
		}
	} else if err != redis.Nil {
		return Snapshot{}, err
	}

	return snap, nil
}

// Headers renders a snapshot as the standard rate-limit response headers.
func Headers(snap Snapshot, limits Limits) map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":          strconv.Itoa(limits.RequestsPerMinute),
		"X-RateLimit-Remaining":      strconv.Itoa(snap.Requests),
		"X-RateLimit-BytesLimit":     strconv.Itoa(limits.BytesPerMinute),
		"X-RateLimit-BytesRemaining": strconv.Itoa(snap.Bytes),
		"X-RateLimit-Reset":          strconv.FormatInt(snap.Reset.Unix(), 10),
	}
}
