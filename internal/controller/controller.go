package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"aigc-queue/internal/config"
)

// Redis keys holding shared concurrency state. All workers across all
// processes see the same counters; keeping them in-process would silently
// break the multi-worker admission guarantee.
const (
	activeCountKey   = "aigc:active_count"
	thresholdKey     = "aigc:current_threshold"
	lastRateLimitKey = "aigc:last_limit_error_time"
	lastAdjustKey    = "aigc:last_adjust_time"
)

// Controller gates dispatch admission and retunes the concurrency ceiling
// from observed provider behavior. Every mutation runs as a single Lua script
// so adjustments are serialized across all workers; there is no read-modify-
// write window in which two workers can lose an update.
type Controller struct {
	client *redis.Client

	defaultThreshold int64
	min              int64
	max              int64
	decreaseStep     int64
	increaseStep     int64
	recovery         time.Duration

	// Scripts receive time from Go, not Redis, so tests can drive the clock.
	now func() time.Time
}

// New builds a controller over an existing Redis client.
func New(client *redis.Client, cfg config.Config) *Controller {
	return &Controller{
		client:           client,
		defaultThreshold: cfg.DefaultThreshold,
		min:              cfg.MinThreshold,
		max:              cfg.MaxThreshold,
		decreaseStep:     cfg.DecreaseStep,
		increaseStep:     cfg.IncreaseStep,
		recovery:         cfg.RecoveryInterval,
		now:              time.Now,
	}
}

// Init seeds the shared counters if they do not exist yet. Safe to call from
// every worker at startup.
func (c *Controller) Init(ctx context.Context) error {
	if err := c.client.SetNX(ctx, thresholdKey, c.defaultThreshold, 0).Err(); err != nil {
		return err
	}
	return c.client.SetNX(ctx, activeCountKey, 0, 0).Err()
}

// TryAcquire admits a new dispatch iff active_count < threshold, incrementing
// the active count in the same atomic step. Returns false when the ceiling is
// reached; the caller must defer without acknowledging its entry.
func (c *Controller) TryAcquire(ctx context.Context) (bool, error) {
	res, err := acquireScript.Run(ctx, c.client,
		[]string{activeCountKey, thresholdKey},
		c.defaultThreshold,
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release returns one admission slot after a terminal outcome. Floored at
// zero so a repair path can never drive the counter negative.
func (c *Controller) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, c.client, []string{activeCountKey}).Err()
}

// OnRateLimited applies the backpressure signal as one atomic adjustment:
// lower the threshold by decrease_step (clamped to min), record the
// rate-limit time, reset the recovery clock, and release the slot held by the
// rejected dispatch. Returns the new threshold.
func (c *Controller) OnRateLimited(ctx context.Context) (int64, error) {
	return rateLimitedScript.Run(ctx, c.client,
		[]string{activeCountKey, thresholdKey, lastRateLimitKey, lastAdjustKey},
		c.min, c.decreaseStep, c.now().UnixMilli(), c.defaultThreshold,
	).Int64()
}

// TryRecover raises the threshold by increase_step when a full recovery
// interval has elapsed since the last adjustment (decrease or increase) with
// no intervening rate-limit event. The script paces the ramp, so callers may
// invoke it every loop iteration; it stops at max_threshold. Returns the
// current threshold and whether this call raised it.
func (c *Controller) TryRecover(ctx context.Context) (threshold int64, raised bool, err error) {
	res, err := recoverScript.Run(ctx, c.client,
		[]string{thresholdKey, lastAdjustKey},
		c.max, c.increaseStep, c.now().UnixMilli(), c.recovery.Milliseconds(), c.defaultThreshold,
	).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected recover script reply length %d", len(res))
	}
	return res[0], res[1] == 1, nil
}

// Snapshot reads the current active count and threshold. The two reads are
// independent and may be momentarily inconsistent with each other.
func (c *Controller) Snapshot(ctx context.Context) (active, threshold int64, err error) {
	active, err = c.client.Get(ctx, activeCountKey).Int64()
	if err == redis.Nil {
		active, err = 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	threshold, err = c.client.Get(ctx, thresholdKey).Int64()
	if err == redis.Nil {
		threshold, err = c.defaultThreshold, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return active, threshold, nil
}

var acquireScript = redis.NewScript(`
local active = tonumber(redis.call('GET', KEYS[1]) or '0')
local threshold = tonumber(redis.call('GET', KEYS[2]) or ARGV[1])
if active < threshold then
  redis.call('INCR', KEYS[1])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local active = tonumber(redis.call('GET', KEYS[1]) or '0')
if active > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`)

var rateLimitedScript = redis.NewScript(`
local threshold = tonumber(redis.call('GET', KEYS[2]) or ARGV[4])
local min = tonumber(ARGV[1])
local next = threshold - tonumber(ARGV[2])
if next < min then next = min end
redis.call('SET', KEYS[2], next)
redis.call('SET', KEYS[3], ARGV[3])
redis.call('SET', KEYS[4], ARGV[3])
local active = tonumber(redis.call('GET', KEYS[1]) or '0')
if active > 0 then
  redis.call('DECR', KEYS[1])
end
return next
`)

var recoverScript = redis.NewScript(`
local threshold = tonumber(redis.call('GET', KEYS[1]) or ARGV[5])
local max = tonumber(ARGV[1])
if threshold >= max then
  return {threshold, 0}
end
local now = tonumber(ARGV[3])
local last = tonumber(redis.call('GET', KEYS[2]) or '0')
if last == 0 then
  redis.call('SET', KEYS[2], now)
  return {threshold, 0}
end
if now - last >= tonumber(ARGV[4]) then
  local next = threshold + tonumber(ARGV[2])
  if next > max then next = max end
  redis.call('SET', KEYS[1], next)
  redis.call('SET', KEYS[2], now)
  return {next, 1}
end
return {threshold, 0}
`)
