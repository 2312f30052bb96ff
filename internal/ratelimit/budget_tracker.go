// Package ratelimit coordinates a per-window budget of pricing advisor calls
// across processes through Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultTotalBudget    = 50              // calls per window
	DefaultReservedBudget = 30              // reserved for first-time pricing
	DefaultWindowSize     = time.Second     // fixed window
	DefaultKeyTTL         = 2 * time.Second // window + buffer
	DefaultKeyPrefix      = "advisor:budget:"
)

// Priority selects the budget pool a call draws from.
type Priority int

const (
	// PriorityHigh is for listings priced for the first time (reserved pool).
	PriorityHigh Priority = iota
	// PriorityLow is for re-pricing already priced listings (shared pool).
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// consumeScript checks both the total and the pool counter and increments
// them together, so concurrent callers never overshoot the budget.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local cost = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + cost > totalBudget then
		return {0, totalUsed, poolUsed}
	end
	if poolUsed + cost > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, cost)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, cost)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + cost, poolUsed + cost}
`)

// BudgetTracker implements a fixed window budget with a reserved pool for
// high priority calls and a shared pool for the rest.
type BudgetTracker struct {
	redis          redis.Cmdable
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
	prefix         string
	now            func() time.Time
}

// BudgetTrackerConfig holds configuration for the budget tracker.
type BudgetTrackerConfig struct {
	// Redis is required; the budget is shared by every process using it.
	Redis redis.Cmdable

	// TotalBudget is the number of calls allowed per window. Default: 50.
	TotalBudget int

	// ReservedBudget is the part of TotalBudget only high priority calls may use. Default: 30.
	ReservedBudget int

	// WindowSize is the window duration. Default: 1s.
	WindowSize time.Duration

	// KeyTTL should be at least WindowSize. Default: 2s.
	KeyTTL time.Duration

	// KeyPrefix namespaces the counters. Default: "advisor:budget:".
	KeyPrefix string
}

// UsageStats contains the consumption of the current window.
type UsageStats struct {
	TotalUsed      int       `json:"totalUsed"`
	ReservedUsed   int       `json:"reservedUsed"`
	SharedUsed     int       `json:"sharedUsed"`
	TotalBudget    int       `json:"totalBudget"`
	ReservedBudget int       `json:"reservedBudget"`
	SharedBudget   int       `json:"sharedBudget"`
	WindowStart    time.Time `json:"windowStart"`
}

// Validate checks if the configuration is valid.
func (c *BudgetTrackerConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget < 0 {
		return errors.New("total budget cannot be negative")
	}
	if c.ReservedBudget < 0 {
		return errors.New("reserved budget cannot be negative")
	}

	totalBudget, reservedBudget := c.budgets()
	if reservedBudget > totalBudget {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", reservedBudget, totalBudget)
	}
	return nil
}

func (c *BudgetTrackerConfig) budgets() (total, reserved int) {
	total, reserved = c.TotalBudget, c.ReservedBudget
	if total == 0 {
		total = DefaultTotalBudget
	}
	if reserved == 0 {
		reserved = DefaultReservedBudget
		if reserved > total {
			reserved = total
		}
	}
	return total, reserved
}

// NewBudgetTracker creates a tracker with the given configuration.
func NewBudgetTracker(cfg *BudgetTrackerConfig) (*BudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	totalBudget, reservedBudget := cfg.budgets()

	windowSize := cfg.WindowSize
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}
	keyTTL := cfg.KeyTTL
	if keyTTL == 0 {
		keyTTL = DefaultKeyTTL
	}
	if keyTTL < windowSize {
		keyTTL = windowSize
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return &BudgetTracker{
		redis:          cfg.Redis,
		totalBudget:    totalBudget,
		reservedBudget: reservedBudget,
		sharedBudget:   totalBudget - reservedBudget,
		windowSize:     windowSize,
		keyTTL:         keyTTL,
		prefix:         prefix,
		now:            time.Now,
	}, nil
}

// windowStart aligns the current time to the window boundary.
func (t *BudgetTracker) windowStart() time.Time {
	return t.now().Truncate(t.windowSize)
}

func (t *BudgetTracker) keys(window time.Time) (totalKey, reservedKey, sharedKey string) {
	ts := strconv.FormatInt(window.UnixMilli(), 10)
	return t.prefix + "total:" + ts, t.prefix + "reserved:" + ts, t.prefix + "shared:" + ts
}

// TryConsume attempts to take cost calls from the pool of the priority.
// When denied it also returns the time until the next window. A Redis
// failure denies the call.
func (t *BudgetTracker) TryConsume(ctx context.Context, cost int, priority Priority) (bool, time.Duration, error) {
	if cost <= 0 {
		return true, 0, nil
	}

	window := t.windowStart()
	totalKey, reservedKey, sharedKey := t.keys(window)

	poolKey, poolBudget := sharedKey, t.sharedBudget
	if priority == PriorityHigh {
		poolKey, poolBudget = reservedKey, t.reservedBudget
	}

	ttlSeconds := int(t.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, t.redis, []string{totalKey, poolKey},
		cost, t.totalBudget, poolBudget, ttlSeconds).Int64Slice()
	if err != nil {
		return false, t.waitTime(window), fmt.Errorf("budget check failed: %w", err)
	}
	if result[0] != 1 {
		return false, t.waitTime(window), nil
	}
	return true, 0, nil
}

// waitTime returns the time until the next window starts.
func (t *BudgetTracker) waitTime(window time.Time) time.Duration {
	wait := window.Add(t.windowSize).Sub(t.now())
	if wait < 0 {
		wait = 0
	}
	// small buffer to land inside the new window
	return wait + time.Millisecond
}

// GetUsage returns the usage of the current window.
func (t *BudgetTracker) GetUsage(ctx context.Context) (*UsageStats, error) {
	window := t.windowStart()
	totalKey, reservedKey, sharedKey := t.keys(window)

	pipe := t.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read budget usage: %w", err)
	}

	return &UsageStats{
		TotalUsed:      parseIntOrZero(totalCmd),
		ReservedUsed:   parseIntOrZero(reservedCmd),
		SharedUsed:     parseIntOrZero(sharedCmd),
		TotalBudget:    t.totalBudget,
		ReservedBudget: t.reservedBudget,
		SharedBudget:   t.sharedBudget,
		WindowStart:    window,
	}, nil
}

func parseIntOrZero(cmd *redis.StringCmd) int {
	val, err := cmd.Int()
	if err != nil {
		return 0
	}
	return val
}

// AvailableBudget returns what is left in the pool of a priority.
func (t *BudgetTracker) AvailableBudget(ctx context.Context, priority Priority) (int, error) {
	stats, err := t.GetUsage(ctx)
	if err != nil {
		return 0, err
	}

	available := t.sharedBudget - stats.SharedUsed
	if priority == PriorityHigh {
		available = t.reservedBudget - stats.ReservedUsed
	}
	if left := t.totalBudget - stats.TotalUsed; left < available {
		available = left
	}
	if available < 0 {
		available = 0
	}
	return available, nil
}

// WindowSize returns the configured window size.
func (t *BudgetTracker) WindowSize() time.Duration {
	return t.windowSize
}
