// Package redis keeps a rolling view of recent mining events in Redis: a
// capped list of the latest events, per-address counters and a hashrate window.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/prefixminer/internal/report"
)

// Key layout
const (
	recentEventsKey    = "events:recent"
	statsKeyPrefix     = "stats:"
	hashrateKeyPrefix  = "hashrate:"
	defaultRecentLimit = 1000
	defaultWindow      = time.Hour
)

// Client wraps Redis operations for event reporting
type Client struct {
	rdb         *redis.Client
	recentLimit int64
	window      time.Duration
}

// Config holds Redis connection configuration
type Config struct {
	// URL is a redis:// or rediss:// connection string
	URL string
	// RecentLimit caps the recent event list; 0 means 1000
	RecentLimit int64
	// HashrateWindow is how long hashrate samples are kept; 0 means one hour
	HashrateWindow time.Duration
	DialTimeout    time.Duration
}

// NewClient connects to Redis and checks the connection
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	c := &Client{rdb: rdb, recentLimit: cfg.RecentLimit, window: cfg.HashrateWindow}
	if c.recentLimit <= 0 {
		c.recentLimit = defaultRecentLimit
	}
	if c.window <= 0 {
		c.window = defaultWindow
	}
	return c, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func statsKey(address string) string {
	return statsKeyPrefix + address
}

func hashrateKey(address string) string {
	return hashrateKeyPrefix + address
}

// hashrateMember is unique per event so equal rates do not collapse in the set
func hashrateMember(event *report.Event, hashrate float64) string {
	return fmt.Sprintf("%s:%d:%g", event.JobID, event.Nonce, hashrate)
}

// RecordEvent stores event in the recent list and bumps the address counters.
// Events carrying a hashrate also feed the address's hashrate window.
func (c *Client) RecordEvent(ctx context.Context, event *report.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	at := event.At
	if at.IsZero() {
		at = time.Now()
	}

	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, recentEventsKey, data)
	pipe.LTrim(ctx, recentEventsKey, 0, c.recentLimit-1)

	if event.Address != "" {
		key := statsKey(event.Address)
		pipe.HIncrBy(ctx, key, string(event.Kind), 1)
		if event.Hashes > 0 {
			pipe.HIncrBy(ctx, key, "hashes", int64(event.Hashes))
		}

		if hashrate := event.Hashrate(); hashrate > 0 {
			hkey := hashrateKey(event.Address)
			pipe.ZAdd(ctx, hkey, redis.Z{
				Score:  float64(at.Unix()),
				Member: hashrateMember(event, hashrate),
			})
			pipe.ZRemRangeByScore(ctx, hkey, "0", strconv.FormatInt(at.Add(-c.window).Unix(), 10))
			pipe.Expire(ctx, hkey, c.window*2)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first
func (c *Client) RecentEvents(ctx context.Context, limit int64) ([]report.Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	raw, err := c.rdb.LRange(ctx, recentEventsKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read recent events: %w", err)
	}

	events := make([]report.Event, 0, len(raw))
	for _, item := range raw {
		var event report.Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}

// AddressStats returns the counters kept for address: one per event kind,
// plus "hashes"
func (c *Client) AddressStats(ctx context.Context, address string) (map[string]int64, error) {
	raw, err := c.rdb.HGetAll(ctx, statsKey(address)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get address stats: %w", err)
	}

	stats := make(map[string]int64, len(raw))
	for field, value := range raw {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid counter %s: %w", field, err)
		}
		stats[field] = n
	}
	return stats, nil
}

// AverageHashrate averages the hashrate samples recorded for address within window
func (c *Client) AverageHashrate(ctx context.Context, address string, window time.Duration) (float64, error) {
	minScore := time.Now().Add(-window).Unix()

	members, err := c.rdb.ZRangeByScore(ctx, hashrateKey(address), &redis.ZRangeBy{
		Min: strconv.FormatInt(minScore, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate values: %w", err)
	}

	var total float64
	var count int
	for _, member := range members {
		if rate, ok := parseHashrateMember(member); ok {
			total += rate
			count++
		}
	}

	if count == 0 {
		return 0, nil
	}
	return total / float64(count), nil
}

// parseHashrateMember extracts the rate from a hashrateMember value. The job
// id may itself contain colons, so the rate is taken after the last one.
func parseHashrateMember(member string) (float64, bool) {
	for i := len(member) - 1; i >= 0; i-- {
		if member[i] == ':' {
			rate, err := strconv.ParseFloat(member[i+1:], 64)
			return rate, err == nil
		}
	}
	return 0, false
}

// Record implements report.Sink
func (c *Client) Record(ctx context.Context, event *report.Event) error {
	return c.RecordEvent(ctx, event)
}

var _ report.Sink = (*Client)(nil)
