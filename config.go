package catga

import (
	"fmt"
	"time"
)

// Config aggregates every option the core recognizes. Loading it from a
// file or environment is the host application's job; the core only consumes
// the resolved values. Zero fields mean "use the default" so a partially
// populated Config is always usable after Normalize.
type Config struct {
	// Serializer names the codec to resolve from the codec registry,
	// e.g. "json" or "msgpack".
	Serializer string `json:"serializer,omitempty"`
	// Transport selects the dispatch fabric: inmemory, nats, or redis.
	Transport string `json:"transport,omitempty"`

	Idempotency IdempotencyConfig `json:"idempotency,omitempty"`
	Outbox      OutboxConfig      `json:"outbox,omitempty"`
	Circuit     CircuitConfig     `json:"circuit,omitempty"`
	Retry       RetryConfig       `json:"retry,omitempty"`
	Bulkhead    BulkheadConfig    `json:"bulkhead,omitempty"`
	Flow        FlowConfig        `json:"flow,omitempty"`
}

type IdempotencyConfig struct {
	TTL        time.Duration `json:"ttl,omitempty"`
	ShardCount int           `json:"shardCount,omitempty"`
}

type OutboxConfig struct {
	BatchSize       int           `json:"batchSize,omitempty"`
	LeaseDuration   time.Duration `json:"leaseDuration,omitempty"`
	PublishInterval time.Duration `json:"publishInterval,omitempty"`
}

type CircuitConfig struct {
	FailureThreshold int           `json:"failureThreshold,omitempty"`
	OpenDuration     time.Duration `json:"openDuration,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int           `json:"maxAttempts,omitempty"`
	BaseDelay   time.Duration `json:"baseDelay,omitempty"`
	MaxDelay    time.Duration `json:"maxDelay,omitempty"`
	Jitter      float64       `json:"jitter,omitempty"`
}

type BulkheadConfig struct {
	MaxConcurrency int `json:"maxConcurrency,omitempty"`
	QueueLimit     int `json:"queueLimit,omitempty"`
}

type FlowConfig struct {
	TimeoutSweepInterval  time.Duration `json:"timeoutSweepInterval,omitempty"`
	MaxForeachConcurrency int           `json:"maxForeachConcurrency,omitempty"`
}

// DefaultConfig returns the effective defaults.
func DefaultConfig() Config {
	var c Config
	c.Normalize()
	return c
}

// Normalize fills zero fields with their defaults, in place.
func (c *Config) Normalize() {
	if c.Serializer == "" {
		c.Serializer = "json"
	}
	if c.Transport == "" {
		c.Transport = "inmemory"
	}
	if c.Idempotency.TTL <= 0 {
		c.Idempotency.TTL = 24 * time.Hour
	}
	if c.Idempotency.ShardCount <= 0 {
		c.Idempotency.ShardCount = 16
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.LeaseDuration <= 0 {
		c.Outbox.LeaseDuration = 30 * time.Second
	}
	if c.Outbox.PublishInterval <= 0 {
		c.Outbox.PublishInterval = 200 * time.Millisecond
	}
	if c.Circuit.FailureThreshold <= 0 {
		c.Circuit.FailureThreshold = 5
	}
	if c.Circuit.OpenDuration <= 0 {
		c.Circuit.OpenDuration = 30 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = 50 * time.Millisecond
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Second
	}
	if c.Retry.Jitter <= 0 {
		c.Retry.Jitter = 0.2
	}
	if c.Bulkhead.MaxConcurrency <= 0 {
		c.Bulkhead.MaxConcurrency = 64
	}
	if c.Bulkhead.QueueLimit < 0 {
		c.Bulkhead.QueueLimit = 0
	}
	if c.Flow.TimeoutSweepInterval <= 0 {
		c.Flow.TimeoutSweepInterval = time.Second
	}
	if c.Flow.MaxForeachConcurrency <= 0 {
		c.Flow.MaxForeachConcurrency = 8
	}
}

// Validate rejects values Normalize cannot repair.
func (c *Config) Validate() error {
	switch c.Transport {
	case "", "inmemory", "nats", "redis":
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.Retry.Jitter > 1 {
		return fmt.Errorf("retry jitter %v must be within (0, 1]", c.Retry.Jitter)
	}
	if c.Retry.BaseDelay > c.Retry.MaxDelay && c.Retry.MaxDelay > 0 {
		return fmt.Errorf("retry baseDelay %v exceeds maxDelay %v", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	return nil
}
