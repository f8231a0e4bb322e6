package queue

import "time"

const (
	defaultReadyKey        = "stepflow:queue:ready"
	defaultScheduledKey    = "stepflow:queue:scheduled"
	defaultPromoteInterval = time.Second
	defaultPromoteBatch    = 100
	defaultDequeueTimeout  = 5 * time.Second
	defaultRetryDelay      = 5 * time.Second
	defaultPingTimeout     = 10 * time.Second
)

// Config holds Redis connection and queue tuning settings.
type Config struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`

	PingTimeout time.Duration `koanf:"ping_timeout"`

	// ReadyKey is the list holding task IDs due for immediate delivery;
	// ScheduledKey is the sorted set holding delayed IDs scored by their
	// earliest useful wake-up time.
	ReadyKey     string `koanf:"ready_key"`
	ScheduledKey string `koanf:"scheduled_key"`

	PromoteInterval time.Duration `koanf:"promote_interval"`
	PromoteBatch    int           `koanf:"promote_batch"    validate:"omitempty,min=1"`
	DequeueTimeout  time.Duration `koanf:"dequeue_timeout"`
	// RetryDelay schedules redelivery after a consumer handler error.
	RetryDelay time.Duration `koanf:"retry_delay"`
}

func (c Config) withDefaults() Config {
	if c.ReadyKey == "" {
		c.ReadyKey = defaultReadyKey
	}
	if c.ScheduledKey == "" {
		c.ScheduledKey = defaultScheduledKey
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = defaultPromoteInterval
	}
	if c.PromoteBatch <= 0 {
		c.PromoteBatch = defaultPromoteBatch
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = defaultDequeueTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	return c
}
