package config

import "time"

// Config is the root engine configuration. Components consume their own
// sections; nothing here imports engine packages, adapters live at the
// composition root.
type Config struct {
	Logger       LoggerConfig       `koanf:"logger"`
	Database     DatabaseConfig     `koanf:"database"`
	Redis        RedisConfig        `koanf:"redis"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Advisor      AdvisorConfig      `koanf:"advisor"`
	Retry        RetryConfig        `koanf:"retry"`
}

type LoggerConfig struct {
	Level      string `koanf:"level"       validate:"omitempty,oneof=debug info warn error"`
	JSON       bool   `koanf:"json"`
	AddSource  bool   `koanf:"add_source"`
	TimeFormat string `koanf:"time_format"`
}

type DatabaseConfig struct {
	ConnString      string        `koanf:"conn_string"`
	Host            string        `koanf:"host"`
	Port            string        `koanf:"port"`
	User            string        `koanf:"user"`
	Password        string        `koanf:"password"`
	Name            string        `koanf:"name"`
	SSLMode         string        `koanf:"ssl_mode"`
	MaxOpenConns    int           `koanf:"max_open_conns"     validate:"omitempty,min=1"`
	MinIdleConns    int           `koanf:"min_idle_conns"     validate:"omitempty,min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	PingTimeout     time.Duration `koanf:"ping_timeout"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

type RedisConfig struct {
	Addr            string        `koanf:"addr"`
	Password        string        `koanf:"password"`
	DB              int           `koanf:"db"               validate:"omitempty,min=0,max=15"`
	PingTimeout     time.Duration `koanf:"ping_timeout"`
	PromoteInterval time.Duration `koanf:"promote_interval"`
	PromoteBatch    int           `koanf:"promote_batch"    validate:"omitempty,min=1"`
	DequeueTimeout  time.Duration `koanf:"dequeue_timeout"`
	RetryDelay      time.Duration `koanf:"retry_delay"`
}

type OrchestratorConfig struct {
	MaxPassIterations  int           `koanf:"max_pass_iterations"   validate:"omitempty,min=1"`
	DefaultRetryLimit  int           `koanf:"default_retry_limit"   validate:"omitempty,min=1"`
	InPassRetryHorizon time.Duration `koanf:"in_pass_retry_horizon"`
}

type AdvisorConfig struct {
	MinConcurrentSteps      int     `koanf:"min_concurrent_steps"       validate:"omitempty,min=1"`
	MaxConcurrentStepsLimit int     `koanf:"max_concurrent_steps_limit" validate:"omitempty,min=1"`
	EmergencyFallback       int     `koanf:"emergency_fallback"         validate:"omitempty,min=1"`
	HardAvailabilityCap     float64 `koanf:"hard_availability_cap"      validate:"omitempty,gt=0,lte=1"`
}

type RetryConfig struct {
	BaseDelay      time.Duration `koanf:"base_delay"`
	MaxDelay       time.Duration `koanf:"max_delay"`
	JitterFraction float64       `koanf:"jitter_fraction" validate:"omitempty,gte=0,lt=1"`
}

// Default returns the baseline configuration before environment overrides.
func Default() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level: "info",
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         "5432",
			User:         "stepflow",
			Name:         "stepflow",
			SSLMode:      "disable",
			MaxOpenConns: 20,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Orchestrator: OrchestratorConfig{
			MaxPassIterations:  25,
			DefaultRetryLimit:  3,
			InPassRetryHorizon: time.Second,
		},
		Advisor: AdvisorConfig{
			MinConcurrentSteps:      3,
			MaxConcurrentStepsLimit: 12,
			EmergencyFallback:       3,
			HardAvailabilityCap:     0.6,
		},
		Retry: RetryConfig{
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			JitterFraction: 0.2,
		},
	}
}
