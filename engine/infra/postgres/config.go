package postgres

import (
	"fmt"
	"time"
)

// Config holds PostgreSQL connection settings for the driver. Prefer providing
// a DSN via ConnString; when empty, one is synthesized from the individual
// fields.
type Config struct {
	ConnString string `koanf:"conn_string"`
	Host       string `koanf:"host"`
	Port       string `koanf:"port"`
	User       string `koanf:"user"`
	Password   string `koanf:"password"`
	DBName     string `koanf:"name"`
	SSLMode    string `koanf:"ssl_mode"`

	MaxOpenConns    int           `koanf:"max_open_conns"     validate:"omitempty,min=1"`
	MinIdleConns    int           `koanf:"min_idle_conns"     validate:"omitempty,min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`

	HealthCheckPeriod  time.Duration `koanf:"health_check_period"`
	ConnectTimeout     time.Duration `koanf:"connect_timeout"`
	PingTimeout        time.Duration `koanf:"ping_timeout"`
	HealthCheckTimeout time.Duration `koanf:"health_check_timeout"`
}

// DSN returns the configured connection string, synthesizing one from the
// individual fields when ConnString is empty.
func (c *Config) DSN() string {
	if c.ConnString != "" {
		return c.ConnString
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, sslMode,
	)
}
