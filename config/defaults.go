package config

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultConfig returns the configuration used when nothing is overridden:
// in-memory store, five parallel slots, five minute step timeout.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxParallelism: 5,
			StepTimeout:    5 * time.Minute,
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				PoolSize:  10,
				KeyPrefix: "stepflow:state:",
			},
			SQL: SQLConfig{
				Driver: "sqlite",
				DSN:    "stepflow.db",
			},
		},
		Sweeper: SweeperConfig{
			Enabled:    true,
			Interval:   15 * time.Second,
			RetryBatch: 100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "stepflow",
		},
	}
}

// Validate rejects configurations the runner cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis", "sql":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "sql" {
		switch c.Store.SQL.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("unknown sql driver %q", c.Store.SQL.Driver)
		}
	}
	if c.Engine.MaxParallelism < 0 {
		return fmt.Errorf("max_parallelism must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// BuildLogger constructs a zap logger from the log section.
func (c *Config) BuildLogger() (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if c.Log.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = c.Log.Format
	zc.DisableCaller = !c.Log.EnableCaller
	return zc.Build()
}
