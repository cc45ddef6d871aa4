// Package stepflow provides a top-level convenience entry point for running
// workflows with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/stepflow"
//
//	r, err := stepflow.New(stepflow.WithSQLite("steps.db"))
//	r, err := stepflow.New(stepflow.WithRedis("localhost:6379"))
//	r, err := stepflow.New() // in-memory store
//
// This is a thin wrapper around [runner.New]; both produce identical results.
// Use this package when you prefer the shorter import path.
package stepflow

import (
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/runner"
)

// Option configures the runner created by [New].
type Option func(*settings)

type settings struct {
	cfg    *config.Config
	logger *zap.Logger
}

// New creates a [runner.Runner] with minimal configuration. Without options
// it uses an in-memory store, five parallel slots and a no-op logger.
func New(opts ...Option) (*runner.Runner, error) {
	s := &settings{cfg: config.DefaultConfig()}
	for _, opt := range opts {
		opt(s)
	}
	return runner.New(s.cfg, s.logger)
}

// WithRedis stores step state in Redis at the given address.
func WithRedis(addr string) Option {
	return func(s *settings) {
		s.cfg.Store.Backend = "redis"
		s.cfg.Store.Redis.Addr = addr
	}
}

// WithSQLite stores step state in a SQLite database file.
func WithSQLite(path string) Option {
	return func(s *settings) {
		s.cfg.Store.Backend = "sql"
		s.cfg.Store.SQL.Driver = "sqlite"
		s.cfg.Store.SQL.DSN = path
	}
}

// WithPostgres stores step state in PostgreSQL.
func WithPostgres(dsn string) Option {
	return func(s *settings) {
		s.cfg.Store.Backend = "sql"
		s.cfg.Store.SQL.Driver = "postgres"
		s.cfg.Store.SQL.DSN = dsn
	}
}

// WithMaxParallelism caps how many steps run concurrently.
func WithMaxParallelism(n int) Option {
	return func(s *settings) { s.cfg.Engine.MaxParallelism = n }
}

// WithStepTimeout sets the per-step timeout applied when a step definition
// does not carry its own.
func WithStepTimeout(d time.Duration) Option {
	return func(s *settings) { s.cfg.Engine.StepTimeout = d }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithConfig replaces the whole configuration, for callers that loaded one
// via [config.Loader].
func WithConfig(cfg *config.Config) Option {
	return func(s *settings) { s.cfg = cfg }
}
