// Package database constructs the bounded sqlx connection pool used by the
// collaboration server.
package database

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/flowmesh/flowmesh/pkg/observability"
)

// Config holds database connection settings
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Driver          string        `mapstructure:"driver"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// DefaultConfig returns settings sized for the collaboration server's
// dedicated pool.
func DefaultConfig() Config {
	return Config{
		Driver:          "postgres",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 20 * time.Second,
		ConnectTimeout:  30 * time.Second,
	}
}

// Connect opens and pings a database connection with the configured pool
// bounds.
func Connect(ctx context.Context, cfg Config, logger observability.Logger) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database dsn is required")
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	db, err := sqlx.ConnectContext(connectCtx, driver, cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	logger.Info("Database connection established", map[string]interface{}{
		"driver":         driver,
		"max_open_conns": cfg.MaxOpenConns,
		"max_idle_conns": cfg.MaxIdleConns,
	})

	return db, nil
}
