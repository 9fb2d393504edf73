package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"watchkeeper/pkg/config"
	"watchkeeper/pkg/logging"
)

// PostgresConn represents a PostgreSQL database connection
type PostgresConn = *sql.DB

// Config holds database configuration
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns pool settings, tunable via environment.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    config.GetEnvInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    config.GetEnvInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: config.GetEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Connect establishes a database connection with the given configuration
func Connect(cfg Config, logger logging.Logger) (PostgresConn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.WithFields(logging.Fields{
		"max_open_conns":    cfg.MaxOpenConns,
		"max_idle_conns":    cfg.MaxIdleConns,
		"conn_max_lifetime": cfg.ConnMaxLifetime,
	}).Info("Database connected")

	return db, nil
}

// MustConnect is like Connect but exits on error
func MustConnect(cfg Config, logger logging.Logger) PostgresConn {
	db, err := Connect(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	return db
}
