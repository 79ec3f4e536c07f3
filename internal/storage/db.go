package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

type Database struct {
	*sql.DB
	maxRetries int
	retryDelay time.Duration
}

type Config struct {
	Type           string
	Path           string
	URL            string
	MaxConnections int
	MaxRetries     int
	RetryDelay     time.Duration
}

func DB(config *Config) (*Database, error) {
	if config.MaxConnections <= 0 {
		config.MaxConnections = 25
	}

	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}

	var connectionString string
	var driverName string

	if config.URL != "" {
		connectionString = config.URL
		if strings.Contains(connectionString, "postgres://") {
			config.Type = "postgres"
			driverName = "postgres"
		} else {
			config.Type = "sqlite3"
			driverName = "sqlite3"
		}
	} else {
		switch config.Type {
		case "postgres":
			return nil, fmt.Errorf("postgres URL is required")
		case "sqlite", "sqlite3":
			if config.Path == "" {
				config.Path = "./data/presence.db"
			}
			dir := filepath.Dir(config.Path)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
			connectionString = fmt.Sprintf("%s?_foreign_keys=1&_journal_mode=WAL&_synchronous=NORMAL&_timeout=5000&_busy_timeout=5000", config.Path)
			driverName = "sqlite3"
		default:
			return nil, fmt.Errorf("unsupported database type: %s", config.Type)
		}
	}

	db, err := openWithRetry(driverName, connectionString, config)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{
		DB:         db,
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
	}, nil
}

func openWithRetry(driverName, connectionString string, config *Config) (*sql.DB, error) {
	var db *sql.DB
	var err error

	for i := 0; i < config.MaxRetries; i++ {
		db, err = sql.Open(driverName, connectionString)
		if err == nil {
			if err = db.Ping(); err == nil {
				break
			}
		}

		if i < config.MaxRetries-1 {
			time.Sleep(config.RetryDelay)
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database after %d retries: %w", config.MaxRetries, err)
	}

	return db, nil
}

func (db *Database) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return db.PingContext(ctx)
}

func (db *Database) Stats() sql.DBStats {
	return db.DB.Stats()
}

func (db *Database) BeginTx() (*sql.Tx, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return db.DB.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}
