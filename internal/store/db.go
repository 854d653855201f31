package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const defaultConnectAttempts = 5

// Config selects and configures the persistence backend.
type Config struct {
	// Driver is either DriverSQLite or DriverPostgres.
	Driver string
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string
	// DSN is the Postgres connection string.
	DSN string
	// ConnectAttempts bounds the connection retries at startup. Zero means
	// the default of 5 attempts.
	ConnectAttempts int
}

// Store is a GORM-backed MessageStore. A transactional insert per Append
// keeps concurrent writers from losing or interleaving writes.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured backend and runs the schema migration.
// Connection establishment is retried with bounded exponential backoff; a
// final failure is returned to the caller, which should treat it as fatal.
func Open(cfg Config) (*Store, error) {
	dial, err := dialector(cfg)
	if err != nil {
		return nil, err
	}

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = defaultConnectAttempts
	}

	var db *gorm.DB
	for attempt := 1; ; attempt++ {
		db, err = gorm.Open(dial, &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err == nil {
			break
		}
		if attempt >= attempts {
			return nil, fmt.Errorf("failed to connect to message store after %d attempts: %w", attempts, err)
		}
		delay := backoffDelay(attempt)
		log.Printf("Message store connection attempt %d/%d failed: %v; retrying in %s", attempt, attempts, err, delay)
		time.Sleep(delay)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if cfg.Driver == DriverPostgres {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		// Single connection enforces the single-writer discipline on
		// appends and keeps ":memory:" databases coherent.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&Message{}); err != nil {
		return nil, fmt.Errorf("failed to migrate message store: %w", err)
	}

	return &Store{db: db}, nil
}

func dialector(cfg Config) (gorm.Dialector, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		path := cfg.Path
		if path == "" {
			path = ":memory:"
		}
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create message store directory: %w", err)
			}
		}
		return sqlite.Open(path), nil
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres driver selected but no DSN configured")
		}
		return postgres.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unknown message store driver %q", cfg.Driver)
	}
}

func backoffDelay(attempt int) time.Duration {
	delay := time.Duration(1<<attempt) * 250 * time.Millisecond
	if delay > 10*time.Second {
		delay = 10 * time.Second
	}
	return delay
}

// Append persists msg. The insert is acknowledged by the backend before
// Append returns, so a successful return survives a process crash.
func (s *Store) Append(ctx context.Context, msg *Message) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// Recent returns up to limit messages in append order, oldest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}

	var newest []Message
	err := s.db.WithContext(ctx).
		Order("seq DESC").
		Limit(limit).
		Find(&newest).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	// Reverse into chronological order.
	messages := make([]Message, len(newest))
	for i, msg := range newest {
		messages[len(newest)-1-i] = msg
	}
	return messages, nil
}

// Close releases the underlying database connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.Close()
}
