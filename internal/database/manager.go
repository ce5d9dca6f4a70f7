package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	// Registers the sqlite3 driver used in the DSN.
	_ "github.com/mattn/go-sqlite3"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"

	"livelocation/internal/logger"
	dbconfig "livelocation/pkg/database"
)

// ErrManagerClosed is returned by writes issued after Close.
var ErrManagerClosed = errors.New("database manager is closed")

// Manager persists device tokens in SQLite. Reads go straight to the pool;
// writes are funnelled through a single goroutine so SQLite never sees two
// concurrent writers.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex

	retryDelay   time.Duration
	writeTimeout time.Duration
	log          *logrus.Entry
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies pragmas and pending migrations, and
// starts the writer goroutine.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if config == nil {
		config = dbconfig.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, oops.In("database").Wrapf(err, "invalid database config")
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, oops.In("database").With("path", config.DatabasePath).Wrapf(err, "failed to open database")
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, oops.In("database").Wrapf(err, "failed to apply SQLite optimizations")
	}

	migrations := dbconfig.NewMigrationManager(db)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, oops.In("database").Wrapf(err, "failed to apply migrations")
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, oops.In("database").Wrapf(err, "schema validation failed")
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   5 * time.Second,
		writeTimeout: 30 * time.Second,
		log:          logger.WithComponent("database").WithField("path", config.DatabasePath),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	manager.log.Info("Device token database ready")
	return manager, nil
}

// writeLoop processes all write operations in a single goroutine. A failed
// write is retried once after retryDelay.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				m.log.WithError(err).Warnf("Database write failed, retrying in %s", m.retryDelay)
				select {
				case <-time.After(m.retryDelay):
					err = op.operation(m.db)
					if err != nil {
						m.log.WithError(err).Error("Database write failed after retry")
					}
				case <-m.shutdown:
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.log.Debug("Database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(m.writeTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout.C:
		return fmt.Errorf("write operation timeout")
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpsertDeviceToken stores the latest push token for identity, replacing any
// previous one.
func (m *Manager) UpsertDeviceToken(ctx context.Context, identity, token string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO device_tokens (identity, token, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(identity) DO UPDATE SET
				token = excluded.token,
				updated_at = excluded.updated_at
		`, identity, token, time.Now().UTC())
		if err != nil {
			return oops.In("database").With("identity", identity).Wrapf(err, "failed to upsert device token")
		}
		return nil
	})
}

// GetDeviceToken returns the stored token for identity, if any.
func (m *Manager) GetDeviceToken(ctx context.Context, identity string) (string, bool, error) {
	var token string
	err := m.db.QueryRowContext(ctx, "SELECT token FROM device_tokens WHERE identity = ?", identity).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, oops.In("database").With("identity", identity).Wrapf(err, "failed to query device token")
	}
	return token, true, nil
}

// ListDeviceTokens returns every stored identity → token pair.
func (m *Manager) ListDeviceTokens(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT identity, token FROM device_tokens")
	if err != nil {
		return nil, oops.In("database").Wrapf(err, "failed to query device tokens")
	}
	defer func() { _ = rows.Close() }()

	tokens := make(map[string]string)
	for rows.Next() {
		var identity, token string
		if err := rows.Scan(&identity, &token); err != nil {
			return nil, oops.In("database").Wrapf(err, "failed to scan device token row")
		}
		tokens[identity] = token
	}
	if err := rows.Err(); err != nil {
		return nil, oops.In("database").Wrapf(err, "error iterating device token rows")
	}
	return tokens, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM device_tokens").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the pool. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func applySQLiteOptimizations(db *sql.DB) error {
	for _, pragma := range dbconfig.Pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
