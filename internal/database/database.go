// Package database provides database access for the payment service
package database

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(driver, dsn string) (*DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Migrate creates all required tables
func (db *DB) Migrate() error {
	schema := `
	-- Operators: back-office users and service accounts
	CREATE TABLE IF NOT EXISTS operators (
		id UUID PRIMARY KEY,
		username VARCHAR(255) UNIQUE NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		status VARCHAR(50) NOT NULL DEFAULT 'active',
		last_login_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		operator_id UUID NOT NULL REFERENCES operators(id),
		token TEXT NOT NULL,
		ip_address VARCHAR(45) NOT NULL,
		user_agent TEXT,
		created_at TIMESTAMP NOT NULL,
		last_activity_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		status VARCHAR(50) NOT NULL DEFAULT 'active'
	);

	CREATE TABLE IF NOT EXISTS failed_logins (
		id UUID PRIMARY KEY,
		username VARCHAR(255) NOT NULL,
		ip_address VARCHAR(45) NOT NULL,
		attempted_at TIMESTAMP NOT NULL
	);

	-- Orders created through the gateway
	CREATE TABLE IF NOT EXISTS orders (
		id UUID PRIMARY KEY,
		shop_order_id VARCHAR(255) UNIQUE NOT NULL,
		tegro_order_id BIGINT,
		amount BIGINT NOT NULL,
		currency VARCHAR(10) NOT NULL,
		payment_system INTEGER NOT NULL,
		status VARCHAR(50) NOT NULL,
		test BOOLEAN NOT NULL DEFAULT FALSE,
		payment_url TEXT,
		fields JSONB,
		created_by VARCHAR(255) NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		paid_at TIMESTAMP
	);

	-- Withdrawals requested from the shop balance
	CREATE TABLE IF NOT EXISTS withdrawals (
		id UUID PRIMARY KEY,
		payment_id VARCHAR(255) UNIQUE NOT NULL,
		tegro_withdrawal_id BIGINT,
		account VARCHAR(255) NOT NULL,
		amount BIGINT NOT NULL,
		currency VARCHAR(10) NOT NULL,
		payment_system INTEGER NOT NULL,
		status VARCHAR(50) NOT NULL,
		gateway_response JSONB,
		created_by VARCHAR(255) NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		id UUID PRIMARY KEY,
		type VARCHAR(100) NOT NULL,
		severity VARCHAR(20) NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		operator_id UUID,
		reference VARCHAR(255),
		description TEXT NOT NULL,
		data JSONB,
		ip_address VARCHAR(45),
		component VARCHAR(100) NOT NULL
	);

	-- Key/value switches such as payouts_enabled
	CREATE TABLE IF NOT EXISTS system_state (
		key VARCHAR(100) PRIMARY KEY,
		value TEXT NOT NULL,
		reason TEXT,
		updated_at TIMESTAMP NOT NULL,
		updated_by VARCHAR(255) NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_operator ON sessions(operator_id);
	CREATE INDEX IF NOT EXISTS idx_failed_logins_username ON failed_logins(username, attempted_at);
	CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at);
	CREATE INDEX IF NOT EXISTS idx_orders_tegro ON orders(tegro_order_id);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_created ON withdrawals(currency, created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_events_reference ON audit_events(reference);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Reset drops all tables (for testing)
func (db *DB) Reset() error {
	_, err := db.Exec(`
		DROP TABLE IF EXISTS system_state CASCADE;
		DROP TABLE IF EXISTS audit_events CASCADE;
		DROP TABLE IF EXISTS withdrawals CASCADE;
		DROP TABLE IF EXISTS orders CASCADE;
		DROP TABLE IF EXISTS failed_logins CASCADE;
		DROP TABLE IF EXISTS sessions CASCADE;
		DROP TABLE IF EXISTS operators CASCADE;
	`)
	return err
}

// CleanData truncates all tables without dropping them (for testing)
func (db *DB) CleanData() error {
	_, err := db.Exec(`
		TRUNCATE TABLE system_state, audit_events, withdrawals, orders,
		               failed_logins, sessions, operators CASCADE;
	`)
	return err
}
