package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Supported dialects
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// DB wraps the SQL database connection. Queries are written with ?
// placeholders and rebound to $n for Postgres.
type DB struct {
	sql     *sql.DB
	dialect string
}

// New creates a new database connection.
// A postgres:// DSN selects Postgres via pgx; anything else is treated as a
// SQLite file path (development mode).
func New(dsn string) (*DB, error) {
	var (
		db      *sql.DB
		dialect string
		err     error
	)

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect = DialectPostgres
		db, err = sql.Open("pgx", dsn)
	} else {
		if dsn == "" {
			return nil, fmt.Errorf("empty database DSN")
		}
		dialect = DialectSQLite
		db, err = sql.Open("sqlite", dsn)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if dialect == DialectPostgres {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(1 * time.Minute)
	} else {
		// SQLite serializes writes; a single connection avoids busy errors
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if dialect == DialectPostgres {
		log.Println("✅ PostgreSQL database connected")
	} else {
		log.Printf("✅ SQLite database opened: %s", dsn)
	}

	return &DB{sql: db, dialect: dialect}, nil
}

// Dialect returns the active SQL dialect
func (db *DB) Dialect() string {
	return db.dialect
}

// Rebind converts ? placeholders to the dialect's positional form
func (db *DB) Rebind(query string) string {
	if db.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Exec executes a statement with placeholder rebinding
func (db *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.sql.ExecContext(ctx, db.Rebind(query), args...)
}

// Query runs a query with placeholder rebinding
func (db *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.sql.QueryContext(ctx, db.Rebind(query), args...)
}

// QueryRow runs a single-row query with placeholder rebinding
func (db *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.sql.QueryRowContext(ctx, db.Rebind(query), args...)
}

// BeginTx starts a transaction. Callers must rebind statements themselves
// via Rebind.
func (db *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return db.sql.BeginTx(ctx, nil)
}

// Ping checks the connection
func (db *DB) Ping(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}

// Stats returns connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.sql.Stats()
}

// Close closes the database
func (db *DB) Close() error {
	return db.sql.Close()
}

// Initialize creates all required tables
func (db *DB) Initialize(ctx context.Context) error {
	log.Println("🔍 Checking database schema...")

	serialPK := "SERIAL PRIMARY KEY"
	if db.dialect == DialectSQLite {
		serialPK = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			totp_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			totp_secret TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_login_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_email ON users(email)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS totp_backup_codes (
			id %s,
			user_id TEXT NOT NULL,
			code_hash TEXT NOT NULL,
			used_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`, serialPK),
		`CREATE INDEX IF NOT EXISTS idx_backup_codes_user ON totp_backup_codes(user_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS providers (
			id %s,
			name TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			base_url TEXT NOT NULL,
			api_key TEXT,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, serialPK),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS provider_model_filters (
			id %s,
			provider_id INTEGER NOT NULL,
			model_pattern TEXT NOT NULL,
			action TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0
		)`, serialPK),
		`CREATE INDEX IF NOT EXISTS idx_filters_provider ON provider_model_filters(provider_id)`,

		`CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			provider_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			display_name TEXT,
			context_length INTEGER NOT NULL DEFAULT 0,
			supports_tools BOOLEAN NOT NULL DEFAULT FALSE,
			is_visible BOOLEAN NOT NULL DEFAULT TRUE,
			fetched_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_models_provider ON models(provider_id)`,

		`CREATE TABLE IF NOT EXISTS plugin_states (
			name TEXT PRIMARY KEY,
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			updated_by TEXT,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS datasets (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			format TEXT NOT NULL,
			path TEXT NOT NULL,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			example_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_datasets_user ON datasets(user_id)`,

		`CREATE TABLE IF NOT EXISTS training_jobs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			dataset_id TEXT NOT NULL,
			base_model_id TEXT NOT NULL,
			status TEXT NOT NULL,
			progress REAL NOT NULL DEFAULT 0,
			epochs INTEGER NOT NULL,
			learning_rate REAL NOT NULL,
			batch_size INTEGER NOT NULL DEFAULT 8,
			error TEXT,
			output_model TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_training_jobs_user ON training_jobs(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_training_jobs_status ON training_jobs(status)`,

		`CREATE TABLE IF NOT EXISTS training_schedules (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			dataset_id TEXT NOT NULL,
			base_model_id TEXT NOT NULL,
			epochs INTEGER NOT NULL,
			learning_rate REAL NOT NULL,
			batch_size INTEGER NOT NULL DEFAULT 8,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			next_run_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_training_schedules_user ON training_schedules(user_id)`,
	}

	for _, stmt := range statements {
		if _, err := db.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run schema statement: %w", err)
		}
	}

	log.Println("✅ Database initialized successfully")
	return nil
}
