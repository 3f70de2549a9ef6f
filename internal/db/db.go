// Package db handles durable storage for Switchboard: the latest checkpoint
// per conversation, a bounded checkpoint history, and write-intent records.
// SQLite and PostgreSQL are supported through database/sql.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect identifies the SQL flavour of the connected database
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DefaultHistoryLimit is the number of checkpoints kept per conversation
const DefaultHistoryLimit = 20

// Store manages database operations
type Store struct {
	DB           *sql.DB
	dialect      Dialect
	historyLimit int
	now          func() time.Time
}

// Open opens the database at url. postgres:// and postgresql:// URLs use
// PostgreSQL; anything else is treated as a SQLite path, with an optional
// sqlite:// prefix.
func Open(url string) (*Store, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		db, err := sql.Open("pgx", url)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		return newStore(db, DialectPostgres), nil
	}

	path := strings.TrimPrefix(url, "sqlite://")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Set busy timeout to handle lock contention gracefully
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return newStore(db, DialectSQLite), nil
}

func newStore(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		DB:           db,
		dialect:      dialect,
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
	}
}

// SetHistoryLimit sets how many checkpoints are kept per conversation
func (s *Store) SetHistoryLimit(n int) {
	if n > 0 {
		s.historyLimit = n
	}
}

// Dialect returns the SQL flavour of the store
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// InitSchema creates the database schema
func (s *Store) InitSchema() error {
	blob, bigint := "BLOB", "INTEGER"
	if s.dialect == DialectPostgres {
		blob, bigint = "BYTEA", "BIGINT"
	}

	schema := fmt.Sprintf(`
	-- Latest checkpoint per conversation
	CREATE TABLE IF NOT EXISTS conversation_checkpoints (
		thread_id TEXT PRIMARY KEY,
		checkpoint_id TEXT NOT NULL,
		checkpoint_data %[1]s NOT NULL,
		metadata TEXT NOT NULL,
		generation %[2]s NOT NULL DEFAULT 0,
		step %[2]s NOT NULL DEFAULT 0,
		created_at %[2]s NOT NULL,
		updated_at %[2]s NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_updated ON conversation_checkpoints(updated_at);

	-- Bounded history of checkpoint metadata
	CREATE TABLE IF NOT EXISTS checkpoint_history (
		checkpoint_id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		generation %[2]s NOT NULL,
		step %[2]s NOT NULL,
		metadata TEXT NOT NULL,
		created_at %[2]s NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_thread ON checkpoint_history(thread_id, generation, step);
	CREATE INDEX IF NOT EXISTS idx_history_created ON checkpoint_history(created_at);

	-- Write intents recorded per processing step
	CREATE TABLE IF NOT EXISTS checkpoint_writes (
		thread_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		writes TEXT NOT NULL,
		created_at %[2]s NOT NULL,
		expires_at %[2]s NOT NULL,
		PRIMARY KEY (thread_id, task_id)
	);

	CREATE INDEX IF NOT EXISTS idx_writes_created ON checkpoint_writes(created_at);
	`, blob, bigint)

	if s.dialect == DialectPostgres {
		for _, stmt := range splitStatements(schema) {
			if _, err := s.DB.Exec(stmt); err != nil {
				return fmt.Errorf("initializing schema: %w", err)
			}
		}
		return nil
	}

	if _, err := s.DB.Exec(schema); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

// MigrateSchema upgrades databases created before checkpoints carried a
// generation and step. Existing rows get zero for both.
func (s *Store) MigrateSchema() error {
	for _, column := range []string{"checkpoint_id", "generation", "step"} {
		exists, err := s.columnExists("conversation_checkpoints", column)
		if err != nil {
			return fmt.Errorf("checking for %s column: %w", column, err)
		}
		if exists {
			continue
		}
		def := "INTEGER NOT NULL DEFAULT 0"
		if column == "checkpoint_id" {
			def = "TEXT NOT NULL DEFAULT ''"
		}
		if _, err := s.DB.Exec(fmt.Sprintf("ALTER TABLE conversation_checkpoints ADD COLUMN %s %s", column, def)); err != nil {
			return fmt.Errorf("adding %s column: %w", column, err)
		}
	}
	return nil
}

func (s *Store) columnExists(table, column string) (bool, error) {
	var exists bool
	var err error
	if s.dialect == DialectPostgres {
		err = s.DB.QueryRow(`
			SELECT COUNT(*) > 0 FROM information_schema.columns
			WHERE table_name = $1 AND column_name = $2
		`, table, column).Scan(&exists)
	} else {
		err = s.DB.QueryRow(`
			SELECT COUNT(*) > 0 FROM pragma_table_info(?) WHERE name = ?
		`, table, column).Scan(&exists)
	}
	return exists, err
}

// rebind rewrites ? placeholders to $n for PostgreSQL
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func splitStatements(schema string) []string {
	var out []string
	for _, stmt := range strings.Split(schema, ";") {
		var lines []string
		for _, line := range strings.Split(stmt, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" && !strings.HasPrefix(trimmed, "--") {
				lines = append(lines, line)
			}
		}
		if len(lines) > 0 {
			out = append(out, strings.Join(lines, "\n"))
		}
	}
	return out
}
