package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dan-solli/talebranch/pkg/capability"
	"github.com/dan-solli/talebranch/pkg/usage"
	_ "modernc.org/sqlite" // SQLite driver
)

// Driver names accepted by NewSQLiteStore.
const (
	DriverModernc = "sqlite"  // pure Go, always available
	DriverCGO     = "sqlite3" // mattn/go-sqlite3, only in cgo builds
)

// WithDriver selects the database/sql driver.
func WithDriver(name string) Option {
	return func(o *storeOptions) {
		if name != "" {
			o.driver = name
		}
	}
}

// SQLiteStore implements Store using SQLite as the backend.
type SQLiteStore struct {
	db           *sql.DB
	maxDepth     int
	pruneOrphans bool
}

var _ Store = (*SQLiteStore)(nil)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore creates a new SQLite-backed store.
// The dbPath can be a file path or ":memory:" for an in-memory database.
// Creates tables and indexes if they don't exist.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open(o.driver, dsn(o.driver, dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection, and a single connection
	// also serializes writers.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteStore{db: db, maxDepth: o.maxDepth, pruneOrphans: o.pruneOrphans}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// dsn adds busy timeout and immediate write locking for file databases.
func dsn(driver, path string) string {
	if path == ":memory:" {
		return path
	}
	if driver == DriverCGO {
		return path + "?_busy_timeout=5000&_txlock=immediate"
	}
	return path + "?_pragma=busy_timeout(5000)&_txlock=immediate"
}

// DB exposes the underlying handle for maintenance tooling.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// initSchema creates the database schema if it doesn't exist.
// Also performs schema migrations for new columns.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS owners (
		id TEXT PRIMARY KEY,
		current_game_state_id TEXT
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		previous_message_id TEXT,
		speaker TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_owner ON messages(owner_id);
	CREATE INDEX IF NOT EXISTS idx_messages_previous ON messages(previous_message_id);

	CREATE TABLE IF NOT EXISTS environments (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		previous_environment_id TEXT,
		location TEXT NOT NULL,
		previous_summary TEXT,
		previous_characters TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_environments_owner ON environments(owner_id);
	CREATE INDEX IF NOT EXISTS idx_environments_previous ON environments(previous_environment_id);

	CREATE TABLE IF NOT EXISTS map_states (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		time_of_day TEXT NOT NULL,
		placements TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_map_states_owner ON map_states(owner_id);

	CREATE TABLE IF NOT EXISTS game_states (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		previous_game_state_id TEXT,
		message_id TEXT,
		environment_id TEXT NOT NULL,
		map_state_id TEXT NOT NULL,
		sprites TEXT NOT NULL DEFAULT '[]',
		music TEXT NOT NULL,
		followers TEXT NOT NULL DEFAULT '[]',
		links INTEGER NOT NULL DEFAULT 1 CHECK (links >= 0),
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_game_states_owner ON game_states(owner_id);
	CREATE INDEX IF NOT EXISTS idx_game_states_previous ON game_states(previous_game_state_id);
	CREATE INDEX IF NOT EXISTS idx_game_states_message ON game_states(message_id);
	CREATE INDEX IF NOT EXISTS idx_game_states_environment ON game_states(environment_id);
	CREATE INDEX IF NOT EXISTS idx_game_states_map_state ON game_states(map_state_id);

	CREATE TABLE IF NOT EXISTS saves (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		game_state_id TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_saves_owner ON saves(owner_id, created_at);

	CREATE TABLE IF NOT EXISTS daily_usage (
		owner_id TEXT NOT NULL,
		day TEXT NOT NULL,
		PRIMARY KEY (owner_id, day)
	);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	// Run schema migrations for new columns
	return s.migrateSchema()
}

// migrateSchema adds new columns to existing tables if they don't exist.
func (s *SQLiteStore) migrateSchema() error {
	// Display text arrived with per-user display languages.
	if !s.columnExists("messages", "displayed_text") {
		_, err := s.db.Exec("ALTER TABLE messages ADD COLUMN displayed_text TEXT DEFAULT NULL")
		if err != nil {
			return fmt.Errorf("failed to add displayed_text column: %w", err)
		}
	}

	// One counter triple per (tier, category).
	for _, col := range usageColumns() {
		if s.columnExists("daily_usage", col) {
			continue
		}
		_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE daily_usage ADD COLUMN %s INTEGER NOT NULL DEFAULT 0", col))
		if err != nil {
			return fmt.Errorf("failed to add %s column: %w", col, err)
		}
	}

	if s.dbIsFile() {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("failed to enable WAL: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStore) dbIsFile() bool {
	var file string
	rows, err := s.db.Query("PRAGMA database_list")
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var seq int
		var name string
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return false
		}
		if name == "main" {
			return file != ""
		}
	}
	return false
}

// columnExists checks if a column exists in a table.
func (s *SQLiteStore) columnExists(tableName, columnName string) bool {
	query := fmt.Sprintf("PRAGMA table_info(%s)", tableName)
	rows, err := s.db.Query(query)
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name string
		var ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int

		err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk)
		if err != nil {
			return false
		}

		if name == columnName {
			return true
		}
	}

	return false
}

// usageColumn names the column of one counter field, e.g.
// premium_translation_input_tokens.
func usageColumn(k usage.Key, field string) string {
	prefix := ""
	if k.Tier != "" && k.Tier != capability.TierStandard {
		prefix = string(k.Tier) + "_"
	}
	return prefix + string(k.Category) + "_" + field
}

var usageFields = []string{"input_tokens", "output_tokens", "queries"}

func usageColumns() []string {
	var cols []string
	for _, tier := range usage.Tiers {
		for _, cat := range usage.Categories {
			for _, f := range usageFields {
				cols = append(cols, usageColumn(usage.Key{Category: cat, Tier: tier}, f))
			}
		}
	}
	return cols
}

// withTx runs fn in a transaction. Lock contention is reported as
// ErrConcurrencyConflict.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return conflictOr(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return conflictOr(err)
	}

	if err := tx.Commit(); err != nil {
		return conflictOr(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// conflictOr maps SQLite lock errors to ErrConcurrencyConflict.
func conflictOr(err error) error {
	if err == nil || errors.Is(err, ErrConcurrencyConflict) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked") {
		return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
	}
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func anyArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// scanTime accepts the timestamp encodings the drivers produce.
func scanTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", time.DateTime} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	case []byte:
		return scanTime(string(t))
	}
	return time.Time{}
}
