// ABOUTME: database/sql implementation of Store over sqlite (modernc), sqlite3 (mattn) or postgres (pgx)
// ABOUTME: Creates the schema on open and rebinds "?" placeholders for postgres

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverSQLite3  = "sqlite3"
	DriverPostgres = "postgres"
)

// Options selects and addresses the backing database.
type Options struct {
	Driver string // sqlite (default), sqlite3, or postgres
	Path   string // file path for the sqlite drivers
	DSN    string // connection string for postgres
}

// SQLStore implements Store using database/sql
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

var _ Store = (*SQLStore)(nil)

// NewSQLiteStore creates a new pure-Go SQLite store at the given path.
func NewSQLiteStore(path string) (*SQLStore, error) {
	return Open(Options{Driver: DriverSQLite, Path: path})
}

// Open connects to the database described by opts and creates the schema
// if it doesn't exist. For the sqlite drivers, parent directories are
// created if needed.
func Open(opts Options) (*SQLStore, error) {
	logger := slog.Default().With("component", "store")

	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite, DriverSQLite3:
		db, err = openSQLite(driver, opts.Path)
	case DriverPostgres:
		if opts.DSN == "" {
			return nil, errors.New("postgres driver requires a dsn")
		}
		// pgx registers its database/sql driver as "pgx"
		db, err = sql.Open("pgx", opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	s := &SQLStore{
		db:     db,
		driver: driver,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("store initialized", "driver", driver, "path", opts.Path)
	return s, nil
}

func openSQLite(driver, path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite driver requires a path")
	}

	memory := path == ":memory:"
	if !memory {
		// Ensure parent directory exists
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to :memory: would see its own empty database
	if memory {
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return db, nil
}

// schema is portable across sqlite and postgres. Booleans are INTEGER 0/1.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS servers (
		id                TEXT PRIMARY KEY,
		name              TEXT NOT NULL,
		catalog_id        TEXT NOT NULL,
		catalog_name      TEXT NOT NULL DEFAULT '',
		owner_user_id     TEXT,
		organization_wide INTEGER NOT NULL DEFAULT 0,
		local             INTEGER NOT NULL DEFAULT 0,
		install_url       TEXT NOT NULL DEFAULT '',
		created_at        TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_servers_catalog ON servers(catalog_id)`,
	`CREATE INDEX IF NOT EXISTS idx_servers_owner ON servers(owner_user_id)`,

	`CREATE TABLE IF NOT EXISTS team_members (
		team_id    TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (team_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS agent_tools (
		id                      TEXT PRIMARY KEY,
		agent_id                TEXT NOT NULL,
		tool_id                 TEXT NOT NULL DEFAULT '',
		tool_name               TEXT NOT NULL,
		description             TEXT NOT NULL DEFAULT '',
		catalog_id              TEXT NOT NULL DEFAULT '',
		catalog_name            TEXT NOT NULL DEFAULT '',
		server_id               TEXT NOT NULL DEFAULT '',
		server_name             TEXT NOT NULL DEFAULT '',
		execution_server_id     TEXT,
		use_dynamic_credentials INTEGER NOT NULL DEFAULT 0,
		response_template       TEXT NOT NULL DEFAULT '',
		input_schema            TEXT,
		created_at              TEXT NOT NULL,
		updated_at              TEXT NOT NULL,
		UNIQUE (agent_id, tool_name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_tools_agent ON agent_tools(agent_id)`,

	`CREATE TABLE IF NOT EXISTS server_secrets (
		server_id  TEXT NOT NULL,
		name       TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (server_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS mcp_sessions (
		connection_key TEXT PRIMARY KEY,
		agent_id       TEXT NOT NULL,
		assignment_id  TEXT NOT NULL,
		server_id      TEXT NOT NULL,
		session_id     TEXT NOT NULL,
		endpoint_url   TEXT,
		endpoint_pod   TEXT,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_mcp_sessions_updated ON mcp_sessions(updated_at)`,

	`CREATE TABLE IF NOT EXISTS trust_policies (
		id          TEXT PRIMARY KEY,
		tool_id     TEXT NOT NULL,
		conditions  TEXT NOT NULL,
		action      TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL,

		CHECK (action IN ('mark_as_trusted', 'block_always', 'sanitize_with_dual_llm'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trust_policies_tool ON trust_policies(tool_id)`,
}

// createSchema creates the database tables if they don't exist.
// Statements run one at a time since postgres prepared statements reject batches.
func (s *SQLStore) createSchema() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	s.logger.Info("closing store", "driver", s.driver)
	return s.db.Close()
}

// Driver returns the name of the database driver in use
func (s *SQLStore) Driver() string {
	return s.driver
}

// rebind rewrites "?" placeholders as "$1", "$2", ... for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
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

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// placeholders returns "?, ?, ..." with n entries
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// isConstraintViolation checks if the error is a UNIQUE/PRIMARY KEY violation
// on any supported driver
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}
