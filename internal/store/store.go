package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"

	"github.com/franz/music-collection/internal/util"
	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite" // SQLite driver
)

// DefaultSQLiteMaxStatementSize is used when no limit is configured for SQLite
const DefaultSQLiteMaxStatementSize = 1000000

// Store is the storage gateway in front of the collection database
type Store struct {
	db               *sql.DB
	dialect          Dialect
	retry            *util.RetryConfig
	maxStatementSize int
}

// OpenOptions holds options for opening a database
type OpenOptions struct {
	NetworkOptimized bool              // Apply network-optimized pragmas (SQLite only)
	MaxStatementSize int               // Overrides the backend statement size limit when > 0
	Retry            *util.RetryConfig // Retry policy for busy/locked errors (nil = default)
}

// Open opens or creates a SQLite database at the given path with default options
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, nil)
}

// OpenWithOptions opens or creates a SQLite database with custom options
func OpenWithOptions(path string, opts *OpenOptions) (*Store, error) {
	if opts == nil {
		opts = &OpenOptions{}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(0)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers and keeps :memory: databases alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := newStore(db, sqliteDialect{}, opts)
	if s.maxStatementSize <= 0 {
		s.maxStatementSize = DefaultSQLiteMaxStatementSize
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if opts.NetworkOptimized {
		if err := s.applyNetworkPragmas(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply network pragmas: %w", err)
		}
	}

	return s, nil
}

// OpenMySQL connects to a MySQL server. The DSN uses the go-sql-driver format,
// e.g. "user:pass@tcp(localhost:3306)/mcol".
func OpenMySQL(dsn string, opts *OpenOptions) (*Store, error) {
	if opts == nil {
		opts = &OpenOptions{}
	}

	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mysql dsn: %w", err)
	}
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	cfg.Params["charset"] = "utf8"
	cfg.ParseTime = false
	cfg.InterpolateParams = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}

	s := newStore(db, mysqlDialect{}, opts)
	if s.maxStatementSize <= 0 {
		var packet int64
		if err := db.QueryRow("SELECT @@max_allowed_packet").Scan(&packet); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to read max_allowed_packet: %w", err)
		}
		s.maxStatementSize = int(packet)
	}

	return s, nil
}

// OpenDSN opens the backend selected by driver ("sqlite" or "mysql")
func OpenDSN(driver, target string, opts *OpenOptions) (*Store, error) {
	switch driver {
	case "", "sqlite":
		return OpenWithOptions(target, opts)
	case "mysql":
		return OpenMySQL(target, opts)
	default:
		return nil, fmt.Errorf("%w: unknown database driver %q", util.ErrInvalidConfig, driver)
	}
}

func newStore(db *sql.DB, d Dialect, opts *OpenOptions) *Store {
	retry := opts.Retry
	if retry == nil {
		retry = util.DefaultRetryConfig()
	}
	return &Store{
		db:               db,
		dialect:          d,
		retry:            retry,
		maxStatementSize: opts.MaxStatementSize,
	}
}

// applyNetworkPragmas applies SQLite optimizations for network filesystems
func (s *Store) applyNetworkPragmas() error {
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA cache_size = -64000",
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for custom queries
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect of the backend
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Query runs a statement and returns every field of every row flattened into
// one slice. NULL fields are returned as empty strings.
func (s *Store) Query(ctx context.Context, query string) ([]string, error) {
	return util.RetryWithBackoff(ctx, s.retry, func() ([]string, error) {
		return s.query(ctx, query)
	}, "query")
}

func (s *Store) query(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to run query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	values := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}

	var result []string
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for _, v := range values {
			result = append(result, v.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return result, nil
}

// Exec runs a statement that returns no rows and reports the affected row count
func (s *Store) Exec(ctx context.Context, stmt string) (int64, error) {
	return util.RetryWithBackoff(ctx, s.retry, func() (int64, error) {
		res, err := s.db.ExecContext(ctx, stmt)
		if err != nil {
			return 0, fmt.Errorf("failed to execute statement: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, nil
		}
		return n, nil
	}, "exec")
}

// Insert runs an INSERT and returns the id generated for its first row
func (s *Store) Insert(ctx context.Context, stmt, table string) (int64, error) {
	id, err := util.RetryWithBackoff(ctx, s.retry, func() (int64, error) {
		res, err := s.db.ExecContext(ctx, stmt)
		if err != nil {
			return 0, fmt.Errorf("failed to insert into %s: %w", table, err)
		}
		return s.dialect.firstInsertID(res)
	}, "insert "+table)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("%w: table %s", util.ErrInsertFailed, table)
	}
	return id, nil
}

// Escape quotes a value for use inside a single-quoted SQL literal
func (s *Store) Escape(text string) string {
	return s.dialect.Escape(text)
}

// MaxStatementSize returns the largest statement in bytes the backend accepts
func (s *Store) MaxStatementSize() int {
	return s.maxStatementSize
}

// SupportsReturning reports whether INSERT ... RETURNING is available
func (s *Store) SupportsReturning() bool {
	return s.dialect.SupportsReturning()
}

// CaseInsensitive returns the collation suffix for case-insensitive comparisons
func (s *Store) CaseInsensitive() string {
	return s.dialect.CaseInsensitive()
}

// LikeEscape returns the ESCAPE clause that makes backslash the LIKE escape character
func (s *Store) LikeEscape() string {
	return s.dialect.LikeEscape()
}

// TableExists reports whether a table is present in the current database
func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	res, err := s.Query(ctx, s.dialect.tableExistsQuery(s.Escape(table)))
	if err != nil {
		return false, err
	}
	if len(res) == 0 {
		return false, nil
	}
	n, _ := strconv.Atoi(res[0])
	return n > 0, nil
}

// Version returns the backend server or library version
func (s *Store) Version(ctx context.Context) (string, error) {
	res, err := s.Query(ctx, s.dialect.versionQuery())
	if err != nil {
		return "", err
	}
	if len(res) == 0 {
		return "", nil
	}
	return res[0], nil
}

// SQLiteVersion returns the SQLite version string of the bundled driver
func SQLiteVersion() string {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return ""
	}
	defer db.Close()

	var version string
	err = db.QueryRow("SELECT sqlite_version()").Scan(&version)
	if err != nil {
		return ""
	}
	return version
}

// CheckIntegrity runs the backend's consistency check and returns the problems found
func (s *Store) CheckIntegrity(ctx context.Context) ([]string, error) {
	if _, ok := s.dialect.(sqliteDialect); ok {
		res, err := s.Query(ctx, "PRAGMA integrity_check")
		if err != nil {
			return nil, err
		}
		if len(res) == 1 && res[0] == "ok" {
			return nil, nil
		}
		return res, nil
	}

	tables, err := s.Query(ctx, "SHOW TABLES")
	if err != nil {
		return nil, err
	}
	var problems []string
	for _, table := range tables {
		// Table, Op, Msg_type, Msg_text
		res, err := s.Query(ctx, "CHECK TABLE "+table+" MEDIUM")
		if err != nil {
			return nil, err
		}
		for i := 0; i+3 < len(res); i += 4 {
			if res[i+2] == "error" || res[i+2] == "warning" {
				problems = append(problems, res[i]+": "+res[i+3])
			}
		}
	}
	return problems, nil
}

// Transaction executes a function within a transaction
func (s *Store) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// RedactDSN hides the password of a MySQL DSN for log output
func RedactDSN(driver, target string) string {
	if driver != "mysql" {
		return target
	}
	cfg, err := mysql.ParseDSN(target)
	if err != nil {
		return "(invalid dsn)"
	}
	if cfg.Passwd != "" {
		cfg.Passwd = "****"
	}
	u := url.URL{Scheme: "mysql", User: url.User(cfg.User), Host: cfg.Addr, Path: "/" + cfg.DBName}
	return u.String()
}
