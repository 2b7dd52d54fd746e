package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// TextColumnLength is the length of indexed text columns (names, titles)
const TextColumnLength = 255

// Dialect isolates the SQL differences between the supported backends
type Dialect interface {
	Name() string
	IDType() string
	TextColumnType(length int) string
	ExactTextColumnType(length int) string
	ExactIndexableTextColumnType() string
	LongTextColumnType() string
	TableOptions() string
	BoolFalse() string
	Escape(text string) string
	SupportsReturning() bool
	CaseInsensitive() string
	LikeEscape() string

	firstInsertID(res sql.Result) (int64, error)
	tableExistsQuery(escapedTable string) string
	versionQuery() string
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string                       { return "sqlite" }
func (sqliteDialect) IDType() string                     { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (sqliteDialect) TextColumnType(length int) string   { return fmt.Sprintf("VARCHAR(%d)", length) }
func (sqliteDialect) ExactTextColumnType(length int) string {
	return fmt.Sprintf("VARCHAR(%d)", length)
}
func (sqliteDialect) ExactIndexableTextColumnType() string { return "VARCHAR(324)" }
func (sqliteDialect) LongTextColumnType() string           { return "TEXT" }
func (sqliteDialect) TableOptions() string                 { return "" }
func (sqliteDialect) BoolFalse() string                    { return "0" }
func (sqliteDialect) SupportsReturning() bool              { return true }
func (sqliteDialect) CaseInsensitive() string              { return " COLLATE NOCASE" }
func (sqliteDialect) LikeEscape() string                   { return ` ESCAPE '\'` }

func (sqliteDialect) Escape(text string) string {
	return strings.ReplaceAll(text, "'", "''")
}

// SQLite reports the id of the last row of a multi-row insert
func (sqliteDialect) firstInsertID(res sql.Result) (int64, error) {
	last, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read insert id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil || n < 1 {
		return last, nil
	}
	return last - n + 1, nil
}

func (sqliteDialect) tableExistsQuery(escapedTable string) string {
	return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = '" + escapedTable + "'"
}

func (sqliteDialect) versionQuery() string { return "SELECT sqlite_version()" }

type mysqlDialect struct{}

func (mysqlDialect) Name() string                     { return "mysql" }
func (mysqlDialect) IDType() string                   { return "INTEGER PRIMARY KEY AUTO_INCREMENT" }
func (mysqlDialect) TextColumnType(length int) string { return fmt.Sprintf("VARCHAR(%d)", length) }
func (mysqlDialect) ExactTextColumnType(length int) string {
	return fmt.Sprintf("VARBINARY(%d)", length)
}
func (mysqlDialect) ExactIndexableTextColumnType() string { return "VARBINARY(324)" }
func (mysqlDialect) LongTextColumnType() string           { return "TEXT" }
func (mysqlDialect) TableOptions() string                 { return " COLLATE = utf8_bin ENGINE = MyISAM" }
func (mysqlDialect) BoolFalse() string                    { return "FALSE" }
func (mysqlDialect) SupportsReturning() bool              { return false }
func (mysqlDialect) CaseInsensitive() string              { return " COLLATE utf8_unicode_ci" }
func (mysqlDialect) LikeEscape() string                   { return "" }

// Escape mirrors mysql_real_escape_string for a utf8 connection
func (mysqlDialect) Escape(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch r {
		case 0:
			b.WriteString(`\0`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '"':
			b.WriteString(`\"`)
		case 0x1a:
			b.WriteString(`\Z`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MySQL reports the id of the first row of a multi-row insert
func (mysqlDialect) firstInsertID(res sql.Result) (int64, error) {
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read insert id: %w", err)
	}
	return id, nil
}

func (mysqlDialect) tableExistsQuery(escapedTable string) string {
	return "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = '" + escapedTable + "'"
}

func (mysqlDialect) versionQuery() string { return "SELECT VERSION()" }
