package store

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/franz/music-collection/internal/util"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "collection.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if _, err := NewUpdater(s).Update(context.Background()); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}
	return s
}

func mustExec(t *testing.T, s *Store, stmt string) {
	t.Helper()
	if _, err := s.Exec(context.Background(), stmt); err != nil {
		t.Fatalf("Failed to execute %q: %v", stmt, err)
	}
}

func TestStoreOpenAndCreateSchema(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, table := range CollectionTables {
		exists, err := s.TableExists(ctx, table)
		if err != nil {
			t.Fatalf("Failed to check table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("Expected table %s to exist", table)
		}
	}

	u := NewUpdater(s)
	version, err := u.StoredVersion(ctx)
	if err != nil {
		t.Fatalf("Failed to read version: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("Expected schema version %d, got %d", SchemaVersion, version)
	}

	needs, err := u.NeedsUpdate(ctx)
	if err != nil {
		t.Fatalf("NeedsUpdate failed: %v", err)
	}
	if needs {
		t.Errorf("Expected no update needed after creation")
	}

	// Update on a current schema is a no-op
	changed, err := u.Update(ctx)
	if err != nil {
		t.Fatalf("Second update failed: %v", err)
	}
	if changed {
		t.Errorf("Expected second update to change nothing")
	}
}

func TestStoreQueryFlattensRows(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustExec(t, s, "INSERT INTO albums (name, artist) VALUES ('One', NULL), ('Two', 7)")

	res, err := s.Query(ctx, "SELECT name, artist FROM albums ORDER BY name")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	want := []string{"One", "", "Two", "7"}
	if len(res) != len(want) {
		t.Fatalf("Expected %d fields, got %d: %v", len(want), len(res), res)
	}
	for i := range want {
		if res[i] != want[i] {
			t.Errorf("Field %d: expected %q, got %q", i, want[i], res[i])
		}
	}

	empty, err := s.Query(ctx, "SELECT name FROM albums WHERE 0")
	if err != nil {
		t.Fatalf("Empty query failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected no rows, got %v", empty)
	}

	if _, err := s.Query(ctx, "SELECT nope FROM missing_table"); err == nil {
		t.Errorf("Expected error for invalid query")
	}
}

func TestStoreInsertReturnsFirstID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first, err := s.Insert(ctx, "INSERT INTO artists (name) VALUES ('a'), ('b'), ('c')", "artists")
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if first != 1 {
		t.Errorf("Expected first id 1, got %d", first)
	}

	next, err := s.Insert(ctx, "INSERT INTO artists (name) VALUES ('d')", "artists")
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if next != 4 {
		t.Errorf("Expected id 4, got %d", next)
	}

	res, err := s.Query(ctx, "SELECT id FROM artists WHERE name = 'b'")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(res) != 1 || res[0] != strconv.FormatInt(first+1, 10) {
		t.Errorf("Expected contiguous id for 'b', got %v", res)
	}

	if _, err := s.Insert(ctx, "INSERT INTO artists (name) VALUES ('a')", "artists"); err == nil {
		t.Errorf("Expected unique constraint violation")
	}
}

func TestDialectEscape(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		input   string
		want    string
	}{
		{"sqlite quote", sqliteDialect{}, "it's", "it''s"},
		{"sqlite backslash untouched", sqliteDialect{}, `a\b`, `a\b`},
		{"mysql quote", mysqlDialect{}, "it's", `it\'s`},
		{"mysql backslash", mysqlDialect{}, `a\b`, `a\\b`},
		{"mysql control", mysqlDialect{}, "a\nb\x00", `a\nb\0`},
		{"mysql double quote", mysqlDialect{}, `say "hi"`, `say \"hi\"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dialect.Escape(tt.input); got != tt.want {
				t.Errorf("Escape(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestStoreDialectContract(t *testing.T) {
	s := setupTestStore(t)

	if !s.SupportsReturning() {
		t.Errorf("Expected sqlite to support RETURNING")
	}
	if s.MaxStatementSize() != DefaultSQLiteMaxStatementSize {
		t.Errorf("Expected default max statement size, got %d", s.MaxStatementSize())
	}
	if s.CaseInsensitive() != " COLLATE NOCASE" {
		t.Errorf("Unexpected collation suffix %q", s.CaseInsensitive())
	}
	if s.LikeEscape() != ` ESCAPE '\'` {
		t.Errorf("Unexpected like escape %q", s.LikeEscape())
	}

	problems, err := s.CheckIntegrity(context.Background())
	if err != nil {
		t.Fatalf("CheckIntegrity failed: %v", err)
	}
	if len(problems) != 0 {
		t.Errorf("Expected clean integrity check, got %v", problems)
	}

	if SQLiteVersion() == "" {
		t.Errorf("Expected sqlite version")
	}
}

func TestOpenWithMaxStatementSize(t *testing.T) {
	s, err := OpenWithOptions(filepath.Join(t.TempDir(), "small.db"), &OpenOptions{
		MaxStatementSize: 4096,
		NetworkOptimized: true,
		Retry:            util.NoRetry(),
	})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()

	if s.MaxStatementSize() != 4096 {
		t.Errorf("Expected max statement size 4096, got %d", s.MaxStatementSize())
	}
}

func TestOpenDSNUnknownDriver(t *testing.T) {
	_, err := OpenDSN("postgres", "whatever", nil)
	if !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestRedactDSN(t *testing.T) {
	got := RedactDSN("mysql", "user:secret@tcp(db:3306)/mcol")
	if got != "mysql://user@db:3306/mcol" {
		t.Errorf("Unexpected redacted dsn %q", got)
	}
	if RedactDSN("sqlite", "/tmp/x.db") != "/tmp/x.db" {
		t.Errorf("Expected sqlite path unchanged")
	}
}
