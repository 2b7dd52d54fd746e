//go:build integration

package store

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"
)

func TestMySQLGateway(t *testing.T) {
	ctx := context.Background()

	container, err := tcmysql.Run(ctx, "mysql:8.0",
		tcmysql.WithDatabase("mcol"),
		tcmysql.WithUsername("mcol"),
		tcmysql.WithPassword("mcol"),
	)
	testcontainers.CleanupContainer(t, container)
	if err != nil {
		t.Fatalf("Failed to start mysql container: %v", err)
	}

	dsn, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	s, err := OpenMySQL(dsn, nil)
	if err != nil {
		t.Fatalf("Failed to open mysql store: %v", err)
	}
	defer s.Close()

	if s.SupportsReturning() {
		t.Errorf("Expected mysql to report no RETURNING support")
	}
	if s.MaxStatementSize() <= 0 {
		t.Errorf("Expected max_allowed_packet to be read, got %d", s.MaxStatementSize())
	}

	u := NewUpdater(s)
	if _, err := u.Update(ctx); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	first, err := s.Insert(ctx, "INSERT INTO artists (name) VALUES ('x'), ('y'), ('z')", "artists")
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	res, err := s.Query(ctx, "SELECT id FROM artists WHERE name = 'x'")
	if err != nil || len(res) != 1 {
		t.Fatalf("Query failed: %v %v", res, err)
	}
	if res[0] != "1" || first != 1 {
		t.Errorf("Expected first id 1 for the first row, got insert=%d row=%s", first, res[0])
	}

	escaped := s.Escape(`it's a \ test`)
	if _, err := s.Exec(ctx, "INSERT INTO genres (name) VALUES ('"+escaped+"')"); err != nil {
		t.Fatalf("Escaped insert failed: %v", err)
	}
	res, err = s.Query(ctx, "SELECT name FROM genres")
	if err != nil || len(res) != 1 || res[0] != `it's a \ test` {
		t.Errorf("Expected escaped value round trip, got %v %v", res, err)
	}

	problems, err := s.CheckIntegrity(ctx)
	if err != nil {
		t.Fatalf("CheckIntegrity failed: %v", err)
	}
	if len(problems) != 0 {
		t.Errorf("Expected no integrity problems, got %v", problems)
	}
}
