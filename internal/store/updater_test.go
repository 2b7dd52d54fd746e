package store

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/franz/music-collection/internal/util"
)

func TestUpdaterFreshDatabase(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	u := NewUpdater(s)

	exists, err := u.SchemaExists(ctx)
	if err != nil {
		t.Fatalf("SchemaExists failed: %v", err)
	}
	if exists {
		t.Errorf("Expected no schema in a fresh database")
	}

	needs, err := u.NeedsUpdate(ctx)
	if err != nil {
		t.Fatalf("NeedsUpdate failed: %v", err)
	}
	if !needs {
		t.Errorf("Expected fresh database to need an update")
	}

	changed, err := u.Update(ctx)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !changed {
		t.Errorf("Expected update to create the schema")
	}
	if v, _ := u.StoredVersion(ctx); v != u.ExpectedVersion() {
		t.Errorf("Expected version %d, got %d", u.ExpectedVersion(), v)
	}
}

func TestUpdaterSchemaTooNew(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustExec(t, s, "UPDATE admin SET version = 99 WHERE component = 'DB_VERSION'")

	_, err := NewUpdater(s).Update(ctx)
	if !errors.Is(err, util.ErrSchemaTooNew) {
		t.Fatalf("Expected ErrSchemaTooNew, got %v", err)
	}
}

func TestUpdaterUpgradeFromVersion13(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// Recreate the version 13 lyrics layout, keyed by rpath text
	mustExec(t, s, "DROP TABLE lyrics")
	mustExec(t, s, "CREATE TABLE lyrics (id INTEGER PRIMARY KEY AUTOINCREMENT, url VARCHAR(324), lyrics TEXT)")
	mustExec(t, s, "INSERT INTO urls (deviceid, rpath, uniqueid) VALUES (-1, './a.mp3', 'MB_1234')")
	mustExec(t, s, "INSERT INTO lyrics (url, lyrics) VALUES ('./a.mp3', 'la la'), ('./gone.mp3', 'stale')")
	mustExec(t, s, "UPDATE admin SET version = 13 WHERE component = 'DB_VERSION'")

	u := NewUpdater(s)
	changed, err := u.Update(ctx)
	if err != nil {
		t.Fatalf("Upgrade failed: %v", err)
	}
	if !changed {
		t.Errorf("Expected upgrade to report changes")
	}

	urlID, err := s.Query(ctx, "SELECT id, uniqueid FROM urls WHERE rpath = './a.mp3'")
	if err != nil || len(urlID) != 2 {
		t.Fatalf("Failed to read url: %v %v", urlID, err)
	}
	if urlID[1] != "MB_1234" {
		// the 12->13 step is skipped for a version 13 database
		t.Errorf("Expected uid untouched, got %s", urlID[1])
	}

	lyrics, err := s.Query(ctx, "SELECT url, lyrics FROM lyrics")
	if err != nil {
		t.Fatalf("Failed to read lyrics: %v", err)
	}
	if len(lyrics) != 2 {
		t.Fatalf("Expected one lyrics row, got %v", lyrics)
	}
	if lyrics[0] != urlID[0] || lyrics[1] != "la la" {
		t.Errorf("Expected lyrics keyed by url id %s, got %v", urlID[0], lyrics)
	}

	if v, _ := u.StoredVersion(ctx); v != SchemaVersion {
		t.Errorf("Expected version %d after upgrade, got %d", SchemaVersion, v)
	}
}

func TestUpdaterUpgradeFromVersion12(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustExec(t, s, "DROP TABLE lyrics")
	mustExec(t, s, "CREATE TABLE lyrics (id INTEGER PRIMARY KEY AUTOINCREMENT, url VARCHAR(324), lyrics TEXT)")
	mustExec(t, s, "INSERT INTO urls (deviceid, rpath, uniqueid) VALUES (-1, './b.mp3', 'MB_abcd')")
	mustExec(t, s, "UPDATE admin SET version = 12 WHERE component = 'DB_VERSION'")

	if _, err := NewUpdater(s).Update(ctx); err != nil {
		t.Fatalf("Upgrade failed: %v", err)
	}

	res, err := s.Query(ctx, "SELECT uniqueid FROM urls WHERE rpath = './b.mp3'")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(res) != 1 || res[0] != "mb-abcd" {
		t.Errorf("Expected rewritten uid prefix, got %v", res)
	}
}

func TestDeleteAllRedundant(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	u := NewUpdater(s)

	mustExec(t, s, "INSERT INTO artists (id, name) VALUES (1, 'used by track'), (2, 'album artist'), (3, 'unused')")
	mustExec(t, s, "INSERT INTO albums (id, name, artist) VALUES (1, 'kept', 2), (2, 'dropped', NULL)")
	mustExec(t, s, "INSERT INTO genres (id, name) VALUES (1, 'Jazz'), (2, 'Polka')")
	mustExec(t, s, "INSERT INTO labels (id, label) VALUES (1, 'fav'), (2, 'old')")
	mustExec(t, s, "INSERT INTO tracks (url, artist, album, genre) VALUES (1, 1, 1, 1)")
	mustExec(t, s, "INSERT INTO urls_labels (url, label) VALUES (1, 1)")

	tests := []struct {
		kind  string
		table string
		want  int
	}{
		{"album", "albums", 1},
		{"artist", "artists", 2},
		{"genre", "genres", 1},
		{"label", "labels", 1},
	}
	for _, tt := range tests {
		if _, err := u.DeleteAllRedundant(ctx, tt.kind); err != nil {
			t.Fatalf("DeleteAllRedundant(%s) failed: %v", tt.kind, err)
		}
		res, err := s.Query(ctx, "SELECT COUNT(*) FROM "+tt.table)
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if res[0] != strconv.Itoa(tt.want) {
			t.Errorf("Expected %d rows left in %s, got %s", tt.want, tt.table, res[0])
		}
	}

	if _, err := u.DeleteAllRedundant(ctx, "playlist"); err == nil {
		t.Errorf("Expected error for unknown kind")
	}
}

func TestRemoveFilesInDirAndCleanup(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	u := NewUpdater(s)

	mustExec(t, s, "INSERT INTO directories (id, deviceid, dir, changedate) VALUES (1, -1, './music/a/', 10), (2, -1, './music/b/', 10)")
	mustExec(t, s, "INSERT INTO urls (id, deviceid, rpath, directory, uniqueid) VALUES "+
		"(1, -1, './music/a/1.mp3', 1, 'u1'), (2, -1, './music/b/2.mp3', 2, 'u2')")
	mustExec(t, s, "INSERT INTO tracks (url, title) VALUES (1, 'one'), (2, 'two')")
	mustExec(t, s, "INSERT INTO statistics (url, playcount) VALUES (1, 3), (2, 4)")

	n, err := u.RemoveFilesInDir(ctx, -1, "./music/a/")
	if err != nil {
		t.Fatalf("RemoveFilesInDir failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 track removed, got %d", n)
	}

	mustExec(t, s, "DELETE FROM directories WHERE id = 2")
	res, err := u.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if res.Orphaned["urls"] != 1 {
		t.Errorf("Expected 1 orphaned url, got %d", res.Orphaned["urls"])
	}

	// statistics for url 2 become orphaned only after its url row is gone; run again
	res, err = u.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if res.Orphaned["statistics"] != 1 || res.Orphaned["tracks"] != 1 {
		t.Errorf("Expected orphaned statistics and track rows, got %v", res.Orphaned)
	}
}
