package scan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/goleak"

	"github.com/franz/music-collection/internal/meta"
	"github.com/franz/music-collection/internal/util"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// writeFile creates a file with content, making parent directories as needed
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
}

func TestIsAudioFile(t *testing.T) {
	scanner := New(&Config{AdditionalExts: []string{"XM", ".mod"}})

	tests := []struct {
		path     string
		expected bool
	}{
		{"test.mp3", true},
		{"test.MP3", true}, // Case insensitive
		{"test.flac", true},
		{"test.m4a", true},
		{"test.xm", true},
		{"test.mod", true},
		{"test.txt", false},
		{"test.jpg", false},
		{"test", false},
		{".mp3", true},
	}

	for _, tt := range tests {
		result := scanner.isAudioFile(tt.path)
		if result != tt.expected {
			t.Errorf("isAudioFile(%s) = %v, expected %v", tt.path, result, tt.expected)
		}
	}
}

func TestSupportedExtensionsSorted(t *testing.T) {
	exts := New(&Config{AdditionalExts: []string{"aaa"}}).SupportedExtensions()
	if len(exts) == 0 || exts[0] != ".aaa" {
		t.Fatalf("Expected .aaa first, got %v", exts)
	}
	for i := 1; i < len(exts); i++ {
		if exts[i-1] >= exts[i] {
			t.Errorf("Extensions not sorted: %v", exts)
			break
		}
	}
}

func TestScannerWithRealFiles(t *testing.T) {
	tmpDir := t.TempDir()

	artistDir := filepath.Join(tmpDir, "Artist")
	albumDir := filepath.Join(artistDir, "Album")
	writeFile(t, filepath.Join(albumDir, "02 - Track Two.flac"), "second track")
	writeFile(t, filepath.Join(albumDir, "01 - Track One.mp3"), "first track")
	writeFile(t, filepath.Join(artistDir, "single.m4a"), "a single")
	writeFile(t, filepath.Join(tmpDir, "README.txt"), "ignored")
	writeFile(t, filepath.Join(tmpDir, ".hidden", "secret.mp3"), "ignored")

	scanner := New(&Config{Concurrency: 2})
	result, err := scanner.Scan(context.Background(), []string{tmpDir}, nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if result.FilesFound != 3 || result.FilesRead != 3 {
		t.Errorf("Expected 3 files found and read, got %d and %d", result.FilesFound, result.FilesRead)
	}
	if len(result.Errors) != 0 {
		t.Errorf("Expected no errors, got %v", result.Errors)
	}
	if len(result.Directories) != 3 {
		t.Fatalf("Expected 3 directories, got %d", len(result.Directories))
	}
	if result.Tracks() != 3 {
		t.Errorf("Expected 3 tracks, got %d", result.Tracks())
	}

	var album *ScannedDirectory
	for _, d := range result.Directories {
		if d.Path == albumDir {
			album = d
		}
		if d.Skipped {
			t.Errorf("Directory %s should not be skipped without known directories", d.Path)
		}
	}
	if album == nil {
		t.Fatalf("Album directory missing from %v", result.Directories)
	}
	if len(album.Tracks) != 2 {
		t.Fatalf("Expected 2 tracks in album, got %d", len(album.Tracks))
	}

	first := album.Tracks[0]
	if filepath.Base(first.Path) != "01 - Track One.mp3" {
		t.Errorf("Tracks should be sorted by path, first is %s", first.Path)
	}
	if first.Tags == nil || first.Tags.Title != "Track One" || first.Tags.TrackNumber != 1 {
		t.Errorf("Expected title and track number from filename, got %+v", first.Tags)
	}
	if first.Tags.Album != "Album" || first.Tags.Artist != "Artist" {
		t.Errorf("Expected album and artist from directories, got %+v", first.Tags)
	}
	if first.Tags.Filetype != meta.FiletypeMP3 {
		t.Errorf("Expected mp3 filetype, got %d", first.Tags.Filetype)
	}
	if first.Size != int64(len("first track")) {
		t.Errorf("Expected size %d, got %d", len("first track"), first.Size)
	}

	hash, err := util.GenerateContentHash(first.Path, DefaultHashLimit)
	if err != nil {
		t.Fatalf("GenerateContentHash failed: %v", err)
	}
	if first.UID != hash {
		t.Errorf("Expected uid %s, got %s", hash, first.UID)
	}
	if album.Tracks[1].UID == first.UID {
		t.Error("Different content must give different uids")
	}
}

func TestScannerSkipsUnchangedDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	oldDir := filepath.Join(tmpDir, "old")
	newDir := filepath.Join(tmpDir, "new")
	writeFile(t, filepath.Join(oldDir, "a.mp3"), "a")
	writeFile(t, filepath.Join(oldDir, "sub", "b.mp3"), "b")
	writeFile(t, filepath.Join(newDir, "c.mp3"), "c")

	info, err := os.Stat(oldDir)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	known := map[string]int64{
		oldDir: info.ModTime().Unix(),
		newDir: 1, // stale change date
	}

	result, err := New(&Config{}).Scan(context.Background(), []string{tmpDir}, known)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	byPath := make(map[string]*ScannedDirectory)
	for _, d := range result.Directories {
		byPath[d.Path] = d
	}
	if d := byPath[oldDir]; d == nil || !d.Skipped || len(d.Tracks) != 0 {
		t.Errorf("Unchanged directory should be skipped without tracks: %+v", d)
	}
	// a skipped directory does not hide its subdirectories
	if d := byPath[filepath.Join(oldDir, "sub")]; d == nil || d.Skipped || len(d.Tracks) != 1 {
		t.Errorf("Subdirectory should be scanned: %+v", d)
	}
	if d := byPath[newDir]; d == nil || d.Skipped || len(d.Tracks) != 1 {
		t.Errorf("Changed directory should be scanned: %+v", d)
	}
	if result.FilesRead != 2 {
		t.Errorf("Expected 2 files read, got %d", result.FilesRead)
	}
}

func TestScannerHashLimit(t *testing.T) {
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, "a.mp3"), "same prefix, first tail")
	writeFile(t, filepath.Join(tmpDir, "b.mp3"), "same prefix, other tail")

	result, err := New(&Config{HashLimit: int64(len("same prefix"))}).Scan(context.Background(), []string{tmpDir}, nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	tracks := result.Directories[0].Tracks
	if len(tracks) != 2 {
		t.Fatalf("Expected 2 tracks, got %d", len(tracks))
	}
	if tracks[0].UID != tracks[1].UID {
		t.Error("Files sharing the hashed prefix should share a uid")
	}
}

func TestScannerCancelled(t *testing.T) {
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, "a.mp3"), "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := New(&Config{}).Scan(ctx, []string{tmpDir}, nil); err == nil {
		t.Error("Expected an error from a cancelled scan")
	}
}
