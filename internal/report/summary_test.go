package report

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/franz/music-collection/internal/collection"
	"github.com/franz/music-collection/internal/store"
)

func openTestCollection(t *testing.T) *collection.Collection {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	coll, err := collection.Open(context.Background(), s, collection.Options{SweepInterval: -1, Workers: 1})
	if err != nil {
		t.Fatalf("Failed to open collection: %v", err)
	}
	t.Cleanup(func() { coll.Close(context.Background()) })
	return coll
}

type testTrack struct {
	path, title, artist, album, albumArtist, genre string
	length                                         time.Duration
	size                                           int64
}

func setupTestData(t *testing.T, coll *collection.Collection) {
	t.Helper()
	ctx := context.Background()
	reg := coll.Registry()

	tracks := []testTrack{
		{"/music/kob/01.flac", "So What", "Miles Davis", "Kind of Blue", "Miles Davis", "Jazz", 9 * time.Minute, 60 << 20},
		{"/music/kob/02.flac", "Freddie Freeloader", "Miles Davis", "Kind of Blue", "Miles Davis", "Jazz", 10 * time.Minute, 62 << 20},
		{"/music/kob/03.flac", "Blue in Green", "Miles Davis", "Kind of Blue", "Miles Davis", "Jazz", 5 * time.Minute, 30 << 20},
		{"/music/mix/01.mp3", "Feeling Good", "Nina Simone", "Jazz Hits", "", "Jazz", 3 * time.Minute, 8 << 20},
		{"/music/mix/02.mp3", "Take Five", "Dave Brubeck", "Jazz Hits", "", "Jazz", 5 * time.Minute, 11 << 20},
		{"/music/loose/demo.mp3", "Demo", "Nina Simone", "", "", "", time.Minute, 2 << 20},
	}

	batch := reg.BeginBatch()
	for _, tt := range tracks {
		dirID, err := reg.Directory(ctx, filepath.Dir(tt.path), 1)
		if err != nil {
			t.Fatalf("Directory failed: %v", err)
		}
		mounts := reg.Mounts()
		deviceID := mounts.DeviceID(tt.path)
		track, err := reg.GetOrCreateTrack(ctx, deviceID, mounts.RelativePath(deviceID, tt.path), dirID, "")
		if err != nil {
			t.Fatalf("GetOrCreateTrack failed: %v", err)
		}
		track.BeginUpdate()
		track.SetTitle(tt.title)
		track.SetArtist(tt.artist)
		track.SetAlbum(tt.album)
		track.SetAlbumArtist(tt.albumArtist)
		track.SetGenre(tt.genre)
		track.SetLength(tt.length)
		track.SetFilesize(tt.size)
		if err := track.EndUpdate(ctx); err != nil {
			t.Fatalf("EndUpdate failed: %v", err)
		}
	}
	if err := batch.End(ctx); err != nil {
		t.Fatalf("Batch failed: %v", err)
	}
}

func TestGenerateSummary(t *testing.T) {
	coll := openTestCollection(t)
	setupTestData(t, coll)

	summary, err := GenerateSummary(context.Background(), coll, 2)
	if err != nil {
		t.Fatalf("GenerateSummary failed: %v", err)
	}

	if summary.Tracks != 6 {
		t.Errorf("Expected 6 tracks, got %d", summary.Tracks)
	}
	if summary.TotalLength != 33*time.Minute {
		t.Errorf("Expected 33m play time, got %s", summary.TotalLength)
	}
	if summary.TotalSize != 173<<20 {
		t.Errorf("Expected %d bytes, got %d", 173<<20, summary.TotalSize)
	}
	if summary.Artists != 3 {
		t.Errorf("Expected 3 artists, got %d", summary.Artists)
	}
	if summary.Albums != 2 {
		t.Errorf("Expected 2 albums, got %d", summary.Albums)
	}
	if summary.Compilations != 1 {
		t.Errorf("Expected 1 compilation, got %d", summary.Compilations)
	}
	if summary.Genres != 1 {
		t.Errorf("Expected 1 genre, got %d", summary.Genres)
	}

	if len(summary.TopArtists) != 2 {
		t.Fatalf("Expected 2 top artists, got %d", len(summary.TopArtists))
	}
	if summary.TopArtists[0] != (ArtistCount{Name: "Miles Davis", Tracks: 3}) {
		t.Errorf("Unexpected first artist: %+v", summary.TopArtists[0])
	}
	if summary.TopArtists[1] != (ArtistCount{Name: "Nina Simone", Tracks: 2}) {
		t.Errorf("Unexpected second artist: %+v", summary.TopArtists[1])
	}
	if summary.GeneratedAt.IsZero() {
		t.Error("Expected GeneratedAt to be set")
	}
}

func TestGenerateSummary_EmptyCollection(t *testing.T) {
	coll := openTestCollection(t)

	summary, err := GenerateSummary(context.Background(), coll, 5)
	if err != nil {
		t.Fatalf("GenerateSummary failed: %v", err)
	}
	if summary.Tracks != 0 || summary.TotalSize != 0 || summary.TotalLength != 0 {
		t.Errorf("Expected empty totals, got %+v", summary)
	}
	if len(summary.TopArtists) != 0 {
		t.Errorf("Expected no top artists, got %v", summary.TopArtists)
	}
}

func TestSummary_WriteText(t *testing.T) {
	summary := &Summary{
		DatabasePath: "/tmp/collection.db",
		Tracks:       12345,
		TotalLength:  26*time.Hour + 5*time.Minute,
		TotalSize:    3 << 30,
		Artists:      1200,
		Albums:       300,
		Compilations: 12,
		Genres:       20,
		TopArtists:   []ArtistCount{{"Miles Davis", 140}},
	}

	var buf bytes.Buffer
	if err := summary.WriteText(&buf); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{"12,345", "1d 2h 5m", "3.0 GiB", "1,200", "300 (12 compilations)", "1st", "Miles Davis"} {
		if !strings.Contains(out, want) {
			t.Errorf("Output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteMarkdownReport(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "reports", "summary.md")
	summary := &Summary{
		GeneratedAt: time.Now(),
		Tracks:      3,
		Albums:      1,
		TopArtists:  []ArtistCount{{"AC|DC", 3}},
	}

	if err := WriteMarkdownReport(summary, outputPath); err != nil {
		t.Fatalf("WriteMarkdownReport failed: %v", err)
	}

	content, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("Failed to read report: %v", err)
	}
	md := string(content)

	if !strings.HasPrefix(md, "# Music Collection Summary") {
		t.Error("Report missing header")
	}
	if !strings.Contains(md, "| Tracks | 3 |") {
		t.Error("Report missing track count")
	}
	if !strings.Contains(md, `AC\|DC`) {
		t.Error("Artist names must escape table separators")
	}
	if strings.Contains(md, "Compilations") {
		t.Error("Compilations row should be left out when there are none")
	}
}

func TestFormatLength(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0h 0m"},
		{90 * time.Second, "0h 2m"},
		{2*time.Hour + 3*time.Minute, "2h 3m"},
		{49 * time.Hour, "2d 1h 0m"},
	}
	for _, tt := range tests {
		if got := FormatLength(tt.in); got != tt.want {
			t.Errorf("FormatLength(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
