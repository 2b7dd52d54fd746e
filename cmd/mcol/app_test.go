package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/franz/music-collection/internal/config"
	"github.com/franz/music-collection/internal/scan"
)

// newTestApp opens a collection in a temporary SQLite database
func newTestApp(t *testing.T) *app {
	t.Helper()
	return newTestAppWith(t, nil)
}

func newTestAppWith(t *testing.T, adjust func(*config.Config)) *app {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("database.path", filepath.Join(t.TempDir(), "mcol.db"))
	v.Set("database.network_mode", "off")
	v.Set("query.workers", 1)

	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if adjust != nil {
		adjust(cfg)
	}
	a, err := openAppWithConfig(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Failed to open app: %v", err)
	}
	t.Cleanup(func() { a.close(context.Background()) })
	return a
}

// newMusicDir creates Artist/Album with two tracks
func newMusicDir(t *testing.T) (root, album string) {
	t.Helper()
	root = t.TempDir()
	album = filepath.Join(root, "Artist", "Album")
	if err := os.MkdirAll(album, 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	for name, content := range map[string]string{"01 - One.mp3": "first", "02 - Two.mp3": "second"} {
		if err := os.WriteFile(filepath.Join(album, name), []byte(content), 0644); err != nil {
			t.Fatalf("Failed to create test file: %v", err)
		}
	}
	return root, album
}

func scanInto(t *testing.T, a *app, root string, incremental bool) *scan.Stats {
	t.Helper()
	mode := scan.FullScan
	if incremental {
		mode = scan.IncrementalScan
	}
	proc := scan.NewProcessor(a.coll.Registry(), mode, a.events)
	stats, err := scanOnce(context.Background(), a.newScanner(false), proc, []string{root}, incremental)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	return stats
}

func queryFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	f := pflag.NewFlagSet("query", pflag.ContinueOnError)
	addQueryFlags(f)
	if err := f.Parse(args); err != nil {
		t.Fatalf("Failed to parse flags %v: %v", args, err)
	}
	return f
}

func TestScanAndQuery(t *testing.T) {
	a := newTestApp(t)
	root, _ := newMusicDir(t)

	stats := scanInto(t, a, root, false)
	if stats.Tracks != 2 || stats.NewTracks != 2 {
		t.Fatalf("Expected 2 new tracks, got %+v", stats)
	}

	q := a.coll.QueryMaker()
	if err := buildQuery(queryFlags(t, "--filter", "title~Two"), q, a.coll.UIDURL); err != nil {
		t.Fatalf("buildQuery failed: %v", err)
	}
	res, err := q.RunBlocking(context.Background())
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(res.Tracks) != 1 || res.Tracks[0].Title() != "Two" {
		t.Fatalf("Expected track Two, got %d tracks", len(res.Tracks))
	}
	if res.Tracks[0].TrackNumber() != 2 {
		t.Errorf("Expected track number 2 from the file name, got %d", res.Tracks[0].TrackNumber())
	}

	var buf bytes.Buffer
	if err := printResult(&buf, res); err != nil {
		t.Fatalf("printResult failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Two") || !strings.Contains(buf.String(), "Artist") {
		t.Errorf("Output missing track title:\n%s", buf.String())
	}
}

func TestIncrementalRescanSkipsDirectories(t *testing.T) {
	a := newTestApp(t)
	root, _ := newMusicDir(t)

	scanInto(t, a, root, false)
	stats := scanInto(t, a, root, true)

	if stats.SkippedDirectories != stats.Directories || stats.Directories == 0 {
		t.Errorf("Expected every directory to be skipped, got %+v", stats)
	}
	if stats.RemovedTracks != 0 {
		t.Errorf("Skipped directories must keep their tracks, got %+v", stats)
	}
}

func TestCustomCountQuery(t *testing.T) {
	a := newTestApp(t)
	root, _ := newMusicDir(t)
	scanInto(t, a, root, false)

	q := a.coll.QueryMaker()
	if err := buildQuery(queryFlags(t, "--type", "custom", "--count", "url"), q, a.coll.UIDURL); err != nil {
		t.Fatalf("buildQuery failed: %v", err)
	}
	res, err := q.RunBlocking(context.Background())
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(res.Custom) != 1 || res.Custom[0] != "2" {
		t.Errorf("Expected count 2, got %v", res.Custom)
	}
}

func TestCustomQueryNeedsColumns(t *testing.T) {
	a := newTestApp(t)
	if err := buildQuery(queryFlags(t, "--type", "custom"), a.coll.QueryMaker(), a.coll.UIDURL); err == nil {
		t.Error("Expected an error for a custom query without columns")
	}
}

func TestAsyncQuery(t *testing.T) {
	a := newTestApp(t)
	root, _ := newMusicDir(t)
	scanInto(t, a, root, false)

	q := a.coll.QueryMaker()
	if err := buildQuery(queryFlags(t), q, a.coll.UIDURL); err != nil {
		t.Fatalf("buildQuery failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := runAsync(ctx, q)
	if err != nil {
		t.Fatalf("Async query failed: %v", err)
	}
	if len(res.Tracks) != 2 {
		t.Errorf("Expected 2 tracks, got %d", len(res.Tracks))
	}
}

func TestApplyEdits(t *testing.T) {
	a := newTestApp(t)
	root, album := newMusicDir(t)
	scanInto(t, a, root, false)

	reg := a.coll.Registry()
	path := filepath.Join(album, "01 - One.mp3")
	tr, err := reg.TrackByPath(context.Background(), reg.Mounts().DeviceID(path), reg.Mounts().RelativePath(-1, path))
	if err != nil || tr == nil {
		t.Fatalf("Track not found: %v", err)
	}

	f := pflag.NewFlagSet("edit", pflag.ContinueOnError)
	addEditFlags(f)
	if err := f.Parse([]string{"--rating", "7", "--played"}); err != nil {
		t.Fatalf("Failed to parse flags: %v", err)
	}

	now := time.Unix(1700000000, 0)
	tr.BeginUpdate()
	changed := applyEdits(f, tr, now)
	if err := tr.EndUpdate(context.Background()); err != nil {
		t.Fatalf("EndUpdate failed: %v", err)
	}

	if changed != 2 {
		t.Errorf("Expected 2 changes, got %d", changed)
	}
	if tr.Rating() != 7 {
		t.Errorf("Expected rating 7, got %d", tr.Rating())
	}
	if tr.PlayCount() != 1 {
		t.Errorf("Expected play count 1, got %d", tr.PlayCount())
	}
	if !tr.LastPlayed().Equal(now) {
		t.Errorf("Expected last played %v, got %v", now, tr.LastPlayed())
	}
}

func TestRemoveDirectory(t *testing.T) {
	a := newTestApp(t)
	root, album := newMusicDir(t)
	scanInto(t, a, root, false)

	if err := removeDirectory(context.Background(), a, album); err != nil {
		t.Fatalf("removeDirectory failed: %v", err)
	}

	res, err := a.store.Query(context.Background(), "SELECT COUNT(*) FROM tracks")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(res) != 1 || res[0] != "0" {
		t.Errorf("Expected no tracks left, got %v", res)
	}
}

func findFamily(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestMetricsRecordQueries(t *testing.T) {
	a := newTestAppWith(t, func(cfg *config.Config) {
		cfg.Metrics.Listen = "127.0.0.1:0"
	})
	if a.registry == nil || a.metricsServer == nil {
		t.Fatal("Expected metrics registry and listener")
	}

	q := a.coll.QueryMaker()
	if err := buildQuery(queryFlags(t), q, a.coll.UIDURL); err != nil {
		t.Fatalf("buildQuery failed: %v", err)
	}
	if _, err := q.RunBlocking(context.Background()); err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	families, err := a.registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if findFamily(families, "go_goroutines") == nil {
		t.Error("Expected go collector metrics")
	}

	queries := findFamily(families, "mcol_queries_total")
	if queries == nil {
		t.Fatal("Expected mcol_queries_total")
	}
	var total float64
	for _, m := range queries.GetMetric() {
		labels := map[string]string{}
		for _, l := range m.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		if labels["type"] == "track" && labels["outcome"] == "success" {
			total += m.GetCounter().GetValue()
		}
	}
	if total != 1 {
		t.Errorf("Expected 1 successful track query, got %v", total)
	}
}
