package scan

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franz/music-collection/internal/collection"
	"github.com/franz/music-collection/internal/meta"
	"github.com/franz/music-collection/internal/store"
)

func openRegistry(t *testing.T) *collection.Registry {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	coll, err := collection.Open(context.Background(), s, collection.Options{SweepInterval: -1, Workers: 1})
	require.NoError(t, err)
	t.Cleanup(func() { coll.Close(context.Background()) })
	return coll.Registry()
}

// dir builds a scanned directory whose tracks are named by uid
func dir(path string, mtime int64, tracks ...*ScannedTrack) *ScannedDirectory {
	for _, t := range tracks {
		t.Path = filepath.Join(path, t.Path)
	}
	return &ScannedDirectory{Path: path, Mtime: mtime, Tracks: tracks}
}

func track(name, uid string, tags meta.Tags) *ScannedTrack {
	return &ScannedTrack{Path: name, UID: uid, Tags: &tags, Size: 1000, Mtime: time.Unix(1700000000, 0)}
}

func commitResult(t *testing.T, p *Processor, dirs ...*ScannedDirectory) *Stats {
	t.Helper()
	stats, err := p.Commit(context.Background(), &Result{Roots: []string{"/music"}, Directories: dirs})
	require.NoError(t, err)
	return stats
}

func trackAt(t *testing.T, reg *collection.Registry, path string) *collection.Track {
	t.Helper()
	mounts := reg.Mounts()
	id := mounts.DeviceID(path)
	tr, err := reg.TrackByPath(context.Background(), id, mounts.RelativePath(id, path))
	require.NoError(t, err)
	return tr
}

func urlCount(t *testing.T, reg *collection.Registry) string {
	t.Helper()
	res, err := reg.Storage().Query(context.Background(), "SELECT COUNT(*) FROM urls;")
	require.NoError(t, err)
	require.Len(t, res, 1)
	return res[0]
}

func artistName(tr *collection.Track) string {
	if a := tr.Artist(); a != nil {
		return a.Name()
	}
	return ""
}

func TestCommitAddsTracks(t *testing.T) {
	reg := openRegistry(t)
	p := NewProcessor(reg, FullScan, nil)

	stats := commitResult(t, p,
		dir("/music", 10),
		dir("/music/kob", 11,
			track("01.flac", "aaa", meta.Tags{Title: "So What", Artist: "Miles Davis", Album: "Kind of Blue", Year: 1959, TrackNumber: 1, Length: 9 * time.Minute}),
			track("02.flac", "bbb", meta.Tags{Title: "Freddie Freeloader", Artist: "Miles Davis", Album: "Kind of Blue", TrackNumber: 2}),
		),
		dir("/music/mix", 12,
			track("01.mp3", "ccc", meta.Tags{Title: "Take Five", Artist: "Dave Brubeck", Album: "Jazz Hits", Compilation: true}),
		),
	)

	assert.Equal(t, 3, stats.Directories)
	assert.Equal(t, 3, stats.Tracks)
	assert.Equal(t, 3, stats.NewTracks)
	assert.Zero(t, stats.RemovedTracks)
	assert.Empty(t, stats.Errors)
	assert.Equal(t, "3", urlCount(t, reg))

	so := trackAt(t, reg, "/music/kob/01.flac")
	require.NotNil(t, so)
	assert.Equal(t, "So What", so.Title())
	assert.Equal(t, "Miles Davis", artistName(so))
	assert.Equal(t, reg.UIDURL("aaa"), so.UID())
	assert.Equal(t, 9*time.Minute, so.Length())
	assert.Equal(t, 1, so.TrackNumber())
	require.NotNil(t, so.Album())
	assert.False(t, so.Album().IsCompilation())

	take := trackAt(t, reg, "/music/mix/01.mp3")
	require.NotNil(t, take)
	require.NotNil(t, take.Album())
	assert.True(t, take.Album().IsCompilation())
}

func TestCommitTwiceKeepsTracks(t *testing.T) {
	reg := openRegistry(t)
	p := NewProcessor(reg, FullScan, nil)
	scanned := func() []*ScannedDirectory {
		return []*ScannedDirectory{
			dir("/music", 10, track("a.mp3", "aaa", meta.Tags{Title: "A"}), track("b.mp3", "bbb", meta.Tags{Title: "B"})),
		}
	}

	commitResult(t, p, scanned()...)
	stats := commitResult(t, p, scanned()...)

	assert.Zero(t, stats.NewTracks)
	assert.Zero(t, stats.MovedTracks)
	assert.Zero(t, stats.RemovedTracks)
	assert.Equal(t, "2", urlCount(t, reg))
}

func TestIncrementalScanKeepsStoredValues(t *testing.T) {
	reg := openRegistry(t)
	commitResult(t, NewProcessor(reg, FullScan, nil),
		dir("/music", 10, track("a.mp3", "aaa", meta.Tags{Title: "A", Artist: "X", Genre: "Rock"})))

	commitResult(t, NewProcessor(reg, IncrementalScan, nil),
		dir("/music", 11, track("a.mp3", "aaa", meta.Tags{Title: "A2"})))

	tr := trackAt(t, reg, "/music/a.mp3")
	require.NotNil(t, tr)
	assert.Equal(t, "A2", tr.Title())
	assert.Equal(t, "X", artistName(tr), "an incremental scan keeps tags the file leaves empty")
	require.NotNil(t, tr.Genre())
	assert.Equal(t, "Rock", tr.Genre().Name())

	commitResult(t, NewProcessor(reg, FullScan, nil),
		dir("/music", 12, track("a.mp3", "aaa", meta.Tags{Title: "A3"})))
	assert.Equal(t, "", artistName(tr), "a full scan overwrites every tag")
}

func TestMovedFileKeepsStatistics(t *testing.T) {
	reg := openRegistry(t)
	p := NewProcessor(reg, FullScan, nil)
	commitResult(t, p,
		dir("/music", 10),
		dir("/music/old", 10, track("a.mp3", "aaa", meta.Tags{Title: "A"})),
	)

	tr := trackAt(t, reg, "/music/old/a.mp3")
	require.NotNil(t, tr)
	tr.SetPlayCount(5)
	require.Zero(t, reg.DirtyCount())

	stats := commitResult(t, p,
		dir("/music", 11),
		dir("/music/new", 11, track("renamed.mp3", "aaa", meta.Tags{Title: "A"})),
	)
	assert.Equal(t, 1, stats.MovedTracks)
	assert.Zero(t, stats.NewTracks)
	assert.Zero(t, stats.RemovedTracks)
	assert.Equal(t, 1, stats.RemovedDirectories)

	moved := trackAt(t, reg, "/music/new/renamed.mp3")
	require.NotNil(t, moved)
	assert.Same(t, tr, moved)
	assert.Equal(t, 5, moved.PlayCount())

	res, err := reg.Storage().Query(context.Background(), "SELECT urls.rpath, statistics.playcount FROM urls JOIN statistics ON statistics.url = urls.id;")
	require.NoError(t, err)
	assert.Equal(t, []string{"./music/new/renamed.mp3", "5"}, res)
}

func TestMissingFilesAndDirectoriesAreRemoved(t *testing.T) {
	reg := openRegistry(t)
	p := NewProcessor(reg, FullScan, nil)
	commitResult(t, p,
		dir("/music", 10, track("a.mp3", "aaa", meta.Tags{Title: "A"}), track("b.mp3", "bbb", meta.Tags{Title: "B"})),
		dir("/music/sub", 10, track("c.mp3", "ccc", meta.Tags{Title: "C"})),
	)

	stats := commitResult(t, p,
		dir("/music", 11, track("a.mp3", "aaa", meta.Tags{Title: "A"})),
	)
	assert.Equal(t, 2, stats.RemovedTracks)
	assert.Equal(t, 1, stats.RemovedDirectories)
	assert.Equal(t, "1", urlCount(t, reg))
	assert.Nil(t, trackAt(t, reg, "/music/b.mp3"))
	assert.Nil(t, trackAt(t, reg, "/music/sub/c.mp3"))

	res, err := reg.Storage().Query(context.Background(), "SELECT dir FROM directories;")
	require.NoError(t, err)
	assert.Equal(t, []string{"./music"}, res)
}

func TestRemovalIsLimitedToScannedRoots(t *testing.T) {
	reg := openRegistry(t)
	p := NewProcessor(reg, FullScan, nil)
	ctx := context.Background()

	_, err := p.Commit(ctx, &Result{Roots: []string{"/other"}, Directories: []*ScannedDirectory{
		dir("/other", 10, track("x.mp3", "xxx", meta.Tags{Title: "X"})),
	}})
	require.NoError(t, err)

	commitResult(t, p, dir("/music", 10, track("a.mp3", "aaa", meta.Tags{Title: "A"})))

	assert.Equal(t, "2", urlCount(t, reg))
	assert.NotNil(t, trackAt(t, reg, "/other/x.mp3"))
}

func TestSkippedDirectoriesKeepTracks(t *testing.T) {
	reg := openRegistry(t)
	p := NewProcessor(reg, IncrementalScan, nil)
	commitResult(t, p, dir("/music", 10, track("a.mp3", "aaa", meta.Tags{Title: "A"})))

	known, err := p.KnownDirectories(context.Background(), []string{"/music"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"/music": 10}, known)

	stats := commitResult(t, p, &ScannedDirectory{Path: "/music", Mtime: 10, Skipped: true})
	assert.Equal(t, 1, stats.SkippedDirectories)
	assert.Zero(t, stats.RemovedTracks)
	assert.Equal(t, "1", urlCount(t, reg))
}

func TestDuplicateUIDIsSkipped(t *testing.T) {
	reg := openRegistry(t)
	p := NewProcessor(reg, FullScan, nil)

	stats := commitResult(t, p,
		dir("/music", 10, track("a.mp3", "same", meta.Tags{Title: "A"}), track("b.mp3", "same", meta.Tags{Title: "B"})),
	)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 1, stats.Tracks)
	assert.Len(t, stats.Errors, 1)
	assert.Equal(t, "1", urlCount(t, reg))
	assert.Nil(t, trackAt(t, reg, "/music/b.mp3"))
}

func TestTrackWithoutUIDIsSkipped(t *testing.T) {
	reg := openRegistry(t)
	stats := commitResult(t, NewProcessor(reg, FullScan, nil),
		dir("/music", 10, track("a.mp3", "", meta.Tags{Title: "A"})))

	assert.Zero(t, stats.Tracks)
	assert.Len(t, stats.Errors, 1)
	assert.Equal(t, "0", urlCount(t, reg))
}

func TestCommitWhileRunning(t *testing.T) {
	reg := openRegistry(t)
	p := NewProcessor(reg, FullScan, nil)
	p.running.Store(true)

	_, err := p.Commit(context.Background(), &Result{})
	assert.ErrorIs(t, err, ErrScanRunning)
	assert.False(t, reg.IsScanning())
}

func TestCommitMarksRegistryScanning(t *testing.T) {
	reg := openRegistry(t)
	p := NewProcessor(reg, FullScan, nil)

	commitResult(t, p, dir("/music", 10))
	assert.False(t, reg.IsScanning())
	assert.False(t, p.running.Load())
}

func TestAlbumArtistOf(t *testing.T) {
	assert.Equal(t, "", albumArtistOf(&meta.Tags{Artist: "A", AlbumArtist: "B", Compilation: true}))
	assert.Equal(t, "B", albumArtistOf(&meta.Tags{Artist: "A", AlbumArtist: "B"}))
	assert.Equal(t, "A", albumArtistOf(&meta.Tags{Artist: "A"}))
}

func TestUnderAny(t *testing.T) {
	roots := []string{"/music", "/podcasts"}
	assert.True(t, underAny("/music", roots))
	assert.True(t, underAny("/music/a/b", roots))
	assert.False(t, underAny("/musical", roots))
	assert.False(t, underAny("/", roots))
}
