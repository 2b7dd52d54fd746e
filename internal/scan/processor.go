package scan

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/franz/music-collection/internal/collection"
	"github.com/franz/music-collection/internal/meta"
	"github.com/franz/music-collection/internal/report"
	"github.com/franz/music-collection/internal/util"
)

// Mode selects how scanned values replace stored ones
type Mode int

const (
	// FullScan overwrites every value with what the files say
	FullScan Mode = iota
	// IncrementalScan keeps stored values the files leave empty and never
	// lowers statistics
	IncrementalScan
)

func (m Mode) String() string {
	if m == IncrementalScan {
		return "incremental"
	}
	return "full"
}

// directoryMemoTTL is how long a directory id is reused without asking storage
const directoryMemoTTL = 10 * time.Minute

// Stats summarises one commit of a scan result
type Stats struct {
	Directories        int
	SkippedDirectories int
	Tracks             int
	NewTracks          int
	MovedTracks        int
	RemovedTracks      int
	RemovedDirectories int
	Duplicates         int
	Duration           time.Duration
	Errors             []string
}

// ErrScanRunning is returned when a commit is attempted while another runs
var ErrScanRunning = errors.New("scan already running")

// Processor writes scan results into a collection
type Processor struct {
	reg     *collection.Registry
	mode    Mode
	events  *report.EventLogger
	dirIDs  *gocache.Cache
	running atomic.Bool
}

// NewProcessor creates a processor committing through reg
func NewProcessor(reg *collection.Registry, mode Mode, events *report.EventLogger) *Processor {
	return &Processor{
		reg:    reg,
		mode:   mode,
		events: events,
		// no janitor goroutine: expired ids are dropped on lookup
		dirIDs: gocache.New(directoryMemoTTL, 0),
	}
}

type directoryMemo struct {
	id    int64
	mtime int64
}

// urlEntry is one row of the urls table as known to the running commit
type urlEntry struct {
	id          int64
	path        string
	uid         string
	directoryID int64
}

// urlCache indexes the urls table by id, uid, path and directory
type urlCache struct {
	byID   map[int64]*urlEntry
	byUID  map[string]int64
	byPath map[string]int64
	byDir  map[int64]map[int64]bool
}

func newURLCache() *urlCache {
	return &urlCache{
		byID:   make(map[int64]*urlEntry),
		byUID:  make(map[string]int64),
		byPath: make(map[string]int64),
		byDir:  make(map[int64]map[int64]bool),
	}
}

func (c *urlCache) insert(e *urlEntry) {
	if old, ok := c.byID[e.id]; ok {
		c.remove(old.id)
	}
	c.byID[e.id] = e
	c.byUID[e.uid] = e.id
	c.byPath[e.path] = e.id
	if c.byDir[e.directoryID] == nil {
		c.byDir[e.directoryID] = make(map[int64]bool)
	}
	c.byDir[e.directoryID][e.id] = true
}

func (c *urlCache) remove(id int64) {
	e, ok := c.byID[id]
	if !ok {
		return
	}
	delete(c.byID, id)
	if c.byUID[e.uid] == id {
		delete(c.byUID, e.uid)
	}
	if c.byPath[e.path] == id {
		delete(c.byPath, e.path)
	}
	delete(c.byDir[e.directoryID], id)
}

// commit is the state of one Commit call
type commit struct {
	*Processor
	urls        *urlCache
	foundUIDs   map[string]string
	foundDirs   map[int64]bool
	stats       *Stats
	nextLocalID int64
}

// Commit writes a scan result. It marks the registry as scanning, groups all
// writes into one batch, then removes tracks and directories below the
// scanned roots that the scan did not find.
func (p *Processor) Commit(ctx context.Context, result *Result) (stats *Stats, err error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrScanRunning
	}
	defer p.running.Store(false)

	start := time.Now()
	p.reg.SetScanning(true)
	defer p.reg.SetScanning(false)

	c := &commit{
		Processor: p,
		urls:      newURLCache(),
		foundUIDs: make(map[string]string),
		foundDirs: make(map[int64]bool),
		stats:     &Stats{},
	}

	batch := p.reg.BeginBatch()
	defer func() {
		if endErr := batch.End(ctx); endErr != nil && err == nil {
			err = endErr
		}
		c.stats.Duration = time.Since(start)
		stats = c.stats
		p.events.LogScanPhase(report.PhaseCommitted, result.Roots, c.stats.Tracks, c.stats.Duration)
	}()

	if err := c.loadURLs(ctx); err != nil {
		return nil, err
	}

	for _, dir := range result.Directories {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.commitDirectory(ctx, dir); err != nil {
			return nil, err
		}
	}

	if err := c.deleteDeletedDirectories(ctx, result.Roots); err != nil {
		return nil, err
	}

	util.InfoLog("Committed %d tracks in %d directories (%s scan): %d new, %d moved, %d removed",
		c.stats.Tracks, c.stats.Directories, p.mode, c.stats.NewTracks, c.stats.MovedTracks, c.stats.RemovedTracks)
	return c.stats, nil
}

// KnownDirectories returns the stored change date of every directory below
// roots, keyed by absolute path. It feeds incremental scans.
func (p *Processor) KnownDirectories(ctx context.Context, roots []string) (map[string]int64, error) {
	res, err := p.reg.Storage().Query(ctx, "SELECT deviceid, dir, changedate FROM directories;")
	if err != nil {
		return nil, fmt.Errorf("failed to list directories: %w", err)
	}
	mounts := p.reg.Mounts()
	known := make(map[string]int64)
	for i := 0; i+2 < len(res); i += 3 {
		deviceID, _ := strconv.Atoi(res[i])
		path := mounts.AbsolutePath(deviceID, res[i+1])
		if underAny(path, roots) {
			known[path] = parseInt(res[i+2])
		}
	}
	return known, nil
}

func (c *commit) loadURLs(ctx context.Context) error {
	res, err := c.reg.Storage().Query(ctx, "SELECT id, deviceid, rpath, directory, uniqueid FROM urls;")
	if err != nil {
		return fmt.Errorf("failed to load urls: %w", err)
	}
	mounts := c.reg.Mounts()
	for i := 0; i+4 < len(res); i += 5 {
		deviceID, _ := strconv.Atoi(res[i+1])
		c.urls.insert(&urlEntry{
			id:          parseInt(res[i]),
			path:        mounts.AbsolutePath(deviceID, res[i+2]),
			directoryID: parseInt(res[i+3]),
			uid:         res[i+4],
		})
	}
	return nil
}

// directoryID returns the id of a scanned directory, reusing a memoized id
// while the directory keeps its mtime
func (c *commit) directoryID(ctx context.Context, dir *ScannedDirectory) (int64, error) {
	if v, ok := c.dirIDs.Get(dir.Path); ok {
		if m := v.(directoryMemo); m.mtime == dir.Mtime {
			return m.id, nil
		}
	}
	id, err := c.reg.Directory(ctx, dir.Path, dir.Mtime)
	if err != nil {
		return 0, err
	}
	c.dirIDs.SetDefault(dir.Path, directoryMemo{id: id, mtime: dir.Mtime})
	return id, nil
}

func (c *commit) commitDirectory(ctx context.Context, dir *ScannedDirectory) error {
	dirID, err := c.directoryID(ctx, dir)
	if err != nil {
		return err
	}
	c.foundDirs[dirID] = true
	c.stats.Directories++

	if dir.Skipped {
		c.stats.SkippedDirectories++
		return nil
	}

	for _, t := range dir.Tracks {
		if err := c.commitTrack(ctx, t, dirID); err != nil {
			return err
		}
	}
	return c.deleteDeletedTracks(ctx, dirID)
}

func (c *commit) commitTrack(ctx context.Context, st *ScannedTrack, dirID int64) error {
	if st.UID == "" {
		util.WarnLog("Not adding track %s because it has no unique id", st.Path)
		c.stats.Errors = append(c.stats.Errors, fmt.Sprintf("Not adding track %s because it has no unique id", st.Path))
		return nil
	}
	uid := c.reg.UIDURL(st.UID)

	if first, dup := c.foundUIDs[uid]; dup {
		util.WarnLog("Track %s with uid %s already committed from %s. There seems to be a duplicate uid.", st.Path, uid, first)
		c.stats.Duplicates++
		c.stats.Errors = append(c.stats.Errors,
			fmt.Sprintf("Track %s with uid %s already committed. There seems to be a duplicate uid.", st.Path, uid))
		c.events.LogDuplicate(uid, st.Path, first)
		return nil
	}
	c.foundUIDs[uid] = st.Path

	mounts := c.reg.Mounts()
	deviceID := mounts.DeviceID(st.Path)
	rpath := mounts.RelativePath(deviceID, st.Path)

	// a known uid keeps its statistics wherever the file went
	var track *collection.Track
	if id, ok := c.urls.byUID[uid]; ok {
		entry := *c.urls.byID[id]
		if entry.path != st.Path {
			c.stats.MovedTracks++
		}
		if otherID, taken := c.urls.byPath[st.Path]; taken && otherID != id {
			other := c.urls.byID[otherID]
			if err := c.removeTrack(ctx, other.id, other.uid); err != nil {
				return err
			}
			c.urls.remove(otherID)
		}
		entry.path, entry.directoryID = st.Path, dirID
		c.urls.insert(&entry)

		t, err := c.reg.TrackByUID(ctx, uid)
		if err != nil {
			return err
		}
		track = t
	}

	if track == nil {
		if id, ok := c.urls.byPath[st.Path]; ok {
			c.urls.remove(id)
		} else {
			c.stats.NewTracks++
		}
		t, err := c.reg.GetOrCreateTrack(ctx, deviceID, rpath, dirID, uid)
		if err != nil {
			return err
		}
		track = t
		c.nextLocalID--
		id := track.URLID()
		if id <= 0 {
			// not written yet; a local id keeps it in the directory index
			id = c.nextLocalID
		}
		c.urls.insert(&urlEntry{id: id, path: st.Path, uid: uid, directoryID: dirID})
	}

	c.stats.Tracks++
	return c.apply(ctx, track, st, uid, deviceID, rpath, dirID)
}

// apply copies the scanned values into track following the scan mode
func (c *commit) apply(ctx context.Context, t *collection.Track, st *ScannedTrack, uid string, deviceID int, rpath string, dirID int64) error {
	full := c.mode == FullScan
	tags := st.Tags
	if tags == nil {
		tags = &meta.Tags{Filetype: meta.FiletypeForPath(st.Path)}
	}

	t.BeginUpdate()
	t.SetUID(uid)
	t.SetURL(deviceID, rpath, dirID)

	if full || tags.Title != "" {
		t.SetTitle(tags.Title)
	}
	if full || tags.Album != "" {
		t.SetAlbum(tags.Album)
		t.SetAlbumArtist(albumArtistOf(tags))
	}
	if full || tags.Artist != "" {
		t.SetArtist(tags.Artist)
	}
	if full || tags.Composer != "" {
		t.SetComposer(tags.Composer)
	}
	if full || tags.Year > 0 {
		t.SetYear(tags.Year)
	}
	if full || tags.Genre != "" {
		t.SetGenre(tags.Genre)
	}
	t.SetFiletype(tags.Filetype)
	if full || tags.BPM > 0 {
		t.SetBPM(tags.BPM)
	}
	if full || tags.Comment != "" {
		t.SetComment(tags.Comment)
	}
	if (full || t.Length() == 0) && tags.Length > 0 {
		t.SetLength(tags.Length)
	}
	t.SetFilesize(st.Size)
	if (full || t.ModifyDate().IsZero()) && !st.Mtime.IsZero() {
		t.SetModifyDate(st.Mtime)
	}
	if (full || t.SampleRate() == 0) && tags.SampleRate > 0 {
		t.SetSampleRate(tags.SampleRate)
	}
	if (full || t.Bitrate() == 0) && tags.Bitrate > 0 {
		t.SetBitrate(tags.Bitrate)
	}
	if (full || t.TrackNumber() == 0) && tags.TrackNumber > 0 {
		t.SetTrackNumber(tags.TrackNumber)
	}
	if (full || t.DiscNumber() == 0) && tags.DiscNumber > 0 {
		t.SetDiscNumber(tags.DiscNumber)
	}

	gains := []struct {
		mode  collection.ReplayGainMode
		value float64
	}{
		{collection.TrackGain, tags.TrackGain},
		{collection.TrackPeakGain, tags.TrackPeakGain},
		{collection.AlbumGain, tags.AlbumGain},
		{collection.AlbumPeakGain, tags.AlbumPeakGain},
	}
	for _, g := range gains {
		if g.value != 0 {
			t.SetReplayGain(g.mode, g.value)
		}
	}

	if err := t.EndUpdate(ctx); err != nil {
		return fmt.Errorf("failed to commit %s: %w", st.Path, err)
	}
	return nil
}

// albumArtistOf names the album artist; compilations have none
func albumArtistOf(tags *meta.Tags) string {
	switch {
	case tags.Compilation:
		return ""
	case tags.AlbumArtist != "":
		return tags.AlbumArtist
	}
	return tags.Artist
}

// deleteDeletedTracks removes the tracks of a directory the scan did not find
func (c *commit) deleteDeletedTracks(ctx context.Context, dirID int64) error {
	for id := range c.urls.byDir[dirID] {
		e := c.urls.byID[id]
		if _, found := c.foundUIDs[e.uid]; found {
			continue
		}
		if err := c.removeTrack(ctx, e.id, e.uid); err != nil {
			return err
		}
		c.urls.remove(id)
	}
	return nil
}

// deleteDeletedDirectories drops directories below roots that the scan did not find
func (c *commit) deleteDeletedDirectories(ctx context.Context, roots []string) error {
	storage := c.reg.Storage()
	mounts := c.reg.Mounts()

	ids := mounts.MountedDeviceIDs()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	res, err := storage.Query(ctx, fmt.Sprintf("SELECT id, deviceid, dir FROM directories WHERE deviceid IN (%s);",
		strings.Join(parts, ",")))
	if err != nil {
		return fmt.Errorf("failed to list directories: %w", err)
	}

	for i := 0; i+2 < len(res); i += 3 {
		dirID := parseInt(res[i])
		if c.foundDirs[dirID] {
			continue
		}
		deviceID, _ := strconv.Atoi(res[i+1])
		path := mounts.AbsolutePath(deviceID, res[i+2])
		if !underAny(path, roots) {
			continue
		}

		if err := c.deleteDeletedTracks(ctx, dirID); err != nil {
			return err
		}
		if _, err := storage.Exec(ctx, fmt.Sprintf("DELETE FROM directories WHERE id = %d;", dirID)); err != nil {
			return fmt.Errorf("failed to delete directory %s: %w", path, err)
		}
		c.dirIDs.Delete(path)
		c.stats.RemovedDirectories++
		util.DebugLog("Removed directory %s", path)
	}
	return nil
}

// removeTrack deletes a track, through its instance when one is cached
func (c *commit) removeTrack(ctx context.Context, urlID int64, uid string) error {
	util.DebugLog("Removing track %s (url id %d)", uid, urlID)
	c.stats.RemovedTracks++
	if t := c.reg.CachedTrack(uid); t != nil {
		return t.Remove(ctx)
	}
	if urlID <= 0 {
		return nil
	}
	return c.reg.RemoveTrack(ctx, urlID, uid)
}

// underAny reports whether path is one of roots or below one of them
func underAny(path string, roots []string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
