package collection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/franz/music-collection/internal/meta"
	"github.com/franz/music-collection/internal/query"
	"github.com/franz/music-collection/internal/store"
	"github.com/franz/music-collection/internal/util"
)

// Storage is the gateway the registry runs its SQL through. *store.Store implements it.
type Storage interface {
	Query(ctx context.Context, sql string) ([]string, error)
	Exec(ctx context.Context, stmt string) (int64, error)
	Insert(ctx context.Context, stmt, table string) (int64, error)
	Escape(text string) string
	MaxStatementSize() int
	SupportsReturning() bool
	CaseInsensitive() string
	LikeEscape() string
}

// DefaultSweepInterval is the period of the background cache sweep
const DefaultSweepInterval = 30 * time.Second

// Options configures a Registry
type Options struct {
	SweepInterval time.Duration // <= 0 disables the background sweep, Open turns 0 into DefaultSweepInterval
	Workers       int           // query executor workers (0 = 4)
	UIDProtocol   string        // "" = util.DefaultUIDProtocol
	Metrics       *Metrics
}

type trackKey struct {
	deviceID int
	rpath    string
}

// namedKind describes the table and cache of a grouping identified by a single text column
type namedKind[T any] struct {
	mu     sync.Mutex
	cache  *cache[int64, T]
	kind   Kind
	table  string
	column string
	create func(id int64, name string) *T

	// ids maps names to storage ids of cached instances. Rows are never renamed.
	ids map[string]int64
}

func newNamedKind[T any](kind Kind, table, column string, create func(int64, string) *T) *namedKind[T] {
	return &namedKind[T]{cache: newCache[int64, T](), ids: make(map[string]int64), kind: kind, table: table, column: column, create: create}
}

// sweep drops reclaimed instances and the names pointing at them. Must hold mu.
func (k *namedKind[T]) sweep() int {
	evicted := k.cache.sweep()
	for name, id := range k.ids {
		if !k.cache.has(id) {
			delete(k.ids, name)
		}
	}
	return evicted
}

// Registry owns every live entity instance. It guarantees one instance per
// identity, collects dirty tracks and writes them back in batches.
type Registry struct {
	storage  Storage
	mounts   MountPoints
	metrics  *Metrics
	protocol string

	// lifetime context for lookups triggered by getters and setters
	ctx    context.Context
	cancel context.CancelFunc

	trackMu     sync.Mutex
	trackByPath *cache[trackKey, Track]
	trackByUID  *cache[string, Track]

	albumMu sync.Mutex
	albums  *cache[int64, Album]

	artists   *namedKind[Artist]
	genres    *namedKind[Genre]
	composers *namedKind[Composer]
	years     *namedKind[Year]
	labels    *namedKind[Label]

	// blockMu guards the dirty sets and the batch counter
	blockMu          sync.Mutex
	blockCount       int
	dirtyTracks      map[*Track]struct{}
	dirtyGroupings   map[grouping]struct{}
	structureChanged bool
	flushAttempts    map[*Track]int // failed write-backs, reset once the track is written

	// commitMu serializes write-backs so a track is never inserted twice
	commitMu   sync.Mutex
	committers []tableCommitter

	scanning  atomic.Int32
	observers observers
	exec      *Executor

	sweepStop chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// NewRegistry creates a registry over storage whose schema is up to date
func NewRegistry(storage Storage, opts Options) *Registry {
	if opts.UIDProtocol == "" {
		opts.UIDProtocol = util.DefaultUIDProtocol
	}
	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		storage:        storage,
		metrics:        opts.Metrics,
		protocol:       opts.UIDProtocol,
		ctx:            ctx,
		cancel:         cancel,
		trackByPath:    newCache[trackKey, Track](),
		trackByUID:     newCache[string, Track](),
		albums:         newCache[int64, Album](),
		dirtyTracks:    make(map[*Track]struct{}),
		dirtyGroupings: make(map[grouping]struct{}),
		flushAttempts:  make(map[*Track]int),
	}
	r.artists = newNamedKind(KindArtist, "artists", "name", func(id int64, name string) *Artist {
		return &Artist{named{reg: r, id: id, name: name}}
	})
	r.genres = newNamedKind(KindGenre, "genres", "name", func(id int64, name string) *Genre {
		return &Genre{named{reg: r, id: id, name: name}}
	})
	r.composers = newNamedKind(KindComposer, "composers", "name", func(id int64, name string) *Composer {
		return &Composer{named{reg: r, id: id, name: name}}
	})
	r.years = newNamedKind(KindYear, "years", "name", func(id int64, name string) *Year {
		return newYear(r, id, int(parseInt(name)))
	})
	r.labels = newNamedKind(KindLabel, "labels", "label", func(id int64, name string) *Label {
		return &Label{named{reg: r, id: id, name: name}}
	})
	r.committers = []tableCommitter{urlsCommitter{}, tracksCommitter{}, statisticsCommitter{}}
	r.exec = NewExecutor(opts.Workers, opts.Metrics)

	if opts.SweepInterval > 0 {
		r.startSweeper(opts.SweepInterval)
	}
	return r
}

// normalize prepares a grouping name or title for storage
func (r *Registry) normalize(name string) string {
	return meta.CleanName(name, store.TextColumnLength)
}

// uidURL prefixes a uid with the collection protocol unless it already has it
func (r *Registry) uidURL(uid string) string {
	return util.UIDURL(r.protocol, util.UIDHash(uid))
}

// UIDURL turns a content hash into a uid url of this collection
func (r *Registry) UIDURL(hash string) string {
	return util.UIDURL(r.protocol, hash)
}

// Mounts returns the mount point mapping used for paths
func (r *Registry) Mounts() MountPoints { return r.mounts }

// Storage returns the gateway the registry writes through
func (r *Registry) Storage() Storage { return r.storage }

// Subscribe registers an observer and returns a function removing it
func (r *Registry) Subscribe(o Observer) func() {
	return r.observers.add(o)
}

// SetScanning marks a directory scan as started or finished. Sweeps are
// skipped while any scan runs.
func (r *Registry) SetScanning(scanning bool) {
	if scanning {
		r.scanning.Add(1)
	} else if r.scanning.Add(-1) < 0 {
		r.scanning.Store(0)
	}
}

// IsScanning reports whether a directory scan is running
func (r *Registry) IsScanning() bool {
	return r.scanning.Load() > 0
}

// QueryMaker returns a new query bound to this registry
func (r *Registry) QueryMaker() *QueryMaker {
	return newQueryMaker(r)
}

// ------ directories

// Directory returns the id of the directories row for path, creating it if
// needed and updating its change date when mtime differs
func (r *Registry) Directory(ctx context.Context, path string, mtime int64) (int64, error) {
	deviceID := r.mounts.DeviceID(path)
	rdir := r.mounts.RelativePath(deviceID, path)

	res, err := r.storage.Query(ctx, fmt.Sprintf(
		"SELECT id, changedate FROM directories WHERE deviceid = %d AND dir = '%s';",
		deviceID, r.storage.Escape(rdir)))
	if err != nil {
		return 0, fmt.Errorf("failed to look up directory %s: %w", path, err)
	}

	if len(res) == 0 {
		util.DebugLog("New directory %s", path)
		id, err := r.storage.Insert(ctx, fmt.Sprintf(
			"INSERT INTO directories(deviceid,changedate,dir) VALUES (%d,%d,'%s');",
			deviceID, mtime, r.storage.Escape(rdir)), "directories")
		if err != nil {
			return 0, fmt.Errorf("failed to create directory %s: %w", path, err)
		}
		return id, nil
	}

	id := parseInt(res[0])
	if old := parseInt(res[1]); mtime != 0 && old != mtime {
		util.DebugLog("Directory %d changed from %d to %d", id, old, mtime)
		if _, err := r.storage.Exec(ctx, fmt.Sprintf(
			"UPDATE directories SET changedate = %d WHERE id = %d;", mtime, id)); err != nil {
			return 0, fmt.Errorf("failed to update directory %s: %w", path, err)
		}
	}
	return id, nil
}

// ------ tracks

func trackRowQuery(where string) string {
	return fmt.Sprintf("SELECT %s FROM urls %s WHERE %s;", query.TrackReturnValues, query.TrackJoinConditions, where)
}

// materializeLocked returns the cached track for row or caches a new one.
// Must hold trackMu.
func (r *Registry) materializeLocked(row []string) (t *Track, cached bool) {
	key := trackKey{deviceID: int(parseInt(row[query.TrackColDeviceID])), rpath: row[query.TrackColRPath]}
	uid := row[query.TrackColUID]

	if t := r.trackByPath.get(key); t != nil {
		return t, true
	}
	if uid != "" {
		if t := r.trackByUID.get(uid); t != nil {
			return t, true
		}
	}

	t = newTrackFromRow(r, row)
	r.trackByPath.put(key, t)
	if uid != "" {
		r.trackByUID.put(uid, t)
	}
	return t, false
}

// checkCachedID logs a cached track whose storage id disagrees with a freshly
// read row. The cached instance stays authoritative.
func (r *Registry) checkCachedID(t *Track, row []string) {
	want := parseInt(row[query.TrackColTrackID])
	if have := t.ID(); want > 0 && have > 0 && have != want {
		util.WarnLog("Cached track %s has id %d but storage returned %d, keeping the cached instance",
			t.UID(), have, want)
	}
}

// trackFromRow routes a query row through the cache
func (r *Registry) trackFromRow(row []string) *Track {
	r.trackMu.Lock()
	t, cached := r.materializeLocked(row)
	r.trackMu.Unlock()
	if cached {
		r.checkCachedID(t, row)
	}
	return t
}

// fetchTrackRow loads the full track row of a urls id
func (r *Registry) fetchTrackRow(ctx context.Context, urlID int64) ([]string, error) {
	row, err := r.storage.Query(ctx, trackRowQuery(fmt.Sprintf("urls.id = %d", urlID)))
	if err != nil {
		return nil, fmt.Errorf("failed to load track row %d: %w", urlID, err)
	}
	if len(row) < query.TrackColumnCount {
		return nil, nil
	}
	return row[:query.TrackColumnCount], nil
}

// TrackByID returns the track with the given tracks id, nil if there is none
func (r *Registry) TrackByID(ctx context.Context, id int64) (*Track, error) {
	row, err := r.storage.Query(ctx, trackRowQuery(fmt.Sprintf("tracks.id = %d", id)))
	if err != nil {
		return nil, fmt.Errorf("failed to load track %d: %w", id, err)
	}
	if len(row) < query.TrackColumnCount {
		return nil, nil
	}
	return r.trackFromRow(row[:query.TrackColumnCount]), nil
}

// TrackByPath returns the track at a device relative path, nil if there is none
func (r *Registry) TrackByPath(ctx context.Context, deviceID int, rpath string) (*Track, error) {
	key := trackKey{deviceID: deviceID, rpath: rpath}
	r.trackMu.Lock()
	t := r.trackByPath.get(key)
	r.trackMu.Unlock()
	if t != nil {
		return t, nil
	}

	res, err := r.storage.Query(ctx, fmt.Sprintf("SELECT id FROM urls WHERE urls.deviceid = %d AND urls.rpath = '%s';",
		deviceID, r.storage.Escape(rpath)))
	if err != nil {
		return nil, fmt.Errorf("failed to look up track %s: %w", rpath, err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	row, err := r.fetchTrackRow(ctx, parseInt(res[0]))
	if err != nil || row == nil {
		return nil, err
	}
	return r.trackFromRow(row), nil
}

// TrackByUID returns the track with a uid url, nil if there is none
func (r *Registry) TrackByUID(ctx context.Context, uid string) (*Track, error) {
	r.trackMu.Lock()
	t := r.trackByUID.get(uid)
	r.trackMu.Unlock()
	if t != nil {
		return t, nil
	}

	res, err := r.storage.Query(ctx, fmt.Sprintf("SELECT id FROM urls WHERE urls.uniqueid = '%s';", r.storage.Escape(uid)))
	if err != nil {
		return nil, fmt.Errorf("failed to look up uid %s: %w", uid, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	if len(res) > 1 {
		util.WarnLog("More than one track with uid %s", uid)
	}

	row, err := r.fetchTrackRow(ctx, parseInt(res[0]))
	if err != nil || row == nil {
		return nil, err
	}
	return r.trackFromRow(row), nil
}

// CachedTrack returns the in-memory track with a uid url without asking storage
func (r *Registry) CachedTrack(uid string) *Track {
	r.trackMu.Lock()
	defer r.trackMu.Unlock()
	return r.trackByUID.get(uid)
}

// GetOrCreateTrack returns the track at a path or with a uid. A stored track
// whose uid turns up at a new path is moved there. A track that does not exist
// in storage is created in memory and written with the next flush, so callers
// must set its metadata right away. An empty uid gets a random one.
func (r *Registry) GetOrCreateTrack(ctx context.Context, deviceID int, rpath string, directoryID int64, uid string) (*Track, error) {
	if uid == "" {
		uid = util.UIDURL(r.protocol, util.NewRandomUID())
	}
	key := trackKey{deviceID: deviceID, rpath: rpath}

	r.trackMu.Lock()
	if t := r.trackByPath.get(key); t != nil {
		r.trackMu.Unlock()
		return t, nil
	}
	if t := r.trackByUID.get(uid); t != nil {
		r.trackMu.Unlock()
		return t, nil
	}

	t, err := r.storedTrackLocked(ctx, fmt.Sprintf("urls.deviceid = %d AND urls.rpath = '%s'",
		deviceID, r.storage.Escape(rpath)))
	if err == nil && t == nil {
		t, err = r.storedTrackLocked(ctx, fmt.Sprintf("urls.uniqueid = '%s'", r.storage.Escape(uid)))
	}
	if err != nil {
		r.trackMu.Unlock()
		return nil, fmt.Errorf("failed to look up track %s: %w", rpath, err)
	}
	if t == nil {
		t = newTrack(r, trackURL{deviceID: deviceID, rpath: rpath, directoryID: directoryID}, uid)
		r.trackByPath.put(key, t)
		r.trackByUID.put(uid, t)
	}
	r.trackMu.Unlock()

	if t.DeviceID() != deviceID || t.RelativePath() != rpath {
		util.DebugLog("Track %s moved to %s", uid, rpath)
		t.SetURL(deviceID, rpath, directoryID)
	}
	return t, nil
}

// storedTrackLocked loads and caches the first track matching a urls
// condition, nil if there is none. Must hold trackMu.
func (r *Registry) storedTrackLocked(ctx context.Context, where string) (*Track, error) {
	res, err := r.storage.Query(ctx, fmt.Sprintf("SELECT id FROM urls WHERE %s;", where))
	if err != nil || len(res) == 0 {
		return nil, err
	}
	row, err := r.fetchTrackRow(ctx, parseInt(res[0]))
	if err != nil || row == nil {
		return nil, err
	}
	t, _ := r.materializeLocked(row)
	return t, nil
}

// UpdateCachedPath re-keys a cached track. It fails without changing anything
// when the new path is taken or the old one is not cached.
func (r *Registry) UpdateCachedPath(oldDevice int, oldRPath string, newDevice int, newRPath string) error {
	oldKey := trackKey{deviceID: oldDevice, rpath: oldRPath}
	newKey := trackKey{deviceID: newDevice, rpath: newRPath}

	r.trackMu.Lock()
	defer r.trackMu.Unlock()

	if r.trackByPath.has(newKey) {
		util.WarnLog("Updating path to an already existing path %s", newRPath)
		return fmt.Errorf("path %s: %w", newRPath, util.ErrKeyExists)
	}
	t := r.trackByPath.take(oldKey)
	if t == nil {
		util.WarnLog("Updating path from a non existing path %s", oldRPath)
		return fmt.Errorf("path %s: %w", oldRPath, util.ErrKeyMissing)
	}
	r.trackByPath.put(newKey, t)
	return nil
}

// UpdateCachedUID re-keys a cached track by uid, with the same failure rules as UpdateCachedPath
func (r *Registry) UpdateCachedUID(oldUID, newUID string) error {
	r.trackMu.Lock()
	defer r.trackMu.Unlock()

	if r.trackByUID.has(newUID) {
		util.WarnLog("Updating uid to an already existing uid %s", newUID)
		return fmt.Errorf("uid %s: %w", newUID, util.ErrKeyExists)
	}
	t := r.trackByUID.take(oldUID)
	if t == nil {
		util.WarnLog("Updating uid from a non existing uid %s", oldUID)
		return fmt.Errorf("uid %s: %w", oldUID, util.ErrKeyMissing)
	}
	r.trackByUID.put(newUID, t)
	return nil
}

// urlDependentTables hold rows keyed by urls.id
var urlDependentTables = []string{"tracks", "lyrics", "statistics", "urls_labels"}

// RemoveTrack deletes the rows of a track and evicts it. The file is not touched.
func (r *Registry) RemoveTrack(ctx context.Context, urlID int64, uid string) error {
	if urlID > 0 {
		for _, table := range urlDependentTables {
			if _, err := r.storage.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE url = %d;", table, urlID)); err != nil {
				return fmt.Errorf("failed to delete from %s: %w", table, err)
			}
		}
		if _, err := r.storage.Exec(ctx, fmt.Sprintf("DELETE FROM urls WHERE id = %d;", urlID)); err != nil {
			return fmt.Errorf("failed to delete url %d: %w", urlID, err)
		}
	}

	r.trackMu.Lock()
	t := r.trackByUID.take(uid)
	r.trackMu.Unlock()
	if t == nil {
		return nil
	}

	key := trackKey{deviceID: t.DeviceID(), rpath: t.RelativePath()}
	r.trackMu.Lock()
	if r.trackByPath.get(key) == t {
		r.trackByPath.remove(key)
	}
	r.trackMu.Unlock()

	r.blockMu.Lock()
	delete(r.dirtyTracks, t)
	delete(r.flushAttempts, t)
	r.blockMu.Unlock()
	return nil
}

// ------ groupings identified by a name

// getOrCreateNamed looks a grouping up by name and inserts it when missing.
// Creation is recorded for the next flush notification.
func getOrCreateNamed[T any](ctx context.Context, r *Registry, k *namedKind[T], name string) (*T, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if id, ok := k.ids[name]; ok {
		if v := k.cache.get(id); v != nil {
			return v, nil
		}
	}

	esc := r.storage.Escape(name)
	res, err := r.storage.Query(ctx, fmt.Sprintf("SELECT id FROM %s WHERE %s = '%s';", k.table, k.column, esc))
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s %q: %w", k.kind, name, err)
	}

	var id int64
	if len(res) == 0 {
		id, err = r.storage.Insert(ctx, fmt.Sprintf("INSERT INTO %s( %s ) VALUES ('%s');", k.table, k.column, esc), k.table)
		if err != nil {
			util.ErrorLog("Failed to create %s %q: %v", k.kind, name, err)
			return nil, fmt.Errorf("failed to create %s %q: %w", k.kind, name, err)
		}
		r.structureChange()
	} else {
		id = parseInt(res[0])
	}
	k.ids[name] = id

	if v := k.cache.get(id); v != nil {
		return v, nil
	}
	v := k.create(id, name)
	k.cache.put(id, v)
	return v, nil
}

func namedByID[T any](ctx context.Context, r *Registry, k *namedKind[T], id int64) (*T, error) {
	if id <= 0 {
		return nil, nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if v := k.cache.get(id); v != nil {
		return v, nil
	}

	res, err := r.storage.Query(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id = %d;", k.column, k.table, id))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %d: %w", k.kind, id, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	v := k.create(id, res[0])
	k.cache.put(id, v)
	return v, nil
}

// namedFromRow returns the cached instance for id or caches one built from a query row
func namedFromRow[T any](k *namedKind[T], id int64, name string) *T {
	k.mu.Lock()
	defer k.mu.Unlock()
	if v := k.cache.get(id); v != nil {
		return v
	}
	v := k.create(id, name)
	k.cache.put(id, v)
	return v
}

// Artist returns the artist with name, creating it if needed
func (r *Registry) Artist(ctx context.Context, name string) (*Artist, error) {
	defer r.notifyStructureChange()
	return getOrCreateNamed(ctx, r, r.artists, r.normalize(name))
}

func (r *Registry) ArtistByID(ctx context.Context, id int64) (*Artist, error) {
	return namedByID(ctx, r, r.artists, id)
}

// Genre returns the genre with name, creating it if needed
func (r *Registry) Genre(ctx context.Context, name string) (*Genre, error) {
	defer r.notifyStructureChange()
	return getOrCreateNamed(ctx, r, r.genres, r.normalize(name))
}

func (r *Registry) GenreByID(ctx context.Context, id int64) (*Genre, error) {
	return namedByID(ctx, r, r.genres, id)
}

// Composer returns the composer with name, creating it if needed
func (r *Registry) Composer(ctx context.Context, name string) (*Composer, error) {
	defer r.notifyStructureChange()
	return getOrCreateNamed(ctx, r, r.composers, r.normalize(name))
}

func (r *Registry) ComposerByID(ctx context.Context, id int64) (*Composer, error) {
	return namedByID(ctx, r, r.composers, id)
}

// Label returns the label with name, creating it if needed
func (r *Registry) Label(ctx context.Context, name string) (*Label, error) {
	defer r.notifyStructureChange()
	return getOrCreateNamed(ctx, r, r.labels, r.normalize(name))
}

func (r *Registry) LabelByID(ctx context.Context, id int64) (*Label, error) {
	return namedByID(ctx, r, r.labels, id)
}

// Year returns the year entity for a year number, creating it if needed
func (r *Registry) Year(ctx context.Context, year int) (*Year, error) {
	defer r.notifyStructureChange()
	return r.year(ctx, year)
}

func (r *Registry) year(ctx context.Context, year int) (*Year, error) {
	return getOrCreateNamed(ctx, r, r.years, strconv.Itoa(year))
}

func (r *Registry) YearByID(ctx context.Context, id int64) (*Year, error) {
	return namedByID(ctx, r, r.years, id)
}

// empty names map to no grouping at all. These are called with a track
// lock held and leave notifications to the next flush.
func (r *Registry) artistOrNil(ctx context.Context, name string) (*Artist, error) {
	if name = r.normalize(name); name == "" {
		return nil, nil
	}
	return getOrCreateNamed(ctx, r, r.artists, name)
}

func (r *Registry) genreOrNil(ctx context.Context, name string) (*Genre, error) {
	if name = r.normalize(name); name == "" {
		return nil, nil
	}
	return getOrCreateNamed(ctx, r, r.genres, name)
}

func (r *Registry) composerOrNil(ctx context.Context, name string) (*Composer, error) {
	if name = r.normalize(name); name == "" {
		return nil, nil
	}
	return getOrCreateNamed(ctx, r, r.composers, name)
}

// ------ albums

// Album returns the album (name, album artist), creating it if needed. An
// empty artist selects the compilation of that name. The empty album never
// has an album artist.
func (r *Registry) Album(ctx context.Context, name, artist string) (*Album, error) {
	defer r.notifyStructureChange()
	return r.album(ctx, name, artist)
}

func (r *Registry) album(ctx context.Context, name, artist string) (*Album, error) {
	name = r.normalize(name)
	artist = r.normalize(artist)
	if name == "" {
		artist = ""
	}

	// the artist is resolved before taking the album lock
	var albumArtist *Artist
	if artist != "" {
		a, err := getOrCreateNamed(ctx, r, r.artists, artist)
		if err != nil {
			return nil, err
		}
		albumArtist = a
	}

	r.albumMu.Lock()
	q := fmt.Sprintf("SELECT id FROM albums WHERE name = '%s' AND ", r.storage.Escape(name))
	artistValue := "NULL"
	if albumArtist != nil {
		q += fmt.Sprintf("artist = %d;", albumArtist.ID())
		artistValue = strconv.FormatInt(albumArtist.ID(), 10)
	} else {
		q += "artist IS NULL;"
	}

	res, err := r.storage.Query(ctx, q)
	if err != nil {
		r.albumMu.Unlock()
		return nil, fmt.Errorf("failed to look up album %q: %w", name, err)
	}

	var id int64
	if len(res) == 0 {
		id, err = r.storage.Insert(ctx, fmt.Sprintf("INSERT INTO albums( name, artist ) VALUES ('%s',%s);",
			r.storage.Escape(name), artistValue), "albums")
		if err != nil {
			r.albumMu.Unlock()
			util.ErrorLog("Failed to create album %q: %v", name, err)
			return nil, fmt.Errorf("failed to create album %q: %w", name, err)
		}
		r.structureChange()
	} else {
		id = parseInt(res[0])
		if a := r.albums.get(id); a != nil {
			r.albumMu.Unlock()
			return a, nil
		}
	}

	a := r.newAlbum(id, name, albumArtist)
	r.albums.put(id, a)
	r.albumMu.Unlock()
	return a, nil
}

func (r *Registry) newAlbum(id int64, name string, artist *Artist) *Album {
	a := &Album{named: named{reg: r, id: id, name: name}, artist: artist}
	if artist != nil {
		a.artistID = artist.ID()
	}
	return a
}

// AlbumByID returns the album with a storage id, nil if there is none
func (r *Registry) AlbumByID(ctx context.Context, id int64) (*Album, error) {
	if id <= 0 {
		return nil, nil
	}
	r.albumMu.Lock()
	a := r.albums.get(id)
	r.albumMu.Unlock()
	if a != nil {
		return a, nil
	}

	res, err := r.storage.Query(ctx, fmt.Sprintf("SELECT name, artist FROM albums WHERE id = %d;", id))
	if err != nil {
		return nil, fmt.Errorf("failed to load album %d: %w", id, err)
	}
	if len(res) < 2 {
		return nil, nil
	}
	return r.albumFromRow(ctx, id, res[0], parseInt(res[1])), nil
}

// albumFromRow returns the cached album or builds one. The album artist is
// looked up while the album lock is released.
func (r *Registry) albumFromRow(ctx context.Context, id int64, name string, artistID int64) *Album {
	r.albumMu.Lock()
	a := r.albums.get(id)
	r.albumMu.Unlock()
	if a != nil {
		return a
	}

	var artist *Artist
	if artistID > 0 {
		var err error
		if artist, err = r.ArtistByID(ctx, artistID); err != nil {
			util.WarnLog("Failed to load artist %d of album %d: %v", artistID, id, err)
		}
	}

	r.albumMu.Lock()
	defer r.albumMu.Unlock()
	if a := r.albums.get(id); a != nil {
		return a
	}
	a = r.newAlbum(id, name, artist)
	if artist == nil && artistID > 0 {
		// keep the identity even though the artist row is gone
		a.artistID = artistID
	}
	r.albums.put(id, a)
	return a
}

// ------ dirty set and batches

// Batch holds back write-backs until it is ended
type Batch struct {
	r    *Registry
	once sync.Once
}

// BeginBatch starts a batch. Dirty tracks accumulate until every open batch has ended.
func (r *Registry) BeginBatch() *Batch {
	r.blockMu.Lock()
	r.blockCount++
	r.blockMu.Unlock()
	return &Batch{r: r}
}

// End releases the batch and flushes when it was the last one. Ending a
// batch twice has no effect.
func (b *Batch) End(ctx context.Context) error {
	var err error
	b.once.Do(func() {
		b.r.blockMu.Lock()
		b.r.blockCount--
		open := b.r.blockCount
		b.r.blockMu.Unlock()
		if open == 0 {
			err = b.r.Flush(ctx)
		}
	})
	return err
}

func (r *Registry) markDirty(t *Track, touched []grouping) {
	r.blockMu.Lock()
	defer r.blockMu.Unlock()
	r.dirtyTracks[t] = struct{}{}
	for _, g := range touched {
		r.dirtyGroupings[g] = struct{}{}
	}
}

// structureChange records a new grouping. Safe with any lock but blockMu held.
func (r *Registry) structureChange() {
	r.blockMu.Lock()
	r.structureChanged = true
	r.blockMu.Unlock()
}

// notifyStructureChange delivers a recorded structure change unless a batch
// is open. Must be called without any track or registry lock held.
func (r *Registry) notifyStructureChange() {
	r.blockMu.Lock()
	if r.blockCount > 0 || !r.structureChanged {
		r.blockMu.Unlock()
		return
	}
	r.structureChanged = false
	r.blockMu.Unlock()
	r.observers.collectionChanged()
}

// DirtyCount returns the number of tracks waiting for write-back
func (r *Registry) DirtyCount() int {
	r.blockMu.Lock()
	defer r.blockMu.Unlock()
	return len(r.dirtyTracks)
}

// maxFlushAttempts bounds how often a rejected track is written again
const maxFlushAttempts = 3

// Flush writes every dirty track unless a batch is open, then notifies
// observers. Tracks whose rows are rejected do not hold back the others: they
// stay dirty for a few more flushes and are then dropped.
func (r *Registry) Flush(ctx context.Context) error {
	r.commitMu.Lock()

	r.blockMu.Lock()
	if r.blockCount > 0 {
		r.blockMu.Unlock()
		r.commitMu.Unlock()
		return nil
	}
	tracks := make([]*Track, 0, len(r.dirtyTracks))
	for t := range r.dirtyTracks {
		tracks = append(tracks, t)
	}
	groupings := make([]grouping, 0, len(r.dirtyGroupings))
	for g := range r.dirtyGroupings {
		groupings = append(groupings, g)
	}
	changed := r.structureChanged
	r.dirtyTracks = make(map[*Track]struct{})
	r.dirtyGroupings = make(map[grouping]struct{})
	r.structureChanged = false
	r.blockMu.Unlock()

	if len(tracks) == 0 && len(groupings) == 0 && !changed {
		r.commitMu.Unlock()
		return nil
	}

	start := time.Now()
	stats, failed := r.commitTracks(ctx, tracks)
	err := r.settleFailures(ctx, tracks, failed)
	r.commitMu.Unlock()
	r.metrics.recordFlush(err)

	stats.Groupings = len(groupings)
	stats.Duration = time.Since(start)
	util.DebugLog("Flushed %d tracks and %d groupings in %v", stats.Tracks, stats.Groupings, stats.Duration)

	for _, g := range groupings {
		g.invalidateCache()
		r.observers.entityUpdated(g)
	}
	for _, t := range tracks {
		if _, ok := failed[t]; !ok {
			r.observers.entityUpdated(t)
		}
	}
	if len(groupings) > 0 || changed {
		r.observers.collectionChanged()
	}
	r.observers.flushed(stats)
	return err
}

// settleFailures puts rejected tracks back into the dirty set until they
// have failed maxFlushAttempts times and reports the first error. A cancelled
// context does not count as an attempt.
func (r *Registry) settleFailures(ctx context.Context, tracks []*Track, failed map[*Track]error) error {
	r.blockMu.Lock()
	defer r.blockMu.Unlock()

	var first error
	dropped := 0
	for _, t := range tracks {
		err, ok := failed[t]
		if !ok {
			delete(r.flushAttempts, t)
			continue
		}
		if first == nil {
			first = err
		}
		if ctx.Err() == nil {
			r.flushAttempts[t]++
		}
		if r.flushAttempts[t] >= maxFlushAttempts {
			util.ErrorLog("Dropping changes of track %s after %d failed writes: %v", t.UID(), r.flushAttempts[t], err)
			delete(r.flushAttempts, t)
			dropped++
			continue
		}
		r.dirtyTracks[t] = struct{}{}
	}
	if first == nil {
		return nil
	}
	util.ErrorLog("Failed to write %d of %d dirty tracks, %d dropped: %v", len(failed), len(tracks), dropped, first)
	return fmt.Errorf("failed to flush %d dirty tracks: %w", len(failed), first)
}

// ------ sweep

// Sweep unpins cached instances and drops the ones the runtime has reclaimed.
// It does nothing while a scan runs or when any registry lock is contended,
// and reports whether it ran.
func (r *Registry) Sweep() bool {
	if r.IsScanning() {
		r.metrics.recordSweep("scanning")
		return false
	}

	locks := []*sync.Mutex{&r.trackMu, &r.albumMu, &r.artists.mu, &r.years.mu,
		&r.genres.mu, &r.composers.mu, &r.labels.mu}
	held := 0
	defer func() {
		for i := held - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}()
	for _, l := range locks {
		if !l.TryLock() {
			break
		}
		held++
	}
	if held < len(locks) {
		util.DebugLog("Cache sweep skipped, registry busy")
		r.metrics.recordSweep("contended")
		return false
	}

	// track lists hold tracks strongly and are rebuilt on demand
	r.albums.each(func(a *Album) { a.invalidateCache() })
	r.artists.cache.each(func(a *Artist) { a.invalidateCache() })
	r.genres.cache.each(func(g *Genre) { g.invalidateCache() })
	r.composers.cache.each(func(c *Composer) { c.invalidateCache() })
	r.years.cache.each(func(y *Year) { y.invalidateCache() })
	r.labels.cache.each(func(l *Label) { l.invalidateCache() })

	evicted := r.trackByPath.sweep()
	r.trackByUID.sweep()
	r.metrics.recordEvictions("track", evicted)
	// albums go before artists so album artists can be reclaimed with them
	r.metrics.recordEvictions("album", r.albums.sweep())
	r.metrics.recordEvictions("artist", r.artists.sweep())
	r.metrics.recordEvictions("genre", r.genres.sweep())
	r.metrics.recordEvictions("composer", r.composers.sweep())
	r.metrics.recordEvictions("year", r.years.sweep())
	r.metrics.recordEvictions("label", r.labels.sweep())

	stats := r.cacheStatsLocked()
	r.metrics.setCacheEntries("track", stats.Tracks)
	r.metrics.setCacheEntries("album", stats.Albums)
	r.metrics.setCacheEntries("artist", stats.Artists)
	r.metrics.setCacheEntries("genre", stats.Genres)
	r.metrics.setCacheEntries("composer", stats.Composers)
	r.metrics.setCacheEntries("year", stats.Years)
	r.metrics.setCacheEntries("label", stats.Labels)
	r.metrics.recordSweep("run")
	util.DebugLog("Cache sweep: %d tracks, %d albums, %d artists cached", stats.Tracks, stats.Albums, stats.Artists)
	return true
}

func (r *Registry) startSweeper(interval time.Duration) {
	r.sweepStop = make(chan struct{})
	r.sweepDone = make(chan struct{})
	go func() {
		defer close(r.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.sweepStop:
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// CacheStats counts cache entries per kind
type CacheStats struct {
	Tracks    int
	Albums    int
	Artists   int
	Genres    int
	Composers int
	Years     int
	Labels    int
}

// CacheStats returns the number of cached entries per kind
func (r *Registry) CacheStats() CacheStats {
	locks := []*sync.Mutex{&r.trackMu, &r.albumMu, &r.artists.mu, &r.years.mu,
		&r.genres.mu, &r.composers.mu, &r.labels.mu}
	for _, l := range locks {
		l.Lock()
	}
	defer func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}()
	return r.cacheStatsLocked()
}

func (r *Registry) cacheStatsLocked() CacheStats {
	return CacheStats{
		Tracks:    r.trackByPath.len(),
		Albums:    r.albums.len(),
		Artists:   r.artists.cache.len(),
		Genres:    r.genres.cache.len(),
		Composers: r.composers.cache.len(),
		Years:     r.years.cache.len(),
		Labels:    r.labels.cache.len(),
	}
}

// Close stops the sweep and the query workers and writes pending changes
func (r *Registry) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		if r.sweepStop != nil {
			close(r.sweepStop)
			<-r.sweepDone
		}
		r.exec.Close()

		r.blockMu.Lock()
		if r.blockCount > 0 {
			util.WarnLog("Closing registry with %d open batches", r.blockCount)
			r.blockCount = 0
		}
		r.blockMu.Unlock()

		err = r.Flush(ctx)
		r.cancel()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
