package collection

import (
	"context"
	"strconv"
	"sync"

	"github.com/franz/music-collection/internal/query"
)

// trackList caches the tracks of a grouping. The fetch runs without the lock
// held because materializing tracks takes registry locks, and a sweep holding
// those locks invalidates lists.
type trackList struct {
	mu         sync.Mutex
	loaded     bool
	generation uint64
	tracks     []*Track
}

func (l *trackList) invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded = false
	l.tracks = nil
	l.generation++
}

func (l *trackList) load(ctx context.Context, fetch func(context.Context) ([]*Track, error)) ([]*Track, error) {
	l.mu.Lock()
	if l.loaded {
		tracks := l.tracks
		l.mu.Unlock()
		return tracks, nil
	}
	gen := l.generation
	l.mu.Unlock()

	tracks, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.generation == gen {
		l.tracks = tracks
		l.loaded = true
	}
	return tracks, nil
}

// named is the state shared by the groupings identified by a name
type named struct {
	reg    *Registry
	id     int64
	name   string
	tracks trackList
}

// ID returns the storage id
func (n *named) ID() int64 { return n.id }

// Name returns the identity name
func (n *named) Name() string { return n.name }

func (n *named) invalidateCache() { n.tracks.invalidate() }

// tracksMatching runs a blocking track query restricted by match
func (n *named) tracksMatching(ctx context.Context, match func(*QueryMaker)) ([]*Track, error) {
	return n.tracks.load(ctx, func(ctx context.Context) ([]*Track, error) {
		qm := n.reg.QueryMaker()
		qm.SetType(query.Track)
		match(qm)
		res, err := qm.RunBlocking(ctx)
		if err != nil {
			return nil, err
		}
		return res.Tracks, nil
	})
}

// Artist is a track or album artist
type Artist struct{ named }

func (a *Artist) Kind() Kind { return KindArtist }

// Tracks returns the tracks whose track artist is a
func (a *Artist) Tracks(ctx context.Context) ([]*Track, error) {
	return a.tracksMatching(ctx, func(qm *QueryMaker) { qm.ForArtist(a, query.TrackArtists) })
}

// Genre groups tracks by genre
type Genre struct{ named }

func (g *Genre) Kind() Kind { return KindGenre }

// Tracks returns the tracks of genre g
func (g *Genre) Tracks(ctx context.Context) ([]*Track, error) {
	return g.tracksMatching(ctx, func(qm *QueryMaker) { qm.ForGenre(g) })
}

// Composer groups tracks by composer
type Composer struct{ named }

func (c *Composer) Kind() Kind { return KindComposer }

// Tracks returns the tracks composed by c
func (c *Composer) Tracks(ctx context.Context) ([]*Track, error) {
	return c.tracksMatching(ctx, func(qm *QueryMaker) { qm.ForComposer(c) })
}

// Label is a user defined tag attached to tracks
type Label struct{ named }

func (l *Label) Kind() Kind { return KindLabel }

// Tracks returns the tracks carrying l
func (l *Label) Tracks(ctx context.Context) ([]*Track, error) {
	return l.tracksMatching(ctx, func(qm *QueryMaker) { qm.ForLabel(l) })
}

// Year groups tracks by release year
type Year struct {
	named
	value int
}

func (y *Year) Kind() Kind { return KindYear }

// Value returns the year number
func (y *Year) Value() int { return y.value }

// Tracks returns the tracks released in y
func (y *Year) Tracks(ctx context.Context) ([]*Track, error) {
	return y.tracksMatching(ctx, func(qm *QueryMaker) { qm.ForYear(y) })
}

func newYear(r *Registry, id int64, value int) *Year {
	return &Year{named: named{reg: r, id: id, name: strconv.Itoa(value)}, value: value}
}

// Album is identified by its name and album artist. An album without album
// artist is a compilation; the album with the empty name collects singles
// and is always a compilation.
type Album struct {
	named
	artistID int64
	artist   *Artist
}

func (a *Album) Kind() Kind { return KindAlbum }

// HasAlbumArtist reports whether the album belongs to one artist
func (a *Album) HasAlbumArtist() bool { return a.artistID > 0 }

// IsCompilation reports whether the album has no album artist
func (a *Album) IsCompilation() bool { return !a.HasAlbumArtist() }

// AlbumArtist returns the album artist, nil for compilations
func (a *Album) AlbumArtist() *Artist { return a.artist }

// Tracks returns the tracks of the album ordered by disc, track number and title
func (a *Album) Tracks(ctx context.Context) ([]*Track, error) {
	return a.tracksMatching(ctx, func(qm *QueryMaker) {
		qm.ForAlbum(a)
		qm.OrderBy(query.FieldDiscNr, false)
		qm.OrderBy(query.FieldTrackNr, false)
		qm.OrderBy(query.FieldTitle, false)
	})
}

// SetCompilation moves every track of the album to the compilation of the
// same name, or back to albums of their track artists. The empty album
// always stays a compilation.
func (a *Album) SetCompilation(ctx context.Context, compilation bool) error {
	if a.name == "" || a.IsCompilation() == compilation {
		return nil
	}

	tracks, err := a.Tracks(ctx)
	if err != nil {
		return err
	}

	batch := a.reg.BeginBatch()
	for _, t := range tracks {
		artist := ""
		if !compilation {
			if ta := t.Artist(); ta != nil {
				artist = ta.Name()
			}
		}
		target, err := a.reg.Album(ctx, a.name, artist)
		if err != nil {
			_ = batch.End(ctx)
			return err
		}
		t.setAlbumID(target)
	}
	a.invalidateCache()
	return batch.End(ctx)
}
