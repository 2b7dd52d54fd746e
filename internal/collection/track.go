package collection

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"
	"weak"

	"github.com/franz/music-collection/internal/query"
	"github.com/franz/music-collection/internal/util"
)

// ReplayGainMode selects one of the four replay gain values of a track
type ReplayGainMode int

const (
	TrackGain ReplayGainMode = iota
	TrackPeakGain
	AlbumGain
	AlbumPeakGain
)

// change identifies a pending field update of a track
type change int

const (
	chTitle change = iota
	chComment
	chArtist
	chAlbum
	chAlbumArtist
	chAlbumRef
	chGenre
	chComposer
	chYear
	chTrackNumber
	chDiscNumber
	chBPM
	chBitrate
	chLength
	chSampleRate
	chFilesize
	chFiletype
	chCreateDate
	chModifyDate
	chTrackGain
	chTrackPeakGain
	chAlbumGain
	chAlbumPeakGain
	chScore
	chRating
	chPlayCount
	chFirstPlayed
	chLastPlayed
	chUID
	chURL
)

// trackURL is the location part of a track
type trackURL struct {
	deviceID    int
	rpath       string
	directoryID int64
}

// ref is a non-owning reference from a track to one of its groupings. The
// id survives the grouping being reclaimed and is used to look it up again.
type ref[T any] struct {
	id int64
	wp weak.Pointer[T]
}

func refTo[T any](id int64, v *T) ref[T] {
	r := ref[T]{id: id}
	if v != nil {
		r.wp = weak.Make(v)
	}
	return r
}

// Track is one audio file of the collection. Its data lives in three tables:
// urls (location and uid), tracks (tags) and statistics.
type Track struct {
	reg *Registry

	mu sync.RWMutex

	urlID        int64
	trackID      int64
	statisticsID int64

	deviceID    int
	rpath       string
	directoryID int64
	uid         string

	title       string
	comment     string
	trackNumber int
	discNumber  int
	bpm         float64
	bitrate     int
	length      int64 // milliseconds
	sampleRate  int
	filesize    int64
	filetype    int
	createDate  time.Time
	modifyDate  time.Time

	trackGain     float64
	trackPeakGain float64
	albumGain     float64
	albumPeakGain float64

	score       float64
	rating      int
	playCount   int
	firstPlayed time.Time
	lastPlayed  time.Time

	artist   ref[Artist]
	album    ref[Album]
	genre    ref[Genre]
	composer ref[Composer]
	year     ref[Year]

	updating int
	pending  map[change]any

	labelsLoaded bool
	labels       []*Label
}

// newTrack creates a track that has no storage rows yet. It is written with
// the next flush after its first commit.
func newTrack(r *Registry, url trackURL, uid string) *Track {
	t := &Track{
		reg:         r,
		deviceID:    url.deviceID,
		rpath:       url.rpath,
		directoryID: url.directoryID,
		uid:         uid,
		createDate:  time.Now(),
		pending:     make(map[change]any),
	}
	// the singles album makes sure the track row gets an album id
	t.pending[chAlbum] = ""
	t.pending[chCreateDate] = t.createDate
	return t
}

// newTrackFromRow materializes a track from one row of query.TrackReturnValues
func newTrackFromRow(r *Registry, row []string) *Track {
	t := &Track{
		reg:           r,
		urlID:         parseInt(row[query.TrackColURLID]),
		deviceID:      int(parseInt(row[query.TrackColDeviceID])),
		rpath:         row[query.TrackColRPath],
		directoryID:   parseInt(row[query.TrackColDirectory]),
		uid:           row[query.TrackColUID],
		trackID:       parseInt(row[query.TrackColTrackID]),
		title:         row[query.TrackColTitle],
		comment:       row[query.TrackColComment],
		trackNumber:   int(parseInt(row[query.TrackColTrackNumber])),
		discNumber:    int(parseInt(row[query.TrackColDiscNumber])),
		bitrate:       int(parseInt(row[query.TrackColBitrate])),
		length:        parseInt(row[query.TrackColLength]),
		sampleRate:    int(parseInt(row[query.TrackColSampleRate])),
		filesize:      parseInt(row[query.TrackColFilesize]),
		filetype:      int(parseInt(row[query.TrackColFiletype])),
		bpm:           parseFloat(row[query.TrackColBPM]),
		createDate:    parseTime(row[query.TrackColCreateDate]),
		modifyDate:    parseTime(row[query.TrackColModifyDate]),
		trackGain:     parseFloat(row[query.TrackColTrackGain]),
		trackPeakGain: parseFloat(row[query.TrackColTrackPeakGain]),
		artist:        ref[Artist]{id: parseInt(row[query.TrackColArtistID])},
		album:         ref[Album]{id: parseInt(row[query.TrackColAlbumID])},
		genre:         ref[Genre]{id: parseInt(row[query.TrackColGenreID])},
		composer:      ref[Composer]{id: parseInt(row[query.TrackColComposerID])},
		year:          ref[Year]{id: parseInt(row[query.TrackColYearID])},
		statisticsID:  parseInt(row[query.TrackColStatisticsID]),
		score:         parseFloat(row[query.TrackColScore]),
		rating:        int(parseInt(row[query.TrackColRating])),
		playCount:     int(parseInt(row[query.TrackColPlayCount])),
		firstPlayed:   parseTime(row[query.TrackColFirstPlayed]),
		lastPlayed:    parseTime(row[query.TrackColLastPlayed]),
		pending:       make(map[change]any),
	}

	// without album gain the track gain applies to the album as well
	if row[query.TrackColAlbumGain] == "" {
		t.albumGain = t.trackGain
		t.albumPeakGain = t.trackPeakGain
	} else {
		t.albumGain = parseFloat(row[query.TrackColAlbumGain])
		t.albumPeakGain = parseFloat(row[query.TrackColAlbumPeakGain])
	}
	return t
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return 0
		}
		return int64(f)
	}
	return n
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseTime(s string) time.Time {
	if secs := parseInt(s); secs > 0 {
		return time.Unix(secs, 0)
	}
	return time.Time{}
}

func (t *Track) Kind() Kind { return KindTrack }

// ID returns the id of the tracks row, 0 before the first write
func (t *Track) ID() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.trackID
}

// URLID returns the id of the urls row, 0 before the first write
func (t *Track) URLID() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.urlID
}

// StatisticsID returns the id of the statistics row, 0 before the first write
func (t *Track) StatisticsID() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statisticsID
}

// Name returns the title
func (t *Track) Name() string { return t.Title() }

func (t *Track) DeviceID() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.deviceID
}

func (t *Track) RelativePath() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rpath
}

func (t *Track) DirectoryID() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.directoryID
}

// Path returns the absolute path of the file
func (t *Track) Path() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reg.mounts.AbsolutePath(t.deviceID, t.rpath)
}

// UID returns the unique id url
func (t *Track) UID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.uid
}

func (t *Track) Title() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.title
}

func (t *Track) Comment() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.comment
}

func (t *Track) TrackNumber() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.trackNumber
}

func (t *Track) DiscNumber() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.discNumber
}

func (t *Track) BPM() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bpm
}

func (t *Track) Bitrate() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bitrate
}

// Length returns the play time
func (t *Track) Length() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Duration(t.length) * time.Millisecond
}

func (t *Track) SampleRate() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sampleRate
}

func (t *Track) Filesize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.filesize
}

// Filetype returns the numeric file type, see meta.FileType
func (t *Track) Filetype() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.filetype
}

func (t *Track) CreateDate() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.createDate
}

func (t *Track) ModifyDate() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.modifyDate
}

// ReplayGain returns one of the replay gain values in dB
func (t *Track) ReplayGain(mode ReplayGainMode) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch mode {
	case TrackGain:
		return t.trackGain
	case TrackPeakGain:
		return t.trackPeakGain
	case AlbumGain:
		return t.albumGain
	case AlbumPeakGain:
		return t.albumPeakGain
	}
	return 0
}

// Score returns the score between 0 and 100
func (t *Track) Score() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.score
}

// Rating returns the rating between 0 and 10
func (t *Track) Rating() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rating
}

func (t *Track) PlayCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.playCount
}

func (t *Track) FirstPlayed() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.firstPlayed
}

func (t *Track) LastPlayed() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastPlayed
}

// resolve returns the grouping behind r, looking it up again by id once the
// runtime reclaimed it
func resolve[T any](t *Track, r *ref[T], lookup func(context.Context, int64) (*T, error)) *T {
	t.mu.RLock()
	cur := *r
	t.mu.RUnlock()

	if v := cur.wp.Value(); v != nil || cur.id <= 0 {
		return v
	}
	v, err := lookup(t.reg.ctx, cur.id)
	if err != nil || v == nil {
		util.WarnLog("Failed to resolve grouping %d of track %s: %v", cur.id, t.UID(), err)
		return nil
	}

	t.mu.Lock()
	if r.id == cur.id {
		r.wp = weak.Make(v)
	}
	t.mu.Unlock()
	return v
}

// Artist returns the track artist, nil if unset
func (t *Track) Artist() *Artist { return resolve(t, &t.artist, t.reg.ArtistByID) }

// Album returns the album, nil if unset
func (t *Track) Album() *Album { return resolve(t, &t.album, t.reg.AlbumByID) }

func (t *Track) Genre() *Genre { return resolve(t, &t.genre, t.reg.GenreByID) }

func (t *Track) Composer() *Composer { return resolve(t, &t.composer, t.reg.ComposerByID) }

func (t *Track) Year() *Year { return resolve(t, &t.year, t.reg.YearByID) }

// groupingIDs returns the storage ids written to the tracks row. Must hold mu.
func (t *Track) groupingIDs() (artist, album, genre, composer, year int64) {
	return t.artist.id, t.album.id, t.genre.id, t.composer.id, t.year.id
}

// BeginUpdate starts collecting changes. Setters called until the matching
// EndUpdate are applied together.
func (t *Track) BeginUpdate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updating++
}

// EndUpdate applies the collected changes once the outermost update ends
func (t *Track) EndUpdate(ctx context.Context) error {
	t.mu.Lock()
	if t.updating > 0 {
		t.updating--
	}
	t.mu.Unlock()
	return t.commit(ctx)
}

func (t *Track) set(c change, v any) {
	t.mu.Lock()
	t.pending[c] = v
	t.mu.Unlock()
	if err := t.commit(t.reg.ctx); err != nil {
		util.ErrorLog("Failed to commit track %s: %v", t.UID(), err)
	}
}

func (t *Track) SetTitle(title string)     { t.set(chTitle, t.reg.normalize(title)) }
func (t *Track) SetComment(comment string) { t.set(chComment, comment) }

// SetArtist sets the track artist. An empty name removes it.
func (t *Track) SetArtist(name string) { t.set(chArtist, t.reg.normalize(name)) }

// SetAlbum moves the track to another album of the same album artist
func (t *Track) SetAlbum(name string) { t.set(chAlbum, t.reg.normalize(name)) }

// SetAlbumArtist sets the album artist. An empty name makes the album a compilation.
func (t *Track) SetAlbumArtist(name string) { t.set(chAlbumArtist, t.reg.normalize(name)) }

func (t *Track) setAlbumID(a *Album) { t.set(chAlbumRef, a) }

func (t *Track) SetGenre(name string)    { t.set(chGenre, t.reg.normalize(name)) }
func (t *Track) SetComposer(name string) { t.set(chComposer, t.reg.normalize(name)) }

// SetYear sets the release year. Zero removes it.
func (t *Track) SetYear(year int) { t.set(chYear, year) }

func (t *Track) SetTrackNumber(n int)       { t.set(chTrackNumber, n) }
func (t *Track) SetDiscNumber(n int)        { t.set(chDiscNumber, n) }
func (t *Track) SetBPM(bpm float64)         { t.set(chBPM, bpm) }
func (t *Track) SetBitrate(kbps int)        { t.set(chBitrate, kbps) }
func (t *Track) SetSampleRate(hz int)       { t.set(chSampleRate, hz) }
func (t *Track) SetFilesize(size int64)     { t.set(chFilesize, size) }
func (t *Track) SetFiletype(filetype int)   { t.set(chFiletype, filetype) }
func (t *Track) SetCreateDate(d time.Time)  { t.set(chCreateDate, d) }
func (t *Track) SetModifyDate(d time.Time)  { t.set(chModifyDate, d) }
func (t *Track) SetPlayCount(n int)         { t.set(chPlayCount, n) }
func (t *Track) SetFirstPlayed(d time.Time) { t.set(chFirstPlayed, d) }
func (t *Track) SetLastPlayed(d time.Time)  { t.set(chLastPlayed, d) }

func (t *Track) SetLength(d time.Duration) { t.set(chLength, d.Milliseconds()) }

// SetReplayGain changes one replay gain value. Changes below 0.01 dB are ignored.
func (t *Track) SetReplayGain(mode ReplayGainMode, value float64) {
	if math.Abs(value-t.ReplayGain(mode)) < 0.01 {
		return
	}
	switch mode {
	case TrackGain:
		t.set(chTrackGain, value)
	case TrackPeakGain:
		t.set(chTrackPeakGain, value)
	case AlbumGain:
		t.set(chAlbumGain, value)
	case AlbumPeakGain:
		t.set(chAlbumPeakGain, value)
	}
}

// SetScore clamps score to 0..100. Changes below 0.001 are ignored.
func (t *Track) SetScore(score float64) {
	score = math.Max(0, math.Min(100, score))
	if math.Abs(score-t.Score()) > 0.001 {
		t.set(chScore, score)
	}
}

// SetRating clamps rating to 0..10
func (t *Track) SetRating(rating int) {
	rating = max(0, min(10, rating))
	if rating != t.Rating() {
		t.set(chRating, rating)
	}
}

// SetUID replaces the unique id. The collection protocol is prepended when missing.
func (t *Track) SetUID(uid string) {
	t.set(chUID, t.reg.uidURL(uid))
}

// SetURL moves the track to another location
func (t *Track) SetURL(deviceID int, rpath string, directoryID int64) {
	t.mu.RLock()
	same := t.deviceID == deviceID && t.rpath == rpath && t.directoryID == directoryID
	t.mu.RUnlock()
	if same {
		return
	}
	t.set(chURL, trackURL{deviceID: deviceID, rpath: rpath, directoryID: directoryID})
}

// commit applies the pending changes unless an update is running and hands
// the track to the registry dirty set
func (t *Track) commit(ctx context.Context) error {
	t.mu.Lock()
	if t.updating > 0 || len(t.pending) == 0 {
		t.mu.Unlock()
		return nil
	}
	changes := t.pending
	t.pending = make(map[change]any)
	touched, err := t.apply(ctx, changes)
	writable := t.deviceID != 0 && t.directoryID > 0
	t.mu.Unlock()

	if err != nil {
		t.reg.notifyStructureChange()
		return err
	}
	if !writable {
		util.ErrorLog("Track %s has device %d and directory %d, not writing it to the database",
			t.UID(), t.DeviceID(), t.DirectoryID())
		t.reg.notifyStructureChange()
		return nil
	}

	t.reg.markDirty(t, touched)
	return t.reg.Flush(ctx)
}

// apply copies changes into the fields and resolves grouping names through
// the registry. It returns the groupings whose track lists changed. Must hold
// mu, so nothing reached from here may notify observers.
func (t *Track) apply(ctx context.Context, changes map[change]any) ([]grouping, error) {
	var touched []grouping
	touch := func(gs ...grouping) {
		for _, g := range gs {
			if g != nil {
				touched = append(touched, g)
			}
		}
	}

	for c, v := range changes {
		switch c {
		case chTitle:
			t.title = v.(string)
		case chComment:
			t.comment = v.(string)
		case chTrackNumber:
			t.trackNumber = v.(int)
		case chDiscNumber:
			t.discNumber = v.(int)
		case chBPM:
			t.bpm = v.(float64)
		case chBitrate:
			t.bitrate = v.(int)
		case chLength:
			t.length = v.(int64)
		case chSampleRate:
			t.sampleRate = v.(int)
		case chFilesize:
			t.filesize = v.(int64)
		case chFiletype:
			t.filetype = v.(int)
		case chCreateDate:
			t.createDate = v.(time.Time)
		case chModifyDate:
			t.modifyDate = v.(time.Time)
		case chTrackGain:
			t.trackGain = v.(float64)
		case chTrackPeakGain:
			t.trackPeakGain = v.(float64)
		case chAlbumGain:
			t.albumGain = v.(float64)
		case chAlbumPeakGain:
			t.albumPeakGain = v.(float64)
		case chScore:
			t.score = v.(float64)
		case chRating:
			t.rating = v.(int)
		case chPlayCount:
			t.playCount = v.(int)
		case chFirstPlayed:
			t.firstPlayed = v.(time.Time)
		case chLastPlayed:
			t.lastPlayed = v.(time.Time)
		}
	}

	if v, ok := changes[chURL]; ok {
		url := v.(trackURL)
		if url.deviceID != t.deviceID || url.rpath != t.rpath {
			if err := t.reg.UpdateCachedPath(t.deviceID, t.rpath, url.deviceID, url.rpath); err != nil {
				util.WarnLog("Not moving track %s to %s: %v", t.uid, url.rpath, err)
				// the directory may still change
				url.deviceID, url.rpath = t.deviceID, t.rpath
			}
		}
		t.deviceID, t.rpath, t.directoryID = url.deviceID, url.rpath, url.directoryID
	}

	if v, ok := changes[chUID]; ok {
		uid := v.(string)
		if uid != t.uid {
			if err := t.reg.UpdateCachedUID(t.uid, uid); err != nil {
				util.WarnLog("Not changing uid of track %s: %v", t.uid, err)
			} else {
				t.uid = uid
			}
		}
	}

	oldArtist := t.artist.wp.Value()
	if oldArtist == nil && t.artist.id > 0 {
		a, err := t.reg.ArtistByID(ctx, t.artist.id)
		if err != nil {
			util.WarnLog("Failed to look up artist %d of track %s: %v", t.artist.id, t.uid, err)
		}
		oldArtist = a
	}
	oldAlbum := t.album.wp.Value()
	if oldAlbum == nil && t.album.id > 0 {
		a, err := t.reg.AlbumByID(ctx, t.album.id)
		if err != nil {
			util.WarnLog("Failed to look up album %d of track %s: %v", t.album.id, t.uid, err)
		}
		oldAlbum = a
	}

	if v, ok := changes[chArtist]; ok {
		artist, err := t.reg.artistOrNil(ctx, v.(string))
		if err != nil {
			return nil, err
		}
		if artist != oldArtist {
			t.artist = refTo(idOf(artist), artist)
			touch(asGrouping(oldArtist), asGrouping(artist))

			// an album belonging to the old track artist follows the track
			_, albumChanged := changes[chAlbum]
			_, artistChanged := changes[chAlbumArtist]
			_, refChanged := changes[chAlbumRef]
			if oldAlbum != nil && oldArtist != nil && oldAlbum.AlbumArtist() == oldArtist &&
				!albumChanged && !artistChanged && !refChanged {
				name := ""
				if artist != nil {
					name = artist.Name()
				}
				changes[chAlbumArtist] = name
			}
		}
	}

	newAlbum := oldAlbum
	if v, ok := changes[chAlbumRef]; ok {
		newAlbum = v.(*Album)
	} else {
		nameV, albumChanged := changes[chAlbum]
		artistV, artistChanged := changes[chAlbumArtist]
		if albumChanged || artistChanged {
			name := ""
			if albumChanged {
				name = nameV.(string)
			} else if oldAlbum != nil {
				name = oldAlbum.Name()
			}

			albumArtist := ""
			switch {
			case artistChanged:
				albumArtist = artistV.(string)
			case oldAlbum != nil && oldAlbum.HasAlbumArtist():
				albumArtist = oldAlbum.AlbumArtist().Name()
			}

			album, err := t.reg.album(ctx, name, albumArtist)
			if err != nil {
				return nil, err
			}
			newAlbum = album
		}
	}
	if newAlbum != oldAlbum {
		t.album = refTo(idOf(newAlbum), newAlbum)
		touch(asGrouping(oldAlbum), asGrouping(newAlbum))
	}

	if v, ok := changes[chGenre]; ok {
		genre, err := t.reg.genreOrNil(ctx, v.(string))
		if err != nil {
			return nil, err
		}
		if idOf(genre) != t.genre.id {
			touch(asGrouping(t.genre.wp.Value()), asGrouping(genre))
		}
		t.genre = refTo(idOf(genre), genre)
	}

	if v, ok := changes[chComposer]; ok {
		composer, err := t.reg.composerOrNil(ctx, v.(string))
		if err != nil {
			return nil, err
		}
		if idOf(composer) != t.composer.id {
			touch(asGrouping(t.composer.wp.Value()), asGrouping(composer))
		}
		t.composer = refTo(idOf(composer), composer)
	}

	if v, ok := changes[chYear]; ok {
		var year *Year
		if n := v.(int); n > 0 {
			y, err := t.reg.year(ctx, n)
			if err != nil {
				return nil, err
			}
			year = y
		}
		if idOf(year) != t.year.id {
			touch(asGrouping(t.year.wp.Value()), asGrouping(year))
		}
		t.year = refTo(idOf(year), year)
	}

	return touched, nil
}

// idOf returns the storage id of a possibly nil grouping
func idOf[P interface {
	comparable
	ID() int64
}](p P) int64 {
	var zero P
	if p == zero {
		return 0
	}
	return p.ID()
}

// asGrouping converts a possibly nil pointer into a grouping, keeping nil untyped
func asGrouping[P interface {
	comparable
	grouping
}](p P) grouping {
	var zero P
	if p == zero {
		return nil
	}
	return p
}

// Labels returns the labels attached to the track
func (t *Track) Labels(ctx context.Context) ([]*Label, error) {
	t.mu.RLock()
	if t.labelsLoaded {
		labels := t.labels
		t.mu.RUnlock()
		return labels, nil
	}
	t.mu.RUnlock()

	qm := t.reg.QueryMaker()
	qm.SetType(query.Label)
	qm.ForTrack(t)
	res, err := qm.RunBlocking(ctx)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.labels = res.Labels
	t.labelsLoaded = true
	return t.labels, nil
}

// AddLabel attaches a label, creating it when needed
func (t *Track) AddLabel(ctx context.Context, name string) (*Label, error) {
	label, err := t.reg.Label(ctx, name)
	if err != nil {
		return nil, err
	}
	// the urls row must exist before it can be linked
	if err := t.commit(ctx); err != nil {
		return nil, err
	}
	urlID := t.URLID()
	if urlID <= 0 {
		return nil, fmt.Errorf("track %s has no url id: %w", t.UID(), util.ErrNotFound)
	}

	s := t.reg.storage
	res, err := s.Query(ctx, fmt.Sprintf("SELECT COUNT(*) FROM urls_labels WHERE url = %d AND label = %d;", urlID, label.ID()))
	if err != nil {
		return nil, fmt.Errorf("failed to count labels: %w", err)
	}
	if len(res) > 0 && parseInt(res[0]) > 0 {
		return label, nil
	}
	if _, err := s.Exec(ctx, fmt.Sprintf("INSERT INTO urls_labels(url,label) VALUES (%d,%d);", urlID, label.ID())); err != nil {
		return nil, fmt.Errorf("failed to attach label: %w", err)
	}

	t.mu.Lock()
	if t.labelsLoaded {
		t.labels = append(t.labels, label)
	}
	t.mu.Unlock()

	label.invalidateCache()
	t.reg.observers.entityUpdated(t)
	return label, nil
}

// RemoveLabel detaches a label
func (t *Track) RemoveLabel(ctx context.Context, label *Label) error {
	urlID := t.URLID()
	if _, err := t.reg.storage.Exec(ctx, fmt.Sprintf("DELETE FROM urls_labels WHERE label = %d AND url = %d;", label.ID(), urlID)); err != nil {
		return fmt.Errorf("failed to detach label: %w", err)
	}

	t.mu.Lock()
	if t.labelsLoaded {
		kept := t.labels[:0]
		for _, l := range t.labels {
			if l != label {
				kept = append(kept, l)
			}
		}
		t.labels = kept
	}
	t.mu.Unlock()

	label.invalidateCache()
	t.reg.observers.entityUpdated(t)
	return nil
}

// Remove deletes the track and its dependent rows from storage. The file is not touched.
func (t *Track) Remove(ctx context.Context) error {
	t.mu.Lock()
	t.pending = make(map[change]any)
	urlID, uid := t.urlID, t.uid
	t.mu.Unlock()

	if err := t.reg.RemoveTrack(ctx, urlID, uid); err != nil {
		return err
	}

	groupings := []grouping{asGrouping(t.Artist()), asGrouping(t.Album()), asGrouping(t.Composer()),
		asGrouping(t.Genre()), asGrouping(t.Year())}

	t.mu.Lock()
	t.artist, t.album, t.genre, t.composer, t.year = ref[Artist]{}, ref[Album]{}, ref[Genre]{}, ref[Composer]{}, ref[Year]{}
	t.urlID, t.trackID, t.statisticsID = 0, 0, 0
	t.mu.Unlock()

	for _, g := range groupings {
		if g != nil {
			g.invalidateCache()
			t.reg.observers.entityUpdated(g)
		}
	}
	t.reg.observers.trackRemoved(t)
	t.reg.observers.collectionChanged()
	return nil
}
