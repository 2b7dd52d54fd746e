package collection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/franz/music-collection/internal/query"
	"github.com/franz/music-collection/internal/util"
)

// abortCheckRows is how many rows are materialized between abort checks
const abortCheckRows = 256

// Result holds the entities of one query. Only the slice of the query type is set.
type Result struct {
	Type      query.Type
	Tracks    []*Track
	Artists   []*Artist
	Albums    []*Album
	Genres    []*Genre
	Composers []*Composer
	Years     []*Year
	Labels    []*Label
	// Custom rows are flattened; Columns is the row width
	Custom  []string
	Columns int
}

// Len returns the number of entities or rows in the result
func (r *Result) Len() int {
	switch r.Type {
	case query.Track:
		return len(r.Tracks)
	case query.Artist, query.AlbumArtist:
		return len(r.Artists)
	case query.Album:
		return len(r.Albums)
	case query.Genre:
		return len(r.Genres)
	case query.Composer:
		return len(r.Composers)
	case query.Year:
		return len(r.Years)
	case query.Label:
		return len(r.Labels)
	case query.Custom:
		if r.Columns == 0 {
			return 0
		}
		return len(r.Custom) / r.Columns
	}
	return 0
}

// QueryMaker is a query bound to a registry. It runs once, either through
// the executor with Run or on the calling goroutine with RunBlocking.
type QueryMaker struct {
	*query.Builder
	reg *Registry

	mu        sync.Mutex
	used      bool
	onResults []func(*Result)
	onDone    []func(error)
	result    *Result
	err       error

	aborted atomic.Bool
	done    chan struct{}
}

func newQueryMaker(r *Registry) *QueryMaker {
	return &QueryMaker{
		Builder: query.New(r.storage, r.mounts),
		reg:     r,
		done:    make(chan struct{}),
	}
}

// ForTrack restricts the query to one track
func (q *QueryMaker) ForTrack(t *Track) *QueryMaker {
	q.MatchTrackUID(t.UID())
	return q
}

// ForArtist restricts the query to an artist. A nil artist matches tracks without one.
func (q *QueryMaker) ForArtist(a *Artist, behaviour query.ArtistMatch) *QueryMaker {
	name := ""
	if a != nil {
		name = a.Name()
	}
	q.MatchArtist(name, behaviour)
	return q
}

// ForAlbum restricts the query to an album. A nil album matches tracks without one.
func (q *QueryMaker) ForAlbum(a *Album) *QueryMaker {
	if a == nil {
		q.MatchNoAlbum()
		return q
	}
	artist := ""
	if aa := a.AlbumArtist(); aa != nil {
		artist = aa.Name()
	}
	q.MatchAlbum(a.Name(), artist, a.HasAlbumArtist())
	return q
}

func (q *QueryMaker) ForGenre(g *Genre) *QueryMaker {
	q.MatchGenre(g.Name())
	return q
}

func (q *QueryMaker) ForComposer(c *Composer) *QueryMaker {
	q.MatchComposer(c.Name())
	return q
}

// ForYear restricts the query to a year. A nil year matches tracks without one.
func (q *QueryMaker) ForYear(y *Year) *QueryMaker {
	name := ""
	if y != nil {
		name = y.Name()
	}
	q.MatchYear(name)
	return q
}

func (q *QueryMaker) ForLabel(l *Label) *QueryMaker {
	q.MatchLabelID(l.ID())
	return q
}

// OnResults registers a callback receiving the result of an async run
func (q *QueryMaker) OnResults(fn func(*Result)) *QueryMaker {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onResults = append(q.onResults, fn)
	return q
}

// OnDone registers a callback called once an async run has finished
func (q *QueryMaker) OnDone(fn func(error)) *QueryMaker {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDone = append(q.onDone, fn)
	return q
}

func (q *QueryMaker) start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.used {
		return util.ErrQueryUsed
	}
	if q.Type() == query.None {
		return util.ErrNoQueryType
	}
	q.used = true
	return nil
}

// Run queues the query on the executor and returns immediately
func (q *QueryMaker) Run(ctx context.Context) error {
	if err := q.start(); err != nil {
		return err
	}
	if err := q.reg.exec.submit(ctx, q); err != nil {
		q.finish(nil, err)
		return err
	}
	return nil
}

// RunBlocking executes the query on the calling goroutine. No callbacks are called.
func (q *QueryMaker) RunBlocking(ctx context.Context) (*Result, error) {
	if err := q.start(); err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := q.execute(ctx)
	q.reg.metrics.recordQuery(q.Type().String(), outcome(err), time.Since(start))
	q.finish(res, err)
	return res, err
}

// Abort stops an async run. Once aborted no callback is called.
func (q *QueryMaker) Abort() {
	q.aborted.Store(true)
}

// Aborted reports whether Abort was called
func (q *QueryMaker) Aborted() bool { return q.aborted.Load() }

// Done is closed when the query has finished, successfully or not
func (q *QueryMaker) Done() <-chan struct{} { return q.done }

// Err returns the error of a finished query. A query whose storage call
// failed reports it here and never as an empty result.
func (q *QueryMaker) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err == nil {
		return q.Builder.Err()
	}
	return q.err
}

// Result returns the result of a finished query, nil before it finished or on error
func (q *QueryMaker) Result() *Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.result
}

// Wait blocks until the query has finished and returns its result
func (q *QueryMaker) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-q.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.result, q.err
}

func (q *QueryMaker) finish(res *Result, err error) {
	q.mu.Lock()
	q.result, q.err = res, err
	q.mu.Unlock()
	close(q.done)
}

// deliver runs the callbacks of an async run. It is only called from the
// executor delivery goroutine.
func (q *QueryMaker) deliver(res *Result, err error) {
	if err == nil && q.Aborted() {
		res, err = nil, util.ErrAborted
	}

	q.mu.Lock()
	onResults := append(([]func(*Result))(nil), q.onResults...)
	onDone := append(([]func(error))(nil), q.onDone...)
	q.result, q.err = res, err
	q.mu.Unlock()

	if err == nil {
		for _, fn := range onResults {
			if q.Aborted() {
				break
			}
			fn(res)
		}
	}
	for _, fn := range onDone {
		if q.Aborted() {
			break
		}
		fn(err)
	}
	close(q.done)
}

// execute compiles the query, runs it and routes every row through the registry
func (q *QueryMaker) execute(ctx context.Context) (*Result, error) {
	sql := q.SQL()
	if err := q.Builder.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile %s query: %w", q.Type(), err)
	}

	rows, err := q.reg.storage.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to run %s query: %w", q.Type(), err)
	}

	res := &Result{Type: q.Type()}
	width := q.rowWidth()
	res.Columns = width
	if width == 0 {
		return res, nil
	}
	if extra := len(rows) % width; extra != 0 {
		util.WarnLog("Query returned %d values, not a multiple of %d, dropping the trailing row", len(rows), width)
		rows = rows[:len(rows)-extra]
	}

	r := q.reg
	n := 0
	for i := 0; i < len(rows); i += width {
		if n++; n%abortCheckRows == 0 && q.Aborted() {
			return nil, util.ErrAborted
		}
		row := rows[i : i+width]

		switch res.Type {
		case query.Track:
			res.Tracks = append(res.Tracks, r.trackFromRow(row))
		case query.Custom:
			res.Custom = append(res.Custom, row...)
		case query.Album:
			if id := parseInt(row[1]); id > 0 {
				res.Albums = append(res.Albums, r.albumFromRow(ctx, id, row[0], parseInt(row[2])))
			}
		default:
			id := parseInt(row[1])
			if id <= 0 {
				continue
			}
			switch res.Type {
			case query.Artist, query.AlbumArtist:
				res.Artists = append(res.Artists, namedFromRow(r.artists, id, row[0]))
			case query.Genre:
				res.Genres = append(res.Genres, namedFromRow(r.genres, id, row[0]))
			case query.Composer:
				res.Composers = append(res.Composers, namedFromRow(r.composers, id, row[0]))
			case query.Year:
				res.Years = append(res.Years, namedFromRow(r.years, id, row[0]))
			case query.Label:
				res.Labels = append(res.Labels, namedFromRow(r.labels, id, row[0]))
			}
		}
	}
	return res, nil
}

func (q *QueryMaker) rowWidth() int {
	switch q.Type() {
	case query.Track:
		return query.TrackColumnCount
	case query.Album:
		return query.AlbumColumnCount
	case query.Custom:
		return q.ReturnValueCount()
	case query.None:
		return 0
	}
	return query.NameIDColumnCount
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, util.ErrAborted):
		return "aborted"
	}
	return "error"
}
