package collection

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/franz/music-collection/internal/util"
)

// tableCommitter writes one of the three tables a track lives in.
// Methods taking a track are called with its mutex held.
type tableCommitter interface {
	table() string
	columns() []string
	// keyColumns identify a freshly inserted row in a RETURNING result
	keyColumns() []string
	id(t *Track) int64
	setID(t *Track, id int64)
	// ready reports whether the rows this table depends on exist
	ready(t *Track) bool
	values(t *Track, v sqlValues) []string
	key(t *Track) []string
}

// sqlValues renders Go values as SQL literals. Unset values become NULL.
type sqlValues struct {
	escape func(string) string
}

func (v sqlValues) text(s string) string {
	if s == "" {
		return "NULL"
	}
	return "'" + v.escape(s) + "'"
}

// exact is text that may legitimately be empty
func (v sqlValues) exact(s string) string {
	return "'" + v.escape(s) + "'"
}

func (v sqlValues) positive(n int64) string {
	if n <= 0 {
		return "NULL"
	}
	return strconv.FormatInt(n, 10)
}

func (v sqlValues) raw(n int64) string {
	return strconv.FormatInt(n, 10)
}

func (v sqlValues) float(f float64) string {
	if f <= 0 {
		return "NULL"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (v sqlValues) gain(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (v sqlValues) time(t time.Time) string {
	if t.IsZero() {
		return "NULL"
	}
	return strconv.FormatInt(t.Unix(), 10)
}

type urlsCommitter struct{}

func (urlsCommitter) table() string        { return "urls" }
func (urlsCommitter) columns() []string    { return []string{"deviceid", "rpath", "directory", "uniqueid"} }
func (urlsCommitter) keyColumns() []string { return []string{"deviceid", "rpath"} }
func (urlsCommitter) id(t *Track) int64    { return t.urlID }
func (urlsCommitter) setID(t *Track, id int64) {
	t.urlID = id
}
func (urlsCommitter) ready(*Track) bool { return true }

func (urlsCommitter) values(t *Track, v sqlValues) []string {
	return []string{
		v.raw(int64(t.deviceID)),
		v.exact(t.rpath),
		v.positive(t.directoryID),
		v.text(t.uid),
	}
}

func (urlsCommitter) key(t *Track) []string {
	return []string{strconv.Itoa(t.deviceID), t.rpath}
}

type tracksCommitter struct{}

func (tracksCommitter) table() string { return "tracks" }
func (tracksCommitter) columns() []string {
	return []string{"url", "artist", "album", "genre", "composer", "year", "title", "comment",
		"tracknumber", "discnumber", "bitrate", "length", "samplerate", "filesize", "filetype", "bpm",
		"createdate", "modifydate", "albumgain", "albumpeakgain", "trackgain", "trackpeakgain"}
}
func (tracksCommitter) keyColumns() []string     { return []string{"url"} }
func (tracksCommitter) id(t *Track) int64        { return t.trackID }
func (tracksCommitter) setID(t *Track, id int64) { t.trackID = id }
func (tracksCommitter) ready(t *Track) bool      { return t.urlID > 0 }

func (tracksCommitter) values(t *Track, v sqlValues) []string {
	return []string{
		v.raw(t.urlID),
		v.positive(t.artist.id),
		v.positive(t.album.id),
		v.positive(t.genre.id),
		v.positive(t.composer.id),
		v.positive(t.year.id),
		v.text(t.title),
		v.text(t.comment),
		v.positive(int64(t.trackNumber)),
		v.positive(int64(t.discNumber)),
		v.positive(int64(t.bitrate)),
		v.positive(t.length),
		v.positive(int64(t.sampleRate)),
		v.positive(t.filesize),
		v.positive(int64(t.filetype)),
		v.float(t.bpm),
		v.time(t.createDate),
		v.time(t.modifyDate),
		v.gain(t.albumGain),
		v.gain(t.albumPeakGain),
		v.gain(t.trackGain),
		v.gain(t.trackPeakGain),
	}
}

func (tracksCommitter) key(t *Track) []string { return []string{strconv.FormatInt(t.urlID, 10)} }

type statisticsCommitter struct{}

func (statisticsCommitter) table() string { return "statistics" }
func (statisticsCommitter) columns() []string {
	return []string{"url", "createdate", "accessdate", "score", "rating", "playcount"}
}
func (statisticsCommitter) keyColumns() []string     { return []string{"url"} }
func (statisticsCommitter) id(t *Track) int64        { return t.statisticsID }
func (statisticsCommitter) setID(t *Track, id int64) { t.statisticsID = id }
func (statisticsCommitter) ready(t *Track) bool      { return t.urlID > 0 }

// rating and playcount are NOT NULL columns and always written as numbers
func (statisticsCommitter) values(t *Track, v sqlValues) []string {
	return []string{
		v.raw(t.urlID),
		v.time(t.firstPlayed),
		v.time(t.lastPlayed),
		v.float(t.score),
		v.raw(int64(t.rating)),
		v.raw(int64(t.playCount)),
	}
}

func (statisticsCommitter) key(t *Track) []string {
	return []string{strconv.FormatInt(t.urlID, 10)}
}

// commitTracks writes the urls, tracks and statistics rows of every track in
// that order. A track whose rows are rejected is reported in the returned map
// and skipped by the later tables; the other tracks are still written.
func (r *Registry) commitTracks(ctx context.Context, tracks []*Track) (FlushStats, map[*Track]error) {
	stats := FlushStats{
		Inserted: make(map[string]int),
		Updated:  make(map[string]int),
	}
	failed := make(map[*Track]error)
	for _, c := range r.committers {
		r.commitTable(ctx, c, tracks, failed, &stats)
	}
	stats.Tracks = len(tracks) - len(failed)
	return stats, failed
}

type pendingRow struct {
	track  *Track
	id     int64
	values []string
	key    string
}

func (row pendingRow) tuple() string {
	return "(" + strings.Join(row.values, ",") + ")"
}

func joinKey(parts []string) string {
	return strings.Join(parts, "\x1f")
}

func (r *Registry) commitTable(ctx context.Context, c tableCommitter, tracks []*Track, failed map[*Track]error, stats *FlushStats) {
	v := sqlValues{escape: r.storage.Escape}

	var updates, inserts []pendingRow
	for _, t := range tracks {
		if _, ok := failed[t]; ok {
			continue
		}
		t.mu.RLock()
		if !c.ready(t) {
			t.mu.RUnlock()
			util.WarnLog("Track %s has no url row, skipping %s", t.uid, c.table())
			continue
		}
		row := pendingRow{track: t, id: c.id(t), values: c.values(t, v), key: joinKey(c.key(t))}
		t.mu.RUnlock()

		if row.id > 0 {
			updates = append(updates, row)
		} else {
			inserts = append(inserts, row)
		}
	}

	columns := c.columns()
	updated := 0
	for _, row := range updates {
		assignments := make([]string, len(columns))
		for i, col := range columns {
			assignments[i] = col + "=" + row.values[i]
		}
		stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id=%d;", c.table(), strings.Join(assignments, ","), row.id)
		if _, err := r.storage.Exec(ctx, stmt); err != nil {
			failed[row.track] = fmt.Errorf("failed to update %s row %d: %w", c.table(), row.id, err)
			continue
		}
		updated++
	}
	stats.Updated[c.table()] += updated
	r.metrics.recordRows(c.table(), "update", updated)

	if len(inserts) == 0 {
		return
	}
	inserted := r.insertRows(ctx, c, inserts, failed)
	stats.Inserted[c.table()] += inserted
	r.metrics.recordRows(c.table(), "insert", inserted)
}

// insertRows writes rows with multi-row INSERT statements kept below the
// backend statement limit and hands the generated ids back to the tracks.
// A rejected statement is retried row by row so one bad row only fails its
// own track. It returns the number of rows written.
func (r *Registry) insertRows(ctx context.Context, c tableCommitter, rows []pendingRow, failed map[*Track]error) int {
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", c.table(), strings.Join(c.columns(), ","))
	suffix := ";"
	if r.storage.SupportsReturning() {
		suffix = " RETURNING id," + strings.Join(c.keyColumns(), ",") + ";"
	}
	limit := r.storage.MaxStatementSize() * 3 / 4

	insert := func(stmt string, chunk []pendingRow) error {
		if r.storage.SupportsReturning() {
			return r.insertReturning(ctx, c, stmt, chunk)
		}
		return r.insertContiguous(ctx, c, stmt, chunk)
	}

	written := 0
	var sb strings.Builder
	var chunk []pendingRow
	send := func() {
		if len(chunk) == 0 {
			return
		}
		err := insert(prefix+sb.String()+suffix, chunk)
		switch {
		case err == nil:
			written += len(chunk)
		case len(chunk) == 1:
			failed[chunk[0].track] = err
		default:
			util.WarnLog("Insert of %d %s rows failed, retrying one by one: %v", len(chunk), c.table(), err)
			for _, row := range chunk {
				row.track.mu.RLock()
				done := c.id(row.track) > 0
				row.track.mu.RUnlock()
				if done {
					written++
					continue
				}
				if err := insert(prefix+row.tuple()+suffix, []pendingRow{row}); err != nil {
					failed[row.track] = err
					continue
				}
				written++
			}
		}
		sb.Reset()
		chunk = chunk[:0]
	}

	for _, row := range rows {
		tuple := row.tuple()
		if len(chunk) > 0 && len(prefix)+sb.Len()+1+len(tuple)+len(suffix) > limit {
			send()
		}
		if len(chunk) > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(tuple)
		chunk = append(chunk, row)
	}
	send()
	return written
}

// insertReturning maps RETURNING rows back to tracks by their key columns
func (r *Registry) insertReturning(ctx context.Context, c tableCommitter, stmt string, chunk []pendingRow) error {
	res, err := r.storage.Query(ctx, stmt)
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", c.table(), err)
	}

	byKey := make(map[string]*Track, len(chunk))
	for _, row := range chunk {
		byKey[row.key] = row.track
	}

	width := 1 + len(c.keyColumns())
	assigned := 0
	for i := 0; i+width <= len(res); i += width {
		id := parseInt(res[i])
		t, ok := byKey[joinKey(res[i+1:i+width])]
		if !ok || id <= 0 {
			continue
		}
		t.mu.Lock()
		c.setID(t, id)
		t.mu.Unlock()
		assigned++
	}
	if assigned != len(chunk) {
		return fmt.Errorf("%w: %s returned %d of %d ids", util.ErrInsertFailed, c.table(), assigned, len(chunk))
	}
	return nil
}

// insertContiguous assumes the backend hands out consecutive ids to the rows
// of one statement
func (r *Registry) insertContiguous(ctx context.Context, c tableCommitter, stmt string, chunk []pendingRow) error {
	first, err := r.storage.Insert(ctx, stmt, c.table())
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", c.table(), err)
	}
	for i, row := range chunk {
		row.track.mu.Lock()
		c.setID(row.track, first+int64(i))
		row.track.mu.Unlock()
	}
	return nil
}
