package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrCompiled is returned when criteria are added after the SQL was compiled
var ErrCompiled = errors.New("query already compiled")

// Escaper is the part of the storage gateway the compiler needs
type Escaper interface {
	Escape(text string) string
	CaseInsensitive() string
	LikeEscape() string
}

// Devices supplies the ids of the currently mounted devices.
// An empty list places no restriction on urls.deviceid.
type Devices interface {
	MountedDeviceIDs() []int
}

// Builder accumulates query criteria and compiles them into one SQL statement
type Builder struct {
	esc     Escaper
	devices Devices

	typ             Type
	joins           JoinSet
	distinct        bool
	returnValues    []string
	returnValueType Field

	match    strings.Builder
	filter   strings.Builder
	andStack []bool
	orderBy  []string
	groupBy  []string
	limit    int

	albumMode AlbumMode
	labelMode LabelMode

	sql     string
	emitted JoinSet
	err     error
}

// New creates a Builder. devices may be nil.
func New(esc Escaper, devices Devices) *Builder {
	return &Builder{
		esc:      esc,
		devices:  devices,
		limit:    -1,
		andStack: []bool{true},
	}
}

// Type returns the query type, None until SetType is called
func (b *Builder) Type() Type { return b.typ }

// ReturnValueType returns the field of the last Custom return value
func (b *Builder) ReturnValueType() Field { return b.returnValueType }

// ReturnValueCount returns the number of columns a Custom query returns per row
func (b *Builder) ReturnValueCount() int { return len(b.returnValues) }

// Err returns the first error recorded while accumulating criteria
func (b *Builder) Err() error { return b.err }

// Compiled reports whether SQL has been generated
func (b *Builder) Compiled() bool { return b.sql != "" }

// Joins returns the tables the compiled statement joins, compiling if needed
func (b *Builder) Joins() JoinSet {
	b.SQL()
	return b.emitted
}

func (b *Builder) mutable() bool {
	if b.sql != "" {
		if b.err == nil {
			b.err = ErrCompiled
		}
		return false
	}
	return true
}

func (b *Builder) fail(format string, args ...any) {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
}

// SetType sets the result type. Only the first call has an effect.
func (b *Builder) SetType(t Type) *Builder {
	if b.typ != None || t == None || !b.mutable() {
		return b
	}
	b.typ = t

	switch t {
	case Track:
		b.joins.Add(TableURLs)
		b.joins.Add(TableTags)
		b.joins.Add(TableStatistics)
		b.returnValues = []string{TrackReturnValues}
	case Artist:
		b.distinct = true
		b.joins.Add(TableArtist)
		b.returnValues = []string{"artists.name, artists.id"}
	case Album:
		b.distinct = true
		b.joins.Add(TableAlbum)
		b.returnValues = []string{"albums.name, albums.id, albums.artist"}
	case AlbumArtist:
		b.distinct = true
		b.joins.Add(TableAlbumArtist)
		b.joins.Add(TableAlbum)
		b.returnValues = []string{"albumartists.name, albumartists.id"}
	case Genre:
		b.distinct = true
		b.joins.Add(TableGenre)
		b.returnValues = []string{"genres.name, genres.id"}
	case Composer:
		b.distinct = true
		b.joins.Add(TableComposer)
		b.returnValues = []string{"composers.name, composers.id"}
	case Year:
		b.distinct = true
		b.joins.Add(TableYear)
		b.returnValues = []string{"years.name, years.id"}
	case Label:
		b.distinct = true
		b.joins.Add(TableLabels)
		b.returnValues = []string{"labels.label, labels.id"}
	case Custom:
	}
	return b
}

// nameForField returns the column of a field and records the joins it needs
func (b *Builder) nameForField(f Field) string {
	c, ok := fieldColumns[f]
	if !ok {
		b.fail("unknown field %d", int(f))
		return "NULL"
	}
	if f == FieldLabel && b.typ != Label {
		b.fail("field %s can only be returned or sorted by label queries", f)
	}
	for _, t := range c.tables {
		b.joins.Add(t)
	}
	return c.column
}

func (b *Builder) andOr() string {
	if b.andStack[len(b.andStack)-1] {
		return " AND "
	}
	return " OR "
}

func (b *Builder) escape(text string) string {
	return b.esc.Escape(text)
}

// likeCondition builds the comparison for a text filter. Backslashes are
// doubled first, then the storage escaping is applied, then the pattern
// metacharacters are escaped so the storage escaping does not touch them.
func (b *Builder) likeCondition(text string, anyBegin, anyEnd bool) string {
	if !anyBegin && !anyEnd {
		return " = '" + b.escape(text) + "'" + b.esc.CaseInsensitive() + " "
	}

	escaped := strings.ReplaceAll(text, `\`, `\\`)
	escaped = b.escape(escaped)
	escaped = strings.ReplaceAll(escaped, "%", `\%`)
	escaped = strings.ReplaceAll(escaped, "_", `\_`)

	var sb strings.Builder
	sb.WriteString(" LIKE '")
	if anyBegin {
		sb.WriteByte('%')
	}
	sb.WriteString(escaped)
	if anyEnd {
		sb.WriteByte('%')
	}
	sb.WriteByte('\'')
	sb.WriteString(b.esc.CaseInsensitive())
	sb.WriteString(b.esc.LikeEscape())
	sb.WriteByte(' ')
	return sb.String()
}

// MatchTrackUID restricts the result to the track with the given uid url
func (b *Builder) MatchTrackUID(uid string) *Builder {
	if !b.mutable() {
		return b
	}
	b.joins.Add(TableURLs)
	b.match.WriteString(" AND urls.uniqueid = '" + b.escape(uid) + "'")
	return b
}

// MatchTrackPath restricts the result to the track at a device relative path
func (b *Builder) MatchTrackPath(deviceID int, rpath string) *Builder {
	if !b.mutable() {
		return b
	}
	b.joins.Add(TableURLs)
	fmt.Fprintf(&b.match, " AND urls.deviceid = %d AND urls.rpath = '%s'", deviceID, b.escape(rpath))
	return b
}

// MatchArtist restricts the result to tracks by an artist. An empty name
// matches tracks without artist.
func (b *Builder) MatchArtist(name string, behaviour ArtistMatch) *Builder {
	if !b.mutable() {
		return b
	}
	b.joins.Add(TableArtist)
	if behaviour == AlbumArtists || behaviour == AlbumOrTrackArtists {
		b.joins.Add(TableAlbum)
		b.joins.Add(TableAlbumArtist)
	}

	var artistQuery, albumArtistQuery string
	if name != "" {
		artistQuery = "artists.name = '" + b.escape(name) + "'"
		albumArtistQuery = "albumartists.name = '" + b.escape(name) + "'"
	} else {
		artistQuery = "( artists.name IS NULL OR artists.name = '')"
		albumArtistQuery = "( albumartists.name IS NULL OR albumartists.name = '')"
	}

	switch behaviour {
	case TrackArtists:
		b.match.WriteString(" AND " + artistQuery)
	case AlbumArtists:
		b.match.WriteString(" AND " + albumArtistQuery)
	case AlbumOrTrackArtists:
		b.match.WriteString(" AND ( (" + artistQuery + " ) OR ( " + albumArtistQuery + " ) )")
	}
	return b
}

// MatchAlbum restricts the result to one album. An empty name matches tracks
// without album. Without album artist the album must be a compilation.
func (b *Builder) MatchAlbum(name, albumArtist string, hasAlbumArtist bool) *Builder {
	if !b.mutable() {
		return b
	}
	b.joins.Add(TableAlbum)
	if name == "" {
		b.match.WriteString(" AND ( albums.name IS NULL OR albums.name = '' )")
	} else {
		b.match.WriteString(" AND albums.name = '" + b.escape(name) + "'")
	}

	if hasAlbumArtist {
		b.joins.Add(TableAlbumArtist)
		b.match.WriteString(" AND albumartists.name = '" + b.escape(albumArtist) + "'")
	} else {
		b.match.WriteString(" AND albums.artist IS NULL")
	}
	return b
}

// MatchNoAlbum restricts the result to tracks without album
func (b *Builder) MatchNoAlbum() *Builder {
	if !b.mutable() {
		return b
	}
	b.joins.Add(TableAlbum)
	b.match.WriteString(" AND ( albums.name IS NULL OR albums.name = '' )")
	return b
}

// MatchGenre restricts the result to one genre
func (b *Builder) MatchGenre(name string) *Builder {
	if !b.mutable() {
		return b
	}
	b.joins.Add(TableGenre)
	b.match.WriteString(" AND genres.name = '" + b.escape(name) + "'")
	return b
}

// MatchComposer restricts the result to one composer
func (b *Builder) MatchComposer(name string) *Builder {
	if !b.mutable() {
		return b
	}
	b.joins.Add(TableComposer)
	b.match.WriteString(" AND composers.name = '" + b.escape(name) + "'")
	return b
}

// MatchYear restricts the result to one year. An empty name matches tracks
// without year.
func (b *Builder) MatchYear(name string) *Builder {
	if !b.mutable() {
		return b
	}
	if name == "" {
		b.match.WriteString(" AND tracks.year IS NULL")
		return b
	}
	b.joins.Add(TableYear)
	b.match.WriteString(" AND years.name = '" + b.escape(name) + "'")
	return b
}

// MatchLabelID restricts the result to tracks carrying a stored label
func (b *Builder) MatchLabelID(id int64) *Builder {
	if !b.mutable() {
		return b
	}
	b.joins.Add(TableTags)
	fmt.Fprintf(&b.match, " AND tracks.url in (SELECT url FROM urls_labels WHERE label = %d)", id)
	return b
}

// MatchLabel restricts the result to tracks carrying a label by name
func (b *Builder) MatchLabel(name string) *Builder {
	if !b.mutable() {
		return b
	}
	b.joins.Add(TableTags)
	b.match.WriteString(" AND tracks.url in (SELECT a.url FROM urls_labels a INNER JOIN labels b ON a.label = b.id WHERE b.label = '" +
		b.escape(name) + "')")
	return b
}

// AddFilter adds a text filter. matchBegin and matchEnd anchor the text at
// the start and at the end of the value, both together require equality.
func (b *Builder) AddFilter(f Field, text string, matchBegin, matchEnd bool) *Builder {
	return b.textFilter(f, text, matchBegin, matchEnd, false)
}

// ExcludeFilter is the negation of AddFilter
func (b *Builder) ExcludeFilter(f Field, text string, matchBegin, matchEnd bool) *Builder {
	return b.textFilter(f, text, matchBegin, matchEnd, true)
}

func (b *Builder) textFilter(f Field, text string, matchBegin, matchEnd, exclude bool) *Builder {
	if !b.mutable() {
		return b
	}
	not := ""
	if exclude {
		not = "NOT "
	}

	switch {
	case f == FieldAlbumArtist && text == "":
		b.joins.Add(TableAlbumArtist)
		b.joins.Add(TableAlbum)
		fmt.Fprintf(&b.filter, " %s %s( albums.artist IS NULL or albumartists.name = '') ", b.andOr(), not)
	case f == FieldLabel:
		b.joins.Add(TableTags)
		like := b.likeCondition(text, !matchBegin, !matchEnd)
		fmt.Fprintf(&b.filter, " %s tracks.url %sIN (SELECT a.url FROM urls_labels a INNER JOIN labels b ON a.label = b.id WHERE b.label %s) ",
			b.andOr(), not, like)
	default:
		like := b.likeCondition(text, !matchBegin, !matchEnd)
		fmt.Fprintf(&b.filter, " %s %s%s %s ", b.andOr(), not, b.nameForField(f), like)
	}
	return b
}

// AddNumberFilter keeps rows whose field compares to n
func (b *Builder) AddNumberFilter(f Field, n int64, cmp Comparison) *Builder {
	if !b.mutable() {
		return b
	}
	var op string
	switch cmp {
	case Equals:
		op = "="
	case GreaterThan:
		op = ">"
	case LessThan:
		op = "<"
	}
	fmt.Fprintf(&b.filter, " %s %s %s %d ", b.andOr(), b.nameForField(f), op, n)
	return b
}

// ExcludeNumberFilter drops rows whose field compares to n. NULL means
// undefined, so rows with a NULL field are never excluded.
func (b *Builder) ExcludeNumberFilter(f Field, n int64, cmp Comparison) *Builder {
	if !b.mutable() {
		return b
	}
	var op string
	switch cmp {
	case Equals:
		op = "!="
	case GreaterThan:
		op = "<="
	case LessThan:
		op = ">="
	}
	col := b.nameForField(f)
	fmt.Fprintf(&b.filter, " %s (%s %s %d or %s is null)", b.andOr(), col, op, n, col)
	return b
}

// AddReturnValue adds a returned column to a Custom query
func (b *Builder) AddReturnValue(f Field) *Builder {
	if b.typ != Custom || !b.mutable() {
		return b
	}
	b.returnValues = append(b.returnValues, b.nameForField(f))
	b.returnValueType = f
	return b
}

// AddReturnFunction adds an aggregated column to a Custom query
func (b *Builder) AddReturnFunction(fn ReturnFunction, f Field) *Builder {
	if b.typ != Custom || !b.mutable() {
		return b
	}
	name := fn.sql()
	if name == "" {
		b.fail("unknown return function %d", int(fn))
		return b
	}
	b.returnValues = append(b.returnValues, name+"("+b.nameForField(f)+")")
	b.returnValueType = f
	return b
}

// GroupBy groups the rows of a Custom query by a field
func (b *Builder) GroupBy(f Field) *Builder {
	if b.typ != Custom || !b.mutable() {
		return b
	}
	b.groupBy = append(b.groupBy, b.nameForField(f))
	return b
}

// OrderBy sorts the result by a field
func (b *Builder) OrderBy(f Field, descending bool) *Builder {
	if !b.mutable() {
		return b
	}
	dir := "ASC"
	if descending {
		dir = "DESC"
	}
	b.orderBy = append(b.orderBy, b.nameForField(f)+" "+dir+" ")
	return b
}

// Limit caps the number of returned rows. A negative value removes the cap.
func (b *Builder) Limit(n int) *Builder {
	if !b.mutable() {
		return b
	}
	b.limit = n
	return b
}

// SetAlbumMode restricts the query to normal albums or to compilations
func (b *Builder) SetAlbumMode(mode AlbumMode) *Builder {
	if !b.mutable() {
		return b
	}
	if mode != AllAlbums {
		b.joins.Add(TableAlbum)
	}
	b.albumMode = mode
	return b
}

// SetLabelMode restricts the query to tracks with or without labels
func (b *Builder) SetLabelMode(mode LabelMode) *Builder {
	if !b.mutable() {
		return b
	}
	if mode != NoConstraint {
		b.joins.Add(TableTags)
	}
	b.labelMode = mode
	return b
}

// BeginAnd opens a filter group whose members must all match
func (b *Builder) BeginAnd() *Builder {
	if !b.mutable() {
		return b
	}
	b.filter.WriteString(b.andOr() + " ( 1 ")
	b.andStack = append(b.andStack, true)
	return b
}

// BeginOr opens a filter group where one matching member suffices
func (b *Builder) BeginOr() *Builder {
	if !b.mutable() {
		return b
	}
	b.filter.WriteString(b.andOr() + " ( 0 ")
	b.andStack = append(b.andStack, false)
	return b
}

// EndGroup closes the innermost BeginAnd or BeginOr
func (b *Builder) EndGroup() *Builder {
	if !b.mutable() {
		return b
	}
	if len(b.andStack) == 1 {
		b.fail("EndGroup without open group")
		return b
	}
	b.filter.WriteString(")")
	b.andStack = b.andStack[:len(b.andStack)-1]
	return b
}

// SQL compiles the statement on first use and returns it. It returns an
// empty string when no type was set.
func (b *Builder) SQL() string {
	if b.sql == "" && b.typ != None {
		b.build()
	}
	return b.sql
}

// linkTables writes the FROM clause and returns the joins it emitted
func (b *Builder) linkTables(from *strings.Builder) JoinSet {
	joins := b.joins
	emitted := JoinSet{}

	joinTracks := func(on string) {
		from.WriteString(" JOIN tracks ON " + on)
		emitted.Add(TableTags)
	}

	switch b.typ {
	case Track:
		from.WriteString("tracks")
		emitted.Add(TableTags)
		joins.Remove(TableTags)
	case Artist:
		from.WriteString("artists")
		emitted.Add(TableArtist)
		if !joins.Equal(TableArtist) {
			joinTracks("tracks.artist = artists.id")
		}
		joins.Remove(TableArtist)
	case Album, AlbumArtist:
		from.WriteString("albums")
		emitted.Add(TableAlbum)
		if !joins.Equal(TableAlbum) && !joins.Equal(TableAlbum, TableAlbumArtist) {
			joinTracks("tracks.album = albums.id")
		}
		joins.Remove(TableAlbum)
	case Genre:
		from.WriteString("genres")
		emitted.Add(TableGenre)
		if !joins.Equal(TableGenre) {
			from.WriteString(" INNER")
			joinTracks("tracks.genre = genres.id")
		}
		joins.Remove(TableGenre)
	case Composer:
		from.WriteString("composers")
		emitted.Add(TableComposer)
		if !joins.Equal(TableComposer) {
			joinTracks("tracks.composer = composers.id")
		}
		joins.Remove(TableComposer)
	case Year:
		from.WriteString("years")
		emitted.Add(TableYear)
		if !joins.Equal(TableYear) {
			joinTracks("tracks.year = years.id")
		}
		joins.Remove(TableYear)
	case Label:
		from.WriteString("labels")
		emitted.Add(TableLabels)
		if !joins.Equal(TableLabels) {
			from.WriteString(" INNER JOIN urls_labels ON labels.id = urls_labels.label" +
				" INNER JOIN tracks ON urls_labels.url = tracks.url")
			emitted.Add(TableTags)
		}
		joins.Remove(TableLabels)
	case Custom:
		own, on := Table(0), ""
		switch b.returnValueType {
		case FieldAlbum:
			own, on = TableAlbum, "tracks.album = albums.id"
		case FieldArtist:
			own, on = TableArtist, "tracks.artist = artists.id"
		case FieldGenre:
			own, on = TableGenre, "tracks.genre = genres.id"
		}
		if on == "" {
			from.WriteString("tracks")
			emitted.Add(TableTags)
			joins.Remove(TableTags)
			break
		}
		from.WriteString(own.String())
		emitted.Add(own)
		joins.Remove(own)
		joins.Remove(TableURLs)
		if joins.Empty() {
			return emitted
		}
		// anything beyond the grouping table itself is reached through tracks
		joinTracks(on)
		joins.Remove(TableTags)
		joins.Add(TableURLs)
	}
	joins.Remove(TableTags)

	if joins.Has(TableURLs) {
		from.WriteString(" INNER JOIN urls ON tracks.url = urls.id")
		emitted.Add(TableURLs)
	}
	if joins.Has(TableArtist) {
		from.WriteString(" LEFT JOIN artists ON tracks.artist = artists.id")
		emitted.Add(TableArtist)
	}
	if joins.Has(TableAlbum) {
		from.WriteString(" LEFT JOIN albums ON tracks.album = albums.id")
		emitted.Add(TableAlbum)
	}
	if joins.Has(TableAlbumArtist) {
		from.WriteString(" LEFT JOIN artists AS albumartists ON albums.artist = albumartists.id")
		emitted.Add(TableAlbumArtist)
	}
	if joins.Has(TableGenre) {
		from.WriteString(" LEFT JOIN genres ON tracks.genre = genres.id")
		emitted.Add(TableGenre)
	}
	if joins.Has(TableComposer) {
		from.WriteString(" LEFT JOIN composers ON tracks.composer = composers.id")
		emitted.Add(TableComposer)
	}
	if joins.Has(TableYear) {
		from.WriteString(" LEFT JOIN years ON tracks.year = years.id")
		emitted.Add(TableYear)
	}
	if joins.Has(TableStatistics) {
		if joins.Has(TableURLs) {
			from.WriteString(" LEFT JOIN statistics ON urls.id = statistics.url")
		} else {
			from.WriteString(" LEFT JOIN statistics ON tracks.url = statistics.url")
		}
		emitted.Add(TableStatistics)
	}
	return emitted
}

func (b *Builder) build() {
	// urls is always needed to restrict the result to mounted devices
	b.joins.Add(TableURLs)

	var from strings.Builder
	b.emitted = b.linkTables(&from)

	var q strings.Builder
	q.WriteString("SELECT ")
	if b.distinct {
		q.WriteString("DISTINCT ")
	}
	q.WriteString(strings.Join(b.returnValues, ","))
	q.WriteString(" FROM ")
	q.WriteString(from.String())
	q.WriteString(" WHERE 1")

	if b.emitted.Has(TableURLs) && b.devices != nil {
		if ids := b.devices.MountedDeviceIDs(); len(ids) > 0 {
			parts := make([]string, len(ids))
			for i, id := range ids {
				parts[i] = strconv.Itoa(id)
			}
			q.WriteString(" AND urls.deviceid in (" + strings.Join(parts, ",") + ")")
		}
	}

	switch b.albumMode {
	case OnlyNormalAlbums:
		q.WriteString(" AND albums.artist IS NOT NULL ")
	case OnlyCompilations:
		q.WriteString(" AND albums.artist IS NULL ")
	}

	switch b.labelMode {
	case OnlyWithLabels:
		q.WriteString(" AND tracks.url IN  (SELECT DISTINCT url FROM urls_labels) ")
	case OnlyWithoutLabels:
		q.WriteString(" AND tracks.url NOT IN  (SELECT DISTINCT url FROM urls_labels) ")
	}

	q.WriteString(b.match.String())

	if b.filter.Len() > 0 {
		q.WriteString(" AND ( 1 ")
		q.WriteString(b.filter.String())
		q.WriteString(" ) ")
	}

	if len(b.groupBy) > 0 {
		q.WriteString(" GROUP BY " + strings.Join(b.groupBy, ","))
	}
	if len(b.orderBy) > 0 {
		q.WriteString(" ORDER BY " + strings.Join(b.orderBy, ","))
	}
	if b.limit > -1 {
		fmt.Fprintf(&q, " LIMIT %d OFFSET 0 ", b.limit)
	}
	q.WriteString(";")

	b.sql = q.String()
}
