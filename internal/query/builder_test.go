package query

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/franz/music-collection/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sqliteEscaper struct{}

func (sqliteEscaper) Escape(text string) string { return strings.ReplaceAll(text, "'", "''") }
func (sqliteEscaper) CaseInsensitive() string   { return " COLLATE NOCASE" }
func (sqliteEscaper) LikeEscape() string        { return ` ESCAPE '\'` }

type fixedDevices []int

func (d fixedDevices) MountedDeviceIDs() []int { return d }

func newBuilder() *Builder {
	return New(sqliteEscaper{}, nil)
}

// squash collapses runs of whitespace so assertions do not depend on clause padding
func squash(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

func TestTrackQueryJoinsOnlyWhatItNeeds(t *testing.T) {
	b := newBuilder().SetType(Track).AddFilter(FieldTitle, "love", false, false)
	sql := b.SQL()
	require.NoError(t, b.Err())

	for _, table := range []string{"artists", "albums", "genres", "composers", "years"} {
		assert.NotContains(t, sql, "JOIN "+table, "unexpected join to %s", table)
	}
	assert.True(t, b.Joins().Equal(TableTags, TableURLs, TableStatistics), "joins were %s", b.Joins())
	assert.Contains(t, sql, "FROM tracks INNER JOIN urls ON tracks.url = urls.id LEFT JOIN statistics ON urls.id = statistics.url")
}

func TestTrackQueryJoinsReferencedGroupings(t *testing.T) {
	b := newBuilder().SetType(Track).MatchGenre("Jazz").AddFilter(FieldAlbumArtist, "Miles", false, false)
	sql := b.SQL()

	assert.Contains(t, sql, " LEFT JOIN genres ON tracks.genre = genres.id")
	assert.Contains(t, sql, " LEFT JOIN albums ON tracks.album = albums.id")
	assert.Contains(t, sql, " LEFT JOIN artists AS albumartists ON albums.artist = albumartists.id")
	assert.NotContains(t, sql, "LEFT JOIN artists ON")
	assert.Contains(t, sql, " AND genres.name = 'Jazz'")
}

func TestArtistQuery(t *testing.T) {
	sql := newBuilder().SetType(Artist).SQL()
	assert.Equal(t,
		"SELECT DISTINCT artists.name, artists.id FROM artists JOIN tracks ON tracks.artist = artists.id "+
			"INNER JOIN urls ON tracks.url = urls.id WHERE 1;",
		sql)
}

func TestGroupingQueryFromClauses(t *testing.T) {
	tests := []struct {
		typ  Type
		want string
	}{
		{Album, "SELECT DISTINCT albums.name, albums.id, albums.artist FROM albums JOIN tracks ON tracks.album = albums.id"},
		{AlbumArtist, "SELECT DISTINCT albumartists.name, albumartists.id FROM albums JOIN tracks ON tracks.album = albums.id"},
		{Genre, "SELECT DISTINCT genres.name, genres.id FROM genres INNER JOIN tracks ON tracks.genre = genres.id"},
		{Composer, "SELECT DISTINCT composers.name, composers.id FROM composers JOIN tracks ON tracks.composer = composers.id"},
		{Year, "SELECT DISTINCT years.name, years.id FROM years JOIN tracks ON tracks.year = years.id"},
		{Label, "SELECT DISTINCT labels.label, labels.id FROM labels INNER JOIN urls_labels ON labels.id = urls_labels.label INNER JOIN tracks ON urls_labels.url = tracks.url"},
	}

	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			sql := newBuilder().SetType(tt.typ).SQL()
			assert.True(t, strings.HasPrefix(sql, tt.want), "got %s", sql)
			assert.Contains(t, sql, "INNER JOIN urls ON tracks.url = urls.id")
		})
	}
}

func TestAlbumArtistSelfJoin(t *testing.T) {
	sql := newBuilder().SetType(AlbumArtist).SQL()
	assert.Contains(t, sql, "LEFT JOIN artists AS albumartists ON albums.artist = albumartists.id")
}

func TestSetTypeIsOneTime(t *testing.T) {
	b := newBuilder().SetType(Genre).SetType(Artist)
	assert.Equal(t, Genre, b.Type())
	assert.Contains(t, b.SQL(), "FROM genres")
}

func TestNumberFilters(t *testing.T) {
	sql := newBuilder().SetType(Track).
		AddNumberFilter(FieldRating, 5, GreaterThan).
		ExcludeNumberFilter(FieldPlayCount, 0, GreaterThan).
		ExcludeNumberFilter(FieldLength, 60, LessThan).
		ExcludeNumberFilter(FieldYear, 1999, Equals).
		SQL()
	sql = squash(sql)

	assert.Contains(t, sql, " AND statistics.rating > 5 ")
	assert.Contains(t, sql, " AND (statistics.playcount <= 0 or statistics.playcount is null)")
	assert.Contains(t, sql, " AND (tracks.length >= 60 or tracks.length is null)")
	assert.Contains(t, sql, " AND (years.name != 1999 or years.name is null)")
}

func TestLikeEscaping(t *testing.T) {
	b := newBuilder()
	got := b.likeCondition(`50%_a\b'c`, true, true)
	assert.Equal(t, ` LIKE '%50\%\_a\\b''c%' COLLATE NOCASE ESCAPE '\' `, got)

	assert.Equal(t, ` LIKE 'abc%' COLLATE NOCASE ESCAPE '\' `, b.likeCondition("abc", false, true))
	assert.Equal(t, ` = 'it''s' COLLATE NOCASE `, b.likeCondition("it's", false, false))
}

func TestFilterGroups(t *testing.T) {
	sql := newBuilder().SetType(Track).
		BeginOr().
		AddFilter(FieldArtist, "a", false, false).
		AddFilter(FieldGenre, "b", false, false).
		EndGroup().
		ExcludeFilter(FieldTitle, "live", false, false).
		SQL()
	sql = squash(sql)

	assert.Contains(t, sql, " AND ( 1 AND ( 0 OR artists.name LIKE '%a%'")
	assert.Contains(t, sql, " OR genres.name LIKE '%b%'")
	assert.Contains(t, sql, ") AND NOT tracks.title LIKE '%live%'")
}

func TestSpecialFilters(t *testing.T) {
	sql := newBuilder().SetType(Track).
		AddFilter(FieldAlbumArtist, "", false, false).
		AddFilter(FieldLabel, "fav", true, true).
		SQL()
	sql = squash(sql)

	assert.Contains(t, sql, " AND ( albums.artist IS NULL or albumartists.name = '')")
	assert.Contains(t, sql, "tracks.url IN (SELECT a.url FROM urls_labels a INNER JOIN labels b ON a.label = b.id WHERE b.label = 'fav' COLLATE NOCASE )")
}

func TestMatches(t *testing.T) {
	sql := newBuilder().SetType(Track).
		MatchArtist("", TrackArtists).
		MatchAlbum("Kind of Blue", "Miles Davis", true).
		MatchYear("").
		MatchLabelID(3).
		MatchTrackPath(-1, "./x/it's.mp3").
		SQL()

	assert.Contains(t, sql, " AND ( artists.name IS NULL OR artists.name = '')")
	assert.Contains(t, sql, " AND albums.name = 'Kind of Blue' AND albumartists.name = 'Miles Davis'")
	assert.Contains(t, sql, " AND tracks.year IS NULL")
	assert.Contains(t, sql, " AND tracks.url in (SELECT url FROM urls_labels WHERE label = 3)")
	assert.Contains(t, sql, " AND urls.deviceid = -1 AND urls.rpath = './x/it''s.mp3'")

	comp := newBuilder().SetType(Track).MatchAlbum("Hits", "", false).SQL()
	assert.Contains(t, comp, " AND albums.name = 'Hits' AND albums.artist IS NULL")

	either := newBuilder().SetType(Album).MatchArtist("X", AlbumOrTrackArtists).SQL()
	assert.Contains(t, either, " AND ( (artists.name = 'X' ) OR ( albumartists.name = 'X' ) )")
}

func TestModesOrderLimitAndDevices(t *testing.T) {
	b := New(sqliteEscaper{}, fixedDevices{-1, 2}).SetType(Album).
		SetAlbumMode(OnlyCompilations).
		SetLabelMode(OnlyWithoutLabels).
		OrderBy(FieldAlbum, false).
		OrderBy(FieldYear, true).
		Limit(10)
	sql := b.SQL()

	assert.Contains(t, sql, " WHERE 1 AND urls.deviceid in (-1,2)")
	assert.Contains(t, sql, " AND albums.artist IS NULL ")
	assert.Contains(t, sql, " AND tracks.url NOT IN  (SELECT DISTINCT url FROM urls_labels) ")
	assert.Contains(t, sql, " ORDER BY albums.name ASC ,years.name DESC ")
	assert.True(t, strings.HasSuffix(sql, " LIMIT 10 OFFSET 0 ;"), "got %s", sql)
}

func TestCustomQueries(t *testing.T) {
	sql := newBuilder().SetType(Custom).
		AddReturnFunction(Count, FieldURL).
		AddReturnFunction(Sum, FieldLength).
		SQL()
	assert.Equal(t, "SELECT COUNT(urls.rpath),SUM(tracks.length) FROM tracks INNER JOIN urls ON tracks.url = urls.id WHERE 1;", sql)

	grouped := newBuilder().SetType(Custom).
		AddReturnValue(FieldArtist).
		AddReturnFunction(Count, FieldTitle).
		GroupBy(FieldArtist).
		SQL()
	assert.Contains(t, grouped, "SELECT artists.name,COUNT(tracks.title) FROM tracks INNER JOIN urls")
	assert.Contains(t, grouped, " GROUP BY artists.name")

	albums := newBuilder().SetType(Custom).AddReturnFunction(Count, FieldAlbum).SQL()
	assert.Equal(t, "SELECT COUNT(albums.name) FROM albums WHERE 1;", albums)

	// return values are ignored outside Custom queries
	track := newBuilder().SetType(Track).AddReturnValue(FieldTitle)
	assert.NotContains(t, track.SQL(), ",tracks.title")
}

func TestCompiledBuilderRejectsCriteria(t *testing.T) {
	b := newBuilder().SetType(Track)
	first := b.SQL()
	b.AddFilter(FieldTitle, "late", false, false)

	assert.ErrorIs(t, b.Err(), ErrCompiled)
	assert.Equal(t, first, b.SQL())
}

func TestNoTypeCompilesNothing(t *testing.T) {
	assert.Empty(t, newBuilder().AddFilter(FieldTitle, "x", false, false).SQL())
}

func TestParseNames(t *testing.T) {
	typ, err := ParseType("AlbumArtist")
	require.NoError(t, err)
	assert.Equal(t, AlbumArtist, typ)

	_, err = ParseType("none")
	assert.Error(t, err)

	f, err := ParseField("playcount")
	require.NoError(t, err)
	assert.Equal(t, FieldPlayCount, f)
	assert.Equal(t, "playcount", f.String())
}

// Rows with a NULL play count are never excluded by a number filter
func TestExcludeNumberFilterAdmitsNull(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "null.db"))
	require.NoError(t, err)
	defer s.Close()
	_, err = store.NewUpdater(s).Update(ctx)
	require.NoError(t, err)

	for _, stmt := range []string{
		"INSERT INTO urls (id, deviceid, rpath, uniqueid) VALUES (1, -1, './a', 'a'), (2, -1, './b', 'b'), (3, -1, './c', 'c')",
		"INSERT INTO tracks (url, title) VALUES (1, 'played'), (2, 'never'), (3, 'unknown')",
		"INSERT INTO statistics (url, playcount) VALUES (1, 4), (2, 0)",
	} {
		_, err := s.Exec(ctx, stmt)
		require.NoError(t, err)
	}

	sql := New(s, nil).SetType(Custom).
		AddReturnValue(FieldTitle).
		ExcludeNumberFilter(FieldPlayCount, 0, GreaterThan).
		OrderBy(FieldTitle, false).
		SQL()

	rows, err := s.Query(ctx, sql)
	require.NoError(t, err)
	assert.Equal(t, []string{"never", "unknown"}, rows)
}
