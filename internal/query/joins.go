package query

import "strings"

// Table is a physical table a query may need to reach
type Table uint8

const (
	TableTags Table = iota
	TableArtist
	TableAlbum
	TableGenre
	TableComposer
	TableYear
	TableStatistics
	TableURLs
	TableAlbumArtist
	TableLabels
	numTables
)

var tableNames = [numTables]string{
	"tracks", "artists", "albums", "genres", "composers", "years",
	"statistics", "urls", "albumartists", "labels",
}

func (t Table) String() string {
	if t < numTables {
		return tableNames[t]
	}
	return "unknown"
}

// JoinSet is a set of tables keyed by Table
type JoinSet struct {
	bits uint16
}

// NewJoinSet returns a set holding the given tables
func NewJoinSet(tables ...Table) JoinSet {
	var s JoinSet
	for _, t := range tables {
		s.Add(t)
	}
	return s
}

func (s *JoinSet) Add(t Table)    { s.bits |= 1 << t }
func (s *JoinSet) Remove(t Table) { s.bits &^= 1 << t }
func (s JoinSet) Has(t Table) bool {
	return s.bits&(1<<t) != 0
}
func (s JoinSet) Empty() bool { return s.bits == 0 }

// Equal reports whether s holds exactly the given tables
func (s JoinSet) Equal(tables ...Table) bool {
	return s == NewJoinSet(tables...)
}

// Tables lists the members in declaration order
func (s JoinSet) Tables() []Table {
	var out []Table
	for t := Table(0); t < numTables; t++ {
		if s.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

func (s JoinSet) String() string {
	var names []string
	for _, t := range s.Tables() {
		names = append(names, t.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}

// fieldColumns maps each field to its column expression and the tables needed to reach it
var fieldColumns = map[Field]struct {
	column string
	tables []Table
}{
	FieldURL:         {"urls.rpath", []Table{TableURLs}},
	FieldTitle:       {"tracks.title", []Table{TableTags}},
	FieldArtist:      {"artists.name", []Table{TableArtist}},
	FieldAlbum:       {"albums.name", []Table{TableAlbum}},
	FieldAlbumArtist: {"albumartists.name", []Table{TableAlbumArtist, TableAlbum}},
	FieldGenre:       {"genres.name", []Table{TableGenre}},
	FieldComposer:    {"composers.name", []Table{TableComposer}},
	FieldYear:        {"years.name", []Table{TableYear}},
	FieldBPM:         {"tracks.bpm", []Table{TableTags}},
	FieldComment:     {"tracks.comment", []Table{TableTags}},
	FieldTrackNr:     {"tracks.tracknumber", []Table{TableTags}},
	FieldDiscNr:      {"tracks.discnumber", []Table{TableTags}},
	FieldLength:      {"tracks.length", []Table{TableTags}},
	FieldBitrate:     {"tracks.bitrate", []Table{TableTags}},
	FieldSampleRate:  {"tracks.samplerate", []Table{TableTags}},
	FieldFilesize:    {"tracks.filesize", []Table{TableTags}},
	FieldFormat:      {"tracks.filetype", []Table{TableTags}},
	FieldCreateDate:  {"tracks.createdate", []Table{TableTags}},
	FieldModified:    {"tracks.modifydate", []Table{TableTags}},
	FieldScore:       {"statistics.score", []Table{TableStatistics}},
	FieldRating:      {"statistics.rating", []Table{TableStatistics}},
	FieldFirstPlayed: {"statistics.createdate", []Table{TableStatistics}},
	FieldLastPlayed:  {"statistics.accessdate", []Table{TableStatistics}},
	FieldPlayCount:   {"statistics.playcount", []Table{TableStatistics}},
	FieldUniqueID:    {"urls.uniqueid", []Table{TableURLs}},
	FieldLabel:       {"labels.label", []Table{TableLabels}},
}

// Track queries read ids of their groupings instead of joining them.
// The column order is described by the TrackCol constants.
const TrackReturnValues = "urls.id, urls.deviceid, urls.rpath, urls.directory, urls.uniqueid, " +
	"tracks.id, tracks.title, tracks.comment, tracks.tracknumber, tracks.discnumber, " +
	"tracks.bitrate, tracks.length, tracks.samplerate, tracks.filesize, tracks.filetype, tracks.bpm, " +
	"tracks.createdate, tracks.modifydate, " +
	"tracks.albumgain, tracks.albumpeakgain, tracks.trackgain, tracks.trackpeakgain, " +
	"tracks.artist, tracks.album, tracks.genre, tracks.composer, tracks.year, " +
	"statistics.id, statistics.score, statistics.rating, statistics.playcount, " +
	"statistics.createdate, statistics.accessdate"

// TrackJoinConditions reaches every TrackReturnValues column starting from urls
const TrackJoinConditions = "LEFT JOIN tracks ON urls.id = tracks.url " +
	"LEFT JOIN statistics ON urls.id = statistics.url"

// Column positions of TrackReturnValues
const (
	TrackColURLID = iota
	TrackColDeviceID
	TrackColRPath
	TrackColDirectory
	TrackColUID
	TrackColTrackID
	TrackColTitle
	TrackColComment
	TrackColTrackNumber
	TrackColDiscNumber
	TrackColBitrate
	TrackColLength
	TrackColSampleRate
	TrackColFilesize
	TrackColFiletype
	TrackColBPM
	TrackColCreateDate
	TrackColModifyDate
	TrackColAlbumGain
	TrackColAlbumPeakGain
	TrackColTrackGain
	TrackColTrackPeakGain
	TrackColArtistID
	TrackColAlbumID
	TrackColGenreID
	TrackColComposerID
	TrackColYearID
	TrackColStatisticsID
	TrackColScore
	TrackColRating
	TrackColPlayCount
	TrackColFirstPlayed
	TrackColLastPlayed
	TrackColumnCount
)

// Column counts of the grouping query types
const (
	NameIDColumnCount = 2 // name, id
	AlbumColumnCount  = 3 // name, id, artist
)
