// Package query compiles collection queries into a single SQL statement,
// joining only the tables the requested fields need.
package query

import (
	"fmt"
	"strings"
)

// Type is the kind of result a query produces
type Type int

const (
	None Type = iota
	Track
	Artist
	Album
	AlbumArtist
	Genre
	Composer
	Year
	Label
	Custom
)

var typeNames = map[Type]string{
	None:        "none",
	Track:       "track",
	Artist:      "artist",
	Album:       "album",
	AlbumArtist: "albumartist",
	Genre:       "genre",
	Composer:    "composer",
	Year:        "year",
	Label:       "label",
	Custom:      "custom",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseType converts a name such as "artist" into a Type
func ParseType(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range typeNames {
		if n == name && t != None {
			return t, nil
		}
	}
	return None, fmt.Errorf("unknown query type %q", name)
}

// Field is an entity attribute that can be matched, filtered, sorted or returned
type Field int

const (
	FieldURL Field = iota + 1
	FieldTitle
	FieldArtist
	FieldAlbum
	FieldAlbumArtist
	FieldGenre
	FieldComposer
	FieldYear
	FieldBPM
	FieldComment
	FieldTrackNr
	FieldDiscNr
	FieldLength
	FieldBitrate
	FieldSampleRate
	FieldFilesize
	FieldFormat
	FieldCreateDate
	FieldModified
	FieldScore
	FieldRating
	FieldFirstPlayed
	FieldLastPlayed
	FieldPlayCount
	FieldUniqueID
	FieldLabel
)

var fieldNames = map[Field]string{
	FieldURL:         "url",
	FieldTitle:       "title",
	FieldArtist:      "artist",
	FieldAlbum:       "album",
	FieldAlbumArtist: "albumartist",
	FieldGenre:       "genre",
	FieldComposer:    "composer",
	FieldYear:        "year",
	FieldBPM:         "bpm",
	FieldComment:     "comment",
	FieldTrackNr:     "tracknr",
	FieldDiscNr:      "discnr",
	FieldLength:      "length",
	FieldBitrate:     "bitrate",
	FieldSampleRate:  "samplerate",
	FieldFilesize:    "filesize",
	FieldFormat:      "format",
	FieldCreateDate:  "createdate",
	FieldModified:    "modified",
	FieldScore:       "score",
	FieldRating:      "rating",
	FieldFirstPlayed: "firstplayed",
	FieldLastPlayed:  "lastplayed",
	FieldPlayCount:   "playcount",
	FieldUniqueID:    "uid",
	FieldLabel:       "label",
}

func (f Field) String() string {
	if name, ok := fieldNames[f]; ok {
		return name
	}
	return fmt.Sprintf("field(%d)", int(f))
}

// ParseField converts a name such as "playcount" into a Field
func ParseField(name string) (Field, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for f, n := range fieldNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown field %q", name)
}

// Comparison is the operator of a number filter
type Comparison int

const (
	Equals Comparison = iota
	GreaterThan
	LessThan
)

// ReturnFunction aggregates a returned field in Custom queries
type ReturnFunction int

const (
	Count ReturnFunction = iota
	Sum
	Max
	Min
)

func (f ReturnFunction) sql() string {
	switch f {
	case Count:
		return "COUNT"
	case Sum:
		return "SUM"
	case Max:
		return "MAX"
	case Min:
		return "MIN"
	}
	return ""
}

// AlbumMode restricts which albums a query considers
type AlbumMode int

const (
	AllAlbums AlbumMode = iota
	OnlyNormalAlbums
	OnlyCompilations
)

// LabelMode restricts tracks by whether they carry any label
type LabelMode int

const (
	NoConstraint LabelMode = iota
	OnlyWithLabels
	OnlyWithoutLabels
)

// ArtistMatch selects which artist relation MatchArtist compares against
type ArtistMatch int

const (
	TrackArtists ArtistMatch = iota
	AlbumArtists
	AlbumOrTrackArtists
)
