package meta

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dhowden/tag"

	"github.com/franz/music-collection/internal/util"
)

// Filetype ids stored in tracks.filetype
const (
	FiletypeUnknown = iota
	FiletypeMP3
	FiletypeOgg
	FiletypeFlac
	FiletypeMP4
	FiletypeWMA
	FiletypeAIFF
	FiletypeMPC
	FiletypeTrueAudio
	FiletypeWAV
	FiletypeWavPack
	FiletypeM4A
	FiletypeOpus = 17
)

var extensionFiletypes = map[string]int{
	".mp3":  FiletypeMP3,
	".ogg":  FiletypeOgg,
	".oga":  FiletypeOgg,
	".flac": FiletypeFlac,
	".mp4":  FiletypeMP4,
	".wma":  FiletypeWMA,
	".aiff": FiletypeAIFF,
	".aif":  FiletypeAIFF,
	".mpc":  FiletypeMPC,
	".tta":  FiletypeTrueAudio,
	".wav":  FiletypeWAV,
	".wv":   FiletypeWavPack,
	".m4a":  FiletypeM4A,
	".opus": FiletypeOpus,
}

// FiletypeForPath maps a file extension to its filetype id
func FiletypeForPath(path string) int {
	return extensionFiletypes[strings.ToLower(filepath.Ext(path))]
}

// SupportedExtensions returns the audio extensions the reader knows
func SupportedExtensions() []string {
	exts := make([]string, 0, len(extensionFiletypes))
	for ext := range extensionFiletypes {
		exts = append(exts, ext)
	}
	return exts
}

// Tags is the metadata read from one audio file
type Tags struct {
	Title       string
	Artist      string
	AlbumArtist string
	Album       string
	Genre       string
	Composer    string
	Comment     string
	Year        int
	TrackNumber int
	DiscNumber  int
	Compilation bool
	BPM         float64

	Filetype   int
	Length     time.Duration
	Bitrate    int // kbit/s
	SampleRate int

	TrackGain     float64
	TrackPeakGain float64
	AlbumGain     float64
	AlbumPeakGain float64
	HasAlbumGain  bool
}

// Reader reads tags from audio files. Audio properties come from ffprobe
// when it is enabled and installed.
type Reader struct {
	UseFFprobe bool
}

// NewReader creates a tag reader. ffprobe is used only when useFFprobe is set
// and ffprobe is found in PATH.
func NewReader(useFFprobe bool) *Reader {
	return &Reader{UseFFprobe: useFFprobe && CheckFFprobeAvailable()}
}

// Read returns the tags of the file at path. A file without a title tag is
// filled in from its file name and directories.
func (r *Reader) Read(ctx context.Context, path string) (*Tags, error) {
	t, err := readTags(path)
	if err != nil {
		util.DebugLog("No tags in %s: %v", path, err)
		t = &Tags{}
	}
	if t.Filetype == FiletypeUnknown {
		t.Filetype = FiletypeForPath(path)
	}
	if t.Title == "" {
		FillFromPath(t, path)
	}

	if r != nil && r.UseFFprobe {
		info, err := RunFFprobe(ctx, path)
		if err != nil {
			util.DebugLog("ffprobe failed for %s: %v", path, err)
		} else {
			t.applyFFprobe(info)
		}
	}
	return t, nil
}

func readTags(path string) (*Tags, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read tags: %w", err)
	}

	t := &Tags{
		Title:       m.Title(),
		Artist:      m.Artist(),
		AlbumArtist: m.AlbumArtist(),
		Album:       m.Album(),
		Genre:       m.Genre(),
		Composer:    m.Composer(),
		Comment:     m.Comment(),
		Year:        m.Year(),
		Filetype:    filetypeOf(m.FileType()),
	}
	t.TrackNumber, _ = m.Track()
	t.DiscNumber, _ = m.Disc()
	t.applyRaw(m.Raw())
	return t, nil
}

func filetypeOf(ft tag.FileType) int {
	switch ft {
	case tag.MP3:
		return FiletypeMP3
	case tag.OGG:
		return FiletypeOgg
	case tag.FLAC:
		return FiletypeFlac
	case tag.M4A, tag.M4B, tag.M4P:
		return FiletypeM4A
	case tag.ALAC:
		return FiletypeMP4
	}
	return FiletypeUnknown
}

// rawString returns a raw tag value as text. ID3v2 user frames arrive as
// *tag.Comm, the other formats as strings or numbers.
func rawString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case bool:
		if x {
			return "1"
		}
		return "0"
	case *tag.Comm:
		return x.Text
	}
	return ""
}

// applyRaw picks what the common accessors do not expose out of the raw tags
func (t *Tags) applyRaw(raw map[string]any) {
	for key, v := range raw {
		value := rawString(v)
		name := strings.ToLower(key)
		if c, ok := v.(*tag.Comm); ok && strings.HasPrefix(name, "txxx") {
			name = strings.ToLower(c.Description)
		}
		switch name {
		case "tcmp", "cpil", "compilation":
			t.Compilation = value == "1" || strings.EqualFold(value, "true")
		case "tbpm", "bpm", "tmpo":
			if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
				t.BPM = f
			}
		case "replaygain_track_gain":
			if g, ok := ParseGain(value); ok {
				t.TrackGain = g
			}
		case "replaygain_track_peak":
			if g, ok := ParseGain(value); ok {
				t.TrackPeakGain = g
			}
		case "replaygain_album_gain":
			if g, ok := ParseGain(value); ok {
				t.AlbumGain, t.HasAlbumGain = g, true
			}
		case "replaygain_album_peak":
			if g, ok := ParseGain(value); ok {
				t.AlbumPeakGain = g
			}
		}
	}
	if !t.HasAlbumGain {
		t.AlbumGain, t.AlbumPeakGain = t.TrackGain, t.TrackPeakGain
	}
}

// applyFFprobe fills audio properties and any tag the tag reader left empty
func (t *Tags) applyFFprobe(info *FFprobeInfo) {
	if info.Format != nil {
		if d, err := strconv.ParseFloat(info.Format.Duration, 64); err == nil && d > 0 {
			t.Length = time.Duration(d * float64(time.Second))
		}
		if info.Format.BitRate.Value > 0 {
			t.Bitrate = info.Format.BitRate.Value / 1000
		}
		tags := info.Format.Tags
		fill := func(dst *string, keys ...string) {
			if *dst == "" {
				*dst = getTag(tags, keys...)
			}
		}
		fill(&t.Artist, "artist", "ARTIST")
		fill(&t.Album, "album", "ALBUM")
		fill(&t.AlbumArtist, "album_artist", "ALBUM_ARTIST", "albumartist")
		fill(&t.Genre, "genre", "GENRE")
		fill(&t.Composer, "composer", "COMPOSER")
		if t.Year == 0 {
			t.Year = ParseYear(getTag(tags, "date", "DATE", "year", "YEAR"))
		}
		if t.TrackNumber == 0 {
			t.TrackNumber, _ = SplitNumber(getTag(tags, "track", "TRACK"))
		}
		if t.DiscNumber == 0 {
			t.DiscNumber, _ = SplitNumber(getTag(tags, "disc", "DISC"))
		}
	}

	if s := info.AudioStream(); s != nil {
		t.SampleRate = s.SampleRate.Value
		if t.Bitrate == 0 && s.BitRate.Value > 0 {
			t.Bitrate = s.BitRate.Value / 1000
		}
		if t.Length == 0 {
			if d, err := strconv.ParseFloat(s.Duration, 64); err == nil && d > 0 {
				t.Length = time.Duration(d * float64(time.Second))
			}
		}
	}
}

// getTag retrieves a tag value from a map, trying multiple keys
func getTag(tags map[string]string, keys ...string) string {
	for _, key := range keys {
		if val, ok := tags[key]; ok && val != "" {
			return val
		}
	}
	return ""
}
