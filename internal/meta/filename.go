package meta

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// PathHints is metadata guessed from a file name and the directories above it
type PathHints struct {
	Artist      string
	Album       string
	Title       string
	TrackNumber int
	DiscNumber  int
	Year        int
	Compilation bool
}

var (
	// "01 - Artist - Title"
	trackArtistTitle = regexp.MustCompile(`^(\d{1,3})\s*-\s*(.+?)\s+-\s+(.+)$`)
	// "01 - Title", "01.Title", "01_Title"
	trackTitle = regexp.MustCompile(`^(\d{1,3})\s*[-_.]\s*(.+)$`)
	// "05 Dancing Days"
	trackSpaceTitle = regexp.MustCompile(`^(\d{1,3})\s+(\D.*)$`)
	// "Artist - Title"
	artistTitle = regexp.MustCompile(`^(.+?)\s+-\s+(.+)$`)

	yearAlbum  = regexp.MustCompile(`^(\d{4})\s*[-_.]\s*(.+)$`)
	albumYear  = regexp.MustCompile(`^(.+?)\s*[(\[](\d{4})[)\]]$`)
	discFolder = regexp.MustCompile(`(?i)^(?:disc|disk|cd)\s*(\d+)$`)
	numeric    = regexp.MustCompile(`^\d+$`)
)

var compilationFolders = map[string]bool{
	"various artists": true,
	"various":         true,
	"va":              true,
	"compilations":    true,
	"compilation":     true,
	"_singles":        true,
}

var unknownFolders = map[string]bool{
	"unknown artist": true,
	"unknown album":  true,
	"music":          true,
}

// ParsePath guesses metadata from a layout like Artist/Album/01 - Title.ext
func ParsePath(path string) *PathHints {
	h := &PathHints{}
	base := filepath.Base(path)
	h.parseName(strings.TrimSuffix(base, filepath.Ext(base)))
	h.parseDirs(filepath.Dir(path))
	return h
}

func (h *PathHints) parseName(name string) {
	if m := trackArtistTitle.FindStringSubmatch(name); m != nil {
		h.TrackNumber, _ = strconv.Atoi(m[1])
		h.Artist = strings.TrimSpace(m[2])
		h.Title = strings.TrimSpace(m[3])
		return
	}
	if m := trackTitle.FindStringSubmatch(name); m != nil {
		h.TrackNumber, _ = strconv.Atoi(m[1])
		h.Title = strings.TrimSpace(strings.ReplaceAll(m[2], "_", " "))
		return
	}
	if m := trackSpaceTitle.FindStringSubmatch(name); m != nil {
		h.TrackNumber, _ = strconv.Atoi(m[1])
		h.Title = strings.TrimSpace(m[2])
		return
	}
	if m := artistTitle.FindStringSubmatch(name); m != nil {
		h.Artist = strings.TrimSpace(m[1])
		h.Title = strings.TrimSpace(m[2])
		return
	}
	h.Title = strings.TrimSpace(name)
}

func (h *PathHints) parseDirs(dir string) {
	var parts []string
	for _, p := range strings.Split(filepath.Clean(dir), string(filepath.Separator)) {
		if p != "" && p != "." {
			parts = append(parts, p)
		}
	}
	if n := len(parts); n > 0 {
		if m := discFolder.FindStringSubmatch(parts[n-1]); m != nil {
			h.DiscNumber, _ = strconv.Atoi(m[1])
			parts = parts[:n-1]
		}
	}

	var album, artist string
	if n := len(parts); n > 0 {
		album = parts[n-1]
		if n > 1 {
			artist = parts[n-2]
		}
	}

	if usableFolder(album) {
		if compilationFolders[strings.ToLower(album)] {
			h.Compilation = true
		} else {
			h.Album, h.Year = splitAlbumYear(album)
		}
	}
	if usableFolder(artist) {
		if compilationFolders[strings.ToLower(artist)] {
			h.Compilation = true
		} else if h.Artist == "" && h.Album != "" {
			h.Artist = artist
		}
	}
}

// splitAlbumYear splits "2023 - Album" and "Album (2023)"
func splitAlbumYear(album string) (string, int) {
	if m := yearAlbum.FindStringSubmatch(album); m != nil {
		year, _ := strconv.Atoi(m[1])
		return strings.TrimSpace(m[2]), year
	}
	if m := albumYear.FindStringSubmatch(album); m != nil {
		year, _ := strconv.Atoi(m[2])
		return strings.TrimSpace(m[1]), year
	}
	return album, 0
}

func usableFolder(name string) bool {
	return name != "" && !numeric.MatchString(name) && !unknownFolders[strings.ToLower(name)]
}

// FillFromPath sets the fields of t that are still empty from the hints of path
func FillFromPath(t *Tags, path string) {
	h := ParsePath(path)
	if t.Title == "" {
		t.Title = h.Title
	}
	if t.Album == "" {
		t.Album = h.Album
	}
	if t.Artist == "" {
		t.Artist = h.Artist
	}
	if t.TrackNumber == 0 {
		t.TrackNumber = h.TrackNumber
	}
	if t.DiscNumber == 0 {
		t.DiscNumber = h.DiscNumber
	}
	if t.Year == 0 {
		t.Year = h.Year
	}
	if h.Compilation && t.AlbumArtist == "" {
		t.Compilation = true
	}
}
