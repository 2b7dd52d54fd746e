package meta

import (
	"testing"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		path string
		want PathHints
	}{
		{
			path: "/music/Artist/Album/01 - Artist - Title.mp3",
			want: PathHints{Artist: "Artist", Album: "Album", Title: "Title", TrackNumber: 1},
		},
		{
			path: "/music/The Beatles/Abbey Road/01 - Come Together.flac",
			want: PathHints{Artist: "The Beatles", Album: "Abbey Road", Title: "Come Together", TrackNumber: 1},
		},
		{
			path: "/music/Led Zeppelin/Houses of the Holy/05 Dancing Days.mp3",
			want: PathHints{Artist: "Led Zeppelin", Album: "Houses of the Holy", Title: "Dancing Days", TrackNumber: 5},
		},
		{
			path: "/music/Artist/Album/01_Some_Title.ogg",
			want: PathHints{Artist: "Artist", Album: "Album", Title: "Some Title", TrackNumber: 1},
		},
		{
			path: "/music/Singer - Song.mp3",
			want: PathHints{Artist: "Singer", Title: "Song"},
		},
		{
			path: "/music/Random Song.mp3",
			want: PathHints{Title: "Random Song"},
		},
		{
			path: "/music/Artist/2023 - Album/track.mp3",
			want: PathHints{Artist: "Artist", Album: "Album", Title: "track", Year: 2023},
		},
		{
			path: "/music/Artist/Album (2020)/track.mp3",
			want: PathHints{Artist: "Artist", Album: "Album", Title: "track", Year: 2020},
		},
		{
			path: "/music/Artist/Album/Disc 2/03 - Song.mp3",
			want: PathHints{Artist: "Artist", Album: "Album", Title: "Song", TrackNumber: 3, DiscNumber: 2},
		},
		{
			path: "/music/Artist/Album/CD1/track.mp3",
			want: PathHints{Artist: "Artist", Album: "Album", Title: "track", DiscNumber: 1},
		},
		{
			path: "/music/Various Artists/Jazz Hits/02 - Dave Brubeck - Take Five.mp3",
			want: PathHints{Artist: "Dave Brubeck", Album: "Jazz Hits", Title: "Take Five", TrackNumber: 2, Compilation: true},
		},
		{
			path: "/music/Unknown Artist/Unknown Album/track.mp3",
			want: PathHints{Title: "track"},
		},
		{
			path: "/music/Artist/Album/1999 - Prince.mp3",
			want: PathHints{Artist: "1999", Album: "Album", Title: "Prince"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := ParsePath(tt.path)
			if *got != tt.want {
				t.Errorf("ParsePath(%q) = %+v, want %+v", tt.path, *got, tt.want)
			}
		})
	}
}

func TestFillFromPath(t *testing.T) {
	tags := &Tags{Album: "Tagged Album", TrackNumber: 7}
	FillFromPath(tags, "/music/Miles Davis/Kind of Blue (1959)/01 - So What.flac")

	if tags.Title != "So What" {
		t.Errorf("Expected title So What, got %q", tags.Title)
	}
	if tags.Artist != "Miles Davis" {
		t.Errorf("Expected artist Miles Davis, got %q", tags.Artist)
	}
	if tags.Album != "Tagged Album" {
		t.Errorf("Tagged album must be kept, got %q", tags.Album)
	}
	if tags.TrackNumber != 7 {
		t.Errorf("Tagged track number must be kept, got %d", tags.TrackNumber)
	}
	if tags.Year != 1959 {
		t.Errorf("Expected year 1959, got %d", tags.Year)
	}
	if tags.Compilation {
		t.Error("Expected no compilation")
	}
}

func TestFillFromPath_Compilation(t *testing.T) {
	tags := &Tags{}
	FillFromPath(tags, "/music/Compilations/Best Of/01 - A - B.mp3")
	if !tags.Compilation {
		t.Error("Expected compilation from folder name")
	}

	tags = &Tags{AlbumArtist: "Someone"}
	FillFromPath(tags, "/music/Compilations/Best Of/01 - A - B.mp3")
	if tags.Compilation {
		t.Error("An album artist tag must win over the folder name")
	}
}
