package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/franz/music-collection/internal/collection"
	"github.com/franz/music-collection/internal/query"
)

// Source hands out queries over a collection
type Source interface {
	QueryMaker() *collection.QueryMaker
}

// Summary holds statistics of a collection
type Summary struct {
	GeneratedAt  time.Time
	DatabasePath string

	Tracks       int
	TotalLength  time.Duration
	TotalSize    int64
	Artists      int
	Albums       int
	Compilations int
	Genres       int

	TopArtists []ArtistCount
}

// ArtistCount is an artist with the number of its tracks
type ArtistCount struct {
	Name   string
	Tracks int
}

// GenerateSummary computes collection statistics. topArtists limits the
// artist ranking; zero leaves it out.
func GenerateSummary(ctx context.Context, src Source, topArtists int) (*Summary, error) {
	s := &Summary{GeneratedAt: time.Now()}

	totals, err := runCustom(ctx, src, func(q *collection.QueryMaker) {
		q.AddReturnFunction(query.Count, query.FieldURL)
		q.AddReturnFunction(query.Sum, query.FieldLength)
		q.AddReturnFunction(query.Sum, query.FieldFilesize)
	})
	if err != nil {
		return nil, err
	}
	if len(totals) == 3 {
		s.Tracks = int(parseCount(totals[0]))
		s.TotalLength = time.Duration(parseCount(totals[1])) * time.Millisecond
		s.TotalSize = parseCount(totals[2])
	}

	artists, err := runEntities(ctx, src, query.Artist, nil)
	if err != nil {
		return nil, err
	}
	s.Artists = artists.Len()

	genres, err := runEntities(ctx, src, query.Genre, nil)
	if err != nil {
		return nil, err
	}
	s.Genres = genres.Len()

	albums, err := runEntities(ctx, src, query.Album, nil)
	if err != nil {
		return nil, err
	}
	for _, a := range albums.Albums {
		// the unnamed album collects tracks without album tags
		if a.Name() == "" {
			continue
		}
		s.Albums++
		if a.IsCompilation() {
			s.Compilations++
		}
	}

	if topArtists > 0 {
		if s.TopArtists, err = gatherTopArtists(ctx, src, topArtists); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func runEntities(ctx context.Context, src Source, typ query.Type, match func(*collection.QueryMaker)) (*collection.Result, error) {
	q := src.QueryMaker()
	q.SetType(typ)
	if match != nil {
		match(q)
	}
	res, err := q.RunBlocking(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count %s: %w", typ, err)
	}
	return res, nil
}

func runCustom(ctx context.Context, src Source, build func(*collection.QueryMaker)) ([]string, error) {
	res, err := runEntities(ctx, src, query.Custom, build)
	if err != nil {
		return nil, err
	}
	return res.Custom, nil
}

// gatherTopArtists ranks track artists by their number of tracks
func gatherTopArtists(ctx context.Context, src Source, limit int) ([]ArtistCount, error) {
	rows, err := runCustom(ctx, src, func(q *collection.QueryMaker) {
		q.AddReturnValue(query.FieldArtist)
		q.AddReturnFunction(query.Count, query.FieldURL)
		q.GroupBy(query.FieldArtist)
	})
	if err != nil {
		return nil, err
	}

	counts := make([]ArtistCount, 0, len(rows)/2)
	for i := 0; i+1 < len(rows); i += 2 {
		if rows[i] == "" {
			continue
		}
		counts = append(counts, ArtistCount{Name: rows[i], Tracks: int(parseCount(rows[i+1]))})
	}

	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Tracks != counts[j].Tracks {
			return counts[i].Tracks > counts[j].Tracks
		}
		return counts[i].Name < counts[j].Name
	})
	if len(counts) > limit {
		counts = counts[:limit]
	}
	return counts, nil
}

// parseCount reads an aggregate. SUM over no rows is NULL and yields 0.
func parseCount(s string) int64 {
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	f, _ := strconv.ParseFloat(s, 64)
	return int64(f)
}

// FormatLength renders a play time as days, hours and minutes
func FormatLength(d time.Duration) string {
	d = d.Round(time.Minute)
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

// WriteText writes the summary as aligned plain text
func (s *Summary) WriteText(w io.Writer) error {
	var b strings.Builder
	row := func(label, value string) {
		fmt.Fprintf(&b, "%-14s %s\n", label+":", value)
	}

	if s.DatabasePath != "" {
		row("Database", s.DatabasePath)
	}
	row("Tracks", humanize.Comma(int64(s.Tracks)))
	row("Play time", FormatLength(s.TotalLength))
	row("Size", humanize.IBytes(uint64(max(s.TotalSize, 0))))
	row("Artists", humanize.Comma(int64(s.Artists)))
	row("Albums", fmt.Sprintf("%s (%s compilations)",
		humanize.Comma(int64(s.Albums)), humanize.Comma(int64(s.Compilations))))
	row("Genres", humanize.Comma(int64(s.Genres)))

	if len(s.TopArtists) > 0 {
		b.WriteString("\nTop artists\n")
		for i, a := range s.TopArtists {
			fmt.Fprintf(&b, "%3s  %-40s %s\n", humanize.Ordinal(i+1), truncateName(a.Name, 40), humanize.Comma(int64(a.Tracks)))
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteMarkdownReport writes the summary as Markdown
func WriteMarkdownReport(s *Summary, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var md strings.Builder
	md.WriteString("# Music Collection Summary\n\n")
	md.WriteString(fmt.Sprintf("**Generated:** %s\n\n", s.GeneratedAt.Format("2006-01-02 15:04:05")))
	if s.DatabasePath != "" {
		md.WriteString(fmt.Sprintf("**Database:** `%s`\n\n", s.DatabasePath))
	}
	md.WriteString("---\n\n")

	md.WriteString("## Overview\n\n")
	md.WriteString("| Metric | Value |\n")
	md.WriteString("|--------|-------|\n")
	md.WriteString(fmt.Sprintf("| Tracks | %s |\n", humanize.Comma(int64(s.Tracks))))
	md.WriteString(fmt.Sprintf("| Play Time | %s |\n", FormatLength(s.TotalLength)))
	md.WriteString(fmt.Sprintf("| Size | %s |\n", humanize.IBytes(uint64(max(s.TotalSize, 0)))))
	md.WriteString(fmt.Sprintf("| Artists | %s |\n", humanize.Comma(int64(s.Artists))))
	md.WriteString(fmt.Sprintf("| Albums | %s |\n", humanize.Comma(int64(s.Albums))))
	if s.Compilations > 0 {
		md.WriteString(fmt.Sprintf("| Compilations | %s |\n", humanize.Comma(int64(s.Compilations))))
	}
	md.WriteString(fmt.Sprintf("| Genres | %s |\n", humanize.Comma(int64(s.Genres))))
	md.WriteString("\n")

	if len(s.TopArtists) > 0 {
		md.WriteString("## Top Artists\n\n")
		md.WriteString("| # | Artist | Tracks |\n")
		md.WriteString("|---|--------|--------|\n")
		for i, a := range s.TopArtists {
			md.WriteString(fmt.Sprintf("| %d | %s | %d |\n", i+1, strings.ReplaceAll(a.Name, "|", "\\|"), a.Tracks))
		}
		md.WriteString("\n")
	}

	if err := os.WriteFile(outputPath, []byte(md.String()), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// truncateName shortens a name to maxLen runes
func truncateName(name string, maxLen int) string {
	r := []rune(name)
	if len(r) <= maxLen {
		return name
	}
	return string(r[:maxLen-3]) + "..."
}
