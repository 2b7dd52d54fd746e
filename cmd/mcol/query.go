package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/franz/music-collection/internal/collection"
	"github.com/franz/music-collection/internal/query"
	"github.com/franz/music-collection/internal/report"
	"github.com/franz/music-collection/internal/util"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query the collection",
	Long: `Query tracks, artists, albums, genres, composers, years or labels.

Text filters take the form field=text for an exact match or field~text
for a substring match, where a leading ^ anchors the text at the start
and a trailing $ at the end, e.g. --filter 'title~^Intro'.
Number filters take the form field=n, field>n or field<n.

Custom queries (--type custom) return the fields given with --return,
optionally aggregated with --count, --sum, --max or --min and grouped
with --group.

Use --tree to show the matching track files as a folder tree.`,
	Args: cobra.NoArgs,
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	addQueryFlags(queryCmd.Flags())
}

func addQueryFlags(f *pflag.FlagSet) {
	f.StringP("type", "t", "track", "result type: track, artist, album, albumartist, genre, composer, year, label or custom")
	f.String("artist", "", "match an artist by name")
	f.String("artist-match", "track", "which artist --artist matches: track, album or any")
	f.String("album", "", "match an album by name")
	f.String("genre", "", "match a genre by name")
	f.String("composer", "", "match a composer by name")
	f.String("year", "", "match a year")
	f.String("label", "", "match tracks carrying a label")
	f.String("uid", "", "match a track by uid or content hash")
	f.StringArray("filter", nil, "text filter field=text or field~text (repeatable)")
	f.StringArray("exclude", nil, "negated text filter (repeatable)")
	f.StringArray("number", nil, "number filter field=n, field>n or field<n (repeatable)")
	f.StringArray("exclude-number", nil, "negated number filter (repeatable)")
	f.Bool("any", false, "combine filters with OR instead of AND")
	f.String("album-mode", "all", "albums considered: all, normal or compilations")
	f.String("labels", "", "tracks with or without labels: with, without")
	f.StringSlice("return", nil, "returned fields of a custom query")
	f.StringSlice("count", nil, "counted fields of a custom query")
	f.StringSlice("sum", nil, "summed fields of a custom query")
	f.StringSlice("max", nil, "maximum of fields of a custom query")
	f.StringSlice("min", nil, "minimum of fields of a custom query")
	f.StringSlice("group", nil, "grouping fields of a custom query")
	f.String("order", "", "sort by a field")
	f.Bool("desc", false, "sort descending")
	f.IntP("limit", "n", 0, "maximum number of results (0 = all)")
	f.Bool("async", false, "run on the query executor and print from its callback")
	f.Bool("sql", false, "print the generated SQL")
	f.Bool("tree", false, "show the matching track files as a tree")
	f.IntP("depth", "L", 0, "limit tree depth (0 = unlimited, only with --tree)")
	f.Bool("dirs-only", false, "show only directories in tree (only with --tree)")
}

// parseTextFilter splits field=text or field~text. For ~ a leading ^ anchors
// the text at the start and a trailing $ at the end, = anchors both.
func parseTextFilter(s string) (query.Field, string, bool, bool, error) {
	i := strings.IndexAny(s, "=~")
	if i <= 0 {
		return 0, "", false, false, fmt.Errorf("invalid filter %q: want field=text or field~text", s)
	}
	field, err := query.ParseField(s[:i])
	if err != nil {
		return 0, "", false, false, err
	}
	text := s[i+1:]
	if s[i] == '=' {
		return field, text, true, true, nil
	}

	begin := strings.HasPrefix(text, "^")
	text = strings.TrimPrefix(text, "^")
	end := strings.HasSuffix(text, "$")
	text = strings.TrimSuffix(text, "$")
	return field, text, begin, end, nil
}

// parseNumberFilter splits field=n, field>n or field<n
func parseNumberFilter(s string) (query.Field, int64, query.Comparison, error) {
	i := strings.IndexAny(s, "=<>")
	if i <= 0 {
		return 0, 0, 0, fmt.Errorf("invalid number filter %q: want field=n, field>n or field<n", s)
	}
	field, err := query.ParseField(s[:i])
	if err != nil {
		return 0, 0, 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s[i+1:]), 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid number in filter %q: %w", s, err)
	}

	cmp := query.Equals
	switch s[i] {
	case '>':
		cmp = query.GreaterThan
	case '<':
		cmp = query.LessThan
	}
	return field, n, cmp, nil
}

func parseArtistMatch(name string) (query.ArtistMatch, error) {
	switch strings.ToLower(name) {
	case "", "track":
		return query.TrackArtists, nil
	case "album":
		return query.AlbumArtists, nil
	case "any":
		return query.AlbumOrTrackArtists, nil
	}
	return 0, fmt.Errorf("unknown artist match %q", name)
}

func parseAlbumMode(name string) (query.AlbumMode, error) {
	switch strings.ToLower(name) {
	case "", "all":
		return query.AllAlbums, nil
	case "normal":
		return query.OnlyNormalAlbums, nil
	case "compilations", "compilation":
		return query.OnlyCompilations, nil
	}
	return 0, fmt.Errorf("unknown album mode %q", name)
}

func parseLabelMode(name string) (query.LabelMode, error) {
	switch strings.ToLower(name) {
	case "":
		return query.NoConstraint, nil
	case "with":
		return query.OnlyWithLabels, nil
	case "without":
		return query.OnlyWithoutLabels, nil
	}
	return 0, fmt.Errorf("unknown label mode %q", name)
}

// buildQuery applies the query flags to q
func buildQuery(f *pflag.FlagSet, q *collection.QueryMaker, uidURL func(string) string) error {
	typeName, _ := f.GetString("type")
	typ, err := query.ParseType(typeName)
	if err != nil {
		return err
	}
	q.SetType(typ)

	if uid, _ := f.GetString("uid"); uid != "" {
		if !strings.Contains(uid, "://") {
			uid = uidURL(uid)
		}
		q.MatchTrackUID(uid)
	}
	if name, _ := f.GetString("artist"); name != "" {
		matchName, _ := f.GetString("artist-match")
		behaviour, err := parseArtistMatch(matchName)
		if err != nil {
			return err
		}
		q.MatchArtist(name, behaviour)
	}
	if name, _ := f.GetString("album"); name != "" {
		q.MatchAlbum(name, "", false)
	}
	if name, _ := f.GetString("genre"); name != "" {
		q.MatchGenre(name)
	}
	if name, _ := f.GetString("composer"); name != "" {
		q.MatchComposer(name)
	}
	if year, _ := f.GetString("year"); year != "" {
		q.MatchYear(year)
	}
	if name, _ := f.GetString("label"); name != "" {
		q.MatchLabel(name)
	}

	modeName, _ := f.GetString("album-mode")
	albumMode, err := parseAlbumMode(modeName)
	if err != nil {
		return err
	}
	q.SetAlbumMode(albumMode)

	labelsName, _ := f.GetString("labels")
	labelMode, err := parseLabelMode(labelsName)
	if err != nil {
		return err
	}
	q.SetLabelMode(labelMode)

	anyOf, _ := f.GetBool("any")
	if anyOf && hasFilters(f) {
		q.BeginOr()
	}
	for _, name := range []string{"filter", "exclude"} {
		values, _ := f.GetStringArray(name)
		for _, v := range values {
			field, text, begin, end, err := parseTextFilter(v)
			if err != nil {
				return err
			}
			if name == "exclude" {
				q.ExcludeFilter(field, text, begin, end)
			} else {
				q.AddFilter(field, text, begin, end)
			}
		}
	}
	for _, name := range []string{"number", "exclude-number"} {
		values, _ := f.GetStringArray(name)
		for _, v := range values {
			field, n, cmp, err := parseNumberFilter(v)
			if err != nil {
				return err
			}
			if name == "exclude-number" {
				q.ExcludeNumberFilter(field, n, cmp)
			} else {
				q.AddNumberFilter(field, n, cmp)
			}
		}
	}
	if anyOf && hasFilters(f) {
		q.EndGroup()
	}

	if typ == query.Custom {
		if err := addCustomColumns(f, q); err != nil {
			return err
		}
	}

	if order, _ := f.GetString("order"); order != "" {
		field, err := query.ParseField(order)
		if err != nil {
			return err
		}
		desc, _ := f.GetBool("desc")
		q.OrderBy(field, desc)
	}
	if limit, _ := f.GetInt("limit"); limit > 0 {
		q.Limit(limit)
	}
	return q.Builder.Err()
}

func hasFilters(f *pflag.FlagSet) bool {
	for _, name := range []string{"filter", "exclude", "number", "exclude-number"} {
		if values, _ := f.GetStringArray(name); len(values) > 0 {
			return true
		}
	}
	return false
}

func addCustomColumns(f *pflag.FlagSet, q *collection.QueryMaker) error {
	columns := []struct {
		flag string
		add  func(query.Field)
	}{
		{"return", func(f query.Field) { q.AddReturnValue(f) }},
		{"count", func(f query.Field) { q.AddReturnFunction(query.Count, f) }},
		{"sum", func(f query.Field) { q.AddReturnFunction(query.Sum, f) }},
		{"max", func(f query.Field) { q.AddReturnFunction(query.Max, f) }},
		{"min", func(f query.Field) { q.AddReturnFunction(query.Min, f) }},
		{"group", func(f query.Field) { q.GroupBy(f) }},
	}

	for _, c := range columns {
		names, _ := f.GetStringSlice(c.flag)
		for _, name := range names {
			field, err := query.ParseField(name)
			if err != nil {
				return err
			}
			c.add(field)
		}
	}
	if q.ReturnValueCount() == 0 {
		return errors.New("a custom query needs at least one --return, --count, --sum, --max or --min field")
	}
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	q := a.coll.QueryMaker()
	if err := buildQuery(cmd.Flags(), q, a.coll.UIDURL); err != nil {
		return err
	}

	if showSQL, _ := cmd.Flags().GetBool("sql"); showSQL {
		util.InfoLog("SQL: %s", strings.TrimSpace(q.SQL()))
	}

	var res *collection.Result
	if async, _ := cmd.Flags().GetBool("async"); async {
		res, err = runAsync(ctx, q)
	} else {
		res, err = q.RunBlocking(ctx)
	}
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	if showTree, _ := cmd.Flags().GetBool("tree"); showTree {
		if res.Type != query.Track {
			return errors.New("--tree needs a track query")
		}
		depth, _ := cmd.Flags().GetInt("depth")
		dirsOnly, _ := cmd.Flags().GetBool("dirs-only")
		paths := make([]string, 0, len(res.Tracks))
		for _, t := range res.Tracks {
			paths = append(paths, t.Path())
		}
		fmt.Print(renderTree(buildTree(paths, depth, dirsOnly), dirsOnly))
		return nil
	}

	if err := printResult(os.Stdout, res); err != nil {
		return err
	}
	util.InfoLog("%s results", humanize.Comma(int64(res.Len())))
	return nil
}

// runAsync queues q on the executor and waits for its callbacks
func runAsync(ctx context.Context, q *collection.QueryMaker) (*collection.Result, error) {
	delivered := make(chan *collection.Result, 1)
	q.OnResults(func(res *collection.Result) {
		util.DebugLog("Delivered %d results", res.Len())
		delivered <- res
	})
	q.OnDone(func(err error) {
		if err != nil {
			util.DebugLog("Query finished: %v", err)
		}
	})

	if err := q.Run(ctx); err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		q.Abort()
	}()

	if _, err := q.Wait(ctx); err != nil {
		return nil, err
	}
	select {
	case res := <-delivered:
		return res, nil
	default:
		return nil, util.ErrAborted
	}
}

// printResult writes one line per entity or row
func printResult(out io.Writer, res *collection.Result) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	switch res.Type {
	case query.Track:
		fmt.Fprintln(w, "ARTIST\tTITLE\tALBUM\tLENGTH\tPLAYS\tPATH")
		for _, t := range res.Tracks {
			artist, album := "", ""
			if a := t.Artist(); a != nil {
				artist = a.Name()
			}
			if al := t.Album(); al != nil {
				album = al.Name()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				artist, t.Title(), album, report.FormatLength(t.Length()), t.PlayCount(), t.Path())
		}
	case query.Album:
		fmt.Fprintln(w, "ALBUM\tALBUM ARTIST")
		for _, al := range res.Albums {
			artist := "Various Artists"
			if aa := al.AlbumArtist(); aa != nil {
				artist = aa.Name()
			}
			fmt.Fprintf(w, "%s\t%s\n", al.Name(), artist)
		}
	case query.Custom:
		for i := 0; i+res.Columns <= len(res.Custom) && res.Columns > 0; i += res.Columns {
			fmt.Fprintln(w, strings.Join(res.Custom[i:i+res.Columns], "\t"))
		}
	default:
		for _, e := range entities(res) {
			fmt.Fprintln(w, e.Name())
		}
	}
	return w.Flush()
}

// entities returns the grouping entities of a result
func entities(res *collection.Result) []collection.Entity {
	var out []collection.Entity
	switch res.Type {
	case query.Artist, query.AlbumArtist:
		for _, e := range res.Artists {
			out = append(out, e)
		}
	case query.Genre:
		for _, e := range res.Genres {
			out = append(out, e)
		}
	case query.Composer:
		for _, e := range res.Composers {
			out = append(out, e)
		}
	case query.Year:
		for _, e := range res.Years {
			out = append(out, e)
		}
	case query.Label:
		for _, e := range res.Labels {
			out = append(out, e)
		}
	}
	return out
}
