package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/franz/music-collection/internal/collection"
	"github.com/franz/music-collection/internal/store"
	"github.com/franz/music-collection/internal/util"
)

var editCmd = &cobra.Command{
	Use:   "edit",
	Short: "Change tags and statistics of a track",
	Long: `Change the stored values of one track, selected by --uid or --path.

Only the collection database is changed, the file is not touched. A later
full scan writes the file tags back over tag fields; statistics, ratings
and labels are kept.`,
	Args: cobra.NoArgs,
	RunE: runEdit,
}

var rmCmd = &cobra.Command{
	Use:   "rm",
	Short: "Remove tracks from the collection",
	Long: `Remove one track, selected by --uid or --path, or the tracks of a
directory with --dir. Statistics, labels and lyrics of the removed tracks
are deleted. Files are not touched.`,
	Args: cobra.NoArgs,
	RunE: runRm,
}

func init() {
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(rmCmd)

	for _, c := range []*cobra.Command{editCmd, rmCmd} {
		c.Flags().String("uid", "", "track uid or content hash")
		c.Flags().String("path", "", "track file path")
	}
	rmCmd.Flags().String("dir", "", "remove the tracks of this directory")
	addEditFlags(editCmd.Flags())
}

func addEditFlags(f *pflag.FlagSet) {
	f.String("title", "", "title")
	f.String("artist", "", "track artist")
	f.String("album", "", "album")
	f.String("album-artist", "", "album artist, empty for a compilation")
	f.String("genre", "", "genre")
	f.String("composer", "", "composer")
	f.Int("year", 0, "year")
	f.Int("track", 0, "track number")
	f.Int("disc", 0, "disc number")
	f.String("comment", "", "comment")
	f.Float64("bpm", 0, "beats per minute")
	f.Int("rating", 0, "rating 0..10")
	f.Float64("score", 0, "score 0..100")
	f.Int("playcount", 0, "play count")
	f.Bool("played", false, "record one play now")
	f.StringSlice("add-label", nil, "attach labels")
	f.StringSlice("remove-label", nil, "detach labels")
}

// findTrack resolves the --uid or --path flags of cmd
func findTrack(ctx context.Context, cmd *cobra.Command, coll *collection.Collection) (*collection.Track, error) {
	uid, _ := cmd.Flags().GetString("uid")
	path, _ := cmd.Flags().GetString("path")
	if (uid == "") == (path == "") {
		return nil, errors.New("exactly one of --uid and --path is required")
	}

	reg := coll.Registry()
	var t *collection.Track
	var err error
	if uid != "" {
		if !strings.Contains(uid, "://") {
			uid = coll.UIDURL(uid)
		}
		t, err = reg.TrackByUID(ctx, uid)
	} else {
		mounts := reg.Mounts()
		deviceID := mounts.DeviceID(path)
		t, err = reg.TrackByPath(ctx, deviceID, mounts.RelativePath(deviceID, path))
	}
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("no track with %s: %w", firstNonEmpty(uid, path), util.ErrNotFound)
	}
	return t, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// applyEdits sets every changed flag on t
func applyEdits(flags *pflag.FlagSet, t *collection.Track, now time.Time) int {
	changed := 0
	str := func(name string, set func(string)) {
		if flags.Changed(name) {
			v, _ := flags.GetString(name)
			set(v)
			changed++
		}
	}
	num := func(name string, set func(int)) {
		if flags.Changed(name) {
			v, _ := flags.GetInt(name)
			set(v)
			changed++
		}
	}
	float := func(name string, set func(float64)) {
		if flags.Changed(name) {
			v, _ := flags.GetFloat64(name)
			set(v)
			changed++
		}
	}

	str("title", t.SetTitle)
	str("artist", t.SetArtist)
	str("album", t.SetAlbum)
	str("album-artist", t.SetAlbumArtist)
	str("genre", t.SetGenre)
	str("composer", t.SetComposer)
	str("comment", t.SetComment)
	num("year", t.SetYear)
	num("track", t.SetTrackNumber)
	num("disc", t.SetDiscNumber)
	num("rating", t.SetRating)
	num("playcount", t.SetPlayCount)
	float("bpm", t.SetBPM)
	float("score", t.SetScore)

	if played, _ := flags.GetBool("played"); played {
		t.SetPlayCount(t.PlayCount() + 1)
		if t.FirstPlayed().IsZero() {
			t.SetFirstPlayed(now)
		}
		t.SetLastPlayed(now)
		changed++
	}
	return changed
}

func runEdit(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	t, err := findTrack(ctx, cmd, a.coll)
	if err != nil {
		return err
	}

	t.BeginUpdate()
	changed := applyEdits(cmd.Flags(), t, time.Now())
	if err := t.EndUpdate(ctx); err != nil {
		return fmt.Errorf("failed to update %s: %w", t.Path(), err)
	}

	addLabels, _ := cmd.Flags().GetStringSlice("add-label")
	for _, name := range addLabels {
		if _, err := t.AddLabel(ctx, name); err != nil {
			return err
		}
		changed++
	}
	removeLabels, _ := cmd.Flags().GetStringSlice("remove-label")
	if len(removeLabels) > 0 {
		labels, err := t.Labels(ctx)
		if err != nil {
			return err
		}
		for _, name := range removeLabels {
			for _, l := range labels {
				if strings.EqualFold(l.Name(), name) {
					if err := t.RemoveLabel(ctx, l); err != nil {
						return err
					}
					changed++
				}
			}
		}
	}

	if changed == 0 {
		util.WarnLog("Nothing to change for %s", t.Path())
		return nil
	}
	util.SuccessLog("Updated %s (%d changes)", t.Path(), changed)
	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return removeDirectory(ctx, a, dir)
	}

	t, err := findTrack(ctx, cmd, a.coll)
	if err != nil {
		return err
	}
	path := t.Path()
	if err := t.Remove(ctx); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	util.SuccessLog("Removed %s", path)
	return nil
}

// removeDirectory drops the tracks of dir, then the rows they leave behind
func removeDirectory(ctx context.Context, a *app, dir string) error {
	mounts := a.coll.Registry().Mounts()
	deviceID := mounts.DeviceID(dir)
	rdir := mounts.RelativePath(deviceID, dir)

	u := store.NewUpdater(a.store)
	n, err := u.RemoveFilesInDir(ctx, deviceID, rdir)
	if err != nil {
		return err
	}
	if _, err := u.Cleanup(ctx); err != nil {
		return err
	}
	util.SuccessLog("Removed %d tracks of %s", n, dir)
	return nil
}
