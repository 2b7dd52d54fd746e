package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/franz/music-collection/internal/meta"
	"github.com/franz/music-collection/internal/scan"
	"github.com/franz/music-collection/internal/util"
)

var scanCmd = &cobra.Command{
	Use:   "scan <dir>...",
	Short: "Scan music directories into the collection",
	Long: `Scan the given directories for audio files and write them into the collection.

Each file is identified by a hash of its content. A file that moved keeps
its statistics, labels and lyrics. Tracks and directories below the scanned
directories that no longer exist are removed.

With --incremental, directories whose change date did not move since the
last scan are skipped, and values the files leave empty keep what the
collection already stores.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScan,
}

var watchCmd = &cobra.Command{
	Use:   "watch <dir>...",
	Short: "Keep the collection in sync with music directories",
	Long: `Run an incremental scan of the given directories, then watch them for
changes. Changed directories are rescanned once the filesystem has been
quiet for the debounce period. Stop with Ctrl-C.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(watchCmd)

	scanCmd.Flags().BoolP("incremental", "i", false, "skip unchanged directories and keep stored values")
	scanCmd.Flags().Bool("no-progress", false, "do not show a progress bar")

	watchCmd.Flags().Duration("debounce", scan.DefaultDebounce, "quiet period before a rescan")
}

// signalContext returns a context cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func checkDirectories(dirs []string) error {
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", dir)
		}
		if err != nil {
			return fmt.Errorf("cannot access %s: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("not a directory: %s", dir)
		}
	}
	return nil
}

// newScanner creates a scanner with the configured extensions and the
// concurrency picked by network tuning
func (a *app) newScanner(showProgress bool) *scan.Scanner {
	useFFprobe := a.cfg.Scan.FFprobe
	if useFFprobe && !meta.CheckFFprobeAvailable() {
		util.WarnLog("ffprobe not found in PATH - using tag library only")
		util.WarnLog("Install ffmpeg for best results: https://ffmpeg.org/")
	}
	return scan.New(&scan.Config{
		AdditionalExts: a.cfg.Scan.Extensions,
		Concurrency:    a.tuning.Concurrency,
		Reader:         meta.NewReader(useFFprobe),
		HashLimit:      a.cfg.Scan.HashLimit,
		Events:         a.events,
		ShowProgress:   showProgress,
	})
}

// scanOnce scans dirs and commits the result
func scanOnce(ctx context.Context, scanner *scan.Scanner, proc *scan.Processor, dirs []string, incremental bool) (*scan.Stats, error) {
	var known map[string]int64
	if incremental {
		var err error
		known, err = proc.KnownDirectories(ctx, dirs)
		if err != nil {
			return nil, err
		}
		util.DebugLog("%d known directories", len(known))
	}

	result, err := scanner.Scan(ctx, dirs, known)
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	return proc.Commit(ctx, result)
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	if err := checkDirectories(args); err != nil {
		return err
	}
	incremental, _ := cmd.Flags().GetBool("incremental")
	noProgress, _ := cmd.Flags().GetBool("no-progress")

	a, err := openApp(ctx, args)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	mode := scan.FullScan
	if incremental {
		mode = scan.IncrementalScan
	}

	util.InfoLog("=== Scanning (%s) ===", mode)
	util.InfoLog("Concurrency: %d", a.tuning.Concurrency)

	startTime := time.Now()
	scanner := a.newScanner(!noProgress)
	proc := scan.NewProcessor(a.coll.Registry(), mode, a.events)
	stats, err := scanOnce(ctx, scanner, proc, args, incremental)
	if err != nil {
		return err
	}

	printScanStats(stats, time.Since(startTime))
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	if err := checkDirectories(args); err != nil {
		return err
	}
	debounce, _ := cmd.Flags().GetDuration("debounce")

	a, err := openApp(ctx, args)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	scanner := a.newScanner(false)
	proc := scan.NewProcessor(a.coll.Registry(), scan.IncrementalScan, a.events)

	util.InfoLog("=== Initial Scan ===")
	stats, err := scanOnce(ctx, scanner, proc, args, true)
	if err != nil {
		return err
	}
	printScanStats(stats, stats.Duration)

	watcher, err := scan.NewWatcher(scanner, debounce)
	if err != nil {
		return err
	}

	util.InfoLog("")
	util.InfoLog("=== Watching %d directories (debounce %s) ===", len(args), debounce)
	return watcher.Watch(ctx, args, func(ctx context.Context, dirs []string) error {
		util.InfoLog("Rescanning %d changed directories", len(dirs))
		stats, err := scanOnce(ctx, scanner, proc, dirs, true)
		if err != nil {
			// a failed rescan must not end the watch
			util.ErrorLog("Rescan failed: %v", err)
			return nil
		}
		printScanStats(stats, stats.Duration)
		return nil
	})
}

func printScanStats(stats *scan.Stats, elapsed time.Duration) {
	util.InfoLog("")
	util.SuccessLog("=== Scan Summary ===")
	util.InfoLog("Total time: %v", elapsed.Round(time.Millisecond))
	util.InfoLog("  Directories: %s (%s unchanged)",
		humanize.Comma(int64(stats.Directories)), humanize.Comma(int64(stats.SkippedDirectories)))
	util.InfoLog("  Tracks: %s", humanize.Comma(int64(stats.Tracks)))
	util.InfoLog("  New: %s", humanize.Comma(int64(stats.NewTracks)))
	if stats.MovedTracks > 0 {
		util.InfoLog("  Moved: %s", humanize.Comma(int64(stats.MovedTracks)))
	}
	if stats.RemovedTracks > 0 || stats.RemovedDirectories > 0 {
		util.InfoLog("  Removed: %s tracks, %s directories",
			humanize.Comma(int64(stats.RemovedTracks)), humanize.Comma(int64(stats.RemovedDirectories)))
	}
	if stats.Duplicates > 0 {
		util.WarnLog("  Duplicate uids skipped: %d", stats.Duplicates)
	}
	if len(stats.Errors) > 0 {
		util.WarnLog("  Errors: %d", len(stats.Errors))
		for _, e := range stats.Errors {
			util.DebugLog("    %s", e)
		}
	}
}
