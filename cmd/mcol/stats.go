package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/franz/music-collection/internal/report"
	"github.com/franz/music-collection/internal/store"
	"github.com/franz/music-collection/internal/util"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show collection statistics",
	Long: `Show the number of tracks, artists, albums and genres, the total play
time and size, and the artists with the most tracks.

With --markdown the summary is also written as a Markdown report. A
directory argument receives reports/<timestamp>/summary.md.`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().Int("top", 10, "number of top artists to show (0 = none)")
	statsCmd.Flags().String("markdown", "", "also write a Markdown report to this file or directory")
}

// reportPath returns out when it names a .md file, otherwise a timestamped
// summary.md below it
func reportPath(out string, now time.Time) string {
	if filepath.Ext(out) == ".md" {
		return out
	}
	return filepath.Join(out, "reports", now.Format("20060102-150405"), "summary.md")
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	top, _ := cmd.Flags().GetInt("top")
	markdown, _ := cmd.Flags().GetString("markdown")

	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	util.InfoLog("Analyzing collection...")
	summary, err := report.GenerateSummary(ctx, a.coll, top)
	if err != nil {
		return fmt.Errorf("failed to generate summary: %w", err)
	}
	summary.DatabasePath = store.RedactDSN(a.cfg.Database.Driver, a.cfg.Target())

	if err := summary.WriteText(os.Stdout); err != nil {
		return err
	}

	if markdown != "" {
		outputPath := reportPath(markdown, summary.GeneratedAt)
		util.InfoLog("Writing report to: %s", outputPath)
		if err := report.WriteMarkdownReport(summary, outputPath); err != nil {
			return err
		}
		util.SuccessLog("Report saved to: %s", outputPath)
	}
	return nil
}
