package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/franz/music-collection/internal/store"
	"github.com/franz/music-collection/internal/util"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or upgrade the collection database",
	Long: `Create the collection tables in an empty database, or upgrade the
schema of an existing one. Every other command does this too; init only
reports what it did.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Remove orphaned rows and check database integrity",
	Long: `Remove rows that no track refers to anymore: statistics, labels and
lyrics of deleted urls, urls of deleted directories, and artists, albums,
genres, composers, years and labels without tracks. Then run the database
integrity check.`,
	Args: cobra.NoArgs,
	RunE: runMaintain,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Print the configuration after defaults, config file, environment
variables (MCOL_*) and flags were applied. Passwords are masked.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(maintainCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)

	maintainCmd.Flags().Bool("check-only", false, "only run the integrity check")
}

func runInit(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	version, err := store.NewUpdater(a.store).StoredVersion(ctx)
	if err != nil {
		return err
	}
	backend, err := a.store.Version(ctx)
	if err != nil {
		return err
	}
	util.SuccessLog("Collection ready: schema version %d (%s %s)", version, a.cfg.Database.Driver, backend)
	util.InfoLog("Database: %s", store.RedactDSN(a.cfg.Database.Driver, a.cfg.Target()))
	return nil
}

func runMaintain(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	checkOnly, _ := cmd.Flags().GetBool("check-only")

	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if !checkOnly {
		util.InfoLog("=== Cleanup ===")
		result, err := store.NewUpdater(a.store).Cleanup(ctx)
		if err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}
		printCounts("Orphaned rows removed", result.Orphaned)
		printCounts("Redundant groupings removed", result.Redundant)
	}

	util.InfoLog("")
	util.InfoLog("=== Integrity Check ===")
	problems, err := a.store.CheckIntegrity(ctx)
	if err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if len(problems) > 0 {
		for _, p := range problems {
			util.ErrorLog("  %s", p)
		}
		return fmt.Errorf("%d integrity problems found", len(problems))
	}
	util.SuccessLog("No integrity problems found")
	return nil
}

func printCounts(title string, counts map[string]int64) {
	keys := make([]string, 0, len(counts))
	var total int64
	for k, n := range counts {
		keys = append(keys, k)
		total += n
	}
	sort.Strings(keys)

	util.InfoLog("%s: %d", title, total)
	for _, k := range keys {
		if counts[k] > 0 {
			util.InfoLog("  %s: %d", k, counts[k])
		}
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return cfg.Show(os.Stdout)
}
