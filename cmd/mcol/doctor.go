package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/franz/music-collection/internal/config"
	"github.com/franz/music-collection/internal/meta"
	"github.com/franz/music-collection/internal/store"
	"github.com/franz/music-collection/internal/util"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor [dir]...",
	Short: "Run diagnostic checks on the environment and configuration",
	Long: `Run diagnostic checks to ensure mcol can operate correctly.

This command checks:
- The configuration
- Optional tools (ffprobe for audio properties)
- SQLite version compatibility
- Database accessibility, schema version and integrity
- The given music directories
- Network filesystems below the database and the music directories
- Disk space next to the database

The database is not created or upgraded by doctor.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type checkResult struct {
	name    string
	message string
	error   bool
	warning bool
}

func runDoctor(cmd *cobra.Command, args []string) error {
	util.InfoLog("=== MCOL Doctor - System Diagnostics ===")
	util.InfoLog("")

	results := []checkResult{}

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		results = append(results, checkResult{name: "Configuration", error: true, message: err.Error()})
	} else {
		util.SetVerbose(cfg.Verbose)
		util.SetQuiet(cfg.Quiet)
		results = append(results, checkResult{name: "Configuration", message: "valid"})
	}

	results = append(results, checkFFprobe(cfg != nil && cfg.Scan.FFprobe))
	results = append(results, checkSQLite())

	if cfg != nil {
		results = append(results, checkDatabase(cmd.Context(), cfg.Database.Driver, cfg.Target()))
	}

	for _, dir := range args {
		results = append(results, checkMusicDirectory(dir))
	}

	if cfg != nil {
		dbPath := ""
		if cfg.Database.Driver == "sqlite" {
			dbPath = cfg.Database.Path
		}
		results = append(results, checkNetwork(cfg.Database.NetworkMode, dbPath, args, cfg.Scan.Concurrency))
		if dbPath != "" {
			results = append(results, checkDiskSpace(filepath.Dir(absPath(dbPath)), "database"))
		}
	}

	// Print results
	util.InfoLog("")
	util.InfoLog("=== Diagnostic Results ===")
	util.InfoLog("")

	hasErrors := false
	hasWarnings := false

	for _, r := range results {
		symbol := "✓"
		if r.error {
			symbol = "✗"
			hasErrors = true
		} else if r.warning {
			symbol = "⚠"
			hasWarnings = true
		}

		line := fmt.Sprintf("[%s] %s", symbol, r.name)
		if r.message != "" {
			line += fmt.Sprintf(": %s", r.message)
		}

		if r.error {
			util.ErrorLog("%s", line)
		} else if r.warning {
			util.WarnLog("%s", line)
		} else {
			util.SuccessLog("%s", line)
		}
	}

	// Summary
	util.InfoLog("")
	if hasErrors {
		util.ErrorLog("❌ Some critical checks failed. Please resolve errors before running mcol.")
		return fmt.Errorf("system diagnostics failed")
	} else if hasWarnings {
		util.WarnLog("⚠️  Some checks produced warnings. Review them before proceeding.")
	} else {
		util.SuccessLog("✅ All checks passed! System is ready for mcol operations.")
	}

	return nil
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// checkFFprobe looks for ffprobe. It is an error only when the
// configuration asks for it.
func checkFFprobe(required bool) checkResult {
	if !meta.CheckFFprobeAvailable() {
		return checkResult{
			name:    "ffprobe",
			error:   required,
			warning: !required,
			message: "not found (audio properties come from the tag library only)",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, "ffprobe", "-version").CombinedOutput()
	if err != nil {
		return checkResult{
			name:    "ffprobe",
			warning: true,
			message: fmt.Sprintf("found but not executable: %v", err),
		}
	}

	return checkResult{
		name:    "ffprobe",
		message: fmt.Sprintf("version %s", ffprobeVersion(string(output))),
	}
}

// ffprobeVersion parses "ffprobe version 6.1.1 Copyright ..."
func ffprobeVersion(output string) string {
	lines := strings.Split(output, "\n")
	if len(lines) > 0 {
		parts := strings.Fields(lines[0])
		if len(parts) >= 3 {
			return parts[2]
		}
	}
	return "unknown"
}

// checkSQLite verifies SQLite version
func checkSQLite() checkResult {
	// modernc.org/sqlite is pure Go, no system library is involved
	version := store.SQLiteVersion()
	if version == "" {
		return checkResult{
			name:    "SQLite",
			error:   true,
			message: "unable to determine version",
		}
	}

	return checkResult{
		name:    "SQLite",
		message: fmt.Sprintf("version %s (built-in)", version),
	}
}

// checkDatabase inspects the database without creating or upgrading it.
// A missing SQLite file is only reported.
func checkDatabase(ctx context.Context, driver, target string) checkResult {
	if ctx == nil {
		ctx = context.Background()
	}
	if target == "" {
		return checkResult{
			name:    "Database",
			warning: true,
			message: "no database path specified (use --db flag or config)",
		}
	}
	shown := store.RedactDSN(driver, target)

	var size string
	if driver == "sqlite" {
		info, err := os.Stat(target)
		if err != nil {
			if os.IsNotExist(err) {
				return checkResult{
					name:    "Database",
					message: fmt.Sprintf("%s (will be created on first run)", target),
				}
			}
			return checkResult{
				name:    "Database",
				error:   true,
				message: fmt.Sprintf("cannot access %s: %v", target, err),
			}
		}
		if !info.Mode().IsRegular() {
			return checkResult{
				name:    "Database",
				error:   true,
				message: fmt.Sprintf("%s is not a regular file", target),
			}
		}
		size = humanize.IBytes(uint64(info.Size()))
	}

	s, err := store.OpenDSN(driver, target, nil)
	if err != nil {
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("cannot open %s: %v", shown, err),
		}
	}
	defer s.Close()

	u := store.NewUpdater(s)
	version, err := u.StoredVersion(ctx)
	if err != nil {
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("cannot read schema version: %v", err),
		}
	}
	switch {
	case version > u.ExpectedVersion():
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("%v: schema version %d, supported %d", util.ErrSchemaTooNew, version, u.ExpectedVersion()),
		}
	case version == 0:
		return checkResult{
			name:    "Database",
			message: fmt.Sprintf("%s (empty, schema will be created on first run)", shown),
		}
	}

	problems, err := s.CheckIntegrity(ctx)
	if err != nil {
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("integrity check failed: %v", err),
		}
	}
	if len(problems) > 0 {
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("integrity check failed: %s", strings.Join(problems, "; ")),
		}
	}

	tracks, _ := s.Query(ctx, "SELECT COUNT(*) FROM tracks")
	count := "0"
	if len(tracks) > 0 {
		count = tracks[0]
	}

	details := []string{fmt.Sprintf("schema %d", version), count + " tracks"}
	if backend, err := s.Version(ctx); err == nil && backend != "" {
		details = append(details, driver+" "+backend)
	}
	if size != "" {
		details = append([]string{size}, details...)
	}
	result := checkResult{
		name:    "Database",
		message: fmt.Sprintf("%s (%s)", shown, strings.Join(details, ", ")),
	}
	if version < u.ExpectedVersion() {
		result.warning = true
		result.message += fmt.Sprintf(", will be upgraded to %d", u.ExpectedVersion())
	}
	return result
}

// checkMusicDirectory verifies a music directory is readable
func checkMusicDirectory(path string) checkResult {
	name := fmt.Sprintf("Music directory %s", path)
	info, err := os.Stat(path)
	if err != nil {
		return checkResult{
			name:    name,
			error:   true,
			message: fmt.Sprintf("cannot access: %v", err),
		}
	}

	if !info.IsDir() {
		return checkResult{
			name:    name,
			error:   true,
			message: "not a directory",
		}
	}

	// Check read permission by trying to list directory
	entries, err := os.ReadDir(path)
	if err != nil {
		return checkResult{
			name:    name,
			error:   true,
			message: fmt.Sprintf("cannot read: %v", err),
		}
	}

	return checkResult{
		name:    name,
		message: fmt.Sprintf("%d entries", len(entries)),
	}
}

// checkNetwork reports network mounts and the tuning they cause
func checkNetwork(mode, dbPath string, roots []string, concurrency int) checkResult {
	tuning := util.TuneForPaths(mode, dbPath, roots, concurrency, nil)
	if !tuning.Network {
		if mode == "off" {
			return checkResult{name: "Network filesystem", message: "detection disabled"}
		}
		return checkResult{name: "Network filesystem", message: "none detected"}
	}
	return checkResult{
		name:    "Network filesystem",
		warning: true,
		message: tuning.String(),
	}
}

// checkDiskSpace verifies available disk space
func checkDiskSpace(path string, label string) checkResult {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return checkResult{
			name:    fmt.Sprintf("Disk space (%s)", label),
			warning: true,
			message: fmt.Sprintf("cannot determine disk space: %v", err),
		}
	}

	// Available bytes = available blocks * block size
	availBytes := stat.Bavail * uint64(stat.Bsize)
	totalBytes := stat.Blocks * uint64(stat.Bsize)
	usedBytes := totalBytes - (stat.Bfree * uint64(stat.Bsize))

	usedPercent := 0.0
	if totalBytes > 0 {
		usedPercent = float64(usedBytes) / float64(totalBytes) * 100
	}

	// Warn if less than 1GB available or >95% used
	warningMsg := ""
	if availBytes < 1<<30 {
		warningMsg = " (low space!)"
	} else if usedPercent > 95 {
		warningMsg = " (>95% used)"
	}

	return checkResult{
		name:    fmt.Sprintf("Disk space (%s)", label),
		warning: warningMsg != "",
		message: fmt.Sprintf("%s available%s", humanize.IBytes(availBytes), warningMsg),
	}
}
