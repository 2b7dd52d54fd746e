package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/franz/music-collection/internal/config"
	"github.com/franz/music-collection/internal/util"
)

var (
	// Version is set at build time
	Version = "dev"

	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "mcol",
		Short: "Music collection - a database of your audio files and their statistics",
		Long: `mcol keeps a database of the audio files below a set of directories.

Tracks are identified by a hash of their content, so play counts, ratings
and labels survive renames and moves. Scans can be incremental and a watch
mode rescans directories as they change. The database is SQLite by default
and can live on a MySQL server.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/mcol.yaml)")
	rootCmd.PersistentFlags().String("db", "mcol.db", "SQLite database file")
	rootCmd.PersistentFlags().String("driver", "sqlite", "database driver (sqlite or mysql)")
	rootCmd.PersistentFlags().String("dsn", "", "MySQL DSN, e.g. user:pass@tcp(localhost:3306)/mcol")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "quiet output (errors only)")
	rootCmd.PersistentFlags().String("metrics-listen", "", "serve prometheus metrics on this address, e.g. :9090")
	rootCmd.PersistentFlags().String("events", "", "JSONL event log file or directory")

	// Bind flags to viper
	bindings := map[string]string{
		"database.path":   "db",
		"database.driver": "driver",
		"database.dsn":    "dsn",
		"verbose":         "verbose",
		"quiet":           "quiet",
		"metrics.listen":  "metrics-listen",
		"events.path":     "events",
	}
	for key, flag := range bindings {
		viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag))
	}
}

func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in common locations
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
		viper.SetConfigName("mcol")
		viper.SetConfigType("yaml")
	}

	// Read in environment variables that match
	config.Bind(viper.GetViper())

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil {
		if !viper.GetBool("quiet") {
			util.InfoLog("Using config file: %s", viper.ConfigFileUsed())
		}
	} else if cfgFile != "" {
		util.ErrorLog("Failed to read config file %s: %v", cfgFile, err)
		os.Exit(1)
	}
}

// loadConfig decodes the configuration and applies its log settings
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	util.SetVerbose(cfg.Verbose)
	util.SetQuiet(cfg.Quiet)
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, util.ErrSchemaTooNew) {
			util.ErrorLog("The collection database was written by a newer version of mcol and cannot be used.")
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
