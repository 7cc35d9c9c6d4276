package cmd

import (
	"os"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osmextract/internal/config"
	"github.com/wegman-software/osmextract/internal/logger"
)

var cfg = config.DefaultConfig()

var rootCmd = &cobra.Command{
	Use:   "osmextract",
	Short: "Extract cities and roads from OSM PBF files into PostGIS",
	Long: `osmextract streams an OSM PBF file chunk by chunk, extracts populated
places and named roads, and upserts them into PostgreSQL/PostGIS.

Features:
  - Chunks decoded and written concurrently, bounded by the connection pool
  - Idempotent upserts, so interrupted runs can simply be repeated
  - Corrupted chunks are skipped and reported, not fatal
  - Optional Parquet archive and Prometheus textfile of every run

Every flag may also be set through an OSMEXTRACT_<FLAG> environment
variable or a YAML file passed with --config.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Overlay(cmd.Flags(), cfg.ConfigFile); err != nil {
			return err
		}

		logger.InitWith(logger.Options{Verbose: cfg.Verbose, LogFile: cfg.LogFile})
		if cfg.ConfigFile != "" {
			logger.Get().Debug("Configuration file applied", zap.String("path", cfg.ConfigFile))
		}
		return nil
	},
}

func Execute() error {
	defer logger.Sync()
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&cfg.ConfigFile, "config", "", "YAML file with flag defaults")

	// Logging and metrics flags
	rootCmd.PersistentFlags().StringVar(&cfg.LogFile, "log-file", "", "Path to log file for persistent logging (JSON format)")
	rootCmd.PersistentFlags().DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Interval for system metrics logging (e.g., 10s, 1m), 0 disables")

	// Database flags (persistent so they're available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfg.DBURL, "db-url", "", "PostgreSQL connection URL, overrides the other db flags")
	rootCmd.PersistentFlags().StringVar(&cfg.DBHost, "db-host", cfg.DBHost, "PostgreSQL host")
	rootCmd.PersistentFlags().IntVar(&cfg.DBPort, "db-port", cfg.DBPort, "PostgreSQL port")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBName, "db-name", "d", cfg.DBName, "PostgreSQL database name")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBUser, "db-user", "U", cfg.DBUser, "PostgreSQL user")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBPassword, "db-password", "W", cfg.DBPassword, "PostgreSQL password")
	rootCmd.PersistentFlags().StringVar(&cfg.DBSchema, "db-schema", cfg.DBSchema, "PostgreSQL schema")
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	logger.Sync()
	os.Exit(1)
}
