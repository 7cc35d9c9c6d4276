package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osmextract/internal/archive"
	"github.com/wegman-software/osmextract/internal/config"
	"github.com/wegman-software/osmextract/internal/extract"
	"github.com/wegman-software/osmextract/internal/ingest"
	"github.com/wegman-software/osmextract/internal/logger"
	"github.com/wegman-software/osmextract/internal/metrics"
	"github.com/wegman-software/osmextract/internal/pbf"
	"github.com/wegman-software/osmextract/internal/store"
)

var bboxStr string

var importCmd = &cobra.Command{
	Use:   "import <input.osm.pbf>",
	Short: "Extract cities and roads and upsert them into PostGIS",
	Long: `Read a PBF file chunk by chunk and write its cities and roads to PostgreSQL:

  1. Bootstrap the schema (cities, roads) under an advisory lock
  2. Decode chunks concurrently, at most --workers at a time
  3. Upsert every city and road, at most --pool-size chunks in flight
  4. Optionally build spatial and node indexes

Decode, serialization and write failures are counted and reported at the
end; only unreadable input, an unreachable database or a failed schema
bootstrap abort the run.`,
	Args: cobra.ExactArgs(1),
	Run:  runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "Database connections, also bounds chunks in flight")
	importCmd.Flags().IntVarP(&cfg.Workers, "workers", "j", cfg.Workers, "Chunks decoded in parallel")
	importCmd.Flags().IntVar(&cfg.AcquireAttempts, "acquire-attempts", cfg.AcquireAttempts, "Connection acquire attempts per write")
	importCmd.Flags().DurationVar(&cfg.AcquireTimeout, "acquire-timeout", cfg.AcquireTimeout, "Deadline for one connection acquire attempt")
	importCmd.Flags().DurationVar(&cfg.AcquireBackoff, "acquire-backoff", cfg.AcquireBackoff, "Initial delay between acquire attempts")
	importCmd.Flags().StringVarP(&bboxStr, "bbox", "b", "", "Only keep cities inside minlon,minlat,maxlon,maxlat")
	importCmd.Flags().StringVar(&cfg.RulesFile, "rules", "", "Extraction rules YAML file")
	importCmd.Flags().BoolVar(&cfg.UseMmap, "mmap", false, "Memory-map the input file")
	importCmd.Flags().BoolVar(&cfg.CreateIndexes, "create-indexes", cfg.CreateIndexes, "Create spatial and node indexes after loading")
	importCmd.Flags().StringVar(&cfg.ArchiveDir, "archive-dir", "", "Also write extracted records as Parquet files to this directory")
	importCmd.Flags().StringVar(&cfg.MetricsFile, "metrics-file", "", "Write run metrics in Prometheus text format to this file")
	importCmd.Flags().DurationVar(&cfg.ProgressInterval, "progress-interval", cfg.ProgressInterval, "Interval for progress logging, 0 disables")
}

func runImport(cmd *cobra.Command, args []string) {
	cfg.InputFile = args[0]
	log := logger.Get()

	bbox, err := config.ParseBBox(bboxStr)
	if err != nil {
		exitWithError("invalid bbox", err)
	}
	cfg.BBox = bbox

	if err := cfg.Validate(); err != nil {
		exitWithError("invalid configuration", err)
	}

	rules := extract.DefaultRules()
	if cfg.RulesFile != "" {
		rules, err = extract.LoadRules(cfg.RulesFile)
		if err != nil {
			exitWithError("invalid rules", err)
		}
	}

	logFields := []zap.Field{
		zap.String("input", cfg.InputFile),
		zap.String("output", cfg.Target()),
		zap.String("schema", cfg.DBSchema),
		zap.Int("pool_size", cfg.PoolSize),
		zap.Int("workers", cfg.Workers),
		zap.Strings("place_values", rules.PlaceValues),
		zap.String("road_key", rules.RoadKey),
	}
	if cfg.BBox != nil {
		logFields = append(logFields, zap.String("bbox", fmt.Sprintf("%.4f,%.4f,%.4f,%.4f",
			cfg.BBox.Min.Lon(), cfg.BBox.Min.Lat(), cfg.BBox.Max.Lon(), cfg.BBox.Max.Lat())))
	}
	if cfg.ArchiveDir != "" {
		logFields = append(logFields, zap.String("archive", cfg.ArchiveDir))
	}
	log.Info("Starting osmextract import", logFields...)

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			log.Info("Received signal, finishing in-flight chunks", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	src, err := pbf.Open(cfg.InputFile, cfg.UseMmap)
	if err != nil {
		exitWithError("failed to open input", err)
	}
	defer src.Close()

	pool, err := store.Open(ctx, cfg)
	if err != nil {
		exitWithError("failed to connect to database", err)
	}
	defer pool.Close()

	writer := store.NewWriter(pool, cfg)

	var extOpts []extract.Option
	if cfg.BBox != nil {
		extOpts = append(extOpts, extract.WithBounds(*cfg.BBox))
	}
	ext := extract.New(rules, extOpts...)

	run := metrics.NewRun()
	if cfg.MetricsInterval > 0 {
		metricsCtx, cancelMetrics := context.WithCancel(ctx)
		defer cancelMetrics()

		collector := metrics.NewCollector(cfg.MetricsInterval, log, run)
		go collector.Start(metricsCtx)
		log.Info("System metrics collection started",
			zap.Duration("interval", cfg.MetricsInterval))
	}

	schedOpts := []ingest.Option{ingest.WithMetrics(run)}
	var arch *archive.Writer
	if cfg.ArchiveDir != "" {
		arch, err = archive.Open(cfg.ArchiveDir, archive.DefaultBatchSize)
		if err != nil {
			exitWithError("failed to open archive", err)
		}
		schedOpts = append(schedOpts, ingest.WithArchive(arch))
	}

	sched := ingest.NewScheduler(ingest.Options{
		PoolSize:         cfg.PoolSize,
		Workers:          cfg.Workers,
		ProgressInterval: cfg.ProgressInterval,
		TotalBytes:       src.Size(),
	}, writer, ext, schedOpts...)

	report, runErr := sched.Run(ctx, pbf.NewReader(src))
	if report != nil {
		report.Log(log)
	}

	if arch != nil {
		if err := arch.Close(); err != nil {
			log.Error("Failed to close archive", zap.Error(err))
		} else {
			log.Info("Archive written", zap.String("dir", arch.Dir()))
		}
	}

	if cfg.MetricsFile != "" {
		if err := run.WriteTextfile(cfg.MetricsFile); err != nil {
			log.Error("Failed to write metrics file", zap.Error(err))
		}
	}

	if runErr != nil {
		exitWithError("import failed", runErr)
	}

	if cfg.CreateIndexes {
		log.Info("Creating indexes")
		if err := writer.CreateIndexes(ctx); err != nil {
			log.Error("Failed to create indexes", zap.Error(err))
		}
	}

	if !report.Consistent() {
		log.Warn("Record counts do not add up",
			zap.Int64("cities_extracted", report.CitiesExtracted.Load()),
			zap.Int64("roads_extracted", report.RoadsExtracted.Load()))
	}
}
