package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/raaihank/vision-tower/internal/backend"
	"github.com/raaihank/vision-tower/internal/cache"
	"github.com/raaihank/vision-tower/internal/config"
	"github.com/raaihank/vision-tower/internal/etl"
	"github.com/raaihank/vision-tower/internal/export"
	"github.com/raaihank/vision-tower/internal/logger"
	"github.com/raaihank/vision-tower/internal/store"
	"github.com/raaihank/vision-tower/internal/tower"
)

func main() {
	var (
		configPath = flag.String("config", "configs/default.yaml", "Configuration file path")
		inputDir   = flag.String("input", "", "Input directory of images")
		towerName  = flag.String("tower", "", "Configured tower to extract with (default: first)")
		batchSize  = flag.Int("batch-size", 64, "Batch size for sink writes")
		workers    = flag.Int("workers", 4, "Number of worker goroutines")
		skipCache  = flag.Bool("skip-cache", false, "Skip the Redis feature cache")
		skipStore  = flag.Bool("skip-store", false, "Skip writing feature records to Postgres")
		doExport   = flag.Bool("export", false, "Write extracted features to Parquet files")
		showStats  = flag.Bool("stats", false, "Show feature store statistics and exit")
	)
	flag.Parse()

	if *inputDir == "" && !*showStats {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --input images/ --tower clip-vit-large\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input images/ --export --workers 8\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --stats\n", os.Args[0])
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting feature extraction",
		zap.String("version", "0.1.0"),
		zap.String("config", *configPath))

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling operations...")
		cancel()
	}()

	// Optional feature store
	var featureStore *store.Store
	if cfg.Store.Enabled && !*skipStore {
		featureStore, err = store.NewStore(&store.Config{
			DatabaseURL:     cfg.Store.DatabaseURL,
			MaxOpenConns:    cfg.Store.MaxConnections,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		}, log.WithComponent("store").Logger)
		if err != nil {
			log.Fatal("Failed to initialize feature store", zap.Error(err))
		}
		defer featureStore.Close()
	}

	if *showStats {
		if featureStore == nil {
			log.Fatal("Feature store is not enabled in configuration")
		}
		stats, err := featureStore.GetStats(ctx)
		if err != nil {
			log.Fatal("Failed to fetch store stats", zap.Error(err))
		}
		fmt.Printf("Feature records: %d\nTowers: %d\nVector bytes: %d\n",
			stats.TotalRecords, stats.TowerCount, stats.TotalBytes)
		return
	}

	// Select and build the tower
	towerCfg, err := selectTower(cfg, *towerName)
	if err != nil {
		log.Fatal("Tower selection failed", zap.Error(err))
	}

	factory, err := backend.NewFactory(log.WithComponent("backend").Logger)
	if err != nil {
		log.Fatal("Failed to initialize inference runtime", zap.Error(err))
	}

	tw, err := tower.FromConfig(*towerCfg, cfg.Runtime.SharedLibPath, factory, log.WithComponent("tower").Logger)
	if err != nil {
		log.Fatal("Failed to build tower", zap.Error(err))
	}
	defer tw.Close()

	// Optional feature cache
	var featureCache *cache.FeatureCache
	if cfg.Cache.Enabled && !*skipCache {
		featureCache, err = cache.NewFeatureCache(&cache.Config{
			RedisURL:       cfg.Cache.RedisURL,
			MaxConnections: cfg.Cache.PoolSize,
			DefaultTTL:     cfg.Cache.TTL,
			KeyPrefix:      cfg.Cache.KeyPrefix,
		}, log.WithComponent("cache").Logger)
		if err != nil {
			log.Fatal("Failed to initialize feature cache", zap.Error(err))
		}
		defer featureCache.Close()
	}

	// Optional Parquet exporter
	var exporter *export.Writer
	if *doExport {
		exporter, err = export.NewWriter(export.Config{
			Dir:         cfg.Export.Dir,
			RowsPerFile: cfg.Export.RowsPerFile,
			Compression: cfg.Export.Compression,
		}, log.WithComponent("export").Logger)
		if err != nil {
			log.Fatal("Failed to initialize Parquet exporter", zap.Error(err))
		}
	}

	pipelineCfg := &etl.Config{
		BatchSize:    *batchSize,
		WorkerCount:  *workers,
		SkipCached:   featureCache != nil,
		UpdateCache:  featureCache != nil,
		StoreRecords: featureStore != nil,
		ExportRows:   exporter != nil,
	}

	pipeline := etl.NewPipeline(towerCfg.Name, tw, featureStore, featureCache, exporter, pipelineCfg, log.WithComponent("etl").Logger)

	result, err := pipeline.ProcessDir(ctx, *inputDir)
	if err != nil {
		log.Fatal("Extraction failed", zap.Error(err))
	}

	log.Info("Extraction completed",
		zap.Int64("total_images", result.TotalImages),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("cache_hits", result.CacheHits),
		zap.Duration("duration", result.Duration))
}

// selectTower resolves the --tower flag against the configured towers
func selectTower(cfg *config.Config, name string) (*config.TowerConfig, error) {
	if len(cfg.Towers) == 0 {
		return nil, fmt.Errorf("no towers configured")
	}
	if name == "" {
		return &cfg.Towers[0], nil
	}
	for i := range cfg.Towers {
		if cfg.Towers[i].Name == name {
			return &cfg.Towers[i], nil
		}
	}
	return nil, fmt.Errorf("unknown tower: %s", name)
}
