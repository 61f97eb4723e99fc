package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"l2flow/config"
	"l2flow/internal/channel"
	"l2flow/internal/dashboard"
	"l2flow/internal/metadata"
	"l2flow/internal/metrics"
	"l2flow/internal/retention"
	"l2flow/logger"
	"l2flow/processor"
	"l2flow/reader/okx"
	"l2flow/writer"
)

func main() {
	os.Exit(run())
}

func run() int {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	env := config.AppEnvironment()
	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		return 1
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		return 1
	}

	log.WithFields(logger.Fields{
		"service":     cfg.L2flow.Name,
		"version":     cfg.L2flow.Version,
		"environment": env,
		"instruments": cfg.Source.Okx.Instruments,
	}).Info("starting l2flow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.CloudWatch {
		logger.InitCloudWatch(ctx, cfg.Storage.S3.Region, cfg.Logging.Namespace, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" || cfg.Logging.ReportInterval > 0 {
		interval := cfg.Logging.ReportInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		logger.StartReport(ctx, log, interval)
	}
	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	channels := channel.NewChannels(cfg.Source.Okx.Instruments, cfg.Channels.RawBuffer, cfg.Channels.EventBuffer)
	defer channels.Close()
	if cfg.Metrics.Enabled {
		metrics.StartChannelSizeMetrics(ctx, channels, 10*time.Second)
	}

	booksReader := okx.NewBooksReader(cfg, channels)

	manager, err := processor.NewManager(cfg, channels, booksReader)
	if err != nil {
		log.WithError(err).Error("failed to create book processors")
		return 1
	}

	registry := metadata.NewRegistry(cfg.Metadata)

	snapshotWriter, archiver, publisher, err := buildWriter(ctx, cfg, env, manager, registry)
	if err != nil {
		log.WithError(err).Error("failed to create snapshot writer")
		return 1
	}

	statusServer, err := dashboard.NewServer(cfg, manager, channels, log)
	if err != nil {
		log.WithError(err).Error("failed to create status server")
		return 1
	}
	if statusServer != nil {
		manager.AddEventSink(statusServer.EventSink())
	}

	var janitor *retention.Janitor
	if cfg.Retention.Enabled {
		janitor = retention.NewJanitor(cfg, snapshotWriter.OpenPaths)
	}

	// Start order: sinks first so no record or event is lost, the reader last.
	if archiver != nil {
		if err := archiver.Start(ctx); err != nil {
			log.WithError(err).Error("s3 archiver failed to start")
			return 1
		}
	}
	if publisher != nil {
		if err := publisher.Start(ctx); err != nil {
			log.WithError(err).Error("kafka publisher failed to start")
			return 1
		}
	}
	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Error("book processors failed to start")
		return 1
	}
	if err := snapshotWriter.Start(ctx); err != nil {
		log.WithError(err).Error("snapshot writer failed to start")
		return 1
	}
	if janitor != nil {
		if err := janitor.Start(ctx); err != nil {
			log.WithError(err).Error("retention janitor failed to start")
			return 1
		}
	}

	var wg sync.WaitGroup
	if statusServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := statusServer.Run(ctx); err != nil {
				log.WithComponent("dashboard").WithError(err).Error("status server stopped")
			}
		}()
	}

	if err := booksReader.Start(ctx); err != nil {
		log.WithError(err).Error("okx reader failed to start")
		return 1
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err, ok := <-manager.Fatal():
		if ok && err != nil {
			log.WithError(err).Error("book processor failed, shutting down")
			exitCode = 1
		}
	}

	log.Info("starting graceful shutdown")

	done := make(chan struct{})
	go func() {
		defer close(done)
		// The reader stops first so processors see no new frames, the writer
		// seals its buckets before the archiver and publisher drain.
		log.Info("stopping okx reader")
		booksReader.Stop()
		log.Info("stopping book processors")
		manager.Stop()
		log.Info("stopping snapshot writer")
		snapshotWriter.Stop()
		if janitor != nil {
			janitor.Stop()
		}
		if archiver != nil {
			log.Info("stopping s3 archiver")
			archiver.Stop()
		}
		if publisher != nil {
			log.Info("stopping kafka publisher")
			publisher.Stop()
		}
		cancel()
		wg.Wait()
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
		exitCode = 1
	}

	log.Info("l2flow stopped")
	return exitCode
}

// buildWriter wires the snapshot writer with its optional seal handlers and
// record publishers. In production-like environments an S3 client that
// cannot be built is fatal; elsewhere archiving is skipped.
func buildWriter(ctx context.Context, cfg *config.Config, env string, books writer.BookSource, registry *metadata.Registry) (*writer.SnapshotWriter, *writer.S3Archiver, *writer.KafkaPublisher, error) {
	log := logger.GetLogger().WithComponent("main")

	w, err := writer.NewSnapshotWriter(cfg, books, nil, registry)
	if err != nil {
		return nil, nil, nil, err
	}

	catalogDir := filepath.Join(cfg.Metadata.Dir, "catalog")
	cat := metadata.NewCatalog(filepath.Join(cfg.Metadata.Dir, "tables", "l2_snapshots"), "l2_snapshots")
	if err := cat.WriteCatalogEntry(catalogDir); err != nil {
		log.WithError(err).Warn("failed to write catalog entry")
	}
	w.AddSealHandler(writer.CatalogHandler(cat))

	var archiver *writer.S3Archiver
	if cfg.Storage.S3.Enabled {
		client, err := writer.NewS3Client(ctx, cfg)
		switch {
		case err == nil:
			archiver = writer.NewS3Archiver(cfg, client, w.Session())
			w.AddSealHandler(archiver)
		case config.IsProductionLike(env):
			return nil, nil, nil, err
		default:
			log.WithError(err).Warn("S3 archiving disabled")
		}
	} else {
		log.Info("S3 storage disabled; sealed buckets stay local")
	}

	var publisher *writer.KafkaPublisher
	if cfg.Storage.Kafka.Enabled {
		publisher, err = writer.NewKafkaPublisher(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		w.AddPublisher(publisher)
	}
	return w, archiver, publisher, nil
}
