// Command retention runs one housekeeping pass over the local snapshot tree,
// for use from cron when the exporter's own retention loop is disabled.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"l2flow/config"
	"l2flow/internal/retention"
	"l2flow/logger"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithComponent("retention").WithFields(logger.Fields{
		"dir":                cfg.Storage.Local.BaseDir,
		"uncompressed_hours": cfg.Retention.UncompressedHours,
		"retention_days":     cfg.Retention.RetentionDays,
	}).Info("starting retention pass")

	if _, err := retention.NewJanitor(cfg, nil).RunOnce(ctx); err != nil {
		log.WithComponent("retention").WithError(err).Error("retention pass failed")
		os.Exit(1)
	}
}
