// Headless monitor: runs check cycles without the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"iris-monitor/internal/archive"
	"iris-monitor/internal/config"
	"iris-monitor/internal/db"
	"iris-monitor/internal/fetcher"
	"iris-monitor/internal/logging"
	"iris-monitor/internal/monitor"
	"iris-monitor/internal/redis"
	"iris-monitor/internal/settings"
	"iris-monitor/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_worker", "service", "iris-monitor-worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to PostgreSQL (with retry)
	var dbConn *db.DB
	for i := 0; i < 5; i++ {
		dbConn, err = db.New(ctx, cfg.DBDSN)
		if err == nil {
			break
		}
		logger.Warn("db_connect_retry", "attempt", i+1, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		logger.Error("db_connect_failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	if err := dbConn.EnsureSchema(ctx); err != nil {
		logger.Error("schema_init_failed", "error", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Warn("redis_unavailable", "error", err)
		redisClient = nil
	}

	st := store.New(dbConn, logger)

	settingsService := settings.NewService(logger, st)
	if err := settingsService.Seed(ctx, nil); err != nil {
		logger.Error("settings_seed_failed", "error", err)
		os.Exit(1)
	}

	// Initialize archive client (S3 or simulator)
	var archiver monitor.Archiver
	if cfg.ArchiveEndpoint != "" && cfg.ArchiveBucket != "" && cfg.ArchiveKeysRaw != "" {
		var keys map[string]string
		if err := json.Unmarshal([]byte(cfg.ArchiveKeysRaw), &keys); err == nil {
			s3Client, err := archive.NewS3Client(archive.S3Config{
				Endpoint:        cfg.ArchiveEndpoint,
				AccessKeyID:     keys["access_key_id"],
				SecretAccessKey: keys["secret_access_key"],
				Bucket:          cfg.ArchiveBucket,
				PublicURL:       keys["public_url"],
				Region:          "auto",
			})
			if err == nil {
				archiver = s3Client
				logger.Info("using_s3_archive", "endpoint", cfg.ArchiveEndpoint)
			}
		}
	}
	if archiver == nil {
		archiver = archive.NewSimulator(cfg.ArchiveBucket, cfg.ArchiveEndpoint)
		logger.Info("using_archive_simulator")
	}

	profileFetcher := fetcher.NewTikTokFetcher(logger, fetcher.Options{
		Timeout: time.Duration(cfg.FetchTimeoutSeconds) * time.Second,
	})

	var counters monitor.Counters
	if redisClient != nil {
		counters = redisClient
	}

	scheduler := monitor.New(logger, st, settingsService, profileFetcher, archiver, counters, monitor.Config{
		Workers:      cfg.MonitorWorkerCount,
		CheckTimeout: time.Duration(cfg.FetchTimeoutSeconds+15) * time.Second,
		Interval:     time.Duration(cfg.MonitorIntervalSeconds) * time.Second,
	})

	if err := scheduler.Start(); err != nil {
		logger.Error("monitor_start_failed", "error", err)
		os.Exit(1)
	}
	logger.Info("worker_started", "workers", cfg.MonitorWorkerCount)

	// graceful shutdown
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("monitor_stop_failed", "error", err)
	} else {
		logger.Info("monitor_stopped_clean")
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis_close_error", "error", err)
		} else {
			logger.Info("redis_closed")
		}
	}

	dbConn.Close()
	logger.Info("db_closed")

	logger.Info("worker_stopped")
}
