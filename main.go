package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"iris-monitor/internal/api"
	"iris-monitor/internal/archive"
	"iris-monitor/internal/config"
	"iris-monitor/internal/db"
	"iris-monitor/internal/fetcher"
	"iris-monitor/internal/logging"
	"iris-monitor/internal/monitor"
	"iris-monitor/internal/query"
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
	logger.Info("starting_service", "service", "iris-monitor", "http_addr", cfg.HTTPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConn, err := db.New(ctx, cfg.DBDSN)
	if err != nil {
		logger.Error("db_connect_failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	if err := dbConn.EnsureSchema(ctx); err != nil {
		logger.Error("schema_init_failed", "error", err)
		os.Exit(1)
	}

	// redis é opcional: cache e rate limit degradam sem ele, o monitor não
	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Warn("redis_unavailable", "error", err)
		redisClient = nil
	}

	st := store.New(dbConn, logger)

	settingsService := settings.NewService(logger, st)
	if err := settingsService.Seed(ctx, settingsOverrides(cfg)); err != nil {
		logger.Error("settings_seed_failed", "error", err)
		os.Exit(1)
	}

	// app_port and debug_mode are recorded on write and take effect here, on
	// the next boot
	applyStoredBootSettings(ctx, settingsService, &cfg, os.Getenv("HTTP_ADDR") != "")
	if cfg.DebugMode && os.Getenv("LOG_LEVEL") == "" {
		logger = logging.New("debug")
		st = store.New(dbConn, logger)
		settingsService = settings.NewService(logger, st)
	}

	archiver := buildArchiver(logger, cfg)

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

	facade := query.New(st, settingsService, scheduler)

	if autoStart, err := settingsService.Bool(ctx, settings.KeyAutoStartMonitor); err == nil && autoStart {
		if err := scheduler.Start(); err != nil {
			logger.Warn("monitor_autostart_failed", "error", err)
		}
	}

	srv := api.NewServer(logger, cfg, st, settingsService, scheduler, facade, redisClient, profileFetcher)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_listen_failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("api_server_ready", "addr", cfg.HTTPAddr)

	// graceful shutdown
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// parar o scheduler antes de tudo; a conta em andamento termina
	if scheduler.Running() {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.Warn("monitor_stop_failed", "error", err)
		} else {
			logger.Info("monitor_stopped_clean")
		}
	}

	// parar aceitar novas requisicoes http
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	} else {
		logger.Info("http_server_stopped")
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

	logger.Info("service_stopped")
}

// applyStoredBootSettings loads the restart-required keys recorded by earlier
// runs into the boot config. An explicit HTTP_ADDR env value wins over the
// stored port.
func applyStoredBootSettings(ctx context.Context, svc *settings.Service, cfg *config.Config, httpAddrFromEnv bool) {
	if !httpAddrFromEnv {
		if port, err := svc.Int(ctx, settings.KeyAppPort); err == nil {
			cfg.Port = int(port)
			cfg.HTTPAddr = ":" + strconv.Itoa(int(port))
		}
	}
	if debug, err := svc.Bool(ctx, settings.KeyDebugMode); err == nil {
		cfg.DebugMode = debug
	}
}

// settingsOverrides maps process-start env values onto the settings keys they
// seed on first boot.
func settingsOverrides(cfg config.Config) map[string]string {
	overrides := map[string]string{
		settings.KeyAppPort:                strconv.Itoa(cfg.Port),
		settings.KeyMonitorIntervalSeconds: strconv.Itoa(cfg.MonitorIntervalSeconds),
	}
	if cfg.DebugMode {
		overrides[settings.KeyDebugMode] = "1"
	} else {
		overrides[settings.KeyDebugMode] = "0"
	}
	if cfg.AutoStartMonitor {
		overrides[settings.KeyAutoStartMonitor] = "1"
	} else {
		overrides[settings.KeyAutoStartMonitor] = "0"
	}
	return overrides
}

// buildArchiver picks S3-compatible storage when configured, otherwise the
// deterministic simulator.
func buildArchiver(logger *slog.Logger, cfg config.Config) monitor.Archiver {
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
				logger.Info("using_s3_archive", "endpoint", cfg.ArchiveEndpoint)
				return s3Client
			}
		}
	}
	logger.Info("using_archive_simulator")
	return archive.NewSimulator(cfg.ArchiveBucket, cfg.ArchiveEndpoint)
}
