package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"log-anomaly-engine/analytics"
	"log-anomaly-engine/api"
	"log-anomaly-engine/auth"
	"log-anomaly-engine/config"
	"log-anomaly-engine/ingestion"
	"log-anomaly-engine/metrics"
	"log-anomaly-engine/storage"
	"log-anomaly-engine/tracing"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to JSON configuration file")
	flag.Parse()

	configManager, err := config.NewConfigManager(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := configManager.GetConfig()

	log, err := cfg.Logging.NewLogger()
	if err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}
	log.Info("Starting Log Anomaly Engine...")

	metrics.MustRegister()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closeTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRatio:  cfg.Tracing.SampleRatio,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize tracing")
	}
	defer func() {
		if err := closeTracing(context.Background()); err != nil {
			log.WithError(err).Warn("Tracer shutdown failed")
		}
	}()

	storageConfig := &storage.StorageConfig{
		Hot: storage.HotStorageConfig{
			MaxSeries:       cfg.Storage.Hot.MaxSeries,
			RetentionPeriod: cfg.Storage.Hot.RetentionPeriod.Duration,
			CleanupInterval: cfg.Storage.Hot.CleanupInterval.Duration,
		},
	}
	if cfg.Storage.Redis.Enabled {
		client, err := storage.DialRedis(ctx, cfg.Storage.Redis.Addr, cfg.Storage.Redis.Password, cfg.Storage.Redis.DB)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer client.Close()
		storageConfig.Redis = storage.NewRedisStorage(client, cfg.Storage.Redis.Prefix, cfg.Storage.Redis.Retention.Duration)
	}

	storageEngine, err := storage.NewStorageEngine(storageConfig, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage engine")
	}
	storageEngine.Start()
	defer storageEngine.Stop()
	log.WithFields(logrus.Fields{
		"max_series": cfg.Storage.Hot.MaxSeries,
		"redis":      cfg.Storage.Redis.Enabled,
	}).Info("Storage engine initialized")

	engine := analytics.NewEngine(storage.NewAggregator(storageEngine), cfg.Detection, log.WithField("component", "analytics"))

	streamProcessor := ingestion.NewStreamProcessor(
		storageEngine,
		cfg.Ingestion.BufferSize,
		cfg.Ingestion.BatchSize,
		cfg.Ingestion.FlushInterval.Duration,
		log.WithField("component", "ingestion"),
	)
	if len(cfg.Ingestion.AllowedLevels) > 0 {
		streamProcessor.GetValidator().SetAllowedLevels(cfg.Ingestion.AllowedLevels)
	}
	if err := streamProcessor.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start stream processor")
	}

	var opts []api.Option
	if cfg.RateLimit.Enabled {
		proxies, err := cfg.RateLimit.Proxies()
		if err != nil {
			log.WithError(err).Fatal("Failed to configure rate limiting")
		}
		opts = append(opts, api.WithRateLimit(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, proxies...))
	}
	if cfg.Auth.JWTSecret != "" {
		j, err := auth.NewJWT(cfg.Auth.JWTSecret)
		if err != nil {
			log.WithError(err).Fatal("Failed to configure authentication")
		}
		opts = append(opts, api.WithAuth(j))
	}
	apiServer := api.NewServer(engine, streamProcessor, storageEngine, log.WithField("component", "api"), opts...)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	go func() {
		log.WithField("addr", cfg.Server.Port).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	configManager.AddWatcher(func(c *config.Config) {
		if level, err := logrus.ParseLevel(c.Logging.Level); err == nil {
			log.SetLevel(level)
		}
		log.WithField("level", c.Logging.Level).Info("Configuration reloaded")
	})

	printStartupInfo(cfg.Server.Port, cfg)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range signals {
		if sig == syscall.SIGHUP {
			if err := configManager.Reload(); err != nil {
				log.WithError(err).Warn("Configuration reload failed")
			}
			continue
		}
		break
	}
	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server forced to shutdown")
	}

	streamProcessor.Stop()
	log.Info("Server gracefully stopped")
}

func printStartupInfo(port string, cfg *config.Config) {
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("Log Anomaly Engine started")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("HTTP API: http://localhost%s\n", port)

	fmt.Println("\nConfiguration:")
	fmt.Printf("  Hot storage:  %d series, retention %v\n", cfg.Storage.Hot.MaxSeries, cfg.Storage.Hot.RetentionPeriod.Duration)
	if cfg.Storage.Redis.Enabled {
		fmt.Printf("  Redis:        %s (prefix %q)\n", cfg.Storage.Redis.Addr, cfg.Storage.Redis.Prefix)
	} else {
		fmt.Println("  Redis:        disabled")
	}
	fmt.Printf("  Ingestion:    buffer=%d, batch=%d, flush=%v\n",
		cfg.Ingestion.BufferSize, cfg.Ingestion.BatchSize, cfg.Ingestion.FlushInterval.Duration)
	fmt.Printf("  Detection:    sensitivity=%.2f baseline=%s trend_window=%d contamination=%.2f\n",
		cfg.Detection.Statistical.Sensitivity, cfg.Detection.Statistical.Baseline,
		cfg.Detection.Trend.WindowSize, cfg.Detection.Pattern.Contamination)

	fmt.Println("\nExample usage:")
	fmt.Printf(`  curl -X POST http://localhost%s/api/v1/logs -d '{"service":"api","level":"ERROR","message":"boom"}'`+"\n", port)
	fmt.Printf(`  curl "http://localhost%s/api/v1/anomaly/report?window_minutes=60"`+"\n", port)
	fmt.Println(strings.Repeat("=", 60) + "\n")
}
