// tradesentry runs the security monitoring daemon: detection engines,
// block registry, event ledger, and the metrics endpoint.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradesentry/internal/config"
	"tradesentry/internal/logging"
	"tradesentry/internal/monitor"
)

func main() {
	configPath := flag.String("config", "", "path to config file (overrides TRADESENTRY_CONFIG_PATH)")
	flag.Parse()

	if *configPath != "" {
		os.Setenv("TRADESENTRY_CONFIG_PATH", *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"log_level", cfg.Logging.Level,
		"metrics", cfg.Metrics.Enabled,
		"redis_blocklist", cfg.Blocklist.Redis.Enabled,
		"redis_password", logging.MaskSecret(cfg.Blocklist.Redis.Password),
		"clickhouse_sink", cfg.Sinks.ClickHouse.Enabled,
		"kafka_sink", cfg.Sinks.Kafka.Enabled,
		"archive_sink", cfg.Sinks.Archive.Enabled,
	)

	mon, err := monitor.New(cfg)
	if err != nil {
		slog.Error("failed to build monitor", "error", err)
		os.Exit(1)
	}

	if err := mon.Start(); err != nil {
		slog.Error("failed to start monitor", "error", err)
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		monitor.RegisterMetrics(registry)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})

		metricsServer = &http.Server{
			Addr:         cfg.Metrics.Address,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("starting metrics server", "address", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
				os.Exit(1)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown error", "error", err)
		}
	}

	mon.Stop()
	slog.Info("shutdown complete")
}
