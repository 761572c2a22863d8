package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mixaill76/mistral_code_proxy/internal/backend"
	"github.com/mixaill76/mistral_code_proxy/internal/config"
	"github.com/mixaill76/mistral_code_proxy/internal/logger"
	"github.com/mixaill76/mistral_code_proxy/internal/monitoring"
	"github.com/mixaill76/mistral_code_proxy/internal/proxy"
	"github.com/mixaill76/mistral_code_proxy/internal/router"
	"github.com/mixaill76/mistral_code_proxy/internal/security"
	"github.com/mixaill76/mistral_code_proxy/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "", "Optional YAML config file overlaying the environment")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.LoggingLevel)

	log.Info("Starting mistral_code_proxy",
		"logging_level", cfg.Server.LoggingLevel,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"backend_url", cfg.Backend.URL,
		"backend_model", cfg.Backend.Model,
		"backend_api_key", security.MaskAPIKey(cfg.Backend.APIKey),
		"vision_configured", cfg.Vision != nil,
	)
	if cfg.Vision != nil {
		log.Info("Vision backend configured",
			"url", cfg.Vision.URL,
			"model", cfg.Vision.Model,
			"api_key", security.MaskAPIKey(cfg.Vision.APIKey),
		)
	}

	telemetryCtx, telemetryCancel := context.WithCancel(context.Background())
	tel := telemetry.New(cfg.Telemetry.Enabled, cfg.Telemetry.Endpoint, log)
	tel.Start(telemetryCtx)

	metrics := monitoring.New(true)
	client := backend.NewClient(log)
	prx := proxy.New(cfg, log, metrics, tel, client)

	// Startup reachability probes; failures are informational only.
	go prx.CheckBackends(context.Background())

	rtr := router.New(prx, tel, cfg)

	mux := http.NewServeMux()
	mux.Handle("/", rtr)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: mux,
	}

	go func() {
		log.Info("Server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	telemetryCancel()
	tel.Close()

	log.Info("Server shutdown complete")
}
