package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siderealchat/voice-capture/internal/config"
	"github.com/siderealchat/voice-capture/internal/gateway"
	"github.com/siderealchat/voice-capture/internal/observability"
	"github.com/siderealchat/voice-capture/internal/stt"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("stt_endpoint", cfg.STTEndpoint).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Capture Service starting")

	sttClient := stt.NewClient(cfg)

	mux := http.NewServeMux()

	// Capture WebSocket endpoint
	mux.HandleFunc("/streams/capture", gateway.HandleCaptureWS(cfg, sttClient))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness checks the transcription endpoint without spending quota
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"stt": sttClient.HealthCheck,
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/streams/capture", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
