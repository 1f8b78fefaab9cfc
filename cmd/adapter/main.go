package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/adapterinfo"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/config"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/httpapi"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/server"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/service"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Loader{}.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	logger.Info("starting adapter",
		"adapter", adapterinfo.Info.Slug,
		"listen_addr", cfg.ListenAddr,
		"http_addr", cfg.HTTPAddr,
		"backend", cfg.Backend,
		"model_variant", cfg.ModelVariant,
		"language", cfg.Language,
		"data_dir", cfg.DataDir,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := telemetry.NewRecorder(logger, registry)

	svc, err := service.New(service.Options{Config: cfg, Telemetry: recorder, Logger: logger})
	if err != nil {
		logger.Error("failed to initialise service", "error", err)
		os.Exit(1)
	}

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to bind listener", "error", err)
		os.Exit(1)
	}
	defer lis.Close()

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthgrpc.RegisterHealthServer(grpcServer, healthServer)

	healthServer.SetServingStatus("", healthgrpc.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(server.ServiceName, healthgrpc.HealthCheckResponse_NOT_SERVING)

	server.Register(grpcServer, server.New(svc, logger))

	healthServer.SetServingStatus("", healthgrpc.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(server.ServiceName, healthgrpc.HealthCheckResponse_SERVING)

	var httpServer *http.Server
	if cfg.HTTPEnabled() {
		httpServer = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           httpapi.New(svc, registry, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server terminated with error", "error", err)
				stop()
			}
		}()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown requested, stopping servers")
		healthServer.SetServingStatus(server.ServiceName, healthgrpc.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus("", healthgrpc.HealthCheckResponse_NOT_SERVING)

		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP shutdown incomplete", "error", err)
			}
			cancel()
		}

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()

		select {
		case <-stopped:
		case <-time.After(shutdownTimeout):
			logger.Warn("graceful stop timed out, forcing stop")
			grpcServer.Stop()
		}
	}()

	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		logger.Error("gRPC server terminated with error", "error", err)
		os.Exit(1)
	}

	if snapshot := recorder.Snapshot(); snapshot.TotalRuns > 0 {
		logger.Info("telemetry totals",
			"total_runs", snapshot.TotalRuns,
			"failed_runs", snapshot.FailedRuns,
			"total_downloads", snapshot.TotalDownloads,
			"total_windows", snapshot.TotalWindows,
			"total_segments", snapshot.TotalSegments,
			"total_characters", snapshot.TotalCharacters,
		)
	}

	logger.Info("adapter stopped")
}
