package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	grpcapi "speaker-transcript-service/internal/api/grpc"
	"speaker-transcript-service/internal/app"
	"speaker-transcript-service/internal/config"
	httpapi "speaker-transcript-service/internal/http"
	"speaker-transcript-service/internal/observability"
	"speaker-transcript-service/internal/observability/metrics"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal().Err(err).Msg("failed to load .env")
	}
	cfg := config.Load()

	application, err := app.New(cfg, app.WithMetrics(metrics.DefaultMetrics))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create application")
	}
	if err := application.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start application")
	}

	// Live transcript stream for browsers
	hub := httpapi.NewHub()
	application.AddObserver(hub.Observer)
	httpServer := observability.NewServer(cfg.Service.HTTPAddr, httpapi.NewRouter(application, hub), nil)
	httpServer.Start()

	lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}

	server := grpc.NewServer(
		grpc.UnaryInterceptor(observability.UnaryServerInterceptor(application.Metrics)),
		grpc.StreamInterceptor(observability.StreamServerInterceptor(application.Metrics)),
	)

	// Register gRPC health check service
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcapi.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	// Register application services
	recorder := grpcapi.Register(server, application)

	go func() {
		log.Info().Str("port", cfg.Service.GRPCPort).Msg("Speaker transcript service started")
		if err := server.Serve(lis); err != nil {
			log.Fatal().Err(err).Msg("grpc serve failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Session.ShutdownGrace*2+5*time.Second)
	defer cancel()

	// Stop a running session first so its transcript is persisted.
	application.Shutdown(ctx)
	recorder.Close()
	hub.Close()
	server.GracefulStop()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
}
