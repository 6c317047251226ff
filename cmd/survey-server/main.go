//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Command survey-server issues batches of anonymous survey tokens, accepts
// one response per token and serves the public audit of every batch.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalapp/surveytokens/cmd/internal/config"
	"github.com/signalapp/surveytokens/cmd/internal/util"
	"github.com/signalapp/surveytokens/db"
	"github.com/signalapp/surveytokens/tokens"
)

var (
	Version   = "dev"
	GoVersion = runtime.Version()

	configFile = flag.String("config", "", "Location of config file.")
	liveness   = "liveness"
	readiness  = "readiness"
)

func main() {
	flag.Parse()

	// Load config from disk.
	if *configFile == "" {
		util.SetLoggerInstance(util.NewZeroLogger(""))
		util.Log().Fatalf("no config file specified")
	}
	config, err := config.Read(*configFile)
	if err != nil {
		util.SetLoggerInstance(util.NewZeroLogger(""))
		util.Log().Fatalf("failed to parse config file: %v", err)
	}
	util.SetLoggerInstance(util.NewZeroLogger(config.LogOutputFile))

	// Register healthCheck service
	healthServer := grpc.NewServer()
	healthCheck := health.NewServer()
	healthgrpc.RegisterHealthServer(healthServer, healthCheck)

	// Initialize liveness and readiness states
	healthCheck.SetServingStatus(liveness, healthpb.HealthCheckResponse_SERVING)
	healthCheck.SetServingStatus(readiness, healthpb.HealthCheckResponse_NOT_SERVING)

	lis, err := net.Listen("tcp", config.HealthAddr)
	if err != nil {
		util.Log().Fatalf("failed to listen on health check port %v: %v", config.HealthAddr, err)
	}
	util.Log().Infof("Starting health check server at: %v", config.HealthAddr)
	go healthServer.Serve(lis)

	// Start the metrics server.
	if err := exportMetrics(config.DatadogAddr); err != nil {
		util.Log().Fatalf("%v", err)
	}
	metricsSrv := newMetricsServer(config.MetricsAddr)
	go func() {
		util.Log().Infof("Starting metrics server at: %v", config.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Log().Fatalf("metrics server failed: %v", err)
		}
	}()

	store, err := config.DatabaseConfig.Connect()
	if err != nil {
		healthCheck.SetServingStatus(liveness, healthpb.HealthCheckResponse_NOT_SERVING)
		util.Log().Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	// Batches never change once written. Surveys only change when a question
	// is added, which evicts them from this cache.
	cachedStore := db.NewCachedStore(store, db.BatchCache|db.SurveyCache, config.CacheConfig.BatchSize, config.CacheConfig.SurveySize)

	sink := config.DistributionConfig.Sink()
	if sink == nil {
		util.Log().Warnf("No distribution configured. Links are only returned to the issuing request.")
	}
	svc := tokens.NewService(cachedStore, tokens.Config{
		BaseURL:    config.BaseURL,
		SigningKey: config.SigningPrivateKey(),
		Sink:       sink,
	})
	handler := &SurveyHandler{svc: svc, returnLinks: sink == nil}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              config.ServerAddr,
		Handler:           handler.routes(config.Accounts()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		healthCheck.SetServingStatus(readiness, healthpb.HealthCheckResponse_NOT_SERVING)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			util.Log().Errorf("failed to shut down server: %v", err)
		}
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			util.Log().Errorf("failed to shut down metrics server: %v", err)
		}
		healthServer.GracefulStop()
	}()

	util.Log().Infof("Starting survey server at: %v", config.ServerAddr)
	healthCheck.SetServingStatus(readiness, healthpb.HealthCheckResponse_SERVING)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		healthCheck.SetServingStatus(liveness, healthpb.HealthCheckResponse_NOT_SERVING)
		util.Log().Fatalf("server failed: %v", err)
	}
	util.Log().Infof("Server stopped")
}
