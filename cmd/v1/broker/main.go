package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hiroba-chat/broker/internal/v1/auth"
	"github.com/hiroba-chat/broker/internal/v1/config"
	"github.com/hiroba-chat/broker/internal/v1/handshake"
	"github.com/hiroba-chat/broker/internal/v1/health"
	"github.com/hiroba-chat/broker/internal/v1/logging"
	"github.com/hiroba-chat/broker/internal/v1/registry"
	"github.com/hiroba-chat/broker/internal/v1/relay"
	"github.com/hiroba-chat/broker/internal/v1/tracing"
)

func main() {
	// Load .env file for local development; environment variables win.
	if err := godotenv.Load(); err == nil {
		logging.Info(nil, "Loaded environment from .env")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Fatal(nil, "Invalid configuration", zap.Error(err))
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		logging.Fatal(nil, "Failed to initialize logger", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional tracing; the broker runs fine without a collector.
	if cfg.OTELCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "chat-broker", cfg.OTELCollectorAddr)
		if err != nil {
			logging.Fatal(ctx, "Failed to initialize tracing", zap.Error(err))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logging.Error(nil, "Tracer shutdown failed", zap.Error(err))
			}
		}()
	}

	// --- Core wiring ---
	reg := registry.New(auth.NewBcryptVerifier(), auth.NewUUIDIssuer())
	rl := relay.New(cfg.UDPAddr, reg)
	reaper := relay.NewReaper(rl, cfg.ReapInterval, cfg.InactivityTimeout)
	handler := handshake.NewHandler(reg, rl, cfg.HandshakeTimeout, cfg.MaxPayload)
	srv := handshake.NewServer(cfg.TCPAddr, handler)

	errCh := make(chan error, 2)

	go func() {
		if err := rl.Run(ctx); err != nil {
			errCh <- err
		}
	}()
	go reaper.Run(ctx)

	// --- Ops HTTP server (health + metrics) ---
	var opsSrv *http.Server
	if cfg.OpsAddr != "" {
		if cfg.GoEnv == "production" {
			gin.SetMode(gin.ReleaseMode)
		}
		router := gin.New()
		router.Use(gin.Recovery())

		healthHandler := health.NewHandler(srv, rl)
		router.GET("/health/live", healthHandler.Liveness)
		router.GET("/health/ready", healthHandler.Readiness)
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))

		opsSrv = &http.Server{
			Addr:    cfg.OpsAddr,
			Handler: router,
		}
		go func() {
			logging.Info(ctx, "Ops server starting", zap.String("addr", cfg.OpsAddr))
			if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error(ctx, "Ops server failed", zap.Error(err))
			}
		}()
	}

	go func() {
		// Bind failures on the acceptor are fatal; everything else drains
		// through context cancellation.
		if err := srv.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logging.Info(nil, "Shutting down")
	case err := <-errCh:
		logging.Error(nil, "Listener failed", zap.Error(err))
		stop()
	}

	if opsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := opsSrv.Shutdown(shutdownCtx); err != nil {
			logging.Error(nil, "Ops server forced to shutdown", zap.Error(err))
		}
	}

	logging.Info(nil, "Broker exited")
}
