package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DoyleJ11/als-sync-backend/internal/archive"
	"github.com/DoyleJ11/als-sync-backend/internal/config"
	"github.com/DoyleJ11/als-sync-backend/internal/httpapi"
	"github.com/DoyleJ11/als-sync-backend/internal/hub"
	"github.com/DoyleJ11/als-sync-backend/internal/logging"
	"github.com/DoyleJ11/als-sync-backend/internal/session"
	"github.com/DoyleJ11/als-sync-backend/internal/store"
	"github.com/DoyleJ11/als-sync-backend/internal/ws"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() (err error) {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	arch, err := archive.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, arch.Close()) }()

	h := hub.NewHub(ctx, hub.Options{
		Store:                store.New(),
		Registry:             session.NewRegistry(time.Now),
		Archive:              arch,
		Logger:               logger,
		ReconnectGrace:       cfg.ReconnectGrace,
		ForfeitCheckInterval: cfg.ForfeitCheckInterval,
		FinishedRetention:    cfg.FinishedRetention,
		IdleLobbyTimeout:     cfg.IdleLobbyTimeout,
	})

	// Build the router *with* the hub injected
	handler := httpapi.SetupRoutes(h, ws.Options{
		Logger:            logger,
		OutboundQueueSize: cfg.OutboundQueueSize,
		WriteTimeout:      cfg.WriteTimeout,
		PingInterval:      cfg.PingInterval,
		PingTimeout:       cfg.PingTimeout,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		OriginPatterns:    cfg.AllowedOrigins,
	}, logger)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		h.Send(hub.ShutdownHub{})

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
