// Package main provides the entry point for the leader-election daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"

	"github.com/kneutral-org/leader-election/internal/admin"
	"github.com/kneutral-org/leader-election/internal/config"
	grpcserver "github.com/kneutral-org/leader-election/internal/grpc"
	"github.com/kneutral-org/leader-election/internal/leader"
	"github.com/kneutral-org/leader-election/internal/lock"
	"github.com/kneutral-org/leader-election/internal/logging"
)

const serviceName = "leader-election"

func main() {
	cfg := config.Load()

	logger := logging.NewLogger(serviceName, cfg.LogLevel)
	if cfg.LogPretty {
		logger = logging.NewPrettyLogger(serviceName, cfg.LogLevel)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
	logger.Info().Msg("server exited properly")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.close()

	store := lock.Instrument(backend.store, cfg.LockStore)

	registry, err := lock.NewRegistry(store)
	if err != nil {
		return err
	}

	reaper := newReaper(backend, store, cfg, logger)

	hs := health.NewServer()
	candidate := leader.NewDefaultCandidate(cfg.LeaderRole, store.OwnerID())

	elector, err := leader.NewElector(registry, candidate, logger,
		leader.WithPollInterval(cfg.PollInterval),
		leader.WithRenewInterval(cfg.RenewInterval),
		leader.WithEventPublisher(leader.LogPublisher(logger)),
		leader.WithEventPublisher(grpcserver.NewHealthPublisher(hs, cfg.LeaderRole, logger)),
	)
	if err != nil {
		return err
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := admin.NewRouter(admin.NewHandler(elector, store, logger), cfg.AdminMaxPayloadSize, logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	grpcServer := grpcserver.NewServer(hs, logger)

	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen on gRPC port %s: %w", cfg.GRPCPort, err)
	}

	if err := elector.Start(ctx); err != nil {
		_ = grpcListener.Close()
		return err
	}

	// Started last; Stop is idempotent.
	if reaper != nil {
		reaper.Start()
		defer reaper.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("port", cfg.Port).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("port", cfg.GRPCPort).Msg("starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Leadership goes first so a standby can take over while servers drain.
		if err := elector.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("elector did not stop cleanly")
		}
		if reaper != nil {
			reaper.Stop()
		}
		if err := registry.Close(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("failed to release leases")
		}

		hs.Shutdown()
		grpcServer.GracefulStop()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
