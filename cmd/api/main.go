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

	"github.com/punchamoorthee/barterops/internal/api"
	"github.com/punchamoorthee/barterops/internal/config"
	"github.com/punchamoorthee/barterops/internal/logging"
	"github.com/punchamoorthee/barterops/internal/service"
	"github.com/punchamoorthee/barterops/internal/settlement"
	"github.com/punchamoorthee/barterops/internal/store"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	if err := store.Migrate(cfg.DBSource, cfg.MigrationsPath, logger); err != nil {
		return err
	}

	dbPool, err := store.Connect(ctx, cfg.DBSource, cfg.DBMaxConns)
	if err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}
	defer dbPool.Close()

	// Initialize Layers
	pgStore := store.NewPostgres(dbPool)
	engine := settlement.NewEngine(logger.Named("settlement"))
	svc := service.NewTradeService(pgStore, engine, logger.Named("service"), service.RetryPolicy{
		MaxRetries: cfg.Accept.MaxRetries,
		BaseDelay:  cfg.Accept.RetryBaseDelay,
	})
	handler := api.NewHandler(svc, logger.Named("api"))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler, pgStore),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
