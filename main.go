package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Tutortoise/blast-classifier-service/classification"
	"github.com/Tutortoise/blast-classifier-service/config"
	"github.com/Tutortoise/blast-classifier-service/history"
	"github.com/Tutortoise/blast-classifier-service/logger"
)

const startupTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "blast-classifier: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromArgs(os.Args[1:])
	if err != nil {
		return err
	}
	if cfg.Server.Debug {
		cfg.Log.Level = "debug"
	}

	log, err := logger.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	log.Info("Starting blast classifier", zap.Any("cpu", classification.CPUFeatures()))

	filter, err := classification.ParseResampleFilter(cfg.Model.Resample)
	if err != nil {
		return err
	}

	// A model that fails to load leaves the service up in degraded mode.
	handle := loadModel(&cfg.Model, log)
	defer handle.Close()

	metrics := NewMetrics()
	if handle.Pool != nil {
		metrics.RegisterPool(handle.Pool)
	}

	state := &AppState{
		Config:     cfg,
		Classifier: classification.NewClassifier(handle.Model, cfg.Model.Labels, classification.NewPreprocessor(filter)),
		Pool:       handle.Pool,
		Metrics:    metrics,
		Log:        log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	if cfg.Cache.Enabled {
		cache := NewRedisCache(&cfg.Cache, cacheNamespace(cfg.Model.Path))
		if err := cache.Ping(ctx); err != nil {
			log.Warn("Result cache unreachable, continuing without it",
				zap.String("addr", cfg.Cache.Addr), zap.Error(err))
			cache.Close()
		} else {
			defer cache.Close()
			state.Cache = cache
			log.Info("Result cache enabled", zap.String("addr", cfg.Cache.Addr), zap.Duration("ttl", cfg.Cache.TTL))
		}
	}

	if cfg.Database.URL != "" {
		store, err := openHistory(ctx, cfg.Database.URL)
		if err != nil {
			log.Warn("Prediction history unavailable, continuing without it", zap.Error(err))
		} else {
			defer store.Close()
			state.History = store
			log.Info("Prediction history enabled")
		}
	}

	srv := &http.Server{
		Handler:      state.Router(),
		Addr:         cfg.Server.Addr(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		log.Info("Shutting down server", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("Server exited")
	return nil
}

func openHistory(ctx context.Context, url string) (*history.Store, error) {
	store, err := history.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// cacheNamespace keys cached results by model artifact name.
func cacheNamespace(modelPath string) string {
	return strings.TrimSuffix(filepath.Base(modelPath), filepath.Ext(modelPath))
}
