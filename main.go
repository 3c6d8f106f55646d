package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clsync/internal/api"
	"clsync/internal/config"
	"clsync/internal/logging"
	"clsync/internal/middleware"
	"clsync/internal/workspace"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "config file (defaults to config/config.<CLSYNC_ENV>.json)")
	root := flag.String("root", ".", "workspace root")
	flag.Parse()

	// Load configuration
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		log.Fatal("failed to load config:", err)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatal("failed to initialize logger:", err)
	}
	defer logger.Sync()

	wsRoot, err := workspace.FindRoot(*root)
	if err != nil {
		logger.Fatal("no workspace found", zap.String("root", *root), zap.Error(err))
	}
	ws, err := workspace.Open(wsRoot, cfg, logger.Logger)
	if err != nil {
		logger.Fatal("failed to open workspace", zap.Error(err))
	}
	defer ws.Close()

	// Set up router
	mux := http.NewServeMux()
	api.NewHandler(ws, logger.Logger).Routes(mux)

	// Apply middleware
	handler := middleware.Chain(
		mux,
		middleware.RequestID,
		middleware.Logger(logger),
		middleware.Recover(logger),
	)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting server", zap.String("address", srv.Addr), zap.String("root", wsRoot))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", zap.Error(err))
	}
	logger.Info("server stopped")
}
