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

	"github.com/mahaj/roomcast/pkg/api"
	"github.com/mahaj/roomcast/pkg/auth"
	"github.com/mahaj/roomcast/pkg/config"
	"github.com/mahaj/roomcast/pkg/infra"
	"github.com/mahaj/roomcast/pkg/logging"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "API terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return exitConfig, err
	}

	logger, logFile, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return exitConfig, err
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the API only reads, it never touches the bus
	stack := infra.New(cfg, logger)
	defer stack.Close()
	if err := stack.OpenHistory(ctx); err != nil {
		return exitRuntime, err
	}
	if err := stack.OpenPresence(ctx); err != nil {
		return exitRuntime, err
	}

	var issuer *auth.Issuer
	if cfg.JWTSecret != "" {
		issuer = auth.NewIssuer(cfg.JWTSecret, cfg.TokenDuration)
	} else {
		logger.Warn("JWT_SECRET not set, /login disabled and room endpoints are public")
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.New(stack.History, stack.Presence, issuer, cfg.HistoryLimit, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("API Service Starting", "addr", cfg.APIAddr, "history", cfg.HistoryBackend, "presence", cfg.PresenceBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	code := exitOK
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err = <-errChan:
		logger.Error("HTTP server failed", "error", err)
		code = exitRuntime
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("HTTP shutdown incomplete", "error", serr)
	}
	return code, err
}
