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

	"github.com/google/uuid"
	"github.com/mahaj/roomcast/pkg/auth"
	"github.com/mahaj/roomcast/pkg/config"
	"github.com/mahaj/roomcast/pkg/dispatch"
	"github.com/mahaj/roomcast/pkg/gateway"
	"github.com/mahaj/roomcast/pkg/infra"
	"github.com/mahaj/roomcast/pkg/logging"
	"github.com/mahaj/roomcast/pkg/metrics"
	"github.com/mahaj/roomcast/pkg/retry"
	"github.com/mahaj/roomcast/pkg/room"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Gateway terminated with error: %v\n", err)
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

	rec, err := metrics.New()
	if err != nil {
		return exitRuntime, fmt.Errorf("metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := infra.Open(ctx, cfg, logger)
	if err != nil {
		return exitRuntime, err
	}
	defer stack.Close()

	var issuer *auth.Issuer
	if cfg.JWTSecret != "" {
		issuer = auth.NewIssuer(cfg.JWTSecret, cfg.TokenDuration)
	}
	policy := retry.Policy{
		MaxAttempts:     cfg.RetryMaxAttempts,
		AttemptTimeout:  cfg.RetryAttemptTimeout,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
	}

	gw := gateway.New(issuer, gateway.Options{
		SendBuffer:     cfg.SendBuffer,
		MaxMessageSize: cfg.MaxMessageSize,
		AuthRequired:   cfg.AuthRequired,
	}, rec, logger)
	rooms := room.NewManager(stack.Presence, stack.Bus, stack.History, gw, room.Options{
		HistoryLimit: cfg.HistoryLimit,
		Retry:        policy,
		Origin:       uuid.NewString(),
	}, rec, logger)
	gw.Attach(dispatch.New(rooms, stack.History, stack.IDs, policy, rec, logger))

	errChan := make(chan error, 2)
	go func() {
		if err := stack.Run(ctx); err != nil {
			errChan <- fmt.Errorf("bus consumer: %w", err)
		}
	}()
	go rooms.RunLeaseRenewal(ctx, cfg.LeaseRenewInterval)

	srv := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Gateway Service Starting", "addr", cfg.GatewayAddr,
			"bus", cfg.BusBackend, "history", cfg.HistoryBackend, "presence", cfg.PresenceBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	code := exitOK
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err = <-errChan:
		logger.Error("Fatal runtime error", "error", err)
		code = exitRuntime
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("HTTP shutdown incomplete", "error", serr)
	}
	// sessions leave their rooms while the stores are still open
	gw.Close()
	logger.Info("Gateway stopped")
	return code, err
}
