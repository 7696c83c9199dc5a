// Package main is the entry point for the pilotbridge-relay binary: the
// single WebSocket-terminating process that pairs agents with mobile
// sessions and forwards frames between them.
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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pilotbridge/pilotbridge/internal/relay"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var listenAddr, logLevel string

	root := &cobra.Command{
		Use:   "pilotbridge-relay",
		Short: "PilotBridge relay registry — pairs agents with mobile sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), listenAddr, logLevel)
		},
	}

	root.PersistentFlags().StringVar(&listenAddr, "listen", envOrDefault("PILOTBRIDGE_RELAY_LISTEN", ":8080"), "address to listen on")
	root.PersistentFlags().StringVar(&logLevel, "log-level", envOrDefault("PILOTBRIDGE_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pilotbridge-relay %s (commit %s)\n", version, commit)
		},
	}
}

func runServer(ctx context.Context, listenAddr, logLevel string) error {
	logger, err := buildLogger(logLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := relay.NewRegistry(logger)
	go registry.Run(ctx)

	router := relay.NewRouter(relay.ServerConfig{Registry: registry, Logger: logger})
	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", zap.String("addr", listenAddr), zap.String("version", version))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		logger.Info("relay shutting down")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	var zapLevel zap.AtomicLevel
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg.Level = zapLevel
	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
