package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"transit/internal/auth"
	"transit/internal/collector"
	"transit/internal/config"
	"transit/internal/heartbeat"
	"transit/internal/registry"
)

const shutdownTimeout = 10 * time.Second

func newServerCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the collector server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML or TOML config file")
	return cmd
}

func runServer(ctx context.Context, cfg *config.ServerConfig) error {
	printBanner("collector")
	logger := setupLogger(cfg.Logging)

	scheme := "ws"
	if cfg.TLS.Enabled() {
		scheme = "wss"
	}
	printSetting("Listen", fmt.Sprintf("%s://%s/ws", scheme, cfg.Listen))
	printSetting("Apps", strconv.Itoa(len(cfg.Apps)))
	printSetting("Heartbeat", fmt.Sprintf("%s (timeout %s)", cfg.HeartbeatInterval, cfg.HeartbeatTimeout))
	fmt.Println()

	reg := registry.New(registry.Options{
		OnPopulationChange: func(live int) {
			logger.Info("live agents changed", "live", live)
		},
		Logger: logger,
	})

	srv, err := collector.New(collector.Options{
		Registry:    reg,
		Verifier:    auth.NewVerifier(cfg.Apps, auth.WithLeeway(cfg.ClockSkew)),
		AuthTimeout: cfg.AuthTimeout,
		IdleTimeout: cfg.HeartbeatTimeout,
		CommandWait: cfg.CommandWait,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating collector: %w", err)
	}

	reaper := heartbeat.NewReaper(reg, cfg.HeartbeatInterval, cfg.HeartbeatTimeout, logger)
	go reaper.Run(ctx)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}
	ln = netutil.LimitListener(ln, cfg.MaxConnections)

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.AuthTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLS.Enabled() {
			errCh <- httpServer.ServeTLS(ln, cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			errCh <- httpServer.Serve(ln)
		}
	}()
	logger.Info("collector listening", "addr", ln.Addr().String(), "tls", cfg.TLS.Enabled())

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	color.New(color.FgYellow).Println("\n    Shutting down...")
	return shutdownServer(httpServer, srv, logger)
}

// shutdownServer stops accepting connections, then tells every agent the
// collector is going away and waits for their sessions to end.
func shutdownServer(httpServer *http.Server, srv *collector.Server, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Shutdown does not wait for hijacked websocket connections.
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("collector shutdown: %w", err)
	}
	logger.Info("collector stopped")
	return nil
}
