package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"transit/internal/config"
	"transit/internal/executor"
	"transit/internal/report"
	"transit/internal/session"
	"transit/internal/transport"
	"transit/internal/watcher"
)

func newClientCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the host agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadClient(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return runClient(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML or TOML config file")
	return cmd
}

func runClient(ctx context.Context, cfg *config.ClientConfig) error {
	printBanner("agent")
	logger := setupLogger(cfg.Logging)

	printSetting("Server", cfg.Server)
	printSetting("Identity", cfg.AppID+"/"+cfg.AgentID)
	if cfg.Commands.Enabled {
		printSetting("Commands", "enabled")
	} else {
		printSetting("Commands", "disabled")
	}
	fmt.Println()

	runner, err := newRunner(cfg.Commands, logger)
	if err != nil {
		return err
	}
	tlsConfig, err := clientTLSConfig(cfg.TLS)
	if err != nil {
		return err
	}

	sess := session.New(session.Options{
		URL:               cfg.Server,
		AppID:             cfg.AppID,
		AgentID:           cfg.AgentID,
		Secret:            cfg.AppSecret,
		Version:           version,
		ReconnectInterval: cfg.ReconnectInterval,
		Backoff:           reconnectBackoff(cfg),
		HeartbeatInterval: cfg.HeartbeatInterval,
		AuthTimeout:       cfg.AuthTimeout,
		Dialer:            &transport.WebsocketDialer{TLSConfig: tlsConfig},
		Runner:            runner,
		Logger:            logger,
	})

	w := watcher.New(0, logger)
	defer w.Shutdown()

	identity := report.NewIdentity(sess, version, logger)
	sess.AddObserver(identity)
	go identity.Run(ctx, cfg.Reports.IdentityInterval)

	if len(cfg.Reports.PackageDirs) > 0 {
		pkgs := report.NewPackages(sess, cfg.Reports.PackageDirs, w, logger)
		if err := pkgs.Start(); err != nil {
			return err
		}
		defer pkgs.Stop()
		sess.AddObserver(pkgs)
	}

	if len(cfg.Reports.ErrorLogs) > 0 {
		var pattern *regexp.Regexp
		if cfg.Reports.ErrorPattern != "" {
			if pattern, err = regexp.Compile(cfg.Reports.ErrorPattern); err != nil {
				return fmt.Errorf("compiling error_pattern: %w", err)
			}
		}
		errs := report.NewErrors(report.ErrorsOptions{
			Sender:  sess,
			Files:   cfg.Reports.ErrorLogs,
			Pattern: pattern,
			Watcher: w,
			Logger:  logger,
		})
		if err := errs.Start(); err != nil {
			return err
		}
		defer errs.Stop()
	}

	logger.Info("starting agent", "server", cfg.Server, "app_id", cfg.AppID, "agent_id", cfg.AgentID)
	return sess.Run(ctx)
}

// reconnectBackoff maps the configured reconnect policy to a session Backoff.
func reconnectBackoff(cfg *config.ClientConfig) session.Backoff {
	if cfg.ReconnectPolicy == config.ReconnectCapped {
		return session.CappedBackoff{Base: cfg.ReconnectInterval, Max: cfg.ReconnectMax}
	}
	return session.FixedBackoff{Interval: cfg.ReconnectInterval}
}

// newRunner returns nil when remote commands are disabled, which makes
// the session refuse every command request.
func newRunner(cfg config.CommandsConfig, logger *slog.Logger) (executor.Runner, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	dirs := cfg.TrustedDirs
	if len(dirs) == 0 {
		dirs = executor.DefaultSystemDirs
	}
	if cfg.Dir != "" {
		dirs = append([]string{cfg.Dir}, dirs...)
	}
	resolver, err := executor.NewResolver(dirs...)
	if err != nil {
		return nil, fmt.Errorf("building command search path: %w", err)
	}
	logger.Info("remote commands enabled", "search_path", strings.Join(resolver.Dirs(), ":"))

	exec, err := executor.New(executor.Options{
		Resolver:  resolver,
		Timeout:   cfg.Timeout,
		WorkDir:   cfg.Dir,
		MaxOutput: cfg.MaxOutput,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating executor: %w", err)
	}
	return exec, nil
}

func clientTLSConfig(cfg config.ClientTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("ca_file contains no PEM certificates")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}
