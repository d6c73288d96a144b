// Command notifyd is the filesystem change-notification daemon. It loads a
// YAML configuration file, watches the configured directories, records
// every change in the event journal, serves the control API with /healthz,
// /metrics and a live event feed, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tripwire/notifyd/internal/audit"
	"github.com/tripwire/notifyd/internal/config"
	"github.com/tripwire/notifyd/internal/daemon"
	"github.com/tripwire/notifyd/internal/journal"
	"github.com/tripwire/notifyd/internal/server/rest"
	"github.com/tripwire/notifyd/internal/server/websocket"
)

func main() {
	configPath := flag.String("config", "/etc/notifyd/config.yaml", "path to the notifyd YAML configuration file")
	verifyAudit := flag.String("verify-audit", "", "verify the hash chain of an audit log and exit")
	flag.Parse()

	if *verifyAudit != "" {
		entries, err := audit.Verify(*verifyAudit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "notifyd: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s: %d entries, chain intact\n", *verifyAudit, len(entries))
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "notifyd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("log_level", cfg.LogLevel),
		slog.String("listen_addr", cfg.ListenAddr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts, err := components(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialise components", slog.Any("error", err))
		os.Exit(1)
	}
	feed := websocket.NewBroadcaster(logger.With(slog.String("component", "event_stream")), 256)
	opts = append(opts, daemon.WithPublisher(feed))
	d := daemon.New(cfg, logger, opts...)

	if err := d.Start(ctx); err != nil {
		logger.Error("failed to start notifyd", slog.Any("error", err))
		os.Exit(1)
	}

	var auth *rest.JWTConfig
	if cfg.Auth.PublicKeyPath != "" {
		key, err := rest.LoadRSAPublicKey(cfg.Auth.PublicKeyPath)
		if err != nil {
			logger.Error("failed to load JWT public key", slog.Any("error", err))
			d.Stop()
			os.Exit(1)
		}
		auth = &rest.JWTConfig{
			PublicKey: key,
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			Leeway:    30 * time.Second,
			Logger:    logger,
		}
	} else {
		logger.Warn("API authentication disabled: auth.public_key_path is not set")
	}

	apiServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      rest.NewRouter(rest.NewServer(d, rest.WithEventStream(websocket.NewHandler(feed, logger, 0))), auth),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("API server listening", slog.String("addr", cfg.ListenAddr))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	// Stop accepting control requests before the notifiers go away.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown error", slog.Any("error", err))
	}

	d.Stop()
	feed.Close()
	logger.Info("notifyd exited cleanly")
}

// components opens the journal and audit log named by cfg.
func components(ctx context.Context, cfg *config.Config) ([]daemon.Option, error) {
	var opts []daemon.Option

	j, err := journal.Open(ctx, cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return nil, err
	}
	opts = append(opts, daemon.WithJournal(j))

	if cfg.AuditLog != "" {
		al, err := audit.Open(cfg.AuditLog)
		if err != nil {
			_ = j.Close()
			return nil, err
		}
		opts = append(opts, daemon.WithAudit(al))
	}
	return opts, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
