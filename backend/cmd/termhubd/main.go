package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/termhub/termhub/backend/internal/config"
	"github.com/termhub/termhub/backend/internal/ptyproc"
	"github.com/termhub/termhub/backend/internal/session"
	"github.com/termhub/termhub/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	host := flag.String("host", "", "Override listen host")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	watch := flag.Bool("watch", true, "Reload the config file when it changes")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	applyOverrides(cfg, *port, *host)

	registry := session.NewRegistry(session.Options{
		Spawner: ptyproc.PTYSpawner{},
		Launch:  cfg.LaunchDefaults(),
		Limits:  cfg.Sessions.Limits(),
		Logger:  logger,
	})
	broadcaster := ws.NewBroadcaster(registry, registry.Bus(), cfg.Events.SnapshotInterval, cfg.Events.MaxClients, logger)
	server := ws.NewServer(cfg, registry, broadcaster, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *watch {
		go func() {
			err := config.Watch(ctx, *configPath, logger, func(next *config.Config) {
				applyOverrides(next, *port, *host)
				registry.SetLimits(next.Sessions.Limits())
				server.ApplyConfig(next)
			})
			if err != nil {
				logger.Warn("config watch disabled", "err", err)
			}
		}()
	}

	err = ws.ListenAndServe(ctx, cfg.Addr(), server.Handler(), logger)

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("terminals did not close in time", "err", err)
	}
	cancel()
	broadcaster.Stop()
	registry.Bus().Close()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

// applyOverrides re-applies command-line flags on top of a (re)loaded
// config so a hot reload cannot undo them.
func applyOverrides(cfg *config.Config, port int, host string) {
	if port > 0 {
		cfg.Server.Port = port
	}
	if host != "" {
		cfg.Server.Host = host
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
