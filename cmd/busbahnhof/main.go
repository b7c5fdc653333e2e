package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/p-arndt/busbahnhof/internal/audit"
	"github.com/p-arndt/busbahnhof/internal/bus"
	"github.com/p-arndt/busbahnhof/internal/config"
	"github.com/p-arndt/busbahnhof/internal/container"
	"github.com/p-arndt/busbahnhof/internal/janitor"
)

func main() {
	cfgPath := flag.String("config", "", "path to busbahnhof.yaml")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	var auditor container.Auditor
	if cfg.AuditDBPath != "" {
		st, err := audit.New(cfg.AuditDBPath)
		if err != nil {
			logger.Error("open audit store", "error", err)
			os.Exit(1)
		}
		defer st.Close()
		auditor = st
	} else {
		logger.Warn("no audit database configured — lifecycle events are not persisted")
	}

	b := bus.New(cfg.BusName, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var registry *container.Registry
	if cfg.Containers.Enabled {
		registry = container.NewRegistry(cfg.Containers, b, auditor, logger)
		container.NewManager(registry, b, logger).Install()

		if interval := cfg.Containers.JanitorIntervalSeconds; interval > 0 {
			j := janitor.New(registry, time.Duration(interval)*time.Second, logger)
			go j.Run(ctx)
		}
	} else {
		logger.Info("container subsystem disabled")
	}

	ln, err := listen(cfg.Listen)
	if err != nil {
		logger.Error("listen", "error", err)
		os.Exit(1)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()
		ln.Close()
		if registry != nil {
			registry.Shutdown()
		}
		b.Close()
	}()

	logger.Info("listening", "addr", cfg.Listen, "bus_name", cfg.BusName)

	if err := b.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
}

// listen binds the main bus socket, replacing a stale socket file left
// behind by an earlier daemon.
func listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		if c, dialErr := net.DialTimeout("unix", path, time.Second); dialErr == nil {
			c.Close()
			return nil, errors.New("socket is in use by another daemon: " + path)
		}
		os.Remove(path)
	}
	return net.Listen("unix", path)
}
