// Package janitor sweeps the containers socket directory for stale
// socket files: entries left behind by a previous daemon that crashed
// before cleanup. Sockets owned by live instances are never touched.
package janitor

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// SocketOwner reports which socket files are currently owned by live
// container instances.
type SocketOwner interface {
	EnsureSocketDir() (string, error)
	ActiveSocketPaths() map[string]struct{}
}

type Janitor struct {
	owner    SocketOwner
	interval time.Duration
	logger   *slog.Logger
}

func New(owner SocketOwner, interval time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{owner: owner, interval: interval, logger: logger}
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	j.logger.Info("janitor started", "interval", j.interval)

	j.Sweep()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep removes stale socket files from the containers directory.
func (j *Janitor) Sweep() {
	dir, err := j.owner.EnsureSocketDir()
	if err != nil {
		j.logger.Error("janitor: resolve socket dir", "error", err)
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		j.logger.Error("janitor: read socket dir", "dir", dir, "error", err)
		return
	}

	active := j.owner.ActiveSocketPaths()
	removed := 0
	for _, entry := range entries {
		if entry.Type()&fs.ModeSocket == 0 {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if _, live := active[path]; live {
			continue
		}
		if err := os.Remove(path); err != nil {
			j.logger.Warn("janitor: remove stale socket", "path", path, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		j.logger.Info("janitor: removed stale sockets", "count", removed, "dir", dir)
	}
}
