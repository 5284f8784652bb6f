package metastore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/shirou/gopsutil/disk"
)

// Config configures the metadata store.
type Config struct {
	// Path is the directory Badger stores its files in.
	Path string

	// MinimumFreeGB refuses to open when the filesystem holding Path
	// has less free space than this. Zero disables the check.
	MinimumFreeGB uint

	// SyncWrites makes every write durable before returning. The
	// engine relies on commit records for crash atomicity, so this
	// defaults to off for throughput.
	SyncWrites bool

	// Logger receives structured store logs.
	Logger *slog.Logger
}

func (c *Config) check() error {
	if c.Path == "" {
		return errors.New("no path provided")
	}

	info, err := os.Stat(c.Path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(c.Path, 0o755); err != nil {
			return fmt.Errorf("create path %s: %w", c.Path, err)
		}
	} else if err != nil {
		return fmt.Errorf("stat path %s: %w", c.Path, err)
	} else if !info.IsDir() {
		return fmt.Errorf("path %s is not a directory", c.Path)
	}

	if c.MinimumFreeGB > 0 {
		usage, err := disk.Usage(c.Path)
		if err != nil {
			return fmt.Errorf("disk usage of %s: %w", c.Path, err)
		}
		freeGB := usage.Free / (1024 * 1024 * 1024)
		if freeGB < uint64(c.MinimumFreeGB) {
			return fmt.Errorf("only %d GB free at %s, %d GB required", freeGB, c.Path, c.MinimumFreeGB)
		}
	}
	return nil
}

func (s *Store) logDiskUsage() {
	usage, err := disk.Usage(s.config.Path)
	if err != nil {
		s.log.Warn("disk usage unavailable", "path", s.config.Path, "error", err)
		return
	}
	s.log.Info("metadata store opened",
		"path", s.config.Path,
		"totalGB", fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
		"freeGB", fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
		"usedPercent", fmt.Sprintf("%.1f", usage.UsedPercent),
	)
}
