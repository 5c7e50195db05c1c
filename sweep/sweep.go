// Package sweep removes temp files left behind by failed or interrupted
// downloads.
package sweep

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/booru-cache/backend"
	"github.com/wolfeidau/booru-cache/telemetry"
)

// Config holds sweep configuration.
type Config struct {
	// MaxAge is how long a temp file may sit untouched before removal.
	// Zero disables age-based removal.
	MaxAge time.Duration

	// MaxBytes caps the total size of temp files. When exceeded the
	// oldest are removed until under the limit. Zero means no limit.
	MaxBytes int64

	// CheckInterval is how often to sweep. Default is 1 hour.
	CheckInterval time.Duration

	// InUse reports temp files that belong to a running transfer. They
	// are never removed.
	InUse func(path string) bool

	// Logger for sweep events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxAge:        24 * time.Hour,
		MaxBytes:      1024 * 1024 * 1024, // 1 GB
		CheckInterval: 1 * time.Hour,
		Logger:        slog.Default(),
	}
}

// Result contains the results of one sweep.
type Result struct {
	Expired    int
	Evicted    int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

// Removed returns the total number of files removed.
func (r Result) Removed() int {
	return r.Expired + r.Evicted
}

// Manager runs sweeps over a download backend.
type Manager struct {
	config  Config
	backend backend.Backend
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a sweep manager.
func NewManager(b backend.Backend, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config:  cfg,
		backend: b,
		logger:  cfg.Logger,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background sweeps. The first one runs immediately.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.running {
		return
	}
	m.running = true
	go m.run(ctx)
}

// Stop stops background sweeps and waits for the current one to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep.
func (m *Manager) RunOnce(ctx context.Context) Result {
	start := m.now()
	var result Result

	files, err := m.backend.TempFiles(ctx)
	if err != nil {
		m.logger.Error("failed to list temp files", "error", err)
		result.Errors++
		return result
	}

	candidates := files[:0]
	for _, f := range files {
		if m.config.InUse != nil && m.config.InUse(f.Path) {
			continue
		}
		candidates = append(candidates, f)
	}
	// Oldest first.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ModTime.Before(candidates[j].ModTime)
	})

	var remaining []backend.TempFile
	if m.config.MaxAge > 0 {
		cutoff := m.now().Add(-m.config.MaxAge)
		for _, f := range candidates {
			if !f.ModTime.Before(cutoff) {
				remaining = append(remaining, f)
				continue
			}
			if m.remove(f, &result) {
				result.Expired++
			}
		}
	} else {
		remaining = candidates
	}

	if m.config.MaxBytes > 0 {
		var total int64
		for _, f := range remaining {
			total += f.Size
		}
		for _, f := range remaining {
			if total <= m.config.MaxBytes {
				break
			}
			if m.remove(f, &result) {
				result.Evicted++
				total -= f.Size
			}
		}
	}

	result.Duration = m.now().Sub(start)
	telemetry.RecordSweep(ctx, result.Removed(), result.Duration)

	if result.Removed() > 0 {
		m.logger.Info("sweep complete",
			"expired", result.Expired,
			"evicted", result.Evicted,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("sweep complete, nothing to remove")
	}
	return result
}

// remove deletes f unless a transfer has claimed it since the listing.
func (m *Manager) remove(f backend.TempFile, result *Result) bool {
	if m.config.InUse != nil && m.config.InUse(f.Path) {
		m.logger.Debug("temp file reclaimed by a transfer, skipping", "path", f.Path)
		return false
	}
	if info, err := os.Stat(f.Path); err == nil && !info.ModTime().Equal(f.ModTime) {
		m.logger.Debug("temp file modified since listing, skipping", "path", f.Path)
		return false
	}
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove temp file", "path", f.Path, "error", err)
		result.Errors++
		return false
	}
	result.BytesFreed += f.Size
	return true
}
