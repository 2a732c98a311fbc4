// Package registry holds the immutable snapshot of registered integration groups and keeps it in
// sync with the registry file.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/miradorstack/mirador-federator/internal/config"
	"github.com/miradorstack/mirador-federator/internal/models"
	"github.com/miradorstack/mirador-federator/internal/utils"
)

// Snapshot is an immutable view of the registered groups. Callers must not modify it.
type Snapshot struct {
	Version  uint64
	LoadedAt time.Time
	Groups   []models.IntegrationGroup
	index    map[string]int
}

func newSnapshot(version uint64, at time.Time, groups []models.IntegrationGroup) *Snapshot {
	sorted := append([]models.IntegrationGroup(nil), groups...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	idx := make(map[string]int, len(sorted))
	for i, g := range sorted {
		idx[g.ID] = i
	}
	return &Snapshot{Version: version, LoadedAt: at, Groups: sorted, index: idx}
}

// Group returns the group with the given ID.
func (s *Snapshot) Group(id string) (models.IntegrationGroup, bool) {
	if s == nil {
		return models.IntegrationGroup{}, false
	}
	i, ok := s.index[id]
	if !ok {
		return models.IntegrationGroup{}, false
	}
	return s.Groups[i], true
}

// WithCapability returns the groups declaring the capability, ordered by ID.
func (s *Snapshot) WithCapability(capability string) []models.IntegrationGroup {
	if s == nil {
		return nil
	}
	var out []models.IntegrationGroup
	for _, g := range s.Groups {
		if g.HasCapability(capability) {
			out = append(out, g)
		}
	}
	return out
}

// IDs returns every registered group ID in order.
func (s *Snapshot) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, len(s.Groups))
	for i, g := range s.Groups {
		ids[i] = g.ID
	}
	return ids
}

// Listener is notified after a new snapshot is published.
type Listener func(ctx context.Context, snap *Snapshot) error

// Registry publishes snapshots atomically; reloads are serialised.
type Registry struct {
	path   string
	logger *slog.Logger
	load   func(string) ([]models.IntegrationGroup, error)

	current atomic.Pointer[Snapshot]

	mu        sync.Mutex
	version   uint64
	modTime   time.Time
	listeners []Listener
}

// New creates a registry backed by the file at path. The registry is empty until Reload or
// Replace is called.
func New(path string, logger *slog.Logger) *Registry {
	r := &Registry{
		path:   path,
		logger: utils.Component(logger, "registry"),
		load:   config.LoadRegistry,
	}
	r.current.Store(newSnapshot(0, time.Time{}, nil))
	return r
}

// SetLoader replaces the function used by Reload to read the registry file.
func (r *Registry) SetLoader(load func(string) ([]models.IntegrationGroup, error)) {
	r.mu.Lock()
	r.load = load
	r.mu.Unlock()
}

// Path returns the registry file location.
func (r *Registry) Path() string {
	return r.path
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// OnChange registers a listener invoked, in registration order, after every publish.
func (r *Registry) OnChange(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Reload reads the registry file and publishes it. On error the previous snapshot stays
// current.
func (r *Registry) Reload(ctx context.Context) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, statErr := os.Stat(r.path)
	groups, err := r.load(r.path)
	if err != nil {
		r.logger.Error("registry reload failed", "path", r.path, "error", err)
		return r.current.Load(), err
	}
	if statErr == nil {
		r.modTime = info.ModTime()
	}
	return r.publish(ctx, groups)
}

// Replace publishes the supplied groups directly.
func (r *Registry) Replace(ctx context.Context, groups []models.IntegrationGroup) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(groups))
	for _, g := range groups {
		if g.ID == "" {
			return r.current.Load(), utils.NewAppError("registry.replace", "group without id", nil)
		}
		if seen[g.ID] {
			return r.current.Load(), utils.NewAppError("registry.replace", fmt.Sprintf("duplicate group %q", g.ID), nil)
		}
		seen[g.ID] = true
	}
	return r.publish(ctx, groups)
}

// publish must be called with r.mu held.
func (r *Registry) publish(ctx context.Context, groups []models.IntegrationGroup) (*Snapshot, error) {
	r.version++
	snap := newSnapshot(r.version, time.Now(), groups)
	r.current.Store(snap)
	r.logger.Info("registry published", "version", snap.Version, "groups", len(snap.Groups))

	var errs []error
	for _, l := range r.listeners {
		if err := l(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		r.logger.Warn("registry listeners reported errors", "version", snap.Version, "error", err)
		return snap, err
	}
	return snap, nil
}

// Watch reloads the registry whenever the file's modification time changes (polled every
// interval) or the process receives SIGHUP. It blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("watching registry", "path", r.path, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			r.logger.Info("SIGHUP received, reloading registry")
			_, _ = r.Reload(ctx)
		case <-ticker.C:
			if r.changed() {
				_, _ = r.Reload(ctx)
			}
		}
	}
}

func (r *Registry) changed() bool {
	info, err := os.Stat(r.path)
	if err != nil {
		r.logger.Warn("registry stat failed", "path", r.path, "error", err)
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return !info.ModTime().Equal(r.modTime)
}
