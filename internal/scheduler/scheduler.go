package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/crm-realtime/internal/event"
	"github.com/rickgao/crm-realtime/internal/model"
)

// StatsSource computes the aggregate dashboard snapshot.
type StatsSource interface {
	ComputeStats(ctx context.Context) (model.DashboardStats, error)
}

// StatsSourceFunc is a function adapter for StatsSource.
type StatsSourceFunc func(context.Context) (model.DashboardStats, error)

func (f StatsSourceFunc) ComputeStats(ctx context.Context) (model.DashboardStats, error) {
	return f(ctx)
}

// Deliverer pushes events to connected clients.
type Deliverer interface {
	Deliver(e event.Event) int
}

// Notifier records user-facing notifications.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// Config holds scheduler configuration.
type Config struct {
	Interval     time.Duration // Periodic sync interval (default: 30s)
	InitialDelay time.Duration // Delay before the first sync after Start (default: 1s)
	Timeout      time.Duration // Per-computation timeout (default: 10s)
	CacheTTL     time.Duration // Snapshot cache lifetime for reads (default: 30s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		InitialDelay: time.Second,
		Timeout:      10 * time.Second,
		CacheTTL:     30 * time.Second,
	}
}

// Status reports the sync cycle.
type Status struct {
	Running   bool      `json:"running"`
	LastSync  time.Time `json:"lastSync,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	Syncs     int64     `json:"syncs"`
	Failures  int64     `json:"failures"`
	Interval  string    `json:"interval"`
}

// Scheduler decides when aggregate facts are stale and pushes fresh ones.
type Scheduler struct {
	cfg      Config
	source   StatsSource
	out      Deliverer
	notifier Notifier // optional
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	trigger chan struct{}

	syncMu sync.Mutex // one computation at a time

	stateMu  sync.RWMutex
	snapshot *model.DashboardStats
	cachedAt time.Time
	lastSync time.Time
	lastErr  error
	syncs    int64
	failures int64
}

// New creates a Scheduler. notifier may be nil.
func New(cfg Config, source StatsSource, out Deliverer, notifier Notifier, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		source:   source,
		out:      out,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
	}
}

// Start begins the sync loop. Calling Start while running logs a warning.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn("sync scheduler already running")
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(1)
	go s.run(s.ctx)

	s.logger.Info("sync scheduler started",
		"interval", s.cfg.Interval,
		"initial_delay", s.cfg.InitialDelay,
	)
	return nil
}

// Stop cancels the loop and waits for an in-flight sync. It is idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("sync scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SyncStats recomputes the snapshot, bypassing the cache, and broadcasts it
// as STATS_UPDATE. On failure the previous snapshot and last-sync time are kept.
func (s *Scheduler) SyncStats(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	start := s.now()
	stats, err := s.compute(ctx)
	if err != nil {
		s.stateMu.Lock()
		s.lastErr = err
		s.failures++
		s.stateMu.Unlock()

		s.logger.Error("stats sync failed", "error", err)
		return err
	}

	s.stateMu.Lock()
	s.snapshot = &stats
	s.cachedAt = s.now()
	s.lastSync = s.cachedAt
	s.lastErr = nil
	s.syncs++
	s.stateMu.Unlock()

	e, err := event.New(event.TypeStatsUpdate, stats)
	if err != nil {
		return err
	}
	reached := s.out.Deliver(e.ToAll())

	s.logger.Debug("stats synced",
		"reached", reached,
		"duration", s.now().Sub(start),
	)
	return nil
}

// Snapshot returns the cached snapshot if it is younger than CacheTTL,
// otherwise computes and caches a fresh one without broadcasting.
func (s *Scheduler) Snapshot(ctx context.Context) (model.DashboardStats, error) {
	s.stateMu.RLock()
	if s.snapshot != nil && s.now().Sub(s.cachedAt) < s.cfg.CacheTTL {
		stats := *s.snapshot
		s.stateMu.RUnlock()
		return stats, nil
	}
	s.stateMu.RUnlock()

	stats, err := s.compute(ctx)
	if err != nil {
		return model.DashboardStats{}, err
	}

	s.stateMu.Lock()
	s.snapshot = &stats
	s.cachedAt = s.now()
	s.stateMu.Unlock()
	return stats, nil
}

// TriggerImmediateSync invalidates the cache and runs a sync outside the
// normal cadence. While running, requests are coalesced into the loop;
// otherwise the sync runs inline.
func (s *Scheduler) TriggerImmediateSync() {
	s.invalidate()

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if running {
		select {
		case s.trigger <- struct{}{}:
		default:
		}
		return
	}
	_ = s.SyncStats(context.Background())
}

// Status reports the sync cycle.
func (s *Scheduler) Status() Status {
	running := s.Running()

	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	st := Status{
		Running:  running,
		LastSync: s.lastSync,
		Syncs:    s.syncs,
		Failures: s.failures,
		Interval: s.cfg.Interval.String(),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// LastSync returns the time of the last successful SyncStats.
func (s *Scheduler) LastSync() time.Time {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.lastSync
}

func (s *Scheduler) invalidate() {
	s.stateMu.Lock()
	s.cachedAt = time.Time{}
	s.stateMu.Unlock()
}

func (s *Scheduler) compute(ctx context.Context) (model.DashboardStats, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	stats, err := s.source.ComputeStats(ctx)
	if err != nil {
		return model.DashboardStats{}, fmt.Errorf("compute stats: %w", err)
	}
	if stats.ComputedAt.IsZero() {
		stats.ComputedAt = s.now().UTC()
	}
	return stats.WithConversionRate(), nil
}

// run is the main sync loop.
func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	initial := time.NewTimer(s.cfg.InitialDelay)
	defer initial.Stop()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-initial.C:
			s.SyncStats(ctx)
		case <-ticker.C:
			s.SyncStats(ctx)
		case <-s.trigger:
			s.SyncStats(ctx)
		}
	}
}
