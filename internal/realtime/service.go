package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/rickgao/crm-realtime/internal/connection"
	"github.com/rickgao/crm-realtime/internal/event"
	"github.com/rickgao/crm-realtime/internal/model"
	"github.com/rickgao/crm-realtime/internal/scheduler"
)

// Status is the administrative view of the fabric. The connection fields are
// flattened at the top level; Sync describes the scheduler.
type Status struct {
	connection.Status
	Sync scheduler.Status `json:"sync"`
}

// Service owns one Connection Manager and one Sync Scheduler.
type Service struct {
	conns  *connection.Manager
	sched  *scheduler.Scheduler
	logger *slog.Logger
}

// Config configures a Service.
type Config struct {
	Connections connection.Config
	Sync        scheduler.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Connections: connection.DefaultConfig(),
		Sync:        scheduler.DefaultConfig(),
	}
}

// Deps are the external collaborators of a Service. Accounts and Notifier may be nil.
type Deps struct {
	Verifier connection.TokenVerifier
	Accounts connection.AccountChecker
	Stats    scheduler.StatsSource
	Notifier scheduler.Notifier
}

// New wires a Connection Manager and a Sync Scheduler that delivers through it.
func New(cfg Config, deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	conns := connection.NewManager(cfg.Connections, deps.Verifier, deps.Accounts, logger.With("component", "connections"))
	sched := scheduler.New(cfg.Sync, deps.Stats, conns, deps.Notifier, logger.With("component", "scheduler"))
	return &Service{
		conns:  conns,
		sched:  sched,
		logger: logger,
	}
}

// Start starts the connection manager, then the scheduler.
func (s *Service) Start(ctx context.Context) error {
	if err := s.conns.Start(ctx); err != nil {
		return err
	}
	if err := s.sched.Start(ctx); err != nil {
		s.conns.Shutdown()
		return err
	}
	s.logger.Info("realtime service started")
	return nil
}

// Stop stops the scheduler, then closes every connection.
func (s *Service) Stop(ctx context.Context) error {
	err := errors.Join(
		s.sched.Stop(ctx),
		s.conns.Stop(ctx),
	)
	s.logger.Info("realtime service stopped")
	return err
}

// Connections returns the Connection Manager, used by the transport layer to
// hand over upgraded connections.
func (s *Service) Connections() *connection.Manager {
	return s.conns
}

// GetStatus reports live connections, rooms and the sync cycle.
func (s *Service) GetStatus() Status {
	return Status{
		Status: s.conns.Status(),
		Sync:   s.sched.Status(),
	}
}

// TriggerStatsUpdate recomputes and broadcasts the dashboard snapshot now.
func (s *Service) TriggerStatsUpdate(ctx context.Context) error {
	return s.sched.SyncStats(ctx)
}

// HandleSystemEvent feeds a named domain event into the scheduler.
func (s *Service) HandleSystemEvent(ctx context.Context, name string, data json.RawMessage) error {
	return s.sched.HandleDomainEvent(ctx, name, data)
}

// Stats returns the cached dashboard snapshot, computing it if stale.
func (s *Service) Stats(ctx context.Context) (model.DashboardStats, error) {
	return s.sched.Snapshot(ctx)
}

// Publish delivers e to its target and returns how many connections it reached.
func (s *Service) Publish(e event.Event) int {
	return s.conns.Deliver(e)
}

// Running reports whether the service has been started and not stopped.
func (s *Service) Running() bool {
	return s.conns.Status().Running && s.sched.Running()
}
