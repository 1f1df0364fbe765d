package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/crm-realtime/internal/model"
)

// Querier runs single-row queries. *pgxpool.Pool satisfies it.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// countQuery fills one DashboardStats field.
type countQuery struct {
	name  string
	sql   string
	since bool // takes the start of the current day as $1
	field func(*model.DashboardStats) *int64
}

var countQueries = []countQuery{
	{
		name:  "total_contacts",
		sql:   `SELECT COUNT(*) FROM contacts`,
		field: func(s *model.DashboardStats) *int64 { return &s.TotalContacts },
	},
	{
		name:  "total_leads",
		sql:   `SELECT COUNT(*) FROM leads`,
		field: func(s *model.DashboardStats) *int64 { return &s.TotalLeads },
	},
	{
		name:  "new_leads_today",
		sql:   `SELECT COUNT(*) FROM leads WHERE created_at >= $1`,
		since: true,
		field: func(s *model.DashboardStats) *int64 { return &s.NewLeadsToday },
	},
	{
		name:  "converted_leads",
		sql:   `SELECT COUNT(*) FROM leads WHERE status = 'CONVERTED'`,
		field: func(s *model.DashboardStats) *int64 { return &s.ConvertedLeads },
	},
	{
		name:  "active_campaigns",
		sql:   `SELECT COUNT(*) FROM campaigns WHERE status = 'RUNNING'`,
		field: func(s *model.DashboardStats) *int64 { return &s.ActiveCampaigns },
	},
	{
		name:  "messages_today",
		sql:   `SELECT COUNT(*) FROM messages WHERE created_at >= $1`,
		since: true,
		field: func(s *model.DashboardStats) *int64 { return &s.MessagesToday },
	},
	{
		name:  "messages_failed",
		sql:   `SELECT COUNT(*) FROM messages WHERE status = 'FAILED' AND created_at >= $1`,
		since: true,
		field: func(s *model.DashboardStats) *int64 { return &s.MessagesFailed },
	},
	{
		name:  "unread_messages",
		sql:   `SELECT COUNT(*) FROM messages WHERE direction = 'INBOUND' AND read_at IS NULL`,
		field: func(s *model.DashboardStats) *int64 { return &s.UnreadMessages },
	},
}

// Config configures a Store.
type Config struct {
	Concurrency int            // Parallel count queries per snapshot
	Location    *time.Location // Day boundary for the *_today counts (default UTC)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		Location:    time.UTC,
	}
}

// Store computes dashboard aggregates and account status.
type Store struct {
	cfg    Config
	db     Querier
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Store.
func New(cfg Config, db Querier, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Store{
		cfg:    cfg,
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// ComputeStats runs the aggregate count queries in parallel. Any failure
// cancels the rest and is returned; a partial snapshot is never returned.
func (s *Store) ComputeStats(ctx context.Context) (model.DashboardStats, error) {
	now := s.now().In(s.cfg.Location)
	since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.cfg.Location)

	var stats model.DashboardStats
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, q := range countQueries {
		dest := q.field(&stats)
		g.Go(func() error {
			var args []any
			if q.since {
				args = append(args, since)
			}
			if err := s.db.QueryRow(gctx, q.sql, args...).Scan(dest); err != nil {
				return fmt.Errorf("%s: %w", q.name, err)
			}
			return nil
		})
	}

	start := time.Now()
	if err := g.Wait(); err != nil {
		return model.DashboardStats{}, err
	}
	stats.ComputedAt = now.UTC()

	s.logger.Debug("computed dashboard stats",
		"queries", len(countQueries),
		"duration", time.Since(start),
	)
	return stats.WithConversionRate(), nil
}

// IsActive reports whether userID exists and is active. Unknown users are
// inactive.
func (s *Store) IsActive(ctx context.Context, userID string) (bool, error) {
	var active bool
	err := s.db.QueryRow(ctx, `SELECT is_active FROM users WHERE id = $1`, userID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	return active, nil
}
