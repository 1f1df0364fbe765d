package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

type fakeRow struct {
	value any
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	switch d := dest[0].(type) {
	case *int64:
		*d = r.value.(int64)
	case *bool:
		*d = r.value.(bool)
	}
	return nil
}

// fakeDB answers count queries by query name and anything else from other.
type fakeDB struct {
	mu     sync.Mutex
	counts map[string]fakeRow
	other  fakeRow
	args   map[string][]any
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.args == nil {
		f.args = make(map[string][]any)
	}
	f.args[sql] = args
	for _, q := range countQueries {
		if q.sql == sql {
			if row, ok := f.counts[q.name]; ok {
				return row
			}
			return fakeRow{value: int64(0)}
		}
	}
	return f.other
}

func TestComputeStats(t *testing.T) {
	db := &fakeDB{counts: map[string]fakeRow{
		"total_contacts":   {value: int64(120)},
		"total_leads":      {value: int64(40)},
		"new_leads_today":  {value: int64(3)},
		"converted_leads":  {value: int64(10)},
		"active_campaigns": {value: int64(2)},
		"messages_today":   {value: int64(55)},
		"messages_failed":  {value: int64(1)},
		"unread_messages":  {value: int64(7)},
	}}
	s := New(DefaultConfig(), db, nil)
	s.now = func() time.Time { return time.Date(2025, 3, 4, 15, 30, 0, 0, time.UTC) }

	stats, err := s.ComputeStats(context.Background())
	if err != nil {
		t.Fatalf("ComputeStats: %v", err)
	}

	if stats.TotalContacts != 120 || stats.TotalLeads != 40 || stats.NewLeadsToday != 3 {
		t.Errorf("lead/contact counts = %+v", stats)
	}
	if stats.ConvertedLeads != 10 || stats.ConversionRate != 0.25 {
		t.Errorf("conversion = %d / %v", stats.ConvertedLeads, stats.ConversionRate)
	}
	if stats.ActiveCampaigns != 2 || stats.MessagesToday != 55 || stats.MessagesFailed != 1 || stats.UnreadMessages != 7 {
		t.Errorf("campaign/message counts = %+v", stats)
	}
	if !stats.ComputedAt.Equal(s.now()) {
		t.Errorf("ComputedAt = %v", stats.ComputedAt)
	}

	midnight := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	for sql, args := range db.args {
		if !strings.Contains(sql, "$1") {
			if len(args) != 0 {
				t.Errorf("%q got args %v", sql, args)
			}
			continue
		}
		if len(args) != 1 || !args[0].(time.Time).Equal(midnight) {
			t.Errorf("%q args = %v, want start of day", sql, args)
		}
	}
}

func TestComputeStats_DayBoundaryInLocation(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*60*60)
	db := &fakeDB{}
	cfg := DefaultConfig()
	cfg.Location = loc
	s := New(cfg, db, nil)
	// 02:00 UTC is still the previous day at UTC-5.
	s.now = func() time.Time { return time.Date(2025, 3, 4, 2, 0, 0, 0, time.UTC) }

	if _, err := s.ComputeStats(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := time.Date(2025, 3, 3, 0, 0, 0, 0, loc)
	for sql, args := range db.args {
		if len(args) == 1 && !args[0].(time.Time).Equal(want) {
			t.Errorf("%q since = %v, want %v", sql, args[0], want)
		}
	}
}

func TestComputeStats_Failure(t *testing.T) {
	db := &fakeDB{counts: map[string]fakeRow{
		"active_campaigns": {err: errors.New("relation \"campaigns\" does not exist")},
	}}
	s := New(Config{Concurrency: 2}, db, nil)

	_, err := s.ComputeStats(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "active_campaigns") {
		t.Errorf("error %q should name the failing query", err)
	}
}

func TestIsActive(t *testing.T) {
	tests := []struct {
		name    string
		row     fakeRow
		want    bool
		wantErr bool
	}{
		{"active", fakeRow{value: true}, true, false},
		{"deactivated", fakeRow{value: false}, false, false},
		{"unknown user", fakeRow{err: pgx.ErrNoRows}, false, false},
		{"database error", fakeRow{err: errors.New("timeout")}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(DefaultConfig(), &fakeDB{other: tt.row}, nil)
			got, err := s.IsActive(context.Background(), "u1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("IsActive error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("IsActive = %v, want %v", got, tt.want)
			}
		})
	}
}
