package realtime

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/crm-realtime/internal/auth"
	"github.com/rickgao/crm-realtime/internal/event"
	"github.com/rickgao/crm-realtime/internal/model"
	"github.com/rickgao/crm-realtime/internal/scheduler"
	"github.com/rickgao/crm-realtime/internal/session"
)

type fixture struct {
	svc    *Service
	creds  *auth.Credentials
	server *httptest.Server
	syncs  *atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	creds := &auth.Credentials{KeyID: "test", PrivateKey: key}
	verifier := auth.NewVerifier(0)
	verifier.AddKey("test", &key.PublicKey)

	var syncs atomic.Int64
	stats := scheduler.StatsSourceFunc(func(context.Context) (model.DashboardStats, error) {
		n := syncs.Add(1)
		return model.DashboardStats{TotalContacts: n, TotalLeads: 10, ConvertedLeads: 2}, nil
	})

	cfg := DefaultConfig()
	cfg.Sync.InitialDelay = time.Hour
	cfg.Sync.Interval = time.Hour

	svc := New(cfg, Deps{Verifier: verifier, Stats: stats}, nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		svc.Connections().Accept(r.Context(), ws, token)
	}))
	t.Cleanup(server.Close)

	return &fixture{svc: svc, creds: creds, server: server, syncs: &syncs}
}

// client connects a Session for identity and returns a channel of every
// event it receives.
func (f *fixture) client(t *testing.T, id model.Identity) (*session.Session, <-chan event.Event) {
	t.Helper()
	token, err := f.creds.IssueToken(id, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	cfg := session.DefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(f.server.URL, "http")
	cfg.Token = token

	s := session.New(cfg, nil)
	events := make(chan event.Event, 64)
	s.OnAny(func(e event.Event) { events <- e })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(s.Disconnect)

	expect(t, events, event.TypeConnected)
	return s, events
}

func expect(t *testing.T, events <-chan event.Event, typ event.Type) event.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func expectNone(t *testing.T, events <-chan event.Event, typ event.Type) {
	t.Helper()
	timeout := time.After(150 * time.Millisecond)
	for {
		select {
		case e := <-events:
			if e.Type == typ {
				t.Errorf("unexpected %s: %s", typ, e.Data)
			}
		case <-timeout:
			return
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestService_Lifecycle(t *testing.T) {
	svc := New(DefaultConfig(), Deps{
		Stats: scheduler.StatsSourceFunc(func(context.Context) (model.DashboardStats, error) {
			return model.DashboardStats{}, nil
		}),
	}, nil)

	if svc.Running() {
		t.Error("Running before Start")
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !svc.Running() || !svc.GetStatus().Running || !svc.GetStatus().Sync.Running {
		t.Errorf("status after Start = %+v", svc.GetStatus())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if svc.Running() {
		t.Error("Running after Stop")
	}
	if err := svc.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestService_StatusJSON(t *testing.T) {
	f := newFixture(t)
	f.client(t, model.Identity{UserID: "u1", Role: model.RoleEmployee})

	raw, err := json.Marshal(f.svc.GetStatus())
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	json.Unmarshal(raw, &got)

	for _, key := range []string{"running", "totalConnections", "totalRooms", "connectionsByRole", "roomStats", "sync"} {
		if _, ok := got[key]; !ok {
			t.Errorf("status JSON missing %q: %s", key, raw)
		}
	}
	if got["totalConnections"] != float64(1) || got["totalRooms"] != float64(2) {
		t.Errorf("status = %s", raw)
	}
	byRole := got["connectionsByRole"].(map[string]any)
	if byRole["EMPLOYEE"] != float64(1) {
		t.Errorf("connectionsByRole = %v", byRole)
	}
}

func TestService_TargetedDelivery(t *testing.T) {
	f := newFixture(t)
	_, u1 := f.client(t, model.Identity{UserID: "u1", Role: model.RoleEmployee})
	_, u2 := f.client(t, model.Identity{UserID: "u2", Role: model.RoleEmployee})

	data := json.RawMessage(`{"leadId":5,"assignedTo":"u1","name":"Ada"}`)
	if err := f.svc.HandleSystemEvent(context.Background(), "lead_assigned", data); err != nil {
		t.Fatal(err)
	}

	e := expect(t, u1, event.TypeLeadAssigned)
	var lead model.LeadEvent
	if err := e.Decode(&lead); err != nil {
		t.Fatal(err)
	}
	if lead.LeadID != "5" || lead.AssignedTo != "u1" {
		t.Errorf("LEAD_ASSIGNED = %+v", lead)
	}
	expectNone(t, u2, event.TypeLeadAssigned)
}

func TestService_ClientSubscription(t *testing.T) {
	f := newFixture(t)
	s, events := f.client(t, model.Identity{UserID: "u1", Role: model.RoleEmployee})

	if err := s.Subscribe("contact:42"); err != nil {
		t.Fatal(err)
	}
	expect(t, events, event.TypeSubscribed)

	if err := f.svc.HandleSystemEvent(context.Background(), "contact_updated", json.RawMessage(`{"contactId":42}`)); err != nil {
		t.Fatal(err)
	}
	expect(t, events, event.TypeContactUpdated)

	if err := s.Unsubscribe("contact:42"); err != nil {
		t.Fatal(err)
	}
	expect(t, events, event.TypeUnsubscribed)

	f.svc.HandleSystemEvent(context.Background(), "contact_updated", json.RawMessage(`{"contactId":42}`))
	expectNone(t, events, event.TypeContactUpdated)
}

// A manual sync broadcasts a snapshot; a count-changing domain event right
// after produces a second one without waiting for the periodic tick.
func TestService_StatsUpdates(t *testing.T) {
	f := newFixture(t)
	_, events := f.client(t, model.Identity{UserID: "a1", Role: model.RoleAdmin})

	if err := f.svc.TriggerStatsUpdate(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := expect(t, events, event.TypeStatsUpdate)
	var stats model.DashboardStats
	first.Decode(&stats)
	if stats.ConversionRate != 0.2 {
		t.Errorf("ConversionRate = %v, want 0.2", stats.ConversionRate)
	}

	if err := f.svc.HandleSystemEvent(context.Background(), "lead_created", json.RawMessage(`{"leadId":6,"name":"Grace"}`)); err != nil {
		t.Fatal(err)
	}
	expect(t, events, event.TypeLeadCreated)
	second := expect(t, events, event.TypeStatsUpdate)
	second.Decode(&stats)
	if stats.TotalContacts != 2 {
		t.Errorf("second snapshot from sync %d, want 2", stats.TotalContacts)
	}

	cached, err := f.svc.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cached.TotalContacts != 2 || f.syncs.Load() != 2 {
		t.Errorf("Stats = %d after %d computations, want cached 2", cached.TotalContacts, f.syncs.Load())
	}
}

func TestService_DisconnectRemovesConnection(t *testing.T) {
	f := newFixture(t)
	s, _ := f.client(t, model.Identity{UserID: "u1", Role: model.RoleEmployee})

	if n := f.svc.GetStatus().TotalConnections; n != 1 {
		t.Fatalf("TotalConnections = %d, want 1", n)
	}

	s.Disconnect()
	waitFor(t, "connection removal", func() bool {
		st := f.svc.GetStatus()
		return st.TotalConnections == 0 && st.TotalRooms == 0
	})
	if s.Status().State != session.StateDisconnected {
		t.Errorf("session state = %s", s.Status().State)
	}
}

func TestService_Publish(t *testing.T) {
	f := newFixture(t)
	_, admin := f.client(t, model.Identity{UserID: "a1", Role: model.RoleAdmin})
	_, emp := f.client(t, model.Identity{UserID: "u1", Role: model.RoleEmployee})

	e, _ := event.New(event.TypeSystemAlert, model.SystemAlert{Level: "warn", Message: "admins only"})
	if n := f.svc.Publish(e.ToRoles(model.RoleAdmin)); n != 1 {
		t.Errorf("Publish reached %d, want 1", n)
	}
	expect(t, admin, event.TypeSystemAlert)
	expectNone(t, emp, event.TypeSystemAlert)
}

func TestService_RejectedTokenStopsSession(t *testing.T) {
	f := newFixture(t)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	forged := &auth.Credentials{KeyID: "test", PrivateKey: other}
	token, err := forged.IssueToken(model.Identity{UserID: "u1", Role: model.RoleEmployee}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	cfg := session.DefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(f.server.URL, "http")
	cfg.Token = token
	cfg.ReconnectInterval = time.Millisecond

	s := session.New(cfg, nil)
	t.Cleanup(s.Disconnect)
	var connected atomic.Int32
	s.OnConnected(func() { connected.Add(1) })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "session failure", func() bool {
		return s.Status().State == session.StateFailed
	})
	if !errors.Is(s.Err(), session.ErrAuthentication) {
		t.Errorf("Err = %v, want ErrAuthentication", s.Err())
	}
	if n := connected.Load(); n != 0 {
		t.Errorf("OnConnected fired %d times", n)
	}
	if n := f.svc.GetStatus().TotalConnections; n != 0 {
		t.Errorf("TotalConnections = %d, want 0", n)
	}
}
