package session

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/crm-realtime/internal/event"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeClock fires due timers synchronously from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	delays []time.Duration // every AfterFunc delay, in order
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	c.delays = append(c.delays, d)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sort.SliceStable(c.timers, func(i, j int) bool { return c.timers[i].at.Before(c.timers[j].at) })
		var next *fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				next = t
				break
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (c *fakeClock) recordedDelays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	inbound chan []byte
	closeCh chan error
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closeCh: make(chan error, 1),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.inbound:
		return websocket.TextMessage, frame, nil
	case err := <-c.closeCh:
		return 0, nil, err
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		select {
		case c.closeCh <- errors.New("use of closed connection"):
		default:
		}
	}
	return nil
}

// drop simulates the peer closing with code.
func (c *fakeConn) drop(code int) {
	c.closeCh <- &websocket.CloseError{Code: code}
}

func (c *fakeConn) sentTypes() []event.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event.Type
	for _, f := range c.written {
		e, err := event.Decode(f)
		if err == nil {
			out = append(out, e.Type)
		}
	}
	return out
}

// fakeDialer fails while failing is set, otherwise hands out fresh fakeConns.
type fakeDialer struct {
	mu      sync.Mutex
	failing bool
	dials   int
	headers []http.Header
	conns   []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, _ string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.headers = append(d.headers, header)
	if d.failing {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFailing(v bool) {
	d.mu.Lock()
	d.failing = v
	d.mu.Unlock()
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.URL = "ws://realtime.test/ws"
	cfg.Token = "tok"
	cfg.ReconnectInterval = time.Second
	cfg.MaxReconnectAttempts = 4
	cfg.MaxReconnectDelay = 5 * time.Second
	cfg.HeartbeatInterval = 30 * time.Second
	return cfg
}

func newTestSession(cfg Config) (*Session, *fakeClock, *fakeDialer) {
	clock := newFakeClock()
	dialer := &fakeDialer{}
	return New(cfg, nil, WithClock(clock), WithDialer(dialer)), clock, dialer
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status().State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.Status().State, want)
}

// welcome delivers the server's CONNECTED acknowledgement synchronously.
func welcome(s *Session) {
	s.HandleMessage([]byte(`{"type":"CONNECTED","data":{"connectionId":"c1"}}`))
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestSession_Connect(t *testing.T) {
	s, _, dialer := newTestSession(testConfig())
	defer s.Disconnect()

	connected := 0
	s.OnConnected(func() { connected++ })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if st := s.Status(); st.State != StateConnected || st.Attempts != 0 || st.ConnectedAt.IsZero() {
		t.Errorf("Status = %+v", st)
	}
	if connected != 0 {
		t.Errorf("OnConnected called %d times before CONNECTED, want 0", connected)
	}
	welcome(s)
	welcome(s)
	if connected != 1 {
		t.Errorf("OnConnected called %d times, want 1", connected)
	}
	if got := dialer.headers[0].Get("Authorization"); got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}

	// Already connected: no second dial.
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if dialer.count() != 1 {
		t.Errorf("dials = %d, want 1", dialer.count())
	}
}

func TestSession_BackoffMonotonicAndCapped(t *testing.T) {
	cfg := testConfig()
	s, clock, dialer := newTestSession(cfg)
	dialer.setFailing(true)

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded against failing dialer")
	}
	if s.Status().State != StateReconnectWaiting {
		t.Fatalf("state = %s, want reconnect_waiting", s.Status().State)
	}

	for i := 0; i < 10; i++ {
		clock.Advance(time.Minute)
	}

	if st := s.Status(); st.State != StateFailed || st.Indicator() != "error" {
		t.Errorf("state = %s, want failed", st.State)
	}
	if !errors.Is(s.Err(), ErrReconnectExhausted) {
		t.Errorf("Err = %v, want ErrReconnectExhausted", s.Err())
	}
	if got, want := dialer.count(), 1+cfg.MaxReconnectAttempts; got != want {
		t.Errorf("dials = %d, want %d", got, want)
	}

	delays := clock.recordedDelays()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
		if i > 0 && delays[i] < delays[i-1] {
			t.Errorf("delay[%d] = %v decreased from %v", i, delays[i], delays[i-1])
		}
	}

	// No further transport opens once exhausted.
	clock.Advance(time.Hour)
	if got := dialer.count(); got != 1+cfg.MaxReconnectAttempts {
		t.Errorf("dials after exhaustion = %d", got)
	}
	if clock.pending() != 0 {
		t.Errorf("pending timers = %d, want 0", clock.pending())
	}

	// Explicit Connect starts over.
	dialer.setFailing(false)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect after failure: %v", err)
	}
	if st := s.Status(); st.State != StateConnected || st.Attempts != 0 || st.LastError != "" {
		t.Errorf("Status = %+v", st)
	}
	s.Disconnect()
}

func TestSession_Backoff(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectDelay = 0
	s := New(cfg, nil)

	prev := time.Duration(0)
	for n := 0; n < 70; n++ {
		d := s.Backoff(n)
		if d < prev {
			t.Fatalf("Backoff(%d) = %v < Backoff(%d) = %v", n, d, n-1, prev)
		}
		prev = d
	}
	if s.Backoff(3) != 8*time.Second {
		t.Errorf("Backoff(3) = %v, want 8s", s.Backoff(3))
	}
}

func TestSession_AbnormalCloseReconnects(t *testing.T) {
	s, clock, dialer := newTestSession(testConfig())
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	dialer.last().drop(websocket.CloseAbnormalClosure)
	waitState(t, s, StateReconnectWaiting)

	if st := s.Status(); st.Attempts != 1 || st.Indicator() != "connecting" || st.LastError == "" {
		t.Errorf("Status = %+v", st)
	}

	clock.Advance(time.Second)
	if st := s.Status(); st.State != StateConnected || st.Attempts != 1 {
		t.Errorf("after backoff Status = %+v, want attempts kept until CONNECTED", st)
	}
	welcome(s)
	if st := s.Status(); st.Attempts != 0 {
		t.Errorf("after CONNECTED Attempts = %d, want 0", st.Attempts)
	}
	if dialer.count() != 2 {
		t.Errorf("dials = %d, want 2", dialer.count())
	}
}

func TestSession_RejectedTokenFails(t *testing.T) {
	cfg := testConfig()
	s, clock, dialer := newTestSession(cfg)

	connected := 0
	s.OnConnected(func() { connected++ })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	dialer.last().drop(websocket.ClosePolicyViolation)
	waitState(t, s, StateFailed)

	clock.Advance(time.Hour)
	if got := dialer.count(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if !errors.Is(s.Err(), ErrAuthentication) {
		t.Errorf("Err = %v, want ErrAuthentication", s.Err())
	}
	if st := s.Status(); st.Indicator() != "error" || st.LastError == "" {
		t.Errorf("Status = %+v", st)
	}
	if connected != 0 {
		t.Errorf("OnConnected called %d times", connected)
	}
	if clock.pending() != 0 {
		t.Errorf("pending timers = %d, want 0", clock.pending())
	}
}

// A server that opens the transport but closes it before acknowledging must
// still exhaust the attempt cap with growing delays.
func TestSession_CloseBeforeConnectedCountsAttempts(t *testing.T) {
	cfg := testConfig()
	s, clock, dialer := newTestSession(cfg)

	connected := 0
	s.OnConnected(func() { connected++ })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20 && s.Status().State != StateFailed; i++ {
		dialer.last().drop(websocket.CloseInternalServerErr)
		waitUntil(t, "close handled", func() bool {
			st := s.Status().State
			return st == StateReconnectWaiting || st == StateFailed
		})
		clock.Advance(time.Minute)
	}

	if st := s.Status(); st.State != StateFailed {
		t.Fatalf("state = %s, want failed", st.State)
	}
	if !errors.Is(s.Err(), ErrReconnectExhausted) {
		t.Errorf("Err = %v, want ErrReconnectExhausted", s.Err())
	}
	if got, max := dialer.count(), 1+cfg.MaxReconnectAttempts; got > max {
		t.Errorf("dials = %d, exceed %d", got, max)
	}
	if connected != 0 {
		t.Errorf("OnConnected called %d times", connected)
	}

	var backoff []time.Duration
	for _, d := range clock.recordedDelays() {
		if d != cfg.HeartbeatInterval {
			backoff = append(backoff, d)
		}
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	if len(backoff) != len(want) {
		t.Fatalf("backoff delays = %v, want %v", backoff, want)
	}
	for i := range want {
		if backoff[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, backoff[i], want[i])
		}
	}
}

func TestSession_NormalCloseDoesNotReconnect(t *testing.T) {
	s, clock, dialer := newTestSession(testConfig())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	dialer.last().drop(websocket.CloseNormalClosure)
	waitState(t, s, StateDisconnected)

	clock.Advance(time.Hour)
	if dialer.count() != 1 {
		t.Errorf("dials = %d, want 1", dialer.count())
	}
}

func TestSession_DisconnectCancelsReconnect(t *testing.T) {
	s, clock, dialer := newTestSession(testConfig())
	dialer.setFailing(true)

	s.Connect(context.Background())
	if s.Status().State != StateReconnectWaiting {
		t.Fatalf("state = %s", s.Status().State)
	}

	s.Disconnect()
	dialer.setFailing(false)
	clock.Advance(time.Hour)

	if st := s.Status(); st.State != StateDisconnected || st.Indicator() != "disconnected" {
		t.Errorf("state = %s, want disconnected", st.State)
	}
	if dialer.count() != 1 {
		t.Errorf("dials = %d, want 1", dialer.count())
	}
}

func TestSession_HeartbeatAndPong(t *testing.T) {
	s, clock, dialer := newTestSession(testConfig())
	defer s.Disconnect()

	var dispatched []event.Type
	s.OnAny(func(e event.Event) { dispatched = append(dispatched, e.Type) })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := dialer.last()

	clock.Advance(30 * time.Second)
	clock.Advance(30 * time.Second)
	if got := conn.sentTypes(); len(got) != 2 || got[0] != event.TypePing || got[1] != event.TypePing {
		t.Errorf("sent = %v, want two PINGs", got)
	}

	s.HandleMessage([]byte(`{"type":"PONG"}`))
	if len(dispatched) != 0 {
		t.Errorf("PONG dispatched to handlers: %v", dispatched)
	}
	if st := s.Status(); !st.LastPong.Equal(clock.Now()) {
		t.Errorf("LastPong = %v, want %v", st.LastPong, clock.Now())
	}
	if age := s.Status().HeartbeatAge(clock.Now().Add(5 * time.Second)); age != 5*time.Second {
		t.Errorf("HeartbeatAge = %v", age)
	}

	s.HandleMessage([]byte(`{"type":"STATS_UPDATE","data":{}}`))
	s.HandleMessage([]byte(`garbage`))
	if len(dispatched) != 1 || dispatched[0] != event.TypeStatsUpdate {
		t.Errorf("dispatched = %v, want [STATS_UPDATE]", dispatched)
	}
}

func TestSession_TypedHandlers(t *testing.T) {
	s, _, _ := newTestSession(testConfig())

	var leads, alerts int
	s.On(event.TypeLeadCreated, func(event.Event) { leads++ })
	s.On(event.TypeSystemAlert, func(event.Event) { alerts++ })

	s.HandleMessage([]byte(`{"type":"LEAD_CREATED","data":{"leadId":1}}`))
	s.HandleMessage([]byte(`{"type":"LEAD_CREATED"}`))
	s.HandleMessage([]byte(`{"type":"CONTACT_UPDATED"}`))

	if leads != 2 || alerts != 0 {
		t.Errorf("leads=%d alerts=%d, want 2 and 0", leads, alerts)
	}
}

func TestSession_InboundFramesDispatched(t *testing.T) {
	s, _, dialer := newTestSession(testConfig())
	defer s.Disconnect()

	got := make(chan event.Type, 1)
	s.On(event.TypeNotification, func(e event.Event) { got <- e.Type })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	dialer.last().inbound <- []byte(`{"type":"NOTIFICATION","data":{"title":"x"}}`)

	select {
	case typ := <-got:
		if typ != event.TypeNotification {
			t.Errorf("got %s", typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("NOTIFICATION not dispatched")
	}
}

func TestSession_SendNotConnected(t *testing.T) {
	s, _, _ := newTestSession(testConfig())

	e, _ := event.New(event.TypePing, nil)
	if err := s.Send(e); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
	if err := s.Subscribe("contact:42"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe = %v, want ErrNotConnected", err)
	}
	if got := s.Topics(); len(got) != 1 || got[0] != "contact:42" {
		t.Errorf("Topics = %v", got)
	}
}

func TestSession_SendStampsTimestamp(t *testing.T) {
	s, _, dialer := newTestSession(testConfig())
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Send(event.Event{Type: event.TypePing}); err != nil {
		t.Fatal(err)
	}

	conn := dialer.last()
	conn.mu.Lock()
	frame := conn.written[0]
	conn.mu.Unlock()

	e, err := event.Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	if e.Timestamp.IsZero() {
		t.Error("sent frame has no timestamp")
	}
}

func TestSession_ResubscribeOnReconnect(t *testing.T) {
	tests := []struct {
		name        string
		resubscribe bool
		want        []event.Type
	}{
		{"disabled", false, nil},
		{"enabled", true, []event.Type{event.TypeSubscribe, event.TypeSubscribe}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.ResubscribeOnReconnect = tt.resubscribe
			s, clock, dialer := newTestSession(cfg)
			defer s.Disconnect()

			if err := s.Connect(context.Background()); err != nil {
				t.Fatal(err)
			}
			s.Subscribe("contact:42")
			s.Subscribe("lead:9")

			dialer.last().drop(websocket.CloseGoingAway)
			waitState(t, s, StateReconnectWaiting)
			clock.Advance(time.Second)
			if got := dialer.last().sentTypes(); len(got) != 0 {
				t.Errorf("sent before CONNECTED = %v", got)
			}
			welcome(s)

			if got := dialer.last().sentTypes(); len(got) != len(tt.want) {
				t.Errorf("sent after reconnect = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSession_StatusListener(t *testing.T) {
	s, _, _ := newTestSession(testConfig())

	var mu sync.Mutex
	var states []State
	s.OnStatus(func(st Status) {
		mu.Lock()
		states = append(states, st.State)
		mu.Unlock()
	})

	s.Connect(context.Background())
	s.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateDisconnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnectWaiting, "reconnect_waiting"},
		{StateFailed, "failed"},
		{State(42), "state(42)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}
