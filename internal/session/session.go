package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/crm-realtime/internal/event"
)

// Handler receives a dispatched event.
type Handler func(event.Event)

// Option customizes a Session.
type Option func(*Session)

// WithClock replaces the wall clock used for timers.
func WithClock(c Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithDialer replaces the transport dialer.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// Session maintains one logical connection across transport interruptions.
type Session struct {
	cfg    Config
	dialer Dialer
	clock  Clock
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	conn        Conn
	gen         uint64 // bumped on every transition that invalidates in-flight work
	attempts    int    // reset only by the server's CONNECTED frame
	welcomed    bool   // CONNECTED seen on the current transport
	replay      bool   // resubscribe once CONNECTED arrives
	lastErr     error
	connectedAt time.Time
	lastPong    time.Time
	reconnectT  Timer
	heartbeatT  Timer
	topics      map[string]struct{}

	handlersMu  sync.RWMutex
	handlers    map[event.Type][]Handler
	anyHandlers []Handler
	onConnected []func()
	onStatus    []func(Status)

	writeMu sync.Mutex
}

// New creates a disconnected Session.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		cfg:      cfg,
		dialer:   WebSocketDialer{},
		clock:    realClock{},
		logger:   logger,
		topics:   make(map[string]struct{}),
		handlers: make(map[event.Type][]Handler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// On registers h for events of type t.
func (s *Session) On(t event.Type, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[t] = append(s.handlers[t], h)
}

// OnAny registers h for every dispatched event.
func (s *Session) OnAny(h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.anyHandlers = append(s.anyHandlers, h)
}

// OnConnected registers f to run each time the server acknowledges a
// transport with CONNECTED.
func (s *Session) OnConnected(f func()) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onConnected = append(s.onConnected, f)
}

// OnStatus registers f to run after every state change.
func (s *Session) OnStatus(f func(Status)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onStatus = append(s.onStatus, f)
}

// Connect opens the transport. It is a no-op while connecting or connected.
// A failed dial schedules a reconnect like any abnormal close; the dial
// error is returned.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.stopTimersLocked()
	s.attempts = 0
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.mu.Unlock()

	s.notify()
	return s.dial(ctx, gen, false)
}

// Disconnect cancels any pending reconnect, closes the transport with the
// normal-closure code and leaves the session Disconnected.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.gen++
	s.stopTimersLocked()
	conn := s.conn
	s.conn = nil
	s.attempts = 0
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, s.clock.Now().Add(s.cfg.WriteTimeout))
		s.writeMu.Unlock()
		_ = conn.Close()
	}

	s.logger.Info("session disconnected")
	s.notify()
}

// Send writes e to the transport. It fails immediately with ErrNotConnected
// unless the session is Connected; nothing is queued or retried.
func (s *Session) Send(e event.Event) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	frame, err := event.Encode(e.Stamp())
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(s.clock.Now().Add(s.cfg.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.logger.Warn("send failed", "type", e.Type, "error", err)
		return err
	}
	return nil
}

// Subscribe asks the server to join topic. The server's ack is advisory.
func (s *Session) Subscribe(topic string) error {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
	return s.sendRoom(event.TypeSubscribe, topic)
}

// Unsubscribe asks the server to leave topic.
func (s *Session) Unsubscribe(topic string) error {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
	return s.sendRoom(event.TypeUnsubscribe, topic)
}

// Topics returns the topics requested through Subscribe, sorted.
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// HandleMessage parses frame and dispatches it. PONG only refreshes the
// heartbeat timestamp; CONNECTED completes the handshake before dispatch.
func (s *Session) HandleMessage(frame []byte) {
	e, err := event.Decode(frame)
	if err != nil {
		s.logger.Warn("dropping malformed frame", "error", err)
		return
	}
	if !e.Type.Outbound() {
		s.logger.Debug("unexpected event type from server", "type", e.Type, "known", e.Type.Known())
	}

	switch e.Type {
	case event.TypePong:
		s.mu.Lock()
		s.lastPong = s.clock.Now()
		s.mu.Unlock()
		return
	case event.TypeConnected:
		s.welcome()
	}

	s.handlersMu.RLock()
	hs := append(append([]Handler(nil), s.handlers[e.Type]...), s.anyHandlers...)
	s.handlersMu.RUnlock()

	if len(hs) == 0 {
		s.logger.Debug("no handler for event", "type", e.Type)
		return
	}
	for _, h := range hs {
		h(e)
	}
}

// Status returns the current observable state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Err returns the error behind StateFailed or the last transport failure.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) statusLocked() Status {
	st := Status{
		State:       s.state,
		Attempts:    s.attempts,
		ConnectedAt: s.connectedAt,
		LastPong:    s.lastPong,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Session) sendRoom(t event.Type, topic string) error {
	e, err := event.New(t, event.RoomData{Room: topic})
	if err != nil {
		return err
	}
	return s.Send(e)
}

// dial opens a transport for generation gen. Results for a superseded
// generation are discarded.
func (s *Session) dial(ctx context.Context, gen uint64, reconnect bool) error {
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	if s.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer cancel()
	}

	conn, err := s.dialer.Dial(ctx, s.cfg.URL, header)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrNotConnected
	}
	if err != nil {
		s.lastErr = err
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		s.logger.Warn("connect failed", "url", s.cfg.URL, "error", err)
		s.notify()
		return err
	}

	// The server may still reject the token after the upgrade, so the
	// attempt counter survives until CONNECTED arrives.
	now := s.clock.Now()
	s.conn = conn
	s.state = StateConnected
	s.welcomed = false
	s.replay = reconnect && s.cfg.ResubscribeOnReconnect
	s.lastErr = nil
	s.connectedAt = now
	s.lastPong = now
	s.armHeartbeatLocked(gen)
	s.mu.Unlock()

	go s.readLoop(conn, gen)

	s.logger.Info("transport open", "url", s.cfg.URL, "reconnect", reconnect)
	s.notify()
	return nil
}

// welcome completes the handshake for the current transport: the attempt
// counter resets, pending resubscriptions are sent and OnConnected runs.
// Repeated CONNECTED frames on one transport are ignored.
func (s *Session) welcome() {
	s.mu.Lock()
	if s.state != StateConnected || s.welcomed {
		s.mu.Unlock()
		return
	}
	s.welcomed = true
	s.attempts = 0

	var replay []string
	if s.replay {
		for t := range s.topics {
			replay = append(replay, t)
		}
		sort.Strings(replay)
		s.replay = false
	}
	s.mu.Unlock()

	s.logger.Info("session connected", "url", s.cfg.URL)

	for _, topic := range replay {
		if err := s.sendRoom(event.TypeSubscribe, topic); err != nil {
			s.logger.Warn("resubscribe failed", "room", topic, "error", err)
		}
	}

	s.handlersMu.RLock()
	callbacks := append([]func(){}, s.onConnected...)
	s.handlersMu.RUnlock()
	for _, f := range callbacks {
		f()
	}
	s.notify()
}

// scheduleReconnectLocked arms the backoff timer, or moves to StateFailed
// once the attempt cap is reached.
func (s *Session) scheduleReconnectLocked() {
	if s.attempts >= s.cfg.MaxReconnectAttempts {
		s.state = StateFailed
		s.lastErr = fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, s.attempts, s.lastErr)
		s.logger.Error("giving up reconnect", "attempts", s.attempts)
		return
	}

	delay := s.Backoff(s.attempts)
	s.attempts++
	s.state = StateReconnectWaiting
	gen := s.gen
	s.reconnectT = s.clock.AfterFunc(delay, func() { s.reconnect(gen) })

	s.logger.Info("reconnect scheduled", "attempt", s.attempts, "delay", delay)
}

func (s *Session) reconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateReconnectWaiting {
		s.mu.Unlock()
		return
	}
	s.reconnectT = nil
	s.gen++
	next := s.gen
	s.state = StateConnecting
	s.mu.Unlock()

	s.notify()
	_ = s.dial(context.Background(), next, true)
}

// Backoff returns the delay before reconnect attempt n (zero-based):
// ReconnectInterval × 2^n, capped by MaxReconnectDelay.
func (s *Session) Backoff(n int) time.Duration {
	if n > 30 {
		n = 30
	}
	d := s.cfg.ReconnectInterval << uint(n)
	if d < s.cfg.ReconnectInterval {
		d = time.Duration(math.MaxInt64)
	}
	if s.cfg.MaxReconnectDelay > 0 && d > s.cfg.MaxReconnectDelay {
		d = s.cfg.MaxReconnectDelay
	}
	return d
}

func (s *Session) readLoop(conn Conn, gen uint64) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(gen, err)
			return
		}
		s.HandleMessage(frame)
	}
}

// handleClose reacts to the transport of generation gen closing. A normal
// closure ends the session and a policy violation (rejected token) fails it;
// anything else schedules a reconnect.
func (s *Session) handleClose(gen uint64, err error) {
	code := websocket.CloseAbnormalClosure
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code = ce.Code
	}

	s.mu.Lock()
	if gen != s.gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.stopTimersLocked()
	conn := s.conn
	s.conn = nil

	switch code {
	case websocket.CloseNormalClosure:
		s.state = StateDisconnected
	case websocket.ClosePolicyViolation:
		s.state = StateFailed
		s.lastErr = fmt.Errorf("%w: %s", ErrAuthentication, ce.Text)
		s.logger.Error("server rejected session token", "reason", ce.Text)
	default:
		s.lastErr = err
		s.scheduleReconnectLocked()
	}
	s.mu.Unlock()

	_ = conn.Close()
	s.logger.Info("transport closed", "code", code, "error", err)
	s.notify()
}

func (s *Session) armHeartbeatLocked(gen uint64) {
	if s.cfg.HeartbeatInterval <= 0 {
		return
	}
	s.heartbeatT = s.clock.AfterFunc(s.cfg.HeartbeatInterval, func() { s.heartbeat(gen) })
}

func (s *Session) heartbeat(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ping, err := event.New(event.TypePing, nil)
	if err == nil {
		err = s.Send(ping)
	}
	if err != nil {
		s.logger.Debug("heartbeat failed", "error", err)
	}

	s.mu.Lock()
	if gen == s.gen && s.state == StateConnected {
		s.armHeartbeatLocked(gen)
	}
	s.mu.Unlock()
}

func (s *Session) stopTimersLocked() {
	if s.reconnectT != nil {
		s.reconnectT.Stop()
		s.reconnectT = nil
	}
	if s.heartbeatT != nil {
		s.heartbeatT.Stop()
		s.heartbeatT = nil
	}
}

func (s *Session) notify() {
	s.handlersMu.RLock()
	fs := append([]func(Status){}, s.onStatus...)
	s.handlersMu.RUnlock()
	if len(fs) == 0 {
		return
	}
	st := s.Status()
	for _, f := range fs {
		f(st)
	}
}
