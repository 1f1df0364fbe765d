package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/crm-realtime/internal/event"
	"github.com/rickgao/crm-realtime/internal/router"
)

// Manager owns every live connection and the topic map they subscribe to.
// All registry and router mutation goes through its methods.
type Manager struct {
	cfg      Config
	verifier TokenVerifier
	accounts AccountChecker // optional
	logger   *slog.Logger
	now      func() time.Time

	conns  *registry
	topics *router.Router

	// Serializes enqueueing so each connection sees frames in emission order.
	deliverMu sync.Mutex

	mu       sync.Mutex
	running  bool
	shutdown bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup // heartbeat and eviction loops
	connWG   sync.WaitGroup // per-connection pumps
}

// NewManager creates a Connection Manager. accounts may be nil.
func NewManager(cfg Config, verifier TokenVerifier, accounts AccountChecker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		verifier: verifier,
		accounts: accounts,
		logger:   logger,
		now:      time.Now,
		conns:    newRegistry(),
		topics:   router.New(),
	}
}

// Start begins the heartbeat and eviction loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrShutdown
	}
	if m.running {
		m.logger.Warn("connection manager already running")
		return nil
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	m.wg.Add(2)
	go m.heartbeatLoop()
	go m.evictLoop()

	m.logger.Info("connection manager started",
		"heartbeat_interval", m.cfg.HeartbeatInterval,
		"stale_after", m.cfg.StaleAfter(),
		"evict_interval", m.cfg.EvictInterval,
	)
	return nil
}

// Stop shuts down every connection and waits for background goroutines.
func (m *Manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping connection manager")
	m.Shutdown()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		m.connWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, connection goroutines still running")
		return ctx.Err()
	}

	m.logger.Info("connection manager stopped")
	return nil
}

// Shutdown closes every connection with a normal-closure code and clears the
// registry and topic map. It is idempotent; later Accept calls are rejected.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	m.running = false
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	closed := 0
	for _, c := range m.conns.drain() {
		if c.close(websocket.CloseNormalClosure, "server shutdown", m.cfg.WriteTimeout) {
			closed++
		}
	}
	m.topics.Reset()

	m.logger.Info("connection manager shut down", "closed", closed)
}

// Accept authenticates token and registers t as a new connection. On failure
// the transport is closed and the error wraps ErrAuthentication,
// ErrTooManyConnections or ErrShutdown. Returns the new connection ID.
func (m *Manager) Accept(ctx context.Context, t Transport, token string) (string, error) {
	if m.isShutdown() {
		m.reject(t, websocket.CloseGoingAway, "server shutting down")
		return "", ErrShutdown
	}

	identity, err := m.verifier.Verify(ctx, token)
	if err == nil && (identity.UserID == "" || !identity.Role.Valid()) {
		err = fmt.Errorf("token resolved to invalid identity %q/%q", identity.UserID, identity.Role)
	}
	if err == nil && m.accounts != nil {
		var active bool
		active, err = m.accounts.IsActive(ctx, identity.UserID)
		if err == nil && !active {
			err = ErrInactiveAccount
		}
	}
	if err != nil {
		m.reject(t, websocket.ClosePolicyViolation, "authentication failed")
		m.logger.Warn("connection rejected", "user_id", identity.UserID, "error", err)
		return "", fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	c := newConn(uuid.NewString(), identity, t, m.cfg, m.now())

	m.mu.Lock()
	switch {
	case m.shutdown:
		m.mu.Unlock()
		m.reject(t, websocket.CloseGoingAway, "server shutting down")
		return "", ErrShutdown
	case m.cfg.MaxConnections > 0 && m.conns.len() >= m.cfg.MaxConnections:
		m.mu.Unlock()
		m.reject(t, websocket.CloseTryAgainLater, "too many connections")
		m.logger.Warn("connection rejected", "user_id", identity.UserID, "error", ErrTooManyConnections)
		return "", ErrTooManyConnections
	}
	// Topics first: once c is registered a concurrent drop may remove it,
	// and it must find every subscription already in place.
	m.topics.Subscribe(c.id, router.UserTopic(identity.UserID))
	m.topics.Subscribe(c.id, router.RoleTopic(identity.Role))
	m.conns.add(c)
	m.connWG.Add(2)
	m.mu.Unlock()

	if m.cfg.MaxMessageSize > 0 {
		t.SetReadLimit(m.cfg.MaxMessageSize)
	}
	t.SetPongHandler(func(string) error {
		c.touch(m.now())
		return nil
	})

	go m.writePump(c)
	go m.readPump(c)

	m.logger.Info("connection accepted",
		"conn_id", c.id,
		"user_id", identity.UserID,
		"role", identity.Role,
	)

	m.reply(c, event.TypeConnected, event.ConnectedData{
		ConnectionID: c.id,
		UserID:       identity.UserID,
		Role:         identity.Role,
	})
	return c.id, nil
}

// Receive handles one inbound frame from connID. Malformed frames are logged
// and dropped; the connection stays open.
func (m *Manager) Receive(connID string, frame []byte) error {
	c, ok := m.conns.get(connID)
	if !ok {
		return ErrNotConnected
	}

	e, err := event.Decode(frame)
	if err != nil {
		m.logger.Warn("dropping malformed frame", "conn_id", connID, "error", err)
		return err
	}
	e = e.Stamp()

	switch e.Type {
	case event.TypePing:
		c.touch(m.now())
		m.reply(c, event.TypePong, nil)

	case event.TypeSubscribe:
		var d event.RoomData
		if err := e.Decode(&d); err != nil {
			return m.protocolError(c, e, err)
		}
		if err := router.ClientSubscribable(d.Room); err != nil {
			return m.protocolError(c, e, err)
		}
		m.join(c, d.Room)
		m.reply(c, event.TypeSubscribed, event.RoomData{Room: d.Room})

	case event.TypeUnsubscribe:
		var d event.RoomData
		if err := e.Decode(&d); err != nil {
			return m.protocolError(c, e, err)
		}
		if err := router.ClientSubscribable(d.Room); err != nil {
			return m.protocolError(c, e, err)
		}
		m.topics.Unsubscribe(c.id, d.Room)
		m.reply(c, event.TypeUnsubscribed, event.RoomData{Room: d.Room})

	case event.TypeTypingStart, event.TypeTypingStop:
		var d event.TypingData
		if err := e.Decode(&d); err != nil {
			return m.protocolError(c, e, err)
		}
		if d.ContactID == "" {
			return m.protocolError(c, e, errors.New("contactId is required"))
		}
		d.UserID = c.identity.UserID
		out, err := event.New(e.Type, d)
		if err != nil {
			return err
		}
		out.Timestamp = e.Timestamp
		m.Deliver(out.To(router.ContactTopic(d.ContactID.String())).Excluding(c.id))

	default:
		switch {
		case !e.Type.Known():
			m.logger.Warn("ignoring unrecognized event type", "conn_id", connID, "type", e.Type)
		case !e.Type.Inbound():
			m.logger.Warn("ignoring server-only event sent by client", "conn_id", connID, "type", e.Type)
		default:
			m.logger.Warn("ignoring unhandled inbound event", "conn_id", connID, "type", e.Type)
		}
	}
	return nil
}

// Deliver enqueues e on every connection its target resolves to and returns
// how many were reached. A connection whose queue rejects the frame is
// removed without affecting the others.
func (m *Manager) Deliver(e event.Event) int {
	e = e.Stamp()
	frame, err := event.Encode(e)
	if err != nil {
		m.logger.Error("encode event", "type", e.Type, "error", err)
		return 0
	}

	type failure struct {
		c   *conn
		err error
	}
	var failed []failure

	m.deliverMu.Lock()
	reached := 0
	for _, id := range m.resolve(e.Target) {
		c, ok := m.conns.get(id)
		if !ok {
			continue
		}
		if err := c.queue.push(frame); err != nil {
			failed = append(failed, failure{c, err})
			continue
		}
		reached++
	}
	m.deliverMu.Unlock()

	for _, f := range failed {
		m.drop(f.c, websocket.CloseTryAgainLater, "send queue full", f.err)
	}

	m.logger.Debug("event delivered",
		"type", e.Type,
		"target", e.Target.String(),
		"reached", reached,
		"failed", len(failed),
	)
	return reached
}

// EvictStale closes and removes every connection whose last heartbeat is
// older than the stale threshold. Returns the number evicted.
func (m *Manager) EvictStale() int {
	cutoff := m.now().Add(-m.cfg.StaleAfter())
	evicted := 0
	for _, c := range m.conns.all() {
		if !c.heartbeatAt().Before(cutoff) {
			continue
		}
		if m.drop(c, websocket.CloseGoingAway, "heartbeat timeout", ErrStaleConnection) {
			evicted++
		}
	}
	if evicted > 0 {
		m.logger.Info("evicted stale connections", "count", evicted)
	}
	return evicted
}

// Status returns the administrative view of live connections and rooms.
func (m *Manager) Status() Status {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	return Status{
		Running:           running,
		TotalConnections:  m.conns.len(),
		TotalRooms:        m.topics.Len(),
		ConnectionsByRole: m.conns.countByRole(),
		RoomStats:         m.topics.Stats(),
	}
}

// Connections lists live connections, oldest first.
func (m *Manager) Connections() []Info {
	conns := m.conns.all()
	out := make([]Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, Info{
			ID:            c.id,
			UserID:        c.identity.UserID,
			Role:          c.identity.Role,
			ConnectedAt:   c.connectedAt,
			LastHeartbeat: c.heartbeatAt(),
			Topics:        m.topics.TopicsOf(c.id),
			Queued:        c.queue.len(),
		})
	}
	return out
}

// Topics returns the topics connID belongs to.
func (m *Manager) Topics(connID string) []string {
	return m.topics.TopicsOf(connID)
}

// Members returns the connection IDs subscribed to topic.
func (m *Manager) Members(topic string) []string {
	return m.topics.MembersOf(topic)
}

// resolve expands a target into a de-duplicated list of connection IDs.
func (m *Manager) resolve(t event.Target) []string {
	if t.All {
		all := m.conns.all()
		ids := make([]string, 0, len(all))
		for _, c := range all {
			if c.id != t.Exclude {
				ids = append(ids, c.id)
			}
		}
		return ids
	}

	seen := make(map[string]struct{})
	var ids []string
	add := func(topic string) {
		for _, id := range m.topics.MembersOf(topic) {
			if id == t.Exclude {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	if t.Topic != "" {
		add(t.Topic)
	}
	for _, u := range t.UserIDs {
		add(router.UserTopic(u))
	}
	for _, r := range t.Roles {
		add(router.RoleTopic(r))
	}
	return ids
}

// join subscribes c to topic unless c was removed concurrently.
func (m *Manager) join(c *conn, topic string) {
	m.topics.Subscribe(c.id, topic)
	if _, live := m.conns.get(c.id); !live {
		m.topics.Unsubscribe(c.id, topic)
	}
}

// reply enqueues an event for c alone.
func (m *Manager) reply(c *conn, t event.Type, data any) {
	e, err := event.New(t, data)
	if err != nil {
		m.logger.Error("build reply", "type", t, "error", err)
		return
	}
	frame, err := event.Encode(e)
	if err != nil {
		m.logger.Error("encode reply", "type", t, "error", err)
		return
	}

	m.deliverMu.Lock()
	err = c.queue.push(frame)
	m.deliverMu.Unlock()

	if err != nil && !errors.Is(err, ErrNotConnected) {
		m.drop(c, websocket.CloseTryAgainLater, "send queue full", err)
	}
}

func (m *Manager) protocolError(c *conn, e event.Event, err error) error {
	m.logger.Warn("rejecting inbound event", "conn_id", c.id, "type", e.Type, "error", err)
	m.reply(c, event.TypeError, event.ErrorData{Message: err.Error()})
	return fmt.Errorf("%w: %w", event.ErrMalformedFrame, err)
}

// drop removes c from the registry and every topic, then closes it.
// Returns false if c had already been removed.
func (m *Manager) drop(c *conn, code int, reason string, cause error) bool {
	if m.conns.remove(c.id) == nil {
		c.close(code, reason, m.cfg.WriteTimeout)
		return false
	}
	left := m.topics.RemoveConnection(c.id)
	c.close(code, reason, m.cfg.WriteTimeout)

	level := slog.LevelWarn
	if cause == nil || websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		level = slog.LevelInfo
	}
	m.logger.Log(context.Background(), level, "connection removed",
		"conn_id", c.id,
		"user_id", c.identity.UserID,
		"reason", reason,
		"topics", len(left),
		"error", cause,
	)
	return true
}

func (m *Manager) reject(t Transport, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.cfg.WriteTimeout))
	_ = t.Close()
}

func (m *Manager) isShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// writePump is the only writer of data frames to c's transport.
func (m *Manager) writePump(c *conn) {
	defer m.connWG.Done()
	for {
		frame, ok := c.queue.pop()
		if !ok {
			return
		}
		if m.cfg.WriteTimeout > 0 {
			_ = c.transport.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
		}
		if err := c.transport.WriteMessage(websocket.TextMessage, frame); err != nil {
			m.drop(c, websocket.CloseInternalServerErr, "write failed", err)
			return
		}
	}
}

func (m *Manager) readPump(c *conn) {
	defer m.connWG.Done()
	for {
		_, frame, err := c.transport.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			m.drop(c, websocket.CloseNormalClosure, "read failed", err)
			return
		}
		_ = m.Receive(c.id, frame)
	}
}

// heartbeatLoop pings every connection on a fixed period, independent of
// client pings, so half-open transports stop producing pongs.
func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.pingAll()
		}
	}
}

func (m *Manager) pingAll() {
	var g errgroup.Group
	if m.cfg.PingConcurrency > 0 {
		g.SetLimit(m.cfg.PingConcurrency)
	}
	for _, c := range m.conns.all() {
		g.Go(func() error {
			deadline := time.Now().Add(m.cfg.WriteTimeout)
			if err := c.transport.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				m.drop(c, websocket.CloseInternalServerErr, "ping failed", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) evictLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.EvictStale()
		}
	}
}
