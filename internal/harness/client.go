package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/collab-harness/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected = errors.New("client not connected")
	ErrWaitTimeout  = errors.New("timed out waiting for message")
	ErrClientClosed = errors.New("client connection closed")
)

const (
	DefaultConnectTimeout = 5 * time.Second
	clientWriteWait       = 5 * time.Second
)

// TestClient is a scripted peer. It keeps every frame it receives so tests
// can inspect the log afterwards or block until a matching frame arrives.
type TestClient struct {
	baseURL string
	userID  string
	room    domain.RoomID

	// AutoPong answers server pings so the heartbeat never evicts the
	// client. Off by default so idle clients can be evicted in tests.
	AutoPong bool
	Dialer   *websocket.Dialer

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	done      chan struct{}
	closeErr  *websocket.CloseError
	messages  []domain.Message
	waiters   map[uint64]*waiter
	nextWait  uint64
	handlers  []func(domain.Message)
	sessionID domain.SessionID
}

type waitResult struct {
	msg domain.Message
	err error
}

// waiter is a one-shot pending predicate. It is removed from the registry
// by whoever resolves it, so it fires at most once.
type waiter struct {
	kind  domain.Kind
	match func(domain.Message) bool
	ch    chan waitResult
}

func (w *waiter) matches(m domain.Message) bool {
	if w.kind != "" && m.Type != w.kind {
		return false
	}
	return w.match == nil || w.match(m)
}

// NewTestClient builds a client for baseURL (ws://host:port) that joins
// room on Connect. userID is what the client claims; the server replaces it
// with its own session id on relay.
func NewTestClient(baseURL, userID string, room domain.RoomID) *TestClient {
	return &TestClient{
		baseURL: baseURL,
		userID:  userID,
		room:    room,
		Dialer:  websocket.DefaultDialer,
		waiters: make(map[uint64]*waiter),
	}
}

func (c *TestClient) UserID() string { return c.userID }

func (c *TestClient) Room() domain.RoomID { return c.room }

// URL is the accept path the client dials.
func (c *TestClient) URL() string {
	return fmt.Sprintf("%s/ws/chat/%d/", c.baseURL, c.room)
}

// Connect dials the server. Without a deadline on ctx it gives up after
// DefaultConnectTimeout. Connecting an open client is a no-op. A rejected
// connection still opens; the rejection arrives as a close frame, see
// CloseError.
func (c *TestClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultConnectTimeout)
		defer cancel()
	}

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, c.URL(), nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.userID, err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.done = done
	c.closeErr = nil
	c.sessionID = ""
	c.mu.Unlock()

	log.Debug().Str("module", "harness.client").Str("user", c.userID).Int("room", int(c.room)).Msg("connected")
	go c.readLoop(conn, done)
	return nil
}

// Send writes msg, filling in kind (chat), room, user id and timestamp when
// they are empty.
func (c *TestClient) Send(msg domain.Message) error {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	if msg.Type == "" {
		msg.Type = domain.KindChat
	}
	if msg.FeedbackID == 0 {
		msg.FeedbackID = c.room
	}
	if msg.UserID == "" {
		msg.UserID = c.userID
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = domain.NowMillis()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", c.userID, err)
	}
	return nil
}

// SendRaw writes data unmodified. Tests use it for malformed frames.
func (c *TestClient) SendRaw(data []byte) error {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// WaitForMessage returns the first retained or future frame of kind (any
// kind when empty) that satisfies match (nil matches all). It fails with
// ErrWaitTimeout after timeout and with ErrClientClosed if the connection
// ends first.
func (c *TestClient) WaitForMessage(kind domain.Kind, timeout time.Duration, match func(domain.Message) bool) (domain.Message, error) {
	w := &waiter{kind: kind, match: match, ch: make(chan waitResult, 1)}

	c.mu.Lock()
	for _, m := range c.messages {
		if w.matches(m) {
			c.mu.Unlock()
			return m, nil
		}
	}
	if c.conn == nil {
		c.mu.Unlock()
		return domain.Message{}, ErrNotConnected
	}
	if !c.connected {
		c.mu.Unlock()
		return domain.Message{}, ErrClientClosed
	}
	id := c.nextWait
	c.nextWait++
	c.waiters[id] = w
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-w.ch:
		return r.msg, r.err
	case <-timer.C:
	}

	c.mu.Lock()
	_, pending := c.waiters[id]
	delete(c.waiters, id)
	c.mu.Unlock()
	if !pending {
		// Resolved while the timer fired.
		r := <-w.ch
		return r.msg, r.err
	}
	return domain.Message{}, fmt.Errorf("wait for %q: %w", kind, ErrWaitTimeout)
}

// Ping sends a connection test and waits for the matching pong. The pong
// also reveals the session id the server assigned to this client.
func (c *TestClient) Ping(timeout time.Duration) (time.Duration, error) {
	sent := time.Now()
	ts := sent.UnixMilli()
	err := c.Send(domain.Message{
		Type:      domain.KindConnectionTest,
		Timestamp: ts,
		Metadata:  map[string]any{domain.MetaType: domain.PingType},
	})
	if err != nil {
		return 0, err
	}
	pong, err := c.WaitForMessage(domain.KindConnectionTest, timeout, func(m domain.Message) bool {
		orig, ok := m.MetaInt64(domain.MetaOriginalTimestamp)
		return m.MetaString(domain.MetaType) == domain.PongType && ok && orig == ts
	})
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.sessionID = domain.SessionID(pong.UserID)
	c.mu.Unlock()
	return time.Since(sent), nil
}

// SessionID is the server-side id learned from the last Ping, empty before.
func (c *TestClient) SessionID() domain.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Disconnect sends a normal close and returns once the read loop has seen
// the connection end. Safe to call repeatedly.
func (c *TestClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn, connected, done := c.conn, c.connected, c.done
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	if connected {
		c.writeMu.Lock()
		err := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(clientWriteWait))
		c.writeMu.Unlock()
		if err != nil {
			_ = conn.Close()
		}
	}

	timer := time.NewTimer(DefaultConnectTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	_ = conn.Close()
	<-done
	return ctx.Err()
}

func (c *TestClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Messages returns a copy of the retained log.
func (c *TestClient) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *TestClient) ClearMessages() {
	c.mu.Lock()
	c.messages = nil
	c.mu.Unlock()
}

// OnMessage registers fn for every future frame. It runs on the read loop.
func (c *TestClient) OnMessage(fn func(domain.Message)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

// CloseError is the close frame of the last connection, nil while open or
// when the connection ended without one.
func (c *TestClient) CloseError() *websocket.CloseError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Done is closed when the current connection's read loop exits.
func (c *TestClient) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *TestClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.closed(conn, err)
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("module", "harness.client").Str("user", c.userID).Msg("bad frame")
			continue
		}
		c.deliver(env.Result)
	}
}

func (c *TestClient) deliver(msg domain.Message) {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	for id, w := range c.waiters {
		if w.matches(msg) {
			delete(c.waiters, id)
			w.ch <- waitResult{msg: msg}
		}
	}
	handlers := make([]func(domain.Message), len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}

	if c.AutoPong && msg.Type == domain.KindConnectionTest && msg.UserID == domain.SystemUserID &&
		msg.MetaString(domain.MetaType) == domain.PingType {
		err := c.Send(domain.Message{
			Type:     domain.KindConnectionTest,
			Metadata: map[string]any{domain.MetaType: domain.PongType, domain.MetaOriginalTimestamp: msg.Timestamp},
		})
		if err != nil {
			log.Debug().Err(err).Str("module", "harness.client").Str("user", c.userID).Msg("auto pong")
		}
	}
}

func (c *TestClient) closed(conn *websocket.Conn, err error) {
	var ce *websocket.CloseError
	c.mu.Lock()
	if errors.As(err, &ce) {
		c.closeErr = ce
	}
	c.connected = false
	pending := c.waiters
	c.waiters = make(map[uint64]*waiter)
	c.mu.Unlock()

	for _, w := range pending {
		w.ch <- waitResult{err: ErrClientClosed}
	}
	_ = conn.Close()
	log.Debug().Err(err).Str("module", "harness.client").Str("user", c.userID).Msg("disconnected")
}
