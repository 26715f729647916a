package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/collab-harness/internal/app"
	"github.com/dkeye/collab-harness/internal/config"
	"github.com/dkeye/collab-harness/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_ChatNoSelfDelivery(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	a := join(t, o, "a", 1)
	b := join(t, o, "b", 1)

	require.NoError(t, a.Send(domain.Message{Message: "hello", UserID: "spoofed"}))
	got, err := b.WaitForMessage(domain.KindChat, waitTimeout, withText("hello"))
	require.NoError(t, err)
	assert.Equal(t, string(a.SessionID()), got.UserID, "server stamps the sender")
	assert.Equal(t, a.SessionID().DisplayName(), got.Username)
	assert.Equal(t, domain.RoomID(1), got.FeedbackID)

	// a's pong is queued behind anything the server sent a before it.
	_, err = a.Ping(waitTimeout)
	require.NoError(t, err)
	assert.Empty(t, ofKind(a.Messages(), domain.KindChat))
}

func TestClient_RoomIsolation(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	rooms := []domain.RoomID{100, 200, 300}

	senders := map[domain.RoomID]*TestClient{}
	listeners := map[domain.RoomID]*TestClient{}
	for _, r := range rooms {
		senders[r] = join(t, o, fmt.Sprintf("sender-%d", r), r)
		listeners[r] = join(t, o, fmt.Sprintf("listener-%d", r), r)
	}
	for _, r := range rooms {
		require.NoError(t, senders[r].Send(domain.Message{Message: roomText(r)}))
	}
	for _, r := range rooms {
		_, err := listeners[r].WaitForMessage(domain.KindChat, waitTimeout, withText(roomText(r)))
		require.NoError(t, err)
	}
	time.Sleep(50 * time.Millisecond)

	for _, r := range rooms {
		for _, c := range []*TestClient{senders[r], listeners[r]} {
			for _, m := range c.Messages() {
				assert.Equal(t, r, m.FeedbackID)
				if m.Type == domain.KindChat {
					assert.Equal(t, roomText(r), m.Message)
				}
			}
		}
	}
}

func roomText(r domain.RoomID) string {
	return fmt.Sprintf("message for room %d", r)
}

// Two users join room 1, u1 types and then leaves.
func TestClient_TypingThenLeave(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	u1 := join(t, o, "u1", 1)
	u2 := join(t, o, "u2", 1)
	sid1 := u1.SessionID()

	require.NoError(t, u1.Send(domain.Message{
		Type:     domain.KindTyping,
		Metadata: map[string]any{domain.MetaIsTyping: true},
	}))
	got, err := u2.WaitForMessage(domain.KindTyping, waitTimeout, nil)
	require.NoError(t, err)
	assert.True(t, got.MetaBool(domain.MetaIsTyping))
	assert.Equal(t, string(sid1), got.UserID)

	require.NoError(t, u1.Disconnect(context.Background()))
	_, err = u2.WaitForMessage(domain.KindPresence, waitTimeout, func(m domain.Message) bool {
		return m.MetaString(domain.MetaAction) == domain.ActionLeft && m.UserID == string(sid1)
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, ofKind(u2.Messages(), domain.KindTyping), 1)
	assert.Empty(t, ofKind(u1.Messages(), domain.KindTyping))
	assert.Len(t, presence(u2, domain.ActionLeft, sid1), 1)
	assert.Equal(t, map[domain.RoomID]int{1: 1}, o.Stats().RoomSessions)
}

func TestClient_FeedbackUpdateDelayedAndSelfInclusive(t *testing.T) {
	o := newTestOrchestrator(t, func(cfg *config.Config) {
		cfg.ProcessingDelay = 150 * time.Millisecond
	})
	a := join(t, o, "a", 5)
	b := join(t, o, "b", 5)

	sent := time.Now()
	require.NoError(t, a.Send(domain.Message{
		Type:     domain.KindFeedbackUpdate,
		Message:  "status changed",
		Metadata: map[string]any{domain.MetaField: "status"},
	}))

	for _, c := range []*TestClient{a, b} {
		got, err := c.WaitForMessage(domain.KindFeedbackUpdate, waitTimeout, nil)
		require.NoError(t, err)
		assert.True(t, got.MetaBool(domain.MetaProcessed))
		assert.Equal(t, "status", got.MetaString(domain.MetaField))
		processedAt, ok := got.MetaInt64(domain.MetaProcessedAt)
		require.True(t, ok)
		assert.GreaterOrEqual(t, processedAt, got.Timestamp+150)
	}
	assert.GreaterOrEqual(t, time.Since(sent), 150*time.Millisecond)
}

func TestClient_FeedbackUpdateReachesPeersAfterSenderDisconnects(t *testing.T) {
	o := newTestOrchestrator(t, func(cfg *config.Config) {
		cfg.ProcessingDelay = 100 * time.Millisecond
	})
	a := join(t, o, "a", 6)
	b := join(t, o, "b", 6)

	sid := a.SessionID()
	require.NoError(t, a.Send(domain.Message{Type: domain.KindFeedbackUpdate, Message: "last word"}))
	require.NoError(t, a.Disconnect(context.Background()))

	got, err := b.WaitForMessage(domain.KindFeedbackUpdate, waitTimeout, withText("last word"))
	require.NoError(t, err)
	assert.True(t, got.MetaBool(domain.MetaProcessed))
	assert.Equal(t, string(sid), got.UserID)
}

func TestClient_PingAddressedToSenderOnly(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	a := join(t, o, "a", 2)
	b := join(t, o, "b", 2)
	b.ClearMessages()

	rtt, err := a.Ping(waitTimeout)
	require.NoError(t, err)
	assert.Positive(t, rtt)

	_, err = b.Ping(waitTimeout)
	require.NoError(t, err)
	pongs := 0
	for _, m := range ofKind(b.Messages(), domain.KindConnectionTest) {
		if m.MetaString(domain.MetaType) == domain.PongType {
			pongs++
			assert.Equal(t, string(b.SessionID()), m.UserID)
		}
	}
	assert.Equal(t, 1, pongs, "b only sees its own pong")
}

func TestClient_PerSenderOrdering(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	a := join(t, o, "a", 3)
	b := join(t, o, "b", 3)

	const n = 50
	for i := 1; i <= n; i++ {
		require.NoError(t, a.Send(domain.Message{
			Message:  "seq",
			Metadata: map[string]any{domain.MetaSequence: i},
		}))
	}
	_, err := b.WaitForMessage(domain.KindChat, waitTimeout, func(m domain.Message) bool {
		seq, _ := m.MetaInt64(domain.MetaSequence)
		return seq == n
	})
	require.NoError(t, err)

	chats := ofKind(b.Messages(), domain.KindChat)
	require.Len(t, chats, n)
	for i, m := range chats {
		seq, ok := m.MetaInt64(domain.MetaSequence)
		require.True(t, ok)
		assert.Equal(t, int64(i+1), seq)
	}
}

func TestClient_MalformedFrameKeepsConnection(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	a := join(t, o, "a", 1)

	require.NoError(t, a.SendRaw([]byte("{not json")))
	got, err := a.WaitForMessage(domain.KindChat, waitTimeout, func(m domain.Message) bool {
		return m.MetaBool(domain.MetaError)
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SystemUserID, got.UserID)
	assert.Equal(t, "Error processing message", got.Message)

	assert.True(t, a.IsConnected())
	_, err = a.Ping(waitTimeout)
	assert.NoError(t, err)
}

func TestClient_LargeMessageKeepsConnection(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	a := join(t, o, "a", 1)
	b := join(t, o, "b", 1)

	text := strings.Repeat("x", 64<<10)
	require.NoError(t, a.Send(domain.Message{Type: domain.KindChat, Message: text}))
	_, err := b.WaitForMessage(domain.KindChat, waitTimeout, withText(text))
	require.NoError(t, err)
	assert.True(t, a.IsConnected())
}

func TestClient_FrameOverReadLimitClosesTooBig(t *testing.T) {
	o := newTestOrchestrator(t, func(cfg *config.Config) {
		cfg.ReadLimit = 1024
	})
	a := join(t, o, "a", 1)

	require.NoError(t, a.Send(domain.Message{Type: domain.KindChat, Message: strings.Repeat("x", 2048)}))
	waitDone(t, a)
	require.NotNil(t, a.CloseError())
	assert.Equal(t, websocket.CloseMessageTooBig, a.CloseError().Code)
}

func TestClient_InvalidRoomRejected(t *testing.T) {
	o := newTestOrchestrator(t, nil)

	c := NewTestClient(o.Server.URL(), "nobody", 0)
	require.NoError(t, c.Connect(context.Background()))
	waitDone(t, c)
	require.NotNil(t, c.CloseError())
	assert.Equal(t, app.ClosePolicyViolation, c.CloseError().Code)
	assert.Equal(t, app.ReasonInvalidRoom, c.CloseError().Text)

	ws, _, err := websocket.DefaultDialer.Dial(o.Server.URL()+"/ws/chat/", nil)
	require.NoError(t, err)
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(waitTimeout))
	_, _, err = ws.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, app.ClosePolicyViolation, ce.Code)

	assert.Zero(t, o.Stats().ActiveConnections)
}

func TestClient_SimulatedConnectionFailure(t *testing.T) {
	o := newTestOrchestrator(t, nil)

	o.SimulateNetworkConditions(0, 0, 1)
	for range 5 {
		c := NewTestClient(o.Server.URL(), "doomed", 1)
		require.NoError(t, c.Connect(context.Background()))
		waitDone(t, c)
		require.NotNil(t, c.CloseError())
		assert.Equal(t, app.CloseInternalError, c.CloseError().Code)
		assert.Equal(t, app.ReasonSimulatedFailure, c.CloseError().Text)
	}
	assert.Zero(t, o.Stats().ActiveConnections)

	o.SimulateNetworkConditions(0, 0, 0)
	join(t, o, "lucky", 1)
	assert.Equal(t, 1, o.Stats().ActiveConnections)
}

func TestClient_ConnectionFailureRate(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	o.SimulateNetworkConditions(0, 0, 0.5)

	const trials = 100
	rejected := 0
	for range trials {
		c := NewTestClient(o.Server.URL(), "trial", 1)
		require.NoError(t, c.Connect(context.Background()))
		if _, err := c.Ping(waitTimeout); err != nil {
			rejected++
		}
		require.NoError(t, c.Disconnect(context.Background()))
	}
	assert.InDelta(t, 0.5, float64(rejected)/trials, 0.2)
}

func TestClient_EvictionAnnouncesLeaveOnce(t *testing.T) {
	o := newTestOrchestrator(t, func(cfg *config.Config) {
		cfg.Heartbeat = app.HeartbeatConfig{
			Interval:   20 * time.Millisecond,
			ProbeAfter: 50 * time.Millisecond,
			EvictAfter: 200 * time.Millisecond,
		}
	})
	watcher := o.CreateClient("watcher", 9)
	watcher.AutoPong = true
	require.NoError(t, watcher.Connect(context.Background()))

	idle := join(t, o, "idle", 9)
	sid := idle.SessionID()

	_, err := watcher.WaitForMessage(domain.KindPresence, 3*time.Second, func(m domain.Message) bool {
		return m.MetaString(domain.MetaAction) == domain.ActionLeft && m.UserID == string(sid)
	})
	require.NoError(t, err)

	waitDone(t, idle)
	require.NotNil(t, idle.CloseError())
	assert.Equal(t, app.CloseNormal, idle.CloseError().Code)
	assert.Equal(t, app.ReasonTimeout, idle.CloseError().Text)

	pings := 0
	for _, m := range ofKind(idle.Messages(), domain.KindConnectionTest) {
		if m.UserID == domain.SystemUserID && m.MetaString(domain.MetaType) == domain.PingType {
			pings++
		}
	}
	assert.Positive(t, pings, "probed before eviction")

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, presence(watcher, domain.ActionLeft, sid), 1)
	assert.True(t, watcher.IsConnected(), "auto pong keeps the watcher alive")
}

func TestClient_WaitForMessage(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	a := join(t, o, "a", 1)

	_, err := a.WaitForMessage(domain.KindChat, 30*time.Millisecond, nil)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.True(t, a.IsConnected(), "a timed out wait leaves the connection alone")

	// History is scanned before waiting.
	pong, err := a.WaitForMessage(domain.KindConnectionTest, 10*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PongType, pong.MetaString(domain.MetaType))

	errCh := make(chan error, 1)
	go func() {
		_, err := a.WaitForMessage(domain.KindFeedbackUpdate, 5*time.Second, nil)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.True(t, o.Server.ForceDisconnect(a.SessionID()))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(waitTimeout):
		t.Fatal("pending wait was not released")
	}
	require.NotNil(t, a.CloseError())
	assert.Equal(t, app.ReasonForced, a.CloseError().Text)

	_, err = a.WaitForMessage(domain.KindFeedbackUpdate, 10*time.Millisecond, nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClient_SendAndDisconnectStates(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	c := o.CreateClient("late", 1)

	assert.ErrorIs(t, c.Send(domain.Message{Message: "early"}), ErrNotConnected)
	_, err := c.WaitForMessage(domain.KindChat, 10*time.Millisecond, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	require.NoError(t, c.Disconnect(context.Background()))

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())

	require.NoError(t, c.Disconnect(context.Background()))
	require.NoError(t, c.Disconnect(context.Background()))
	assert.False(t, c.IsConnected())
	assert.True(t, errors.Is(c.Send(domain.Message{}), ErrNotConnected))
}

func TestClient_OnMessage(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	a := join(t, o, "a", 1)

	seen := make(chan domain.Message, 4)
	a.OnMessage(func(m domain.Message) { seen <- m })
	join(t, o, "b", 1)

	select {
	case m := <-seen:
		assert.Equal(t, domain.KindPresence, m.Type)
		assert.Equal(t, domain.ActionJoined, m.MetaString(domain.MetaAction))
	case <-time.After(waitTimeout):
		t.Fatal("handler not called")
	}
}

func waitDone(t *testing.T, c *TestClient) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("connection did not close")
	}
}
