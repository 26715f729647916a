package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/collab-harness/internal/core"
	"github.com/dkeye/collab-harness/internal/domain"
	"github.com/stretchr/testify/require"
)

type closeCall struct {
	code   int
	reason string
}

type recordingConn struct {
	mu     sync.Mutex
	frames []core.Frame
	closes []closeCall
	reject bool
}

func (c *recordingConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reject {
		return core.ErrConnectionClosed
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *recordingConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, closeCall{code: code, reason: reason})
}

func (c *recordingConn) messages(t *testing.T) []domain.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, 0, len(c.frames))
	for _, f := range c.frames {
		var env domain.Envelope
		require.NoError(t, json.Unmarshal(f, &env))
		out = append(out, env.Result)
	}
	return out
}

func (c *recordingConn) ofKind(t *testing.T, kind domain.Kind) []domain.Message {
	t.Helper()
	var out []domain.Message
	for _, m := range c.messages(t) {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

func (c *recordingConn) closeCalls() []closeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]closeCall(nil), c.closes...)
}

type dispatchFixture struct {
	store      *core.Store
	faults     *FaultInjector
	metrics    *Metrics
	dispatcher *Dispatcher
}

func newDispatchFixture() *dispatchFixture {
	store := core.NewStore()
	faults := NewFaultInjector(FaultProfile{}, 42)
	metrics := NewMetrics()
	return &dispatchFixture{
		store:   store,
		faults:  faults,
		metrics: metrics,
		dispatcher: &Dispatcher{
			Store:           store,
			Faults:          faults,
			Metrics:         metrics,
			ProcessingDelay: 50 * time.Millisecond,
		},
	}
}

func (f *dispatchFixture) join(room domain.RoomID) (*core.Session, *recordingConn) {
	conn := &recordingConn{}
	return f.store.Create(context.Background(), conn, room), conn
}

func (f *dispatchFixture) send(t *testing.T, s *core.Session, msg map[string]any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	f.dispatcher.Dispatch(context.Background(), s.ID, data)
}
