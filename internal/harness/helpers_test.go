package harness

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/collab-harness/internal/config"
	"github.com/dkeye/collab-harness/internal/domain"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

func newTestOrchestrator(t *testing.T, mutate func(*config.Config)) *Orchestrator {
	t.Helper()
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.Seed = 11
	cfg.ProcessingDelay = 30 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	o := NewOrchestrator(cfg)
	require.NoError(t, o.Setup(context.Background()))
	t.Cleanup(func() { _ = o.Teardown(context.Background()) })
	return o
}

// join connects a client and pings once, so the session is registered and
// its id known before the test continues.
func join(t *testing.T, o *Orchestrator, user string, room domain.RoomID) *TestClient {
	t.Helper()
	c := o.CreateClient(user, room)
	require.NoError(t, c.Connect(context.Background()))
	_, err := c.Ping(waitTimeout)
	require.NoError(t, err)
	require.NotEmpty(t, c.SessionID())
	return c
}

func ofKind(msgs []domain.Message, kind domain.Kind) []domain.Message {
	var out []domain.Message
	for _, m := range msgs {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

func presence(c *TestClient, action string, sid domain.SessionID) []domain.Message {
	var out []domain.Message
	for _, m := range ofKind(c.Messages(), domain.KindPresence) {
		if m.MetaString(domain.MetaAction) == action && m.UserID == string(sid) {
			out = append(out, m)
		}
	}
	return out
}

func withText(text string) func(domain.Message) bool {
	return func(m domain.Message) bool { return m.Message == text }
}
