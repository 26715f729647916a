package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/collab-harness/internal/app"
	"github.com/dkeye/collab-harness/internal/config"
	"github.com/dkeye/collab-harness/internal/domain"
	"github.com/dkeye/collab-harness/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

const replaceTimeout = 5 * time.Second

// StabilityReport is the result of TestConnectionStability.
type StabilityReport struct {
	Successful    bool
	Reconnects    int
	TotalMessages int
	Errors        []string
}

// Orchestrator runs an in-process broadcast server and the test clients
// that talk to it.
type Orchestrator struct {
	Server *server.Server

	// StabilitySendInterval and StabilityCheckInterval pace the stability
	// probe. Zero means 1s and 500ms.
	StabilitySendInterval  time.Duration
	StabilityCheckInterval time.Duration

	mu      sync.Mutex
	clients map[string]*TestClient
}

// NewOrchestrator builds an orchestrator around a fresh server. A nil cfg
// means defaults on a loopback ephemeral port.
func NewOrchestrator(cfg *config.Config) *Orchestrator {
	if cfg == nil {
		cfg = config.Default()
		cfg.Host = "127.0.0.1"
		cfg.Port = 0
	}
	return &Orchestrator{
		Server:  server.New(cfg),
		clients: make(map[string]*TestClient),
	}
}

func (o *Orchestrator) Setup(ctx context.Context) error {
	if err := o.Server.Start(ctx); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	log.Info().Str("module", "harness").Str("url", o.Server.URL()).Msg("test environment ready")
	return nil
}

// Teardown disconnects every client, forgets them and stops the server.
func (o *Orchestrator) Teardown(ctx context.Context) error {
	o.mu.Lock()
	clients := o.clients
	o.clients = make(map[string]*TestClient)
	o.mu.Unlock()

	p := pool.New()
	for id, c := range clients {
		p.Go(func() {
			if err := c.Disconnect(ctx); err != nil {
				log.Warn().Err(err).Str("module", "harness").Str("user", id).Msg("disconnect client")
			}
		})
	}
	p.Wait()

	if err := o.Server.Stop(ctx); err != nil {
		return fmt.Errorf("teardown: %w", err)
	}
	log.Info().Str("module", "harness").Int("clients", len(clients)).Msg("test environment cleaned up")
	return nil
}

// CreateClient registers a client for userID in room. It does not connect.
// An earlier client with the same id is disconnected and replaced.
func (o *Orchestrator) CreateClient(userID string, room domain.RoomID) *TestClient {
	c := NewTestClient(o.Server.URL(), userID, room)
	o.mu.Lock()
	old := o.clients[userID]
	o.clients[userID] = c
	o.mu.Unlock()

	if old != nil {
		ctx, cancel := context.WithTimeout(context.Background(), replaceTimeout)
		defer cancel()
		if err := old.Disconnect(ctx); err != nil {
			log.Warn().Err(err).Str("module", "harness").Str("user", userID).Msg("disconnect replaced client")
		}
	}
	return c
}

func (o *Orchestrator) Client(userID string) (*TestClient, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.clients[userID]
	return c, ok
}

// ExecuteScenario runs every user's timeline concurrently, then checks the
// outcomes in order. The first failing outcome is returned as an
// *AssertionError. Clients stay registered afterwards for inspection.
func (o *Orchestrator) ExecuteScenario(ctx context.Context, sc Scenario) error {
	log.Info().Str("module", "harness").Str("scenario", sc.Name).Int("users", len(sc.Users)).Msg("executing scenario")

	p := pool.New().WithContext(ctx).WithCancelOnError()
	for _, u := range sc.Users {
		room := u.Room
		if room == 0 {
			room = defaultRoom
		}
		c := o.CreateClient(u.ID, room)
		p.Go(func(ctx context.Context) error {
			return o.runUser(ctx, u, c)
		})
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("scenario %q: %w", sc.Name, err)
	}

	for _, out := range sc.Outcomes {
		c, ok := o.Client(out.User)
		if !ok || !declares(sc, out.User) {
			err := &AssertionError{User: out.User, UnknownUser: true}
			log.Warn().Str("module", "harness").Str("scenario", sc.Name).Err(err).Msg("scenario failed")
			return err
		}
		if err := out.check(c.Messages()); err != nil {
			log.Warn().Str("module", "harness").Str("scenario", sc.Name).Err(err).Msg("scenario failed")
			return err
		}
	}
	log.Info().Str("module", "harness").Str("scenario", sc.Name).Msg("scenario completed")
	return nil
}

func declares(sc Scenario, userID string) bool {
	for _, u := range sc.Users {
		if u.ID == userID {
			return true
		}
	}
	return false
}

func (o *Orchestrator) runUser(ctx context.Context, u User, c *TestClient) error {
	for i, a := range u.Actions {
		if a.Type != ActionWait && a.Delay > 0 {
			if err := sleep(ctx, a.Delay); err != nil {
				return err
			}
		}

		var err error
		switch a.Type {
		case ActionConnect:
			err = c.Connect(ctx)
		case ActionSendMessage:
			text := a.Message
			if text == "" && (a.Kind == "" || a.Kind == domain.KindChat) {
				text = "Message from " + displayName(u)
			}
			err = c.Send(domain.Message{Type: a.Kind, FeedbackID: a.Room, Message: text, Metadata: a.Metadata})
		case ActionDisconnect:
			err = c.Disconnect(ctx)
		case ActionWait:
			wait := a.Delay
			if wait <= 0 {
				wait = defaultWait
			}
			err = sleep(ctx, wait)
		default:
			err = fmt.Errorf("unknown action %q", a.Type)
		}
		if err != nil {
			return fmt.Errorf("user %s action %d (%s): %w", u.ID, i, a.Type, err)
		}
	}
	return nil
}

func displayName(u User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TestConnectionStability keeps one client connected to room for duration,
// sending a connection test message every send interval and reconnecting
// whenever the connection is found closed.
func (o *Orchestrator) TestConnectionStability(ctx context.Context, userID string, room domain.RoomID, duration time.Duration) StabilityReport {
	var rep StabilityReport
	c := o.CreateClient(userID, room)
	c.AutoPong = true

	if err := c.Connect(ctx); err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("connection stability test error: %v", err))
		return rep
	}
	defer func() { _ = c.Disconnect(context.WithoutCancel(ctx)) }()

	sendEvery := o.StabilitySendInterval
	if sendEvery <= 0 {
		sendEvery = time.Second
	}
	checkEvery := o.StabilityCheckInterval
	if checkEvery <= 0 {
		checkEvery = 500 * time.Millisecond
	}
	send := time.NewTicker(sendEvery)
	defer send.Stop()
	check := time.NewTicker(checkEvery)
	defer check.Stop()
	deadline := time.NewTimer(duration)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			rep.Errors = append(rep.Errors, fmt.Sprintf("connection stability test error: %v", ctx.Err()))
			return rep
		case <-deadline.C:
			rep.Successful = len(rep.Errors) == 0
			return rep
		case <-send.C:
			if !c.IsConnected() {
				continue
			}
			err := c.Send(domain.Message{
				Type:    domain.KindConnectionTest,
				Message: fmt.Sprintf("Stability test message %d", rep.TotalMessages+1),
			})
			if err != nil {
				rep.Errors = append(rep.Errors, fmt.Sprintf("message send error: %v", err))
				continue
			}
			rep.TotalMessages++
		case <-check.C:
			if c.IsConnected() {
				continue
			}
			rep.Reconnects++
			if err := c.Connect(ctx); err != nil {
				rep.Errors = append(rep.Errors, fmt.Sprintf("reconnection error: %v", err))
			}
		}
	}
}

func (o *Orchestrator) Stats() domain.Stats { return o.Server.Stats() }

// SimulateNetworkConditions sets the server's fault profile.
func (o *Orchestrator) SimulateNetworkConditions(latency time.Duration, packetLoss, connectionFailure float64) {
	o.Server.SetNetworkConditions(app.FaultProfile{
		LatencyMs:             int(latency / time.Millisecond),
		PacketLossRate:        packetLoss,
		ConnectionFailureRate: connectionFailure,
	})
}

// IsAssertionError reports whether err is a failed scenario expectation.
func IsAssertionError(err error) bool {
	var ae *AssertionError
	return errors.As(err, &ae)
}
