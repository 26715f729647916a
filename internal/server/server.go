package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	router "github.com/dkeye/collab-harness/internal/adapters/http"
	"github.com/dkeye/collab-harness/internal/adapters/signal"
	"github.com/dkeye/collab-harness/internal/app"
	"github.com/dkeye/collab-harness/internal/config"
	"github.com/dkeye/collab-harness/internal/core"
	"github.com/dkeye/collab-harness/internal/domain"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

const (
	rejectInvalidRoom = "invalid_room"
	rejectSimulated   = "simulated_failure"
	rejectStopping    = "stopping"
)

// Server is one broadcast server instance. Every piece of state, including
// the fault profile and metrics, belongs to the instance, so several servers
// can run in one process.
type Server struct {
	cfg        *config.Config
	store      *core.Store
	faults     *app.FaultInjector
	metrics    *app.Metrics
	limiter    *app.SessionRateLimiter
	dispatcher *app.Dispatcher
	heartbeat  *app.HeartbeatMonitor
	ctl        *signal.SignalWSController

	// mu serializes Start and Stop.
	mu       sync.Mutex
	state    atomic.Value
	listener net.Listener
	httpSrv  *http.Server
	served   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	hookMu sync.RWMutex
	hook   app.EventHook
}

// New builds a stopped server. A nil cfg means config.Default().
func New(cfg *config.Config) *Server {
	if cfg == nil {
		cfg = config.Default()
	}

	s := &Server{
		cfg:     cfg,
		store:   core.NewStore(),
		faults:  app.NewFaultInjector(cfg.Faults, cfg.Seed),
		metrics: app.NewMetrics(),
		limiter: app.NewSessionRateLimiter(cfg.RateLimit, cfg.RateBurst),
	}
	s.state.Store(StateStopped)

	var policy app.Policy = app.DropPolicy{}
	if cfg.Backpressure == "kick" {
		policy = app.KickPolicy{}
	}
	s.dispatcher = &app.Dispatcher{
		Store:           s.store,
		Faults:          s.faults,
		Limiter:         s.limiter,
		Metrics:         s.metrics,
		Policy:          policy,
		ProcessingDelay: cfg.ProcessingDelay,
		OnEvent:         s.emit,
	}
	s.heartbeat = app.NewHeartbeatMonitor(cfg.Heartbeat, s.dispatcher, s.metrics)
	s.ctl = signal.NewSignalWSController(s, cfg.ReadLimit, cfg.SendQueue)
	return s
}

// Start binds the listener and serves until Stop. Calling Start on a
// running server is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateRunning {
		return nil
	}
	s.state.Store(StateStarting)

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		s.state.Store(StateStopped)
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.listener = ln
	s.httpSrv = &http.Server{Handler: router.SetupRouter(s.ctx, s.cfg, s.ctl, s)}
	s.served = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("module", "server").Msg("serve")
		}
	}(s.httpSrv, s.served)

	s.state.Store(StateRunning)
	log.Info().Str("module", "server").Str("addr", ln.Addr().String()).Msg("broadcast server started")
	return nil
}

// Stop closes every live connection with 1001, clears all sessions and
// shuts the HTTP server down. Calling Stop on a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateRunning {
		return nil
	}
	s.state.Store(StateStopping)
	s.cancel()

	sessions := s.store.Clear()
	for _, sess := range sessions {
		s.limiter.Forget(sess.ID)
		sess.Conn.Close(app.CloseGoingAway, app.ReasonShutdown)
	}
	s.metrics.SessionsActive.Set(0)

	err := s.httpSrv.Shutdown(ctx)
	if err != nil {
		_ = s.httpSrv.Close()
	}
	<-s.served

	s.listener = nil
	s.state.Store(StateStopped)
	log.Info().Str("module", "server").Int("closed", len(sessions)).Msg("broadcast server stopped")
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) State() State { return s.state.Load().(State) }

// Addr is the bound listen address, empty unless running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// URL is the websocket base URL clients dial, e.g. ws://127.0.0.1:41234.
// An unspecified listen host is reported as loopback.
func (s *Server) URL() string {
	addr := s.Addr()
	if addr == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "ws://" + addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port)
}

// RoomURL is the accept path for room.
func (s *Server) RoomURL(room domain.RoomID) string {
	return fmt.Sprintf("%s/ws/chat/%d/", s.URL(), room)
}

// OnEvent installs the observer hook, replacing any previous one.
func (s *Server) OnEvent(fn func(app.Event)) {
	s.hookMu.Lock()
	s.hook = fn
	s.hookMu.Unlock()
}

func (s *Server) emit(e app.Event) {
	s.hookMu.RLock()
	hook := s.hook
	s.hookMu.RUnlock()
	if hook != nil {
		hook(e)
	}
}

func (s *Server) Faults() *app.FaultInjector { return s.faults }

func (s *Server) Metrics() *app.Metrics { return s.metrics }

func (s *Server) Dispatcher() *app.Dispatcher { return s.dispatcher }

// SetNetworkConditions replaces the fault profile. It affects operations
// that start after the call.
func (s *Server) SetNetworkConditions(p app.FaultProfile) {
	s.faults.Set(p)
}

func (s *Server) ActiveSessions() int { return s.store.Count() }

func (s *Server) RoomSessions(room domain.RoomID) []domain.Member {
	members := s.store.Members(room)
	out := make([]domain.Member, 0, len(members))
	for _, m := range members {
		out = append(out, m.Member())
	}
	return out
}

func (s *Server) Stats() domain.Stats {
	return domain.Stats{
		ActiveConnections: s.store.Count(),
		RoomSessions:      s.store.RoomCounts(),
	}
}

// ForceDisconnect closes a session with 1011. The usual teardown follows
// when its read loop ends. Reports whether the session existed.
func (s *Server) ForceDisconnect(sid domain.SessionID) bool {
	sess, ok := s.store.Get(sid)
	if !ok {
		return false
	}
	log.Info().Str("module", "server").Str("sid", string(sid)).Msg("forced disconnect")
	sess.Conn.Close(app.CloseInternalError, app.ReasonForced)
	return true
}

// SendTestMessage delivers msg to one session as is. Only a missing
// timestamp is filled in.
func (s *Server) SendTestMessage(sid domain.SessionID, msg domain.Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = domain.NowMillis()
	}
	return s.dispatcher.SendTo(sid, msg)
}
