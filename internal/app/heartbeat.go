package app

import (
	"sync/atomic"
	"time"

	"github.com/dkeye/collab-harness/internal/core"
	"github.com/dkeye/collab-harness/internal/domain"
	"github.com/rs/zerolog/log"
)

type HeartbeatConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	ProbeAfter time.Duration `mapstructure:"probe_after"`
	EvictAfter time.Duration `mapstructure:"evict_after"`
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:   5 * time.Second,
		ProbeAfter: 10 * time.Second,
		EvictAfter: 30 * time.Second,
	}
}

// HeartbeatMonitor probes idle sessions and evicts silent ones. Eviction
// only closes the transport; the read loop exit performs the teardown, so
// the leave notice goes through the same path as a client close.
type HeartbeatMonitor struct {
	cfg        HeartbeatConfig
	dispatcher *Dispatcher
	metrics    *Metrics
	running    atomic.Int64
}

func NewHeartbeatMonitor(cfg HeartbeatConfig, d *Dispatcher, m *Metrics) *HeartbeatMonitor {
	def := DefaultHeartbeatConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ProbeAfter <= 0 {
		cfg.ProbeAfter = def.ProbeAfter
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = def.EvictAfter
	}
	return &HeartbeatMonitor{cfg: cfg, dispatcher: d, metrics: m}
}

// Watch starts the session's timer. It stops when the session context is
// cancelled, which the store does exactly once on removal.
func (h *HeartbeatMonitor) Watch(s *core.Session) {
	h.running.Add(1)
	go h.run(s)
}

// Running reports how many session timers are live.
func (h *HeartbeatMonitor) Running() int { return int(h.running.Load()) }

func (h *HeartbeatMonitor) run(s *core.Session) {
	defer h.running.Add(-1)
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.Context().Done():
			return
		case now := <-ticker.C:
			if h.check(s, now) {
				return
			}
		}
	}
}

// check returns true once the session has been evicted.
func (h *HeartbeatMonitor) check(s *core.Session, now time.Time) bool {
	idle := s.IdleFor(now)
	if idle > h.cfg.EvictAfter {
		log.Info().Str("module", "app.heartbeat").Str("sid", string(s.ID)).Dur("idle", idle).Msg("closing inactive connection")
		if h.metrics != nil {
			h.metrics.Evictions.Inc()
		}
		s.Conn.Close(CloseNormal, ReasonTimeout)
		return true
	}
	if idle > h.cfg.ProbeAfter {
		ping := domain.Message{
			Type:       domain.KindConnectionTest,
			FeedbackID: s.Room,
			UserID:     domain.SystemUserID,
			Timestamp:  now.UnixMilli(),
			Metadata:   map[string]any{domain.MetaType: domain.PingType},
		}
		if err := h.dispatcher.SendTo(s.ID, ping); err != nil {
			log.Debug().Err(err).Str("module", "app.heartbeat").Str("sid", string(s.ID)).Msg("probe not delivered")
		}
	}
	return false
}
