package app

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FaultProfile describes simulated network conditions.
type FaultProfile struct {
	LatencyMs             int     `json:"latencyMs" mapstructure:"latency_ms" binding:"gte=0"`
	PacketLossRate        float64 `json:"packetLossRate" mapstructure:"packet_loss_rate" binding:"gte=0,lte=1"`
	ConnectionFailureRate float64 `json:"connectionFailureRate" mapstructure:"connection_failure_rate" binding:"gte=0,lte=1"`
}

// Clamped returns the profile with every field forced into its valid range.
func (p FaultProfile) Clamped() FaultProfile {
	return FaultProfile{
		LatencyMs:             max(0, p.LatencyMs),
		PacketLossRate:        clampRate(p.PacketLossRate),
		ConnectionFailureRate: clampRate(p.ConnectionFailureRate),
	}
}

func (p FaultProfile) Latency() time.Duration {
	return time.Duration(p.LatencyMs) * time.Millisecond
}

func clampRate(r float64) float64 {
	return min(1, max(0, r))
}

// FaultInjector holds the current profile of one server instance and draws
// against it. Profile changes apply to the next draw, never mid-flight.
type FaultInjector struct {
	mu      sync.RWMutex
	profile FaultProfile

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewFaultInjector builds an injector. A non-zero seed makes draws
// reproducible.
func NewFaultInjector(profile FaultProfile, seed uint64) *FaultInjector {
	var src rand.Source
	if seed != 0 {
		src = rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	} else {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &FaultInjector{profile: profile.Clamped(), rng: rand.New(src)}
}

func (f *FaultInjector) Profile() FaultProfile {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.profile
}

func (f *FaultInjector) Set(p FaultProfile) {
	p = p.Clamped()
	f.mu.Lock()
	f.profile = p
	f.mu.Unlock()
	log.Info().Str("module", "app.faults").
		Int("latency_ms", p.LatencyMs).
		Float64("packet_loss", p.PacketLossRate).
		Float64("connection_failure", p.ConnectionFailureRate).
		Msg("network conditions")
}

func (f *FaultInjector) Reset() { f.Set(FaultProfile{}) }

// ShouldRejectConnection is drawn once per incoming connection.
func (f *FaultInjector) ShouldRejectConnection() bool {
	return f.draw(f.Profile().ConnectionFailureRate)
}

// ShouldDropMessage is drawn once per parsed inbound message.
func (f *FaultInjector) ShouldDropMessage() bool {
	return f.draw(f.Profile().PacketLossRate)
}

// Delay waits for the configured latency or until ctx is done.
func (f *FaultInjector) Delay(ctx context.Context) error {
	d := f.Profile().Latency()
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (f *FaultInjector) draw(rate float64) bool {
	switch {
	case rate <= 0:
		return false
	case rate >= 1:
		return true
	}
	f.rngMu.Lock()
	defer f.rngMu.Unlock()
	return f.rng.Float64() < rate
}
