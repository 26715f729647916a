package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaultProfile_Clamped(t *testing.T) {
	p := FaultProfile{LatencyMs: -10, PacketLossRate: 1.5, ConnectionFailureRate: -0.2}.Clamped()

	assert.Equal(t, FaultProfile{LatencyMs: 0, PacketLossRate: 1, ConnectionFailureRate: 0}, p)
}

func TestFaultInjector_BoundaryRatesAreDeterministic(t *testing.T) {
	f := NewFaultInjector(FaultProfile{}, 0)

	for i := 0; i < 500; i++ {
		require.False(t, f.ShouldRejectConnection())
		require.False(t, f.ShouldDropMessage())
	}

	f.Set(FaultProfile{PacketLossRate: 1, ConnectionFailureRate: 1})
	for i := 0; i < 500; i++ {
		require.True(t, f.ShouldRejectConnection())
		require.True(t, f.ShouldDropMessage())
	}
}

func TestFaultInjector_EmpiricalRate(t *testing.T) {
	const trials = 2000
	f := NewFaultInjector(FaultProfile{ConnectionFailureRate: 0.3, PacketLossRate: 0.7}, 7)

	var rejected, dropped int
	for i := 0; i < trials; i++ {
		if f.ShouldRejectConnection() {
			rejected++
		}
		if f.ShouldDropMessage() {
			dropped++
		}
	}

	assert.InDelta(t, 0.3, float64(rejected)/trials, 0.05)
	assert.InDelta(t, 0.7, float64(dropped)/trials, 0.05)
}

func TestFaultInjector_SeedReproducible(t *testing.T) {
	a := NewFaultInjector(FaultProfile{PacketLossRate: 0.5}, 99)
	b := NewFaultInjector(FaultProfile{PacketLossRate: 0.5}, 99)

	for i := 0; i < 100; i++ {
		require.Equal(t, a.ShouldDropMessage(), b.ShouldDropMessage())
	}
}

func TestFaultInjector_Delay(t *testing.T) {
	f := NewFaultInjector(FaultProfile{LatencyMs: 30}, 1)

	start := time.Now()
	require.NoError(t, f.Delay(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.Set(FaultProfile{LatencyMs: 10_000})
	start = time.Now()
	assert.ErrorIs(t, f.Delay(ctx), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	f.Reset()
	assert.Equal(t, FaultProfile{}, f.Profile())
	assert.NoError(t, f.Delay(context.Background()))
}
