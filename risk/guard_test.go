package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gridbot/exchange"
)

func testGuard() *Guard {
	return New(Config{
		MaxExposurePct:      0.40,
		KillSwitchThreshold: 0.10,
		MaxOrderPct:         0.20,
	})
}

func TestKillSwitchTripsAndLatches(t *testing.T) {
	g := testGuard()
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	dd, tripped := g.ObserveEquity(1000, now)
	require.Zero(t, dd)
	require.False(t, tripped)
	require.False(t, g.Latched())

	// 1000 -> 895 is a 10.5% drawdown against the 10% threshold
	dd, tripped = g.ObserveEquity(895, now.Add(time.Hour))
	require.InDelta(t, 0.105, dd, 1e-9)
	require.True(t, tripped)
	require.True(t, g.Latched())

	// trips exactly once
	_, tripped = g.ObserveEquity(890, now.Add(2*time.Hour))
	require.False(t, tripped)
	require.True(t, g.Latched())

	// equity recovering does not release the latch
	_, tripped = g.ObserveEquity(1000, now.Add(3*time.Hour))
	require.False(t, tripped)
	require.True(t, g.Latched())
}

func TestKillSwitchSurvivesDayChange(t *testing.T) {
	g := testGuard()
	now := time.Date(2026, 8, 28, 23, 0, 0, 0, time.UTC)

	g.ObserveEquity(1000, now)
	_, tripped := g.ObserveEquity(880, now.Add(30*time.Minute))
	require.True(t, tripped)

	// next calendar day re-anchors the max but keeps the latch
	_, tripped = g.ObserveEquity(880, now.Add(2*time.Hour))
	require.False(t, tripped)
	require.True(t, g.Latched())
	require.Equal(t, 880.0, g.Snapshot().DailyMaxEquity)
}

func TestClearKillSwitchReAnchors(t *testing.T) {
	g := testGuard()
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	g.ObserveEquity(1000, now)
	g.ObserveEquity(895, now.Add(time.Hour))
	require.True(t, g.Latched())

	g.ClearKillSwitch(now.Add(2 * time.Hour))
	require.False(t, g.Latched())

	// re-anchored at 895: the old drawdown must not re-trip immediately
	dd, tripped := g.ObserveEquity(850, now.Add(3*time.Hour))
	require.False(t, tripped)
	require.InDelta(t, (895.0-850)/895, dd, 1e-9)
}

func TestDailyMaxIsMonotonicWithinDay(t *testing.T) {
	g := testGuard()
	now := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)

	g.ObserveEquity(1000, now)
	g.ObserveEquity(990, now.Add(time.Hour))
	require.Equal(t, 1000.0, g.Snapshot().DailyMaxEquity)

	g.ObserveEquity(1010, now.Add(2*time.Hour))
	require.Equal(t, 1010.0, g.Snapshot().DailyMaxEquity)

	// new day resets the anchor to current equity
	g.ObserveEquity(950, now.Add(24*time.Hour))
	require.Equal(t, 950.0, g.Snapshot().DailyMaxEquity)
}

func TestExposureGateDoesNotLatch(t *testing.T) {
	g := testGuard()
	positions := []exchange.Position{
		{Symbol: "ETHUSDT", Side: "LONG", Size: 2, MarkPrice: 100},
	}

	exposure, ok := g.CheckExposure(positions, 1000)
	require.InDelta(t, 0.2, exposure, 1e-9)
	require.True(t, ok)

	// equity shrinks, gate closes
	exposure, ok = g.CheckExposure(positions, 400)
	require.InDelta(t, 0.5, exposure, 1e-9)
	require.False(t, ok)

	// gate reopens as soon as the ratio recovers, no reset needed
	_, ok = g.CheckExposure(positions, 1000)
	require.True(t, ok)
}

func TestFundingImpactEstimate(t *testing.T) {
	g := testGuard()
	positions := []exchange.Position{
		{Symbol: "ETHUSDT", Side: "LONG", Size: 5, MarkPrice: 100},
	}

	// 500 notional * 0.01% * 3 settlements a day
	impact := g.ObserveFunding(positions, 0.0001)
	require.InDelta(t, 0.15, impact, 1e-9)
	require.InDelta(t, 0.15, g.Snapshot().FundingImpact, 1e-9)

	// negative funding means the position collects
	impact = g.ObserveFunding(positions, -0.0001)
	require.InDelta(t, -0.15, impact, 1e-9)

	require.Zero(t, g.ObserveFunding(nil, 0.0001))
}

func TestValidateOrderSize(t *testing.T) {
	g := testGuard()
	now := time.Now()
	g.ObserveEquity(1000, now)

	require.NoError(t, g.ValidateOrderSize(150, 1000))
	err := g.ValidateOrderSize(250, 1000)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrOrderTooLarge))

	// a latched guard rejects everything
	g.ObserveEquity(800, now.Add(time.Hour))
	err = g.ValidateOrderSize(10, 800)
	require.True(t, errors.Is(err, ErrKillSwitchLatched))
}

func TestValidateMaker(t *testing.T) {
	g := testGuard()
	top := exchange.BookTop{Bid: 99.99, Ask: 100.01}

	tests := []struct {
		name    string
		side    exchange.Side
		price   float64
		wantErr bool
	}{
		{"buy below ask rests", exchange.SideBuy, 99.95, false},
		{"buy at ask would take", exchange.SideBuy, 100.01, true},
		{"buy above ask would take", exchange.SideBuy, 100.50, true},
		{"sell above bid rests", exchange.SideSell, 100.05, false},
		{"sell at bid would take", exchange.SideSell, 99.99, true},
		{"sell below bid would take", exchange.SideSell, 99.50, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.ValidateMaker(tt.side, tt.price, top)
			if tt.wantErr {
				require.True(t, errors.Is(err, ErrWouldTake))
			} else {
				require.NoError(t, err)
			}
		})
	}
}
