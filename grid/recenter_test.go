package grid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		DeviationFraction:   0.02,
		Staleness:           24 * time.Hour,
		DominanceWindow:     10 * time.Hour,
		DominanceFraction:   0.80,
		DominanceMinSamples: 60,
		ShockWindow:         time.Hour,
		ShockFraction:       0.05,
	}
}

// narrowLadder spans 98.50 .. 101.50 around 100.
func narrowLadder(createdAt time.Time) *Ladder {
	return &Ladder{
		Center:    100,
		CreatedAt: createdAt,
		Buys:      []Level{{Index: 1, Side: LevelBuy, Price: 99.75}, {Index: 6, Side: LevelBuy, Price: 98.50}},
		Sells:     []Level{{Index: 1, Side: LevelSell, Price: 100.25}, {Index: 6, Side: LevelSell, Price: 101.50}},
	}
}

// wideLadder spans 80 .. 120 so only time/history conditions can fire.
func wideLadder(createdAt time.Time) *Ladder {
	return &Ladder{
		Center:    100,
		CreatedAt: createdAt,
		Buys:      []Level{{Index: 1, Side: LevelBuy, Price: 80}},
		Sells:     []Level{{Index: 1, Side: LevelSell, Price: 120}},
	}
}

func TestDeviationBeyondBounds(t *testing.T) {
	now := time.Now()
	e := NewEvaluator(testEvaluatorConfig())

	tests := []struct {
		name  string
		price float64
		want  bool
	}{
		{"inside bounds", 100.5, false},
		{"at upper margin", 101.50 * 1.02, false}, // boundary is exclusive
		{"above upper margin", 103.6, true},
		{"below lower margin", 96.4, true},
		{"just above lower margin", 96.6, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, should := e.Evaluate(narrowLadder(now), tt.price, now)
			require.Equal(t, tt.want, should)
			if tt.want {
				require.Equal(t, ReasonDeviation, reason)
			}
		})
	}
}

func TestEmptyLadderCountsAsDeviated(t *testing.T) {
	now := time.Now()
	e := NewEvaluator(testEvaluatorConfig())

	reason, should := e.Evaluate(&Ladder{Center: 100, CreatedAt: now}, 100, now)
	require.True(t, should)
	require.Equal(t, ReasonDeviation, reason)
}

func TestStaleLadder(t *testing.T) {
	now := time.Now()
	e := NewEvaluator(testEvaluatorConfig())

	reason, should := e.Evaluate(narrowLadder(now.Add(-25*time.Hour)), 100, now)
	require.True(t, should)
	require.Equal(t, ReasonStale, reason)

	_, should = e.Evaluate(narrowLadder(now.Add(-23*time.Hour)), 100, now)
	require.False(t, should)
}

func TestOneSideDominance(t *testing.T) {
	now := time.Now()
	e := NewEvaluator(testEvaluatorConfig())

	// 59 samples above center: below the minimum, stays silent
	for i := 0; i < 59; i++ {
		e.History.Add(100.5, now.Add(-time.Duration(59-i)*time.Minute))
	}
	_, should := e.Evaluate(wideLadder(now), 100.5, now)
	require.False(t, should)

	// the 60th sample crosses the minimum and every sample is one-sided
	e.History.Add(100.5, now)
	reason, should := e.Evaluate(wideLadder(now), 100.5, now)
	require.True(t, should)
	require.Equal(t, ReasonDominance, reason)
}

func TestDominanceNeedsEightyPercent(t *testing.T) {
	now := time.Now()
	e := NewEvaluator(testEvaluatorConfig())

	// 40 above, 30 below: 57% on the heavier side
	for i := 0; i < 40; i++ {
		e.History.Add(100.5, now.Add(-time.Duration(40-i)*time.Minute))
	}
	for i := 0; i < 30; i++ {
		e.History.Add(99.5, now.Add(-time.Duration(30-i)*time.Second))
	}
	_, should := e.Evaluate(wideLadder(now), 100, now)
	require.False(t, should)
}

func TestPriceShock(t *testing.T) {
	now := time.Now()
	e := NewEvaluator(testEvaluatorConfig())

	// 6% move inside the trailing hour
	e.History.Add(100, now.Add(-30*time.Minute))
	e.History.Add(106, now)

	reason, should := e.Evaluate(wideLadder(now), 106, now)
	require.True(t, should)
	require.Equal(t, ReasonShock, reason)
}

func TestSmallMoveIsNoShock(t *testing.T) {
	now := time.Now()
	e := NewEvaluator(testEvaluatorConfig())

	e.History.Add(100, now.Add(-30*time.Minute))
	e.History.Add(103, now)

	_, should := e.Evaluate(wideLadder(now), 103, now)
	require.False(t, should)
}

func TestDeviationWinsOverShock(t *testing.T) {
	now := time.Now()
	e := NewEvaluator(testEvaluatorConfig())

	// both conditions true: price escaped the narrow ladder AND moved 6%
	e.History.Add(100, now.Add(-30*time.Minute))
	e.History.Add(106, now)

	reason, should := e.Evaluate(narrowLadder(now), 106, now)
	require.True(t, should)
	require.Equal(t, ReasonDeviation, reason)
}

func TestPriceHistoryPrunesByAge(t *testing.T) {
	h := NewPriceHistory(time.Hour)
	now := time.Now()

	h.Add(100, now.Add(-2*time.Hour))
	h.Add(101, now.Add(-30*time.Minute))
	h.Add(102, now)

	points := h.Since(now.Add(-time.Hour))
	require.Len(t, points, 2)
	require.Equal(t, 101.0, points[0].Price)
}
