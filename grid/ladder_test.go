package grid

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConstraints() Constraints {
	return Constraints{
		TickSize:    0.01,
		QtyStep:     0.001,
		MinQty:      0.001,
		MinNotional: 5,
	}
}

func TestCalculateSymmetricLadder(t *testing.T) {
	p := Profile{Name: "default", SpacingFraction: 0.0025, LevelCount: 6, ProfitTargetFraction: 0.01}
	now := time.Now()

	ladder, warnings, err := Calculate(p, 100, 0.0025, 100, testConstraints(), now)
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Len(t, ladder.Buys, 6)
	require.Len(t, ladder.Sells, 6)

	// buy i at center*(1-spacing*i), sell i at center*(1+spacing*i)
	require.InDelta(t, 99.75, ladder.Buys[0].Price, 1e-9)
	require.InDelta(t, 98.50, ladder.Buys[5].Price, 1e-9)
	require.InDelta(t, 100.25, ladder.Sells[0].Price, 1e-9)
	require.InDelta(t, 101.50, ladder.Sells[5].Price, 1e-9)

	// capital splits evenly: 100 / 12 levels ≈ 8.33 notional per level
	for _, lvl := range ladder.Levels() {
		require.InDelta(t, 100.0/12, lvl.Notional, 0.5, "level %s/%d", lvl.Side, lvl.Index)
		require.Equal(t, LevelPending, lvl.State)
	}
}

func TestCalculateEveryBuyBelowEverySell(t *testing.T) {
	p := Profile{Name: "default", SpacingFraction: 0.004, LevelCount: 5, ProfitTargetFraction: 0.01}

	ladder, _, err := Calculate(p, 2417.37, 0.004, 500, testConstraints(), time.Now())
	require.NoError(t, err)

	for _, buy := range ladder.Buys {
		require.Less(t, buy.Price, ladder.Center)
		for _, sell := range ladder.Sells {
			require.Less(t, buy.Price, sell.Price)
		}
	}
	for _, sell := range ladder.Sells {
		require.Greater(t, sell.Price, ladder.Center)
	}
}

func TestCalculateIsPure(t *testing.T) {
	p := Profile{Name: "default", SpacingFraction: 0.0025, LevelCount: 6, ProfitTargetFraction: 0.01}
	now := time.Now()

	first, _, err := Calculate(p, 100, 0.0025, 100, testConstraints(), now)
	require.NoError(t, err)
	second, _, err := Calculate(p, 100, 0.0025, 100, testConstraints(), now)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestCalculateDropsLevelsBelowMinimums(t *testing.T) {
	// wide spacing pushes the sell far enough that its aligned qty
	// falls under minQty while the buy still clears it
	p := Profile{Name: "wide", SpacingFraction: 0.2, LevelCount: 1, ProfitTargetFraction: 0.01}
	c := Constraints{TickSize: 0.01, QtyStep: 0.01, MinQty: 0.05}

	ladder, warnings, err := Calculate(p, 100, 0.2, 10.4, c, time.Now())
	require.NoError(t, err)
	require.Len(t, ladder.Buys, 1)
	require.Empty(t, ladder.Sells)
	require.NotEmpty(t, warnings)
}

func TestCalculateAutoReducesLevelCount(t *testing.T) {
	// 30 USDT at minNotional 5 (plus headroom) funds 5 levels, not 12
	p := Profile{Name: "default", SpacingFraction: 0.0025, LevelCount: 6, ProfitTargetFraction: 0.01}

	ladder, warnings, err := Calculate(p, 100, 0.0025, 30, testConstraints(), time.Now())
	require.NoError(t, err)
	require.Len(t, ladder.Buys, 2)
	require.Len(t, ladder.Sells, 2)
	require.NotEmpty(t, warnings)
}

func TestCalculateErrors(t *testing.T) {
	p := Profile{Name: "default", SpacingFraction: 0.0025, LevelCount: 6, ProfitTargetFraction: 0.01}
	c := testConstraints()

	tests := []struct {
		name    string
		center  float64
		capital float64
		wantErr error
	}{
		{"zero center", 0, 100, ErrInvalidReferencePrice},
		{"negative center", -10, 100, ErrInvalidReferencePrice},
		{"zero capital", 100, 0, ErrInvalidCapital},
		{"capital below one pair", 100, 5, ErrInvalidCapital},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Calculate(p, tt.center, 0.0025, tt.capital, c, time.Now())
			require.Error(t, err)
			require.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestLadderBounds(t *testing.T) {
	p := Profile{Name: "default", SpacingFraction: 0.0025, LevelCount: 6, ProfitTargetFraction: 0.01}

	ladder, _, err := Calculate(p, 100, 0.0025, 100, testConstraints(), time.Now())
	require.NoError(t, err)
	require.InDelta(t, 98.50, ladder.LowestBuy(), 1e-9)
	require.InDelta(t, 101.50, ladder.HighestSell(), 1e-9)

	empty := &Ladder{Center: 100}
	require.Zero(t, empty.LowestBuy())
	require.Zero(t, empty.HighestSell())
}
