package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConfigRoundTrip(t *testing.T) {
	s := testStore(t)

	v, err := s.GetConfig("active_profile")
	require.NoError(t, err)
	require.Empty(t, v)

	require.NoError(t, s.SetConfig("active_profile", "tight"))
	require.NoError(t, s.SetConfig("active_profile", "wide")) // upsert

	v, err = s.GetConfig("active_profile")
	require.NoError(t, err)
	require.Equal(t, "wide", v)
}

func TestGridHistory(t *testing.T) {
	s := testStore(t)

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Grid().Save(&GridRecord{
			Version: uint64(i),
			Symbol:  "ETHUSDT",
			Profile: "default",
			Center:  100 + float64(i),
			Spacing: 0.0025,
			Reason:  "deviation",
		}))
	}

	records, err := s.Grid().GetLatest(2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, uint64(3), records[0].Version) // newest first
	require.Equal(t, 103.0, records[0].Center)
}

func TestOrderLifecycle(t *testing.T) {
	s := testStore(t)

	rec := &OrderRecord{
		OrderID:       "o-1",
		LinkID:        "l-1",
		Symbol:        "ETHUSDT",
		Side:          "Buy",
		Price:         99.75,
		Qty:           0.083,
		LevelIndex:    1,
		LevelSide:     "buy",
		Status:        "NEW",
		LadderVersion: 1,
	}
	require.NoError(t, s.Order().Save(rec))

	open, err := s.Order().GetOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "o-1", open[0].OrderID)

	require.NoError(t, s.Order().UpdateStatus("o-1", "FILLED"))

	open, err = s.Order().GetOpen()
	require.NoError(t, err)
	require.Empty(t, open)

	latest, err := s.Order().GetLatest(10)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.Equal(t, "FILLED", latest[0].Status)
}

func TestTradeTotals(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Trade().Save(&TradeRecord{
		OrderID: "o-1", Symbol: "ETHUSDT", Side: "Buy",
		Price: 99.75, Qty: 0.083, Fee: 0.002, RealizedProfit: 0.0828,
	}))
	require.NoError(t, s.Trade().Save(&TradeRecord{
		OrderID: "o-2", Symbol: "ETHUSDT", Side: "Sell",
		Price: 100.25, Qty: 0.083, Fee: 0.002, RealizedProfit: 0.0832,
	}))

	profit, fees, err := s.Trade().Totals()
	require.NoError(t, err)
	require.InDelta(t, 0.166, profit, 1e-9)
	require.InDelta(t, 0.004, fees, 1e-9)

	count, err := s.Trade().CountSince(time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, count)

	trades, err := s.Trade().GetLatest(1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, "o-2", trades[0].OrderID)
}

func TestPositionUpsertAndDelete(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Position().Upsert(&PositionRecord{
		Symbol: "ETHUSDT", Side: "LONG", Size: 0.5,
		EntryPrice: 99.75, MarkPrice: 100.10, UnrealizedPnL: 0.175, Leverage: 3,
	}))
	require.NoError(t, s.Position().Upsert(&PositionRecord{
		Symbol: "ETHUSDT", Side: "LONG", Size: 0.7,
		EntryPrice: 99.80, MarkPrice: 100.20, UnrealizedPnL: 0.28, Leverage: 3,
	}))

	positions, err := s.Position().GetAll()
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, 0.7, positions[0].Size)

	require.NoError(t, s.Position().Delete("ETHUSDT"))
	positions, err = s.Position().GetAll()
	require.NoError(t, err)
	require.Empty(t, positions)
}

func TestEquitySnapshotsOldToNew(t *testing.T) {
	s := testStore(t)

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Equity().Save(&EquitySnapshot{
			TotalEquity: 1000 + float64(i),
			Drawdown:    0.01,
			Exposure:    0.2,
		}))
	}

	snapshots, err := s.Equity().GetLatest(10)
	require.NoError(t, err)
	require.Len(t, snapshots, 3)
	// sorted old to new for plotting
	require.Equal(t, 1001.0, snapshots[0].TotalEquity)
	require.Equal(t, 1003.0, snapshots[2].TotalEquity)
}

func TestEvents(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Event().Save(&EventRecord{
		Severity: SeverityInfo, Type: "ladder_rebuilt", Message: "v1",
	}))
	require.NoError(t, s.Event().Save(&EventRecord{
		Severity: SeverityCritical, Type: "kill_switch_tripped", Message: "drawdown 10.5%",
	}))

	events, err := s.Event().GetLatest(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, SeverityCritical, events[0].Severity) // newest first
}
