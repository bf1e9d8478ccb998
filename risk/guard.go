package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gridbot/exchange"
	"gridbot/logger"
)

var (
	// ErrKillSwitchLatched blocks order flow while the kill-switch holds.
	ErrKillSwitchLatched = errors.New("kill-switch latched")
	// ErrOrderTooLarge means one order exceeds the per-order notional cap.
	ErrOrderTooLarge = errors.New("order notional exceeds per-order cap")
	// ErrWouldTake means a maker-only order would cross the book.
	ErrWouldTake = errors.New("order would cross the spread")
)

// Config holds the guard limits.
type Config struct {
	MaxExposurePct      float64 // gross exposure / equity gate
	KillSwitchThreshold float64 // daily drawdown that latches
	MaxOrderPct         float64 // single order notional / equity cap
}

// Metrics is a read-only snapshot for the dashboard.
type Metrics struct {
	Equity              float64   `json:"equity"`
	DailyMaxEquity      float64   `json:"daily_max_equity"`
	Drawdown            float64   `json:"drawdown"`
	Exposure            float64   `json:"exposure"`
	FundingImpact       float64   `json:"funding_impact"` // estimated USDT/day at current funding
	KillSwitchLatched   bool      `json:"kill_switch_latched"`
	LatchedAt           time.Time `json:"latched_at,omitempty"`
	MaxExposurePct      float64   `json:"max_exposure_pct"`
	KillSwitchThreshold float64   `json:"kill_switch_threshold"`
	MaxOrderPct         float64   `json:"max_order_pct"`
}

// Guard enforces the risk limits: a latched kill-switch on daily drawdown,
// a non-latching gross exposure gate, a per-order size cap, and the
// maker-only book check. The engine goroutine drives it; the mutex exists
// for dashboard reads.
type Guard struct {
	mu  sync.RWMutex
	cfg Config

	dailyMaxEquity float64
	anchorYear     int
	anchorDay      int // day of year the anchor belongs to

	lastEquity   float64
	lastDrawdown float64
	lastExposure float64
	lastFunding  float64

	latched   bool
	latchedAt time.Time
}

// New creates a guard. The daily anchor starts on the first equity
// observation.
func New(cfg Config) *Guard {
	return &Guard{cfg: cfg}
}

// ObserveEquity folds one equity reading into the daily anchor and returns
// the current drawdown plus whether this reading tripped the kill-switch.
// The anchor resets to the current equity when the calendar day changes;
// within a day it only ratchets upward. Tripping happens exactly once; the
// latch survives day changes and only ClearKillSwitch releases it.
func (g *Guard) ObserveEquity(equity float64, now time.Time) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	year, day := now.Year(), now.YearDay()
	if g.dailyMaxEquity == 0 || year != g.anchorYear || day != g.anchorDay {
		g.dailyMaxEquity = equity
		g.anchorYear = year
		g.anchorDay = day
	} else if equity > g.dailyMaxEquity {
		g.dailyMaxEquity = equity
	}

	g.lastEquity = equity

	drawdown := 0.0
	if g.dailyMaxEquity > 0 {
		drawdown = (g.dailyMaxEquity - equity) / g.dailyMaxEquity
	}
	g.lastDrawdown = drawdown

	tripped := false
	if !g.latched && drawdown >= g.cfg.KillSwitchThreshold {
		g.latched = true
		g.latchedAt = now
		tripped = true
		logger.Errorf("[Risk] kill-switch tripped: drawdown %.2f%% >= %.2f%% (equity %.2f, daily max %.2f)",
			drawdown*100, g.cfg.KillSwitchThreshold*100, equity, g.dailyMaxEquity)
	}

	return drawdown, tripped
}

// Latched reports whether the kill-switch currently holds.
func (g *Guard) Latched() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.latched
}

// ClearKillSwitch releases the latch and re-anchors the daily max at the
// last observed equity, so the same drawdown does not immediately re-trip.
// This is the only way out of the latched state.
func (g *Guard) ClearKillSwitch(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.latched {
		return
	}
	g.latched = false
	g.latchedAt = time.Time{}
	g.dailyMaxEquity = g.lastEquity
	g.anchorYear = now.Year()
	g.anchorDay = now.YearDay()
	g.lastDrawdown = 0
	logger.Warnf("[Risk] kill-switch cleared, daily max re-anchored at %.2f", g.lastEquity)
}

// CheckExposure evaluates the gross exposure gate. It never latches: a
// breach only suppresses new orders until exposure falls back under the
// limit.
func (g *Guard) CheckExposure(positions []exchange.Position, equity float64) (float64, bool) {
	var gross float64
	for _, p := range positions {
		gross += p.Size * p.MarkPrice
	}

	exposure := 0.0
	if equity > 0 {
		exposure = gross / equity
	}

	g.mu.Lock()
	g.lastExposure = exposure
	g.mu.Unlock()

	return exposure, exposure <= g.cfg.MaxExposurePct
}

// ObserveFunding folds the current funding rate into the metrics as an
// estimated daily carry cost on the gross position notional. Positive means
// the position pays. Bybit settles funding every 8 hours.
func (g *Guard) ObserveFunding(positions []exchange.Position, fundingRate float64) float64 {
	var gross float64
	for _, p := range positions {
		gross += p.Size * p.MarkPrice
	}
	impact := gross * fundingRate * 3

	g.mu.Lock()
	g.lastFunding = impact
	g.mu.Unlock()
	return impact
}

// ValidateOrderSize rejects a single order whose notional exceeds the
// configured share of equity.
func (g *Guard) ValidateOrderSize(notional, equity float64) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.latched {
		return ErrKillSwitchLatched
	}
	if equity <= 0 {
		return fmt.Errorf("%w: no equity to size against", ErrOrderTooLarge)
	}
	if limit := equity * g.cfg.MaxOrderPct; notional > limit {
		return fmt.Errorf("%w: %.2f > %.2f (%.0f%% of equity %.2f)",
			ErrOrderTooLarge, notional, limit, g.cfg.MaxOrderPct*100, equity)
	}
	return nil
}

// ValidateMaker rejects an order that would execute immediately instead of
// resting: a buy at or above the best ask, or a sell at or below the best
// bid.
func (g *Guard) ValidateMaker(side exchange.Side, price float64, top exchange.BookTop) error {
	switch side {
	case exchange.SideBuy:
		if top.Ask > 0 && price >= top.Ask {
			return fmt.Errorf("%w: buy %.8f >= ask %.8f", ErrWouldTake, price, top.Ask)
		}
	case exchange.SideSell:
		if top.Bid > 0 && price <= top.Bid {
			return fmt.Errorf("%w: sell %.8f <= bid %.8f", ErrWouldTake, price, top.Bid)
		}
	}
	return nil
}

// Snapshot returns the current metrics for the dashboard.
func (g *Guard) Snapshot() Metrics {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Metrics{
		Equity:              g.lastEquity,
		DailyMaxEquity:      g.dailyMaxEquity,
		Drawdown:            g.lastDrawdown,
		Exposure:            g.lastExposure,
		FundingImpact:       g.lastFunding,
		KillSwitchLatched:   g.latched,
		LatchedAt:           g.latchedAt,
		MaxExposurePct:      g.cfg.MaxExposurePct,
		KillSwitchThreshold: g.cfg.KillSwitchThreshold,
		MaxOrderPct:         g.cfg.MaxOrderPct,
	}
}
