// Package engine runs the grid strategy: one goroutine owns the ladder and
// risk state and drives every periodic activity from a single select loop.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridbot/config"
	"gridbot/exchange"
	"gridbot/grid"
	"gridbot/logger"
	"gridbot/risk"
	"gridbot/store"
)

const (
	callTimeout      = 10 * time.Second
	cancelAllRetries = 3
	driftEscalation  = 3 // reconcile cycles before a drifted order raises an event
)

// profileRequest carries a profile switch into the engine loop.
type profileRequest struct {
	profile grid.Profile
	reply   chan error
}

// Engine owns the ladder, drives the tick pipeline and serializes every
// state mutation through its run loop. API goroutines only read snapshots
// or post requests onto channels.
type Engine struct {
	cfg   *config.Config
	ex    exchange.Exchange
	st    *store.Store
	guard *risk.Guard

	estimator *grid.Estimator
	evaluator *grid.Evaluator

	mu          sync.RWMutex
	ladder      *grid.Ladder
	version     uint64
	profile     grid.Profile
	constraints grid.Constraints
	running     bool
	lastPrice   float64

	// drift bookkeeping: orderID -> consecutive unresolved reconcile cycles
	drift map[string]int
	// exposure gate state, for logging transitions only
	exposureOK bool

	// serializes Start/Stop; mu alone cannot cover their multi-call sequences
	lifecycleMu sync.Mutex

	profileCh chan profileRequest
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New wires an engine from its collaborators.
func New(cfg *config.Config, ex exchange.Exchange, st *store.Store, guard *risk.Guard) *Engine {
	p := cfg.ActiveProfile()
	return &Engine{
		cfg:   cfg,
		ex:    ex,
		st:    st,
		guard: guard,
		estimator: grid.NewEstimator(cfg.Grid.VolatilityWindow),
		evaluator: grid.NewEvaluator(grid.EvaluatorConfig{
			DeviationFraction:   cfg.Recenter.DeviationFraction,
			Staleness:           time.Duration(cfg.Recenter.StalenessHours * float64(time.Hour)),
			DominanceWindow:     time.Duration(cfg.Recenter.DominanceHours * float64(time.Hour)),
			DominanceFraction:   cfg.Recenter.DominanceFraction,
			DominanceMinSamples: cfg.Recenter.DominanceMinSamples,
			ShockWindow:         time.Duration(cfg.Recenter.ShockMinutes * float64(time.Minute)),
			ShockFraction:       cfg.Recenter.ShockFraction,
		}),
		profile: grid.Profile{
			Name:                 cfg.Trading.ActiveProfile,
			SpacingFraction:      p.SpacingFraction,
			LevelCount:           p.LevelCount,
			ProfitTargetFraction: p.ProfitTargetFraction,
		},
		drift:      make(map[string]int),
		exposureOK: true,
		profileCh:  make(chan profileRequest),
	}
}

// Running reports whether the engine loop is active.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Start brings the engine up: instrument constraints, leverage, the initial
// ladder, then the run loop. Calling Start on a running engine is a no-op.
func (e *Engine) Start() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	symbol := e.cfg.Trading.Symbol
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	info, err := e.ex.GetInstrumentInfo(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch instrument constraints: %w", err)
	}

	e.mu.Lock()
	e.constraints = grid.Constraints{
		TickSize:    info.TickSize,
		QtyStep:     info.QtyStep,
		MinQty:      info.MinQty,
		MinNotional: info.MinNotional,
	}
	e.mu.Unlock()

	// The venue refuses leverage changes when already at target; that
	// rejection is expected and tolerated.
	if err := e.ex.SetLeverage(ctx, symbol, e.cfg.Trading.Leverage); err != nil {
		if rej, ok := exchange.AsRejected(err); ok && rej.Reason == exchange.RejectLeverageUnsupported {
			logger.Infof("[Engine] leverage already at %dx", e.cfg.Trading.Leverage)
		} else {
			return fmt.Errorf("set leverage: %w", err)
		}
	}

	eq, err := e.ex.GetEquity(ctx)
	if err != nil {
		return fmt.Errorf("fetch starting equity: %w", err)
	}
	e.guard.ObserveEquity(eq.Total, time.Now())

	if err := e.rebuild(grid.ReasonInitial); err != nil {
		return fmt.Errorf("build initial ladder: %w", err)
	}
	e.issueOrders()

	e.mu.Lock()
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run()

	e.st.SetConfig("active_profile", e.profile.Name)
	e.event(store.SeverityInfo, "engine_started",
		fmt.Sprintf("engine started: %s profile=%s leverage=%dx", symbol, e.profile.Name, e.cfg.Trading.Leverage))
	logger.Infof("[Engine] started on %s (profile=%s)", symbol, e.profile.Name)
	return nil
}

// Stop halts the loop and cancels all resting orders with bounded retries.
// Idempotent; a partial cancel is tolerated and retried on the next start's
// reconcile pass.
func (e *Engine) Stop() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	stopCh := e.stopCh
	e.mu.Unlock()

	close(stopCh)
	e.wg.Wait()

	var err error
	for attempt := 1; attempt <= cancelAllRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		err = e.ex.CancelAll(ctx, e.cfg.Trading.Symbol)
		cancel()
		if err == nil {
			break
		}
		logger.Warnf("[Engine] cancel-all attempt %d/%d failed: %v", attempt, cancelAllRetries, err)
	}
	if err != nil {
		e.event(store.SeverityWarning, "stop_partial_cancel",
			fmt.Sprintf("cancel-all failed after %d attempts: %v", cancelAllRetries, err))
	}

	e.mu.Lock()
	if e.ladder != nil {
		resetLevels(e.ladder)
	}
	e.mu.Unlock()

	e.event(store.SeverityInfo, "engine_stopped", "engine stopped")
	logger.Infof("[Engine] stopped")
	return nil
}

// ChangeProfile switches the active profile. On a running engine the switch
// happens inside the loop and forces an immediate recenter; on a stopped
// engine it just becomes the profile the next Start uses.
func (e *Engine) ChangeProfile(p grid.Profile) error {
	e.mu.Lock()
	if !e.running {
		e.profile = p
		e.mu.Unlock()
		e.st.SetConfig("active_profile", p.Name)
		return nil
	}
	stopCh := e.stopCh
	e.mu.Unlock()

	req := profileRequest{profile: p, reply: make(chan error, 1)}
	select {
	case e.profileCh <- req:
		return <-req.reply
	case <-stopCh:
		return fmt.Errorf("engine stopped during profile change")
	}
}

// ClearKillSwitch releases the risk latch.
func (e *Engine) ClearKillSwitch() {
	e.guard.ClearKillSwitch(time.Now())
	e.event(store.SeverityWarning, "kill_switch_cleared", "kill-switch cleared by operator")
}

// Status is the dashboard snapshot of engine state.
type Status struct {
	Running       bool         `json:"running"`
	Symbol        string       `json:"symbol"`
	Profile       string       `json:"profile"`
	LastPrice     float64      `json:"last_price"`
	LadderVersion uint64       `json:"ladder_version"`
	Center        float64      `json:"center"`
	Spacing       float64      `json:"spacing"`
	BuyLevels     int          `json:"buy_levels"`
	SellLevels    int          `json:"sell_levels"`
	LadderAge     string       `json:"ladder_age"`
	Risk          risk.Metrics `json:"risk"`
}

// Snapshot returns the current status.
func (e *Engine) Snapshot() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Status{
		Running:   e.running,
		Symbol:    e.cfg.Trading.Symbol,
		Profile:   e.profile.Name,
		LastPrice: e.lastPrice,
		Risk:      e.guard.Snapshot(),
	}
	if e.ladder != nil {
		s.LadderVersion = e.ladder.Version
		s.Center = e.ladder.Center
		s.Spacing = e.ladder.Spacing
		s.BuyLevels = len(e.ladder.Buys)
		s.SellLevels = len(e.ladder.Sells)
		s.LadderAge = time.Since(e.ladder.CreatedAt).Round(time.Second).String()
	}
	return s
}

// Levels returns a copy of the current ladder levels.
func (e *Engine) Levels() []grid.Level {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.ladder == nil {
		return nil
	}
	return e.ladder.Levels()
}

// run is the single-owner loop. Every periodic activity is a ticker case
// here, so ladder and risk mutations never race.
func (e *Engine) run() {
	defer e.wg.Done()

	gridTicker := time.NewTicker(time.Duration(e.cfg.Intervals.GridTickSec) * time.Second)
	reconcileTicker := time.NewTicker(time.Duration(e.cfg.Intervals.ReconcileSec) * time.Second)
	riskTicker := time.NewTicker(time.Duration(e.cfg.Intervals.RiskSec) * time.Second)
	snapshotTicker := time.NewTicker(time.Duration(e.cfg.Intervals.SnapshotSec) * time.Second)
	defer gridTicker.Stop()
	defer reconcileTicker.Stop()
	defer riskTicker.Stop()
	defer snapshotTicker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-gridTicker.C:
			e.gridTick()
		case <-reconcileTicker.C:
			e.reconcileTick()
		case <-riskTicker.C:
			e.riskTick()
		case <-snapshotTicker.C:
			e.snapshotTick()
		case req := <-e.profileCh:
			req.reply <- e.applyProfile(req.profile)
		}
	}
}

// gridTick samples the price, updates the estimator and history, and asks
// the evaluator whether the ladder should be rebuilt.
func (e *Engine) gridTick() {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	price, err := e.ex.GetMarkPrice(ctx, e.cfg.Trading.Symbol)
	if err != nil {
		e.event(store.SeverityWarning, "price_fetch_failed", err.Error())
		return
	}

	now := time.Now()
	e.estimator.Observe(price)
	e.evaluator.History.Add(price, now)

	e.mu.Lock()
	e.lastPrice = price
	ladder := e.ladder
	e.mu.Unlock()

	if e.guard.Latched() {
		e.ensureHalted(ctx)
		return
	}
	if ladder == nil {
		if err := e.rebuild(grid.ReasonInitial); err != nil {
			e.event(store.SeverityError, "rebuild_failed", err.Error())
			return
		}
		e.issueOrders()
		return
	}

	reason, should := e.evaluator.Evaluate(ladder, price, now)
	if should {
		logger.Infof("[Grid] recenter triggered: %s (price=%.4f center=%.4f)", reason, price, ladder.Center)
		if err := e.recenter(reason); err != nil {
			e.event(store.SeverityError, "recenter_failed", err.Error())
		}
		return
	}

	// no recenter: retry levels that never got an order on the book
	e.issueOrders()
}

// applyProfile is the in-loop half of ChangeProfile.
func (e *Engine) applyProfile(p grid.Profile) error {
	e.mu.Lock()
	e.profile = p
	e.mu.Unlock()

	e.st.SetConfig("active_profile", p.Name)
	logger.Infof("[Engine] profile changed to %s", p.Name)
	if err := e.recenter(grid.ReasonManual); err != nil {
		return err
	}
	return nil
}

// recenter cancels all resting orders, rebuilds the ladder around the
// current price and re-issues orders.
func (e *Engine) recenter(reason grid.Reason) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	err := e.ex.CancelAll(ctx, e.cfg.Trading.Symbol)
	cancel()
	if err != nil {
		// leftover orders are picked up as drift by the reconcile loop
		e.event(store.SeverityWarning, "cancel_all_failed", err.Error())
	}

	if err := e.rebuild(reason); err != nil {
		return err
	}
	e.issueOrders()
	return nil
}

// rebuild computes a fresh ladder at the current price. The old ladder
// stays in place when the calculator fails, so a bad cycle never leaves the
// engine without state.
func (e *Engine) rebuild(reason grid.Reason) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	price, err := e.ex.GetMarkPrice(ctx, e.cfg.Trading.Symbol)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch reference price: %w", err)
	}

	e.mu.RLock()
	profile := e.profile
	constraints := e.constraints
	e.mu.RUnlock()

	spacing := e.estimator.EffectiveSpacing(profile.SpacingFraction, e.cfg.Grid.VolatilityK, e.cfg.Grid.SpacingMax)

	ladder, warnings, err := grid.Calculate(profile, price, spacing, e.cfg.Trading.CapitalUSDT, constraints, time.Now())
	if err != nil {
		return fmt.Errorf("calculate ladder: %w", err)
	}
	for _, w := range warnings {
		logger.Warnf("[Grid] %s", w)
		e.event(store.SeverityWarning, "ladder_warning", w)
	}

	e.mu.Lock()
	e.version++
	ladder.Version = e.version
	e.ladder = ladder
	e.lastPrice = price
	e.drift = make(map[string]int)
	e.mu.Unlock()

	if err := e.st.Grid().Save(&store.GridRecord{
		Version:    ladder.Version,
		Symbol:     e.cfg.Trading.Symbol,
		Profile:    profile.Name,
		Center:     ladder.Center,
		Spacing:    ladder.Spacing,
		LevelCount: len(ladder.Buys) + len(ladder.Sells),
		Reason:     string(reason),
		CreatedAt:  ladder.CreatedAt,
	}); err != nil {
		logger.Errorf("[Engine] save grid record v%d failed: %v", ladder.Version, err)
	}
	e.event(store.SeverityInfo, "ladder_rebuilt",
		fmt.Sprintf("ladder v%d: reason=%s center=%.4f spacing=%.5f levels=%d+%d",
			ladder.Version, reason, ladder.Center, ladder.Spacing, len(ladder.Buys), len(ladder.Sells)))

	logger.Infof("[Grid] ladder v%d built: center=%.4f spacing=%.5f buys=%d sells=%d (reason=%s)",
		ladder.Version, ladder.Center, ladder.Spacing, len(ladder.Buys), len(ladder.Sells), reason)
	return nil
}

// issueOrders places orders for pending levels. Intents are computed under
// the lock, network calls run outside it, and results are re-applied only
// if the ladder has not been rebuilt in between.
func (e *Engine) issueOrders() {
	if e.guard.Latched() {
		return
	}

	e.mu.RLock()
	ladder := e.ladder
	version := e.version
	var intents []grid.Level
	if ladder != nil {
		for _, lvl := range ladder.Levels() {
			if lvl.State == grid.LevelPending {
				intents = append(intents, lvl)
			}
		}
	}
	e.mu.RUnlock()

	if len(intents) == 0 {
		return
	}

	symbol := e.cfg.Trading.Symbol
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	eq, err := e.ex.GetEquity(ctx)
	if err != nil {
		e.event(store.SeverityWarning, "equity_fetch_failed", err.Error())
		return
	}
	positions, err := e.ex.GetPositions(ctx, symbol)
	if err != nil {
		e.event(store.SeverityWarning, "position_fetch_failed", err.Error())
		return
	}
	exposure, ok := e.guard.CheckExposure(positions, eq.Total)
	e.noteExposure(ok, exposure)
	if !ok {
		return
	}
	top, err := e.ex.GetBookTop(ctx, symbol)
	if err != nil {
		e.event(store.SeverityWarning, "book_fetch_failed", err.Error())
		return
	}

	type placed struct {
		level  grid.Level
		result exchange.OrderResult
	}
	var results []placed

	for _, lvl := range intents {
		if err := e.guard.ValidateOrderSize(lvl.Notional, eq.Total); err != nil {
			e.event(store.SeverityWarning, "order_rejected", err.Error())
			continue
		}
		side := exchange.SideBuy
		if lvl.Side == grid.LevelSell {
			side = exchange.SideSell
		}
		if err := e.guard.ValidateMaker(side, lvl.Price, top); err != nil {
			// level stays pending; a later tick retries once price moves
			logger.Debugf("[Grid] %s level %d skipped: %v", lvl.Side, lvl.Index, err)
			continue
		}

		req := exchange.OrderRequest{
			Symbol:   symbol,
			Side:     side,
			Price:    lvl.Price,
			Qty:      lvl.Qty,
			PostOnly: true,
			LinkID:   uuid.NewString(),
		}
		result, err := e.ex.PlaceOrder(ctx, req)
		if err != nil {
			rej, ok := exchange.AsRejected(err)
			e.event(store.SeverityWarning, "place_failed",
				fmt.Sprintf("%s level %d @ %.4f: %v", lvl.Side, lvl.Index, lvl.Price, err))
			if ok && rej.Reason == exchange.RejectInsufficientBalance {
				break // further levels will fail the same way
			}
			continue
		}
		lvl.LinkID = req.LinkID
		results = append(results, placed{level: lvl, result: result})
	}

	// re-apply under the lock, guarded by the ladder version
	e.mu.Lock()
	fresh := e.ladder == ladder && e.version == version
	if fresh {
		for _, p := range results {
			if lvl := findLevel(ladder, p.level.Side, p.level.Index); lvl != nil {
				lvl.State = grid.LevelActive
				lvl.OrderID = p.result.OrderID
				lvl.LinkID = p.level.LinkID
			}
		}
	}
	e.mu.Unlock()

	for _, p := range results {
		if err := e.st.Order().Save(&store.OrderRecord{
			OrderID:       p.result.OrderID,
			LinkID:        p.level.LinkID,
			Symbol:        symbol,
			Side:          sideString(p.level.Side),
			Price:         p.level.Price,
			Qty:           p.level.Qty,
			LevelIndex:    p.level.Index,
			LevelSide:     string(p.level.Side),
			Status:        "NEW",
			LadderVersion: version,
		}); err != nil {
			logger.Errorf("[Engine] save order %s failed: %v", p.result.OrderID, err)
		}
	}
	if !fresh && len(results) > 0 {
		// ladder was rebuilt while we were placing; these orders are now
		// stale and the recenter's cancel-all (or reconcile) removes them
		logger.Warnf("[Grid] %d orders placed against stale ladder v%d", len(results), version)
	}
}

// riskTick observes equity, trips the kill-switch when drawdown demands it
// and refreshes the exposure gate.
func (e *Engine) riskTick() {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	eq, err := e.ex.GetEquity(ctx)
	if err != nil {
		e.event(store.SeverityWarning, "equity_fetch_failed", err.Error())
		return
	}

	drawdown, tripped := e.guard.ObserveEquity(eq.Total, time.Now())
	if tripped {
		e.event(store.SeverityCritical, "kill_switch_tripped",
			fmt.Sprintf("daily drawdown %.2f%% breached %.2f%%; cancelling all orders",
				drawdown*100, e.cfg.Risk.KillSwitchThreshold*100))
		e.haltOrders()
		return
	}

	positions, err := e.ex.GetPositions(ctx, e.cfg.Trading.Symbol)
	if err != nil {
		e.event(store.SeverityWarning, "position_fetch_failed", err.Error())
		return
	}
	exposure, ok := e.guard.CheckExposure(positions, eq.Total)
	e.noteExposure(ok, exposure)

	if rate, err := e.ex.GetFundingRate(ctx, e.cfg.Trading.Symbol); err != nil {
		logger.Warnf("[Risk] funding rate fetch failed: %v", err)
	} else {
		e.guard.ObserveFunding(positions, rate)
	}
}

// ensureHalted sweeps the venue while the kill-switch holds: if any order
// is still resting (a trip-time cancel-all can fail), cancel again.
func (e *Engine) ensureHalted(ctx context.Context) {
	symbol := e.cfg.Trading.Symbol
	open, err := e.ex.GetOpenOrders(ctx, symbol)
	if err != nil {
		e.event(store.SeverityWarning, "open_orders_fetch_failed", err.Error())
		return
	}
	if len(open) == 0 {
		return
	}
	logger.Warnf("[Risk] kill-switch latched with %d orders still resting, cancelling", len(open))
	if err := e.ex.CancelAll(ctx, symbol); err != nil {
		e.event(store.SeverityError, "halt_cancel_failed", err.Error())
		return
	}
	e.mu.Lock()
	if e.ladder != nil {
		resetLevels(e.ladder)
	}
	e.mu.Unlock()
}

// haltOrders cancels everything after a kill-switch trip.
func (e *Engine) haltOrders() {
	var err error
	for attempt := 1; attempt <= cancelAllRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		err = e.ex.CancelAll(ctx, e.cfg.Trading.Symbol)
		cancel()
		if err == nil {
			break
		}
		logger.Warnf("[Risk] cancel-all attempt %d/%d failed: %v", attempt, cancelAllRetries, err)
	}
	if err != nil {
		e.event(store.SeverityError, "halt_cancel_failed", err.Error())
	}

	e.mu.Lock()
	if e.ladder != nil {
		resetLevels(e.ladder)
	}
	e.mu.Unlock()
}

// snapshotTick persists one equity curve point.
func (e *Engine) snapshotTick() {
	m := e.guard.Snapshot()
	if m.Equity == 0 {
		return
	}
	if err := e.st.Equity().Save(&store.EquitySnapshot{
		TotalEquity: m.Equity,
		Drawdown:    m.Drawdown,
		Exposure:    m.Exposure,
	}); err != nil {
		logger.Errorf("[Engine] save equity snapshot failed: %v", err)
	}
}

// noteExposure records gate transitions as events, once per flip.
func (e *Engine) noteExposure(ok bool, exposure float64) {
	e.mu.Lock()
	changed := e.exposureOK != ok
	e.exposureOK = ok
	e.mu.Unlock()

	if !changed {
		return
	}
	if ok {
		e.event(store.SeverityInfo, "exposure_recovered",
			fmt.Sprintf("exposure %.2f%% back under %.2f%%", exposure*100, e.cfg.Risk.MaxExposurePct*100))
	} else {
		e.event(store.SeverityWarning, "exposure_exceeded",
			fmt.Sprintf("exposure %.2f%% over %.2f%%; new orders suppressed", exposure*100, e.cfg.Risk.MaxExposurePct*100))
	}
}

// event persists and logs one operational event.
func (e *Engine) event(severity, eventType, message string) {
	if err := e.st.Event().Save(&store.EventRecord{
		Severity: severity,
		Type:     eventType,
		Message:  message,
	}); err != nil {
		logger.Errorf("[Engine] save event failed: %v", err)
	}
	switch severity {
	case store.SeverityCritical, store.SeverityError:
		logger.Errorf("[Engine] %s: %s", eventType, message)
	case store.SeverityWarning:
		logger.Warnf("[Engine] %s: %s", eventType, message)
	default:
		logger.Infof("[Engine] %s: %s", eventType, message)
	}
}

func findLevel(l *grid.Ladder, side grid.LevelSide, index int) *grid.Level {
	levels := l.Buys
	if side == grid.LevelSell {
		levels = l.Sells
	}
	for i := range levels {
		if levels[i].Index == index {
			return &levels[i]
		}
	}
	return nil
}

func resetLevels(l *grid.Ladder) {
	for i := range l.Buys {
		if l.Buys[i].State == grid.LevelActive {
			l.Buys[i].State = grid.LevelPending
			l.Buys[i].OrderID = ""
		}
	}
	for i := range l.Sells {
		if l.Sells[i].State == grid.LevelActive {
			l.Sells[i].State = grid.LevelPending
			l.Sells[i].OrderID = ""
		}
	}
}

func sideString(s grid.LevelSide) string {
	if s == grid.LevelSell {
		return "Sell"
	}
	return "Buy"
}
