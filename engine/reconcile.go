package engine

import (
	"context"
	"fmt"
	"time"

	"gridbot/exchange"
	"gridbot/grid"
	"gridbot/logger"
	"gridbot/store"
)

// trackedOrder is the engine-side view of one resting order, snapshotted
// for a reconcile pass.
type trackedOrder struct {
	orderID string
	side    grid.LevelSide
	index   int
	price   float64
	qty     float64
}

// reconcileTick converges engine state with the venue: detects fills and
// cancels by diffing tracked orders against the open-order list, attributes
// realized profit, refreshes positions and escalates drift.
func (e *Engine) reconcileTick() {
	symbol := e.cfg.Trading.Symbol

	e.mu.RLock()
	ladder := e.ladder
	version := e.version
	profitTarget := e.profile.ProfitTargetFraction
	var tracked []trackedOrder
	if ladder != nil {
		for _, lvl := range ladder.Levels() {
			if lvl.State == grid.LevelActive && lvl.OrderID != "" {
				tracked = append(tracked, trackedOrder{
					orderID: lvl.OrderID,
					side:    lvl.Side,
					index:   lvl.Index,
					price:   lvl.Price,
					qty:     lvl.Qty,
				})
			}
		}
	}
	e.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	open, err := e.ex.GetOpenOrders(ctx, symbol)
	if err != nil {
		e.event(store.SeverityWarning, "open_orders_fetch_failed", err.Error())
		return
	}
	openSet := make(map[string]bool, len(open))
	for _, o := range open {
		openSet[o.OrderID] = true
	}

	for _, t := range tracked {
		if openSet[t.orderID] {
			e.clearDrift(t.orderID)
			continue
		}

		// order left the book: filled, cancelled, or not yet visible in history
		status, err := e.ex.GetOrderStatus(ctx, symbol, t.orderID)
		if err != nil {
			e.bumpDrift(t.orderID, fmt.Sprintf("order %s missing from book, history lookup failed: %v", t.orderID, err))
			continue
		}

		switch status.Status {
		case "FILLED":
			e.clearDrift(t.orderID)
			e.handleFill(t, status, ladder, version, profitTarget)
		case "CANCELED":
			// PostOnly orders that would have crossed land here
			e.clearDrift(t.orderID)
			if err := e.st.Order().UpdateStatus(t.orderID, "CANCELED"); err != nil {
				logger.Errorf("[Reconcile] update order %s failed: %v", t.orderID, err)
			}
			e.releaseLevel(t, ladder, version)
			e.event(store.SeverityWarning, "order_canceled_by_venue",
				fmt.Sprintf("order %s cancelled by venue (%s level %d @ %.4f)", t.orderID, t.side, t.index, t.price))
		default:
			e.bumpDrift(t.orderID, fmt.Sprintf("order %s missing from book but history says %s", t.orderID, status.Status))
		}
	}

	// venue orders the engine does not know about
	for _, o := range open {
		if ladder != nil && !e.knownOrder(o.OrderID) {
			e.bumpDrift(o.OrderID, fmt.Sprintf("unknown order %s resting on %s", o.OrderID, symbol))
		}
	}

	e.refreshPositions(ctx, symbol)
}

// handleFill records the trade with its attributed profit and marks the
// level filled. Profit is the intended exit one profit-target step toward
// center: qty * price * profit_target_fraction.
func (e *Engine) handleFill(t trackedOrder, status exchange.OrderStatus, ladder *grid.Ladder, version uint64, profitTarget float64) {
	price := status.AvgPrice
	if price == 0 {
		price = t.price
	}
	qty := status.ExecutedQty
	if qty == 0 {
		qty = t.qty
	}

	profit := qty * price * profitTarget

	if err := e.st.Order().UpdateStatus(t.orderID, "FILLED"); err != nil {
		logger.Errorf("[Reconcile] update order %s failed: %v", t.orderID, err)
	}
	if err := e.st.Trade().Save(&store.TradeRecord{
		OrderID:        t.orderID,
		Symbol:         e.cfg.Trading.Symbol,
		Side:           sideString(t.side),
		Price:          price,
		Qty:            qty,
		Fee:            status.Fee,
		RealizedProfit: profit,
		FilledAt:       status.UpdatedAt,
	}); err != nil {
		logger.Errorf("[Reconcile] save trade for order %s failed: %v", t.orderID, err)
	}

	e.mu.Lock()
	if e.ladder == ladder && e.version == version {
		if lvl := findLevel(ladder, t.side, t.index); lvl != nil {
			lvl.State = grid.LevelFilled
		}
	}
	e.mu.Unlock()

	e.event(store.SeverityInfo, "level_filled",
		fmt.Sprintf("%s level %d filled: %.6f @ %.4f (profit target %.4f)", t.side, t.index, qty, price, profit))
	logger.Infof("[Reconcile] %s level %d filled: qty=%.6f price=%.4f fee=%.6f", t.side, t.index, qty, price, status.Fee)
}

// releaseLevel puts a level back to pending after its order was cancelled,
// so the next grid tick can re-issue it.
func (e *Engine) releaseLevel(t trackedOrder, ladder *grid.Ladder, version uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ladder != ladder || e.version != version {
		return
	}
	if lvl := findLevel(ladder, t.side, t.index); lvl != nil && lvl.OrderID == t.orderID {
		lvl.State = grid.LevelPending
		lvl.OrderID = ""
		lvl.LinkID = ""
	}
}

// refreshPositions mirrors the venue position into the store.
func (e *Engine) refreshPositions(ctx context.Context, symbol string) {
	positions, err := e.ex.GetPositions(ctx, symbol)
	if err != nil {
		e.event(store.SeverityWarning, "position_fetch_failed", err.Error())
		return
	}

	found := false
	for _, p := range positions {
		if p.Symbol != symbol {
			continue
		}
		found = true
		if err := e.st.Position().Upsert(&store.PositionRecord{
			Symbol:        p.Symbol,
			Side:          p.Side,
			Size:          p.Size,
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			UnrealizedPnL: p.UnrealizedPnL,
			Leverage:      p.Leverage,
		}); err != nil {
			logger.Errorf("[Reconcile] upsert position %s failed: %v", p.Symbol, err)
		}
	}
	if !found {
		if err := e.st.Position().Delete(symbol); err != nil {
			logger.Errorf("[Reconcile] delete position %s failed: %v", symbol, err)
		}
	}
}

// knownOrder reports whether an order id belongs to the current ladder.
func (e *Engine) knownOrder(orderID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.ladder == nil {
		return false
	}
	for _, lvl := range e.ladder.Levels() {
		if lvl.OrderID == orderID {
			return true
		}
	}
	return false
}

// bumpDrift counts one unresolved cycle for an order and raises a warning
// event once the counter reaches the escalation threshold.
func (e *Engine) bumpDrift(orderID, detail string) {
	e.mu.Lock()
	e.drift[orderID]++
	count := e.drift[orderID]
	e.mu.Unlock()

	if count == driftEscalation {
		e.event(store.SeverityWarning, "order_drift",
			fmt.Sprintf("%s (unresolved for %d cycles)", detail, count))
	} else {
		logger.Debugf("[Reconcile] drift %d/%d: %s", count, driftEscalation, detail)
	}
}

func (e *Engine) clearDrift(orderID string) {
	e.mu.Lock()
	delete(e.drift, orderID)
	e.mu.Unlock()
}
