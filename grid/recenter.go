package grid

import "time"

// Reason names why a ladder was (or should be) rebuilt.
type Reason string

const (
	ReasonInitial   Reason = "initial"
	ReasonDeviation Reason = "deviation"
	ReasonStale     Reason = "stale_ladder"
	ReasonDominance Reason = "one_side_dominance"
	ReasonShock     Reason = "price_shock"
	ReasonManual    Reason = "manual_profile_change"
)

// PricePoint is one timestamped price observation.
type PricePoint struct {
	Price float64
	At    time.Time
}

// PriceHistory is a bounded-by-age record of price observations feeding the
// dominance and shock checks.
type PriceHistory struct {
	points []PricePoint
	maxAge time.Duration
}

// NewPriceHistory keeps observations no older than maxAge.
func NewPriceHistory(maxAge time.Duration) *PriceHistory {
	return &PriceHistory{maxAge: maxAge}
}

// Add records one observation and prunes expired ones.
func (h *PriceHistory) Add(price float64, at time.Time) {
	if price <= 0 {
		return
	}
	h.points = append(h.points, PricePoint{Price: price, At: at})
	cutoff := at.Add(-h.maxAge)
	i := 0
	for i < len(h.points) && h.points[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		h.points = append(h.points[:0], h.points[i:]...)
	}
}

// Since returns the points observed at or after cutoff, oldest first.
func (h *PriceHistory) Since(cutoff time.Time) []PricePoint {
	for i, p := range h.points {
		if !p.At.Before(cutoff) {
			return h.points[i:]
		}
	}
	return nil
}

// EvaluatorConfig holds the thresholds of the four recenter conditions.
type EvaluatorConfig struct {
	DeviationFraction   float64
	Staleness           time.Duration
	DominanceWindow     time.Duration
	DominanceFraction   float64
	DominanceMinSamples int
	ShockWindow         time.Duration
	ShockFraction       float64
}

// Evaluator decides whether the ladder should be rebuilt. Conditions are
// checked in a fixed order and the first hit names the reason:
// deviation, stale ladder, one-side dominance, price shock.
type Evaluator struct {
	cfg     EvaluatorConfig
	History *PriceHistory
}

// NewEvaluator creates an evaluator with its own price history sized to the
// longest window any condition needs.
func NewEvaluator(cfg EvaluatorConfig) *Evaluator {
	maxAge := cfg.DominanceWindow
	if cfg.ShockWindow > maxAge {
		maxAge = cfg.ShockWindow
	}
	return &Evaluator{
		cfg:     cfg,
		History: NewPriceHistory(maxAge),
	}
}

// Evaluate returns the first matching recenter reason, or false when the
// ladder should stay.
func (e *Evaluator) Evaluate(l *Ladder, price float64, now time.Time) (Reason, bool) {
	if e.deviated(l, price) {
		return ReasonDeviation, true
	}
	if now.Sub(l.CreatedAt) >= e.cfg.Staleness {
		return ReasonStale, true
	}
	if e.dominated(l.Center, now) {
		return ReasonDominance, true
	}
	if e.shocked(now) {
		return ReasonShock, true
	}
	return "", false
}

// deviated is true when price escaped the ladder bounds by the deviation
// margin. A ladder with no resting levels on either side has no bounds and
// always counts as deviated, forcing a rebuild.
func (e *Evaluator) deviated(l *Ladder, price float64) bool {
	if len(l.Buys) == 0 && len(l.Sells) == 0 {
		return true
	}
	if hs := l.HighestSell(); hs > 0 && price > hs*(1+e.cfg.DeviationFraction) {
		return true
	}
	if lb := l.LowestBuy(); lb > 0 && price < lb*(1-e.cfg.DeviationFraction) {
		return true
	}
	return false
}

// dominated is true when enough of the trailing window sits strictly on one
// side of center. Stays silent below the minimum sample count.
func (e *Evaluator) dominated(center float64, now time.Time) bool {
	points := e.History.Since(now.Add(-e.cfg.DominanceWindow))
	if len(points) < e.cfg.DominanceMinSamples {
		return false
	}
	var above, below int
	for _, p := range points {
		switch {
		case p.Price > center:
			above++
		case p.Price < center:
			below++
		}
	}
	total := float64(len(points))
	return float64(above)/total >= e.cfg.DominanceFraction ||
		float64(below)/total >= e.cfg.DominanceFraction
}

// shocked is true when price moved more than the shock fraction across the
// trailing shock window.
func (e *Evaluator) shocked(now time.Time) bool {
	points := e.History.Since(now.Add(-e.cfg.ShockWindow))
	if len(points) < 2 {
		return false
	}
	first := points[0].Price
	last := points[len(points)-1].Price
	if first <= 0 {
		return false
	}
	move := (last - first) / first
	if move < 0 {
		move = -move
	}
	return move >= e.cfg.ShockFraction
}
