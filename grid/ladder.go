package grid

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidCapital means the capital cannot fund at least one level per side.
	ErrInvalidCapital = errors.New("capital cannot fund a viable ladder")
	// ErrInvalidReferencePrice means the center price is zero or negative.
	ErrInvalidReferencePrice = errors.New("reference price must be positive")
)

// LevelSide is which side of center a level rests on.
type LevelSide string

const (
	LevelBuy  LevelSide = "buy"
	LevelSell LevelSide = "sell"
)

// LevelState tracks a level through its order lifecycle. The calculator
// emits pending levels; the engine moves them forward.
type LevelState string

const (
	LevelPending LevelState = "pending" // computed, no order yet
	LevelActive  LevelState = "active"  // order resting on the book
	LevelFilled  LevelState = "filled"  // order executed
)

// Level is one rung of the ladder.
type Level struct {
	Index    int // distance from center, 1-based
	Side     LevelSide
	Price    float64
	Qty      float64
	Notional float64
	State    LevelState
	OrderID  string // venue order id once active
	LinkID   string // client order link id once active
}

// Ladder is a full set of buy and sell levels around one center price.
type Ladder struct {
	Center    float64
	Spacing   float64 // effective spacing used to build this ladder
	Profile   string
	CreatedAt time.Time
	Version   uint64 // bumped by the engine on every rebuild
	Buys      []Level
	Sells     []Level
}

// LowestBuy returns the price of the outermost buy level, or 0 if none.
func (l *Ladder) LowestBuy() float64 {
	if len(l.Buys) == 0 {
		return 0
	}
	return l.Buys[len(l.Buys)-1].Price
}

// HighestSell returns the price of the outermost sell level, or 0 if none.
func (l *Ladder) HighestSell() float64 {
	if len(l.Sells) == 0 {
		return 0
	}
	return l.Sells[len(l.Sells)-1].Price
}

// Levels returns all levels, buys first.
func (l *Ladder) Levels() []Level {
	out := make([]Level, 0, len(l.Buys)+len(l.Sells))
	out = append(out, l.Buys...)
	out = append(out, l.Sells...)
	return out
}

// Calculate builds a ladder around center. It is a pure function of its
// inputs: same arguments, same ladder.
//
// Each side gets p.LevelCount levels at center*(1 -/+ spacing*i). The
// capital is split evenly across all levels; a level whose aligned quantity
// falls below the venue minimums is dropped with a warning rather than
// failing the whole ladder. Buy prices align down to the tick grid and sell
// prices align up, so rounding never pulls a level across the center.
func Calculate(p Profile, center, spacing, capital float64, c Constraints, now time.Time) (*Ladder, []string, error) {
	if center <= 0 {
		return nil, nil, fmt.Errorf("%w: got %v", ErrInvalidReferencePrice, center)
	}
	if capital <= 0 {
		return nil, nil, fmt.Errorf("%w: capital %v", ErrInvalidCapital, capital)
	}
	if spacing <= 0 || p.LevelCount < 1 {
		return nil, nil, fmt.Errorf("invalid ladder parameters: spacing=%v levels=%d", spacing, p.LevelCount)
	}

	var warnings []string

	// Shrink the ladder when capital cannot carry the configured level
	// count at the venue's minimum notional (with 10% headroom).
	perSide := p.LevelCount
	if c.MinNotional > 0 {
		minBudget := c.MinNotional * 1.1
		affordable := int(capital / minBudget)
		if affordable < 2*perSide {
			reduced := affordable / 2
			if reduced < 1 {
				return nil, nil, fmt.Errorf("%w: %.2f funds %d levels at min notional %.2f",
					ErrInvalidCapital, capital, affordable, c.MinNotional)
			}
			warnings = append(warnings,
				fmt.Sprintf("level count reduced %d -> %d per side for capital %.2f", p.LevelCount, reduced, capital))
			perSide = reduced
		}
	}

	budget := capital / float64(2*perSide)

	ladder := &Ladder{
		Center:    center,
		Spacing:   spacing,
		Profile:   p.Name,
		CreatedAt: now,
	}

	for i := 1; i <= perSide; i++ {
		buyPrice := alignDown(center*(1-spacing*float64(i)), c.TickSize)
		if lvl, ok := makeLevel(i, LevelBuy, buyPrice, budget, c, &warnings); ok {
			ladder.Buys = append(ladder.Buys, lvl)
		}

		sellPrice := alignUp(center*(1+spacing*float64(i)), c.TickSize)
		if lvl, ok := makeLevel(i, LevelSell, sellPrice, budget, c, &warnings); ok {
			ladder.Sells = append(ladder.Sells, lvl)
		}
	}

	if len(ladder.Buys) == 0 && len(ladder.Sells) == 0 {
		return nil, warnings, fmt.Errorf("%w: every level fell below venue minimums", ErrInvalidCapital)
	}

	return ladder, warnings, nil
}

func makeLevel(index int, side LevelSide, price, budget float64, c Constraints, warnings *[]string) (Level, bool) {
	if price <= 0 {
		*warnings = append(*warnings, fmt.Sprintf("%s level %d dropped: non-positive price", side, index))
		return Level{}, false
	}

	qty := budget / price
	if c.QtyStep > 0 {
		qty = math.Floor(qty/c.QtyStep+1e-9) * c.QtyStep
	}

	if c.MinQty > 0 && qty < c.MinQty {
		*warnings = append(*warnings, fmt.Sprintf("%s level %d dropped: qty %.8f below min %.8f", side, index, qty, c.MinQty))
		return Level{}, false
	}
	notional := qty * price
	if c.MinNotional > 0 && notional < c.MinNotional {
		*warnings = append(*warnings, fmt.Sprintf("%s level %d dropped: notional %.4f below min %.4f", side, index, notional, c.MinNotional))
		return Level{}, false
	}
	if qty <= 0 {
		*warnings = append(*warnings, fmt.Sprintf("%s level %d dropped: zero quantity", side, index))
		return Level{}, false
	}

	return Level{
		Index:    index,
		Side:     side,
		Price:    price,
		Qty:      qty,
		Notional: notional,
		State:    LevelPending,
	}, true
}

// alignDown snaps v onto the tick grid, rounding toward zero.
func alignDown(v, tick float64) float64 {
	if tick <= 0 {
		return v
	}
	return math.Floor(v/tick+1e-9) * tick
}

// alignUp snaps v onto the tick grid, rounding away from zero.
func alignUp(v, tick float64) float64 {
	if tick <= 0 {
		return v
	}
	return math.Ceil(v/tick-1e-9) * tick
}
