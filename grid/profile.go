package grid

// Profile is one immutable grid parameter set. The engine switches between
// profiles by rebuilding the ladder; a profile is never mutated in place.
type Profile struct {
	Name                 string
	SpacingFraction      float64 // base spacing as a fraction of center price
	LevelCount           int     // levels per side
	ProfitTargetFraction float64 // intended exit distance per fill
}

// Constraints are the venue limits the calculator aligns against.
type Constraints struct {
	TickSize    float64
	QtyStep     float64
	MinQty      float64
	MinNotional float64
}
