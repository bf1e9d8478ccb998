package grid

// Estimator keeps a bounded rolling window of price samples and derives a
// volatility fraction from them. Not safe for concurrent use; the engine
// goroutine is its only caller.
type Estimator struct {
	samples  []float64
	capacity int
}

// NewEstimator creates an estimator with the given sample capacity.
func NewEstimator(capacity int) *Estimator {
	if capacity < 2 {
		capacity = 2
	}
	return &Estimator{
		samples:  make([]float64, 0, capacity),
		capacity: capacity,
	}
}

// Observe appends one price sample, evicting the oldest when full.
// Non-positive prices are ignored.
func (e *Estimator) Observe(price float64) {
	if price <= 0 {
		return
	}
	if len(e.samples) == e.capacity {
		copy(e.samples, e.samples[1:])
		e.samples = e.samples[:len(e.samples)-1]
	}
	e.samples = append(e.samples, price)
}

// Len returns the current sample count.
func (e *Estimator) Len() int {
	return len(e.samples)
}

// ATRFraction is the mean absolute consecutive difference over the window,
// expressed as a fraction of the latest price. Needs at least two samples;
// returns 0 before that.
func (e *Estimator) ATRFraction() float64 {
	n := len(e.samples)
	if n < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < n; i++ {
		d := e.samples[i] - e.samples[i-1]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	atr := sum / float64(n-1)
	last := e.samples[n-1]
	if last <= 0 {
		return 0
	}
	return atr / last
}

// EffectiveSpacing widens the base spacing when volatility calls for it:
// max(base, ATRFraction*k), capped at spacingMax. With fewer than two
// samples the result is the base spacing unchanged.
func (e *Estimator) EffectiveSpacing(base, k, spacingMax float64) float64 {
	spacing := base
	if v := e.ATRFraction() * k; v > spacing {
		spacing = v
	}
	if spacingMax > 0 && spacing > spacingMax {
		spacing = spacingMax
	}
	return spacing
}
