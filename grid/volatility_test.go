package grid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestATRFractionNeedsTwoSamples(t *testing.T) {
	e := NewEstimator(720)
	require.Zero(t, e.ATRFraction())

	e.Observe(100)
	require.Zero(t, e.ATRFraction())

	e.Observe(101)
	require.Greater(t, e.ATRFraction(), 0.0)
}

func TestATRFractionMeanAbsDiff(t *testing.T) {
	e := NewEstimator(720)
	for _, p := range []float64{100, 101, 100, 101} {
		e.Observe(p)
	}
	// diffs 1,1,1 -> mean 1, over last price 101
	require.InDelta(t, 1.0/101, e.ATRFraction(), 1e-9)
}

func TestObserveIgnoresBadSamplesAndEvicts(t *testing.T) {
	e := NewEstimator(3)
	e.Observe(0)
	e.Observe(-5)
	require.Zero(t, e.Len())

	for _, p := range []float64{1, 2, 3, 4} {
		e.Observe(p)
	}
	require.Equal(t, 3, e.Len())
	// window now 2,3,4: diffs 1,1 -> mean 1, over last 4
	require.InDelta(t, 0.25, e.ATRFraction(), 1e-9)
}

func TestEffectiveSpacing(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		base    float64
		max     float64
		want    float64
	}{
		{"no samples keeps base", nil, 0.0025, 0.05, 0.0025},
		{"calm market keeps base", []float64{100, 100.01, 100, 100.01}, 0.0025, 0.05, 0.0025},
		{"volatile market widens", []float64{100, 101, 100, 101}, 0.0025, 0.05, (1.0 / 101) * 1.2},
		{"cap clamps the widening", []float64{100, 110, 100, 110}, 0.0025, 0.005, 0.005},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEstimator(720)
			for _, p := range tt.samples {
				e.Observe(p)
			}
			require.InDelta(t, tt.want, e.EffectiveSpacing(tt.base, 1.2, tt.max), 1e-9)
		})
	}
}
