package exchange

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyRetCode(t *testing.T) {
	tests := []struct {
		code int
		msg  string
		want RejectReason
	}{
		{10001, "params error", RejectInvalidQuantity},
		{110003, "order price is out of range", RejectInvalidQuantity},
		{110007, "ab not enough for new order", RejectInsufficientBalance},
		{10006, "too many visits", RejectRateLimited},
		{110043, "leverage not modified", RejectLeverageUnsupported},
		{10005, "permission denied", RejectAccountRestricted},
		{0, "leverage not modified", RejectLeverageUnsupported},
		{0, "post only order will take liquidity", RejectPostOnlyWouldTake},
		{0, "insufficient margin", RejectInsufficientBalance},
		// never-seen codes default to transient, not to a crash
		{999999, "mystery failure", RejectTransient},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%s", tt.code, tt.want), func(t *testing.T) {
			require.Equal(t, tt.want, classifyRetCode(tt.code, tt.msg))
		})
	}
}

func TestRetryable(t *testing.T) {
	require.True(t, RejectRateLimited.Retryable())
	require.True(t, RejectTransient.Retryable())
	require.False(t, RejectInvalidQuantity.Retryable())
	require.False(t, RejectInsufficientBalance.Retryable())
	require.False(t, RejectLeverageUnsupported.Retryable())
	require.False(t, RejectAccountRestricted.Retryable())
	require.False(t, RejectPostOnlyWouldTake.Retryable())
}

func TestAsRejected(t *testing.T) {
	rej := newRejected(110007, "not enough balance")
	wrapped := fmt.Errorf("place order: %w", rej)

	got, ok := AsRejected(wrapped)
	require.True(t, ok)
	require.Equal(t, RejectInsufficientBalance, got.Reason)
	require.Equal(t, 110007, got.Code)

	_, ok = AsRejected(fmt.Errorf("plain error"))
	require.False(t, ok)
}

func TestFormatByStep(t *testing.T) {
	tests := []struct {
		v    float64
		step float64
		want string
	}{
		{0.0835, 0.001, "0.083"},
		{99.7512, 0.01, "99.75"},
		{3.7, 1, "3"},
		{0.05, 0.05, "0.05"},
		{2417.376, 0.01, "2417.37"},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, formatByStep(tt.v, tt.step), "formatByStep(%v, %v)", tt.v, tt.step)
	}
}
