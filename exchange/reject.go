package exchange

import (
	"errors"
	"fmt"
	"strings"
)

// RejectReason is the closed set of exchange rejection variants. Everything
// the venue can say "no" with maps onto one of these; codes we have never
// seen classify as transient so a new venue error can only cause a retry,
// never an unhandled branch.
type RejectReason string

const (
	RejectInvalidQuantity     RejectReason = "invalid_quantity"
	RejectInsufficientBalance RejectReason = "insufficient_balance"
	RejectPostOnlyWouldTake   RejectReason = "post_only_would_take"
	RejectLeverageUnsupported RejectReason = "leverage_unsupported"
	RejectAccountRestricted   RejectReason = "account_restricted"
	RejectRateLimited         RejectReason = "rate_limited"
	RejectTransient           RejectReason = "transient"
)

// Retryable reports whether an order carrying this rejection may be retried
// as-is. Definitive rejections (bad quantity, restricted account) will fail
// identically on every attempt.
func (r RejectReason) Retryable() bool {
	return r == RejectRateLimited || r == RejectTransient
}

// RejectedError is a venue rejection with its classified reason and the raw
// retCode/retMsg for logging.
type RejectedError struct {
	Reason RejectReason
	Code   int
	Msg    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("exchange rejected (%s, retCode=%d): %s", e.Reason, e.Code, e.Msg)
}

// AsRejected unwraps err into a RejectedError if one is in the chain.
func AsRejected(err error) (*RejectedError, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// newRejected classifies a non-zero Bybit retCode.
func newRejected(code int, msg string) *RejectedError {
	return &RejectedError{Reason: classifyRetCode(code, msg), Code: code, Msg: msg}
}

// classifyRetCode maps Bybit v5 retCodes onto the closed reason set.
func classifyRetCode(code int, msg string) RejectReason {
	switch code {
	case 10001, 110003, 110017: // parameter error, invalid price/qty
		return RejectInvalidQuantity
	case 110007, 110012, 110014: // insufficient available balance
		return RejectInsufficientBalance
	case 10006, 10018: // rate limit exceeded
		return RejectRateLimited
	case 110043: // leverage not modified
		return RejectLeverageUnsupported
	case 10005, 10010, 33004: // permission denied, unmatched IP, key expired
		return RejectAccountRestricted
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "leverage not modified"):
		return RejectLeverageUnsupported
	case strings.Contains(lower, "post only") || strings.Contains(lower, "postonly"):
		return RejectPostOnlyWouldTake
	case strings.Contains(lower, "insufficient"):
		return RejectInsufficientBalance
	}

	return RejectTransient
}
