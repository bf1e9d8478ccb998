package exchange

import (
	"context"
	"time"
)

// Side is an order direction in venue terms.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// BookTop is the best bid/ask pair used for maker-only validation.
type BookTop struct {
	Bid float64
	Ask float64
}

// Equity is the account snapshot the risk guard works from.
type Equity struct {
	Total     float64
	Available float64
}

// InstrumentInfo holds the venue constraints for one symbol.
// Fetched once at startup and cached.
type InstrumentInfo struct {
	Symbol      string
	TickSize    float64
	QtyStep     float64
	MinQty      float64
	MinNotional float64
}

// OrderRequest is a limit order the engine wants resting on the book.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Price      float64
	Qty        float64
	PostOnly   bool
	ReduceOnly bool
	LinkID     string // client order link id, engine-generated
}

// OrderResult is the venue acknowledgement of a placed order.
type OrderResult struct {
	OrderID string
	LinkID  string
}

// OpenOrder is one resting order as the venue reports it.
type OpenOrder struct {
	OrderID string
	LinkID  string
	Side    Side
	Price   float64
	Qty     float64
}

// OrderStatus is the terminal (or current) state of one order,
// in the unified status vocabulary: NEW, PARTIALLY_FILLED, FILLED, CANCELED.
type OrderStatus struct {
	OrderID     string
	Status      string
	AvgPrice    float64
	ExecutedQty float64
	Fee         float64
	UpdatedAt   time.Time
}

// Position is one open position as the venue reports it.
type Position struct {
	Symbol        string
	Side          string // LONG or SHORT
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      float64
	LiqPrice      float64
}

// Exchange is the narrow transport contract the engine depends on.
// Every call carries a context; implementations bound their own retries.
type Exchange interface {
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	GetBookTop(ctx context.Context, symbol string) (BookTop, error)
	GetFundingRate(ctx context.Context, symbol string) (float64, error)
	GetEquity(ctx context.Context) (Equity, error)
	GetPositions(ctx context.Context, symbol string) ([]Position, error)
	GetInstrumentInfo(ctx context.Context, symbol string) (InstrumentInfo, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAll(ctx context.Context, symbol string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderStatus, error)
}
