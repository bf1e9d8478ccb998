package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	"gridbot/logger"
)

const (
	maxAttempts    = 3
	initialBackoff = 500 * time.Millisecond
	minCallGap     = 100 * time.Millisecond
)

// BybitExchange implements Exchange on the Bybit v5 unified trading API.
type BybitExchange struct {
	client   *bybit.Client
	category string

	// instrument constraints cache (symbol -> info)
	instrumentCache map[string]InstrumentInfo
	instrumentMu    sync.RWMutex

	// minimum-interval pacer shared by all calls
	lastCall time.Time
	paceMu   sync.Mutex
}

// NewBybitExchange creates a Bybit transport for the given credentials.
func NewBybitExchange(apiKey, secretKey, category string) *BybitExchange {
	client := bybit.NewBybitHttpClient(apiKey, secretKey, bybit.WithBaseURL(bybit.MAINNET))

	if category == "" {
		category = "linear"
	}

	ex := &BybitExchange{
		client:          client,
		category:        category,
		instrumentCache: make(map[string]InstrumentInfo),
	}

	logger.Infof("[Bybit] transport initialized (category=%s)", category)
	return ex
}

// pace enforces a minimum gap between consecutive API calls.
func (b *BybitExchange) pace() {
	b.paceMu.Lock()
	defer b.paceMu.Unlock()
	if since := time.Since(b.lastCall); since < minCallGap {
		time.Sleep(minCallGap - since)
	}
	b.lastCall = time.Now()
}

// withRetry runs fn with the pacer and a bounded exponential backoff.
// Definitive rejections are returned immediately; only transient and
// rate-limit failures are retried.
func (b *BybitExchange) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := initialBackoff
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		b.pace()
		err = fn()
		if err == nil {
			return nil
		}
		if rej, ok := AsRejected(err); ok && !rej.Reason.Retryable() {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		logger.Warnf("[Bybit] %s attempt %d/%d failed: %v", op, attempt, maxAttempts, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%s: %w", op, err)
}

// checkResponse validates retCode and extracts the result map.
func checkResponse(result *bybit.ServerResponse) (map[string]interface{}, error) {
	if result.RetCode != 0 {
		return nil, newRejected(result.RetCode, result.RetMsg)
	}
	data, ok := result.Result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected response shape")
	}
	return data, nil
}

func parseFloatField(m map[string]interface{}, key string) float64 {
	s, _ := m[key].(string)
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// GetMarkPrice returns the symbol's mark price (falls back to last trade
// price if the venue omits the mark field).
func (b *BybitExchange) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := b.withRetry(ctx, "get mark price", func() error {
		params := map[string]interface{}{
			"category": b.category,
			"symbol":   symbol,
		}
		result, err := b.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
		if err != nil {
			return err
		}
		data, err := checkResponse(result)
		if err != nil {
			return err
		}
		list, _ := data["list"].([]interface{})
		if len(list) == 0 {
			return fmt.Errorf("no ticker for %s", symbol)
		}
		ticker, _ := list[0].(map[string]interface{})
		price = parseFloatField(ticker, "markPrice")
		if price == 0 {
			price = parseFloatField(ticker, "lastPrice")
		}
		if price == 0 {
			return fmt.Errorf("ticker for %s carries no price", symbol)
		}
		return nil
	})
	return price, err
}

// GetBookTop returns the best bid and ask from the ticker.
func (b *BybitExchange) GetBookTop(ctx context.Context, symbol string) (BookTop, error) {
	var top BookTop
	err := b.withRetry(ctx, "get book top", func() error {
		params := map[string]interface{}{
			"category": b.category,
			"symbol":   symbol,
		}
		result, err := b.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
		if err != nil {
			return err
		}
		data, err := checkResponse(result)
		if err != nil {
			return err
		}
		list, _ := data["list"].([]interface{})
		if len(list) == 0 {
			return fmt.Errorf("no ticker for %s", symbol)
		}
		ticker, _ := list[0].(map[string]interface{})
		top = BookTop{
			Bid: parseFloatField(ticker, "bid1Price"),
			Ask: parseFloatField(ticker, "ask1Price"),
		}
		if top.Bid == 0 || top.Ask == 0 {
			return fmt.Errorf("ticker for %s carries no book top", symbol)
		}
		return nil
	})
	return top, err
}

// GetFundingRate returns the symbol's current funding rate per settlement
// interval, signed as the venue reports it (longs pay when positive).
func (b *BybitExchange) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	var rate float64
	err := b.withRetry(ctx, "get funding rate", func() error {
		params := map[string]interface{}{
			"category": b.category,
			"symbol":   symbol,
		}
		result, err := b.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
		if err != nil {
			return err
		}
		data, err := checkResponse(result)
		if err != nil {
			return err
		}
		list, _ := data["list"].([]interface{})
		if len(list) == 0 {
			return fmt.Errorf("no ticker for %s", symbol)
		}
		ticker, _ := list[0].(map[string]interface{})
		rate = parseFloatField(ticker, "fundingRate")
		return nil
	})
	return rate, err
}

// GetEquity returns total and available unified-account equity.
func (b *BybitExchange) GetEquity(ctx context.Context) (Equity, error) {
	var eq Equity
	err := b.withRetry(ctx, "get equity", func() error {
		params := map[string]interface{}{
			"accountType": "UNIFIED",
		}
		result, err := b.client.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
		if err != nil {
			return err
		}
		data, err := checkResponse(result)
		if err != nil {
			return err
		}
		list, _ := data["list"].([]interface{})
		if len(list) == 0 {
			return fmt.Errorf("empty wallet response")
		}
		account, _ := list[0].(map[string]interface{})
		eq = Equity{
			Total:     parseFloatField(account, "totalEquity"),
			Available: parseFloatField(account, "totalAvailableBalance"),
		}
		return nil
	})
	return eq, err
}

// GetPositions returns the non-empty positions for one symbol.
func (b *BybitExchange) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	var positions []Position
	err := b.withRetry(ctx, "get positions", func() error {
		params := map[string]interface{}{
			"category": b.category,
			"symbol":   symbol,
		}
		result, err := b.client.NewUtaBybitServiceWithParams(params).GetPositionList(ctx)
		if err != nil {
			return err
		}
		data, err := checkResponse(result)
		if err != nil {
			return err
		}
		list, _ := data["list"].([]interface{})
		positions = positions[:0]
		for _, item := range list {
			pos, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			size := parseFloatField(pos, "size")
			if size == 0 {
				continue
			}
			side := "LONG"
			if s, _ := pos["side"].(string); s == "Sell" {
				side = "SHORT"
			}
			sym, _ := pos["symbol"].(string)
			positions = append(positions, Position{
				Symbol:        sym,
				Side:          side,
				Size:          size,
				EntryPrice:    parseFloatField(pos, "avgPrice"),
				MarkPrice:     parseFloatField(pos, "markPrice"),
				UnrealizedPnL: parseFloatField(pos, "unrealisedPnl"),
				Leverage:      parseFloatField(pos, "leverage"),
				LiqPrice:      parseFloatField(pos, "liqPrice"),
			})
		}
		return nil
	})
	return positions, err
}

// GetInstrumentInfo fetches tick size, qty step and minimums for a symbol.
// The instruments-info endpoint is public, so this goes through plain HTTP
// and the result is cached for the life of the process.
func (b *BybitExchange) GetInstrumentInfo(ctx context.Context, symbol string) (InstrumentInfo, error) {
	b.instrumentMu.RLock()
	if info, ok := b.instrumentCache[symbol]; ok {
		b.instrumentMu.RUnlock()
		return info, nil
	}
	b.instrumentMu.RUnlock()

	url := fmt.Sprintf("https://api.bybit.com/v5/market/instruments-info?category=%s&symbol=%s", b.category, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return InstrumentInfo{}, fmt.Errorf("build instruments-info request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return InstrumentInfo{}, fmt.Errorf("fetch instruments-info: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return InstrumentInfo{}, fmt.Errorf("read instruments-info: %w", err)
	}

	var parsed struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
				LotSizeFilter struct {
					QtyStep        string `json:"qtyStep"`
					MinOrderQty    string `json:"minOrderQty"`
					MinNotionalVal string `json:"minNotionalValue"`
				} `json:"lotSizeFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return InstrumentInfo{}, fmt.Errorf("parse instruments-info: %w", err)
	}
	if parsed.RetCode != 0 {
		return InstrumentInfo{}, newRejected(parsed.RetCode, parsed.RetMsg)
	}
	if len(parsed.Result.List) == 0 {
		return InstrumentInfo{}, fmt.Errorf("no instrument info for %s", symbol)
	}

	item := parsed.Result.List[0]
	tickSize, _ := strconv.ParseFloat(item.PriceFilter.TickSize, 64)
	qtyStep, _ := strconv.ParseFloat(item.LotSizeFilter.QtyStep, 64)
	minQty, _ := strconv.ParseFloat(item.LotSizeFilter.MinOrderQty, 64)
	minNotional, _ := strconv.ParseFloat(item.LotSizeFilter.MinNotionalVal, 64)
	if tickSize <= 0 {
		tickSize = 0.01
	}
	if qtyStep <= 0 {
		qtyStep = 1
	}

	info := InstrumentInfo{
		Symbol:      symbol,
		TickSize:    tickSize,
		QtyStep:     qtyStep,
		MinQty:      minQty,
		MinNotional: minNotional,
	}

	b.instrumentMu.Lock()
	b.instrumentCache[symbol] = info
	b.instrumentMu.Unlock()

	logger.Infof("[Bybit] %s constraints: tick=%v step=%v minQty=%v minNotional=%v",
		symbol, tickSize, qtyStep, minQty, minNotional)
	return info, nil
}

// SetLeverage sets buy and sell leverage. An already-at-target refusal
// surfaces as a leverage_unsupported rejection for the caller to tolerate.
func (b *BybitExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return b.withRetry(ctx, "set leverage", func() error {
		params := map[string]interface{}{
			"category":     b.category,
			"symbol":       symbol,
			"buyLeverage":  fmt.Sprintf("%d", leverage),
			"sellLeverage": fmt.Sprintf("%d", leverage),
		}
		result, err := b.client.NewUtaBybitServiceWithParams(params).SetPositionLeverage(ctx)
		if err != nil {
			if strings.Contains(err.Error(), "leverage not modified") {
				return &RejectedError{Reason: RejectLeverageUnsupported, Code: 110043, Msg: err.Error()}
			}
			return err
		}
		if result.RetCode != 0 {
			return newRejected(result.RetCode, result.RetMsg)
		}
		return nil
	})
}

// PlaceOrder places a limit order, PostOnly when requested. Quantity and
// price are formatted against the cached instrument constraints.
func (b *BybitExchange) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	info, err := b.GetInstrumentInfo(ctx, req.Symbol)
	if err != nil {
		return OrderResult{}, err
	}

	qtyStr := formatByStep(req.Qty, info.QtyStep)
	priceStr := formatByStep(req.Price, info.TickSize)

	var out OrderResult
	err = b.withRetry(ctx, "place order", func() error {
		params := map[string]interface{}{
			"category":    b.category,
			"symbol":      req.Symbol,
			"side":        string(req.Side),
			"orderType":   "Limit",
			"qty":         qtyStr,
			"price":       priceStr,
			"positionIdx": 0,
		}
		if req.PostOnly {
			params["timeInForce"] = "PostOnly"
		}
		if req.ReduceOnly {
			params["reduceOnly"] = true
		}
		if req.LinkID != "" {
			params["orderLinkId"] = req.LinkID
		}

		result, err := b.client.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
		if err != nil {
			return err
		}
		data, err := checkResponse(result)
		if err != nil {
			return err
		}
		orderID, _ := data["orderId"].(string)
		linkID, _ := data["orderLinkId"].(string)
		out = OrderResult{OrderID: orderID, LinkID: linkID}
		return nil
	})
	return out, err
}

// CancelOrder cancels one resting order by venue id.
func (b *BybitExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return b.withRetry(ctx, "cancel order", func() error {
		params := map[string]interface{}{
			"category": b.category,
			"symbol":   symbol,
			"orderId":  orderID,
		}
		result, err := b.client.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
		if err != nil {
			return err
		}
		if result.RetCode != 0 {
			return newRejected(result.RetCode, result.RetMsg)
		}
		return nil
	})
}

// CancelAll cancels every resting order on the symbol.
func (b *BybitExchange) CancelAll(ctx context.Context, symbol string) error {
	return b.withRetry(ctx, "cancel all", func() error {
		params := map[string]interface{}{
			"category": b.category,
			"symbol":   symbol,
		}
		result, err := b.client.NewUtaBybitServiceWithParams(params).CancelAllOrders(ctx)
		if err != nil {
			return err
		}
		if result.RetCode != 0 {
			return newRejected(result.RetCode, result.RetMsg)
		}
		return nil
	})
}

// GetOpenOrders returns the resting orders for one symbol.
func (b *BybitExchange) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	var orders []OpenOrder
	err := b.withRetry(ctx, "get open orders", func() error {
		params := map[string]interface{}{
			"category":    b.category,
			"symbol":      symbol,
			"orderFilter": "Order",
		}
		result, err := b.client.NewUtaBybitServiceWithParams(params).GetOpenOrders(ctx)
		if err != nil {
			return err
		}
		data, err := checkResponse(result)
		if err != nil {
			return err
		}
		list, _ := data["list"].([]interface{})
		orders = orders[:0]
		for _, item := range list {
			order, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			orderID, _ := order["orderId"].(string)
			linkID, _ := order["orderLinkId"].(string)
			sideStr, _ := order["side"].(string)
			orders = append(orders, OpenOrder{
				OrderID: orderID,
				LinkID:  linkID,
				Side:    Side(sideStr),
				Price:   parseFloatField(order, "price"),
				Qty:     parseFloatField(order, "qty"),
			})
		}
		return nil
	})
	return orders, err
}

// GetOrderStatus looks one order up in the order history and returns its
// state in the unified vocabulary.
func (b *BybitExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderStatus, error) {
	var status OrderStatus
	err := b.withRetry(ctx, "get order status", func() error {
		params := map[string]interface{}{
			"category": b.category,
			"symbol":   symbol,
			"orderId":  orderID,
		}
		result, err := b.client.NewUtaBybitServiceWithParams(params).GetOrderHistory(ctx)
		if err != nil {
			return err
		}
		data, err := checkResponse(result)
		if err != nil {
			return err
		}
		list, _ := data["list"].([]interface{})
		if len(list) == 0 {
			return fmt.Errorf("order %s not found", orderID)
		}
		order, _ := list[0].(map[string]interface{})
		raw, _ := order["orderStatus"].(string)

		unified := raw
		switch raw {
		case "Filled":
			unified = "FILLED"
		case "New", "Created":
			unified = "NEW"
		case "Cancelled", "Rejected":
			unified = "CANCELED"
		case "PartiallyFilled":
			unified = "PARTIALLY_FILLED"
		}

		updatedAt := time.Now()
		if s, _ := order["updatedTime"].(string); s != "" {
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
				updatedAt = time.UnixMilli(ms)
			}
		}

		status = OrderStatus{
			OrderID:     orderID,
			Status:      unified,
			AvgPrice:    parseFloatField(order, "avgPrice"),
			ExecutedQty: parseFloatField(order, "cumExecQty"),
			Fee:         parseFloatField(order, "cumExecFee"),
			UpdatedAt:   updatedAt,
		}
		return nil
	})
	return status, err
}

// formatByStep aligns v down to the step grid and renders it with the
// step's decimal precision.
func formatByStep(v, step float64) string {
	if step <= 0 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	aligned := math.Floor(v/step+1e-9) * step

	decimals := 0
	if step < 1 {
		stepStr := strconv.FormatFloat(step, 'f', -1, 64)
		if idx := strings.Index(stepStr, "."); idx >= 0 {
			decimals = len(stepStr) - idx - 1
		}
	}
	return strconv.FormatFloat(aligned, 'f', decimals, 64)
}
