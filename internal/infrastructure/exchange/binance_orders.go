package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vitos/futures_ladder/internal/domain"
	"go.uber.org/zap"
)

var stopOrderTypes = map[string]bool{
	"STOP_MARKET":        true,
	"TAKE_PROFIT_MARKET": true,
	"STOP":               true,
	"TAKE_PROFIT":        true,
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	OrigType      string `json:"origType"`
	AvgPrice      string `json:"avgPrice"`
	ExecutedQty   string `json:"executedQty"`
	ReduceOnly    bool   `json:"reduceOnly"`
	ClosePosition bool   `json:"closePosition"`
	UpdateTime    int64  `json:"updateTime"`
}

func (o orderResponse) fill() *domain.Fill {
	return &domain.Fill{
		OrderID:   strconv.FormatInt(o.OrderID, 10),
		Symbol:    o.Symbol,
		Side:      domain.Side(o.Side),
		Price:     parseFloat(o.AvgPrice),
		Quantity:  parseFloat(o.ExecutedQty),
		Timestamp: time.UnixMilli(o.UpdateTime),
	}
}

func (o orderResponse) filled() bool {
	return o.Status == "FILLED" && parseFloat(o.AvgPrice) > 0 && parseFloat(o.ExecutedQty) > 0
}

type symbolFilters struct {
	tickSize decimal.Decimal
	stepSize decimal.Decimal
}

func (b *BinanceFutures) clientOrderID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return b.opts.ClientOrderTag + "-" + id[:20]
}

func (b *BinanceFutures) symbolFilters(ctx context.Context, symbol string) (symbolFilters, error) {
	b.filterMu.Lock()
	f, ok := b.filters[symbol]
	b.filterMu.Unlock()
	if ok {
		return f, nil
	}

	body, err := b.public(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return symbolFilters{}, err
	}
	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return symbolFilters{}, err
	}

	b.filterMu.Lock()
	defer b.filterMu.Unlock()
	for _, s := range info.Symbols {
		var sf symbolFilters
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "PRICE_FILTER":
				sf.tickSize, _ = decimal.NewFromString(flt.TickSize)
			case "LOT_SIZE":
				sf.stepSize, _ = decimal.NewFromString(flt.StepSize)
			}
		}
		b.filters[s.Symbol] = sf
	}
	f, ok = b.filters[symbol]
	if !ok {
		return symbolFilters{}, fmt.Errorf("exchangeInfo: symbol %s not found", symbol)
	}
	return f, nil
}

// formatPrice floors price to the symbol tick size.
func (b *BinanceFutures) formatPrice(ctx context.Context, symbol string, price float64) string {
	p := decimal.NewFromFloat(price)
	f, err := b.symbolFilters(ctx, symbol)
	if err != nil {
		b.logger.Warn("Symbol filters unavailable, sending raw price", zap.String("symbol", symbol), zap.Error(err))
		return p.String()
	}
	if f.tickSize.IsPositive() {
		p = p.Div(f.tickSize).Floor().Mul(f.tickSize)
	}
	return p.String()
}

func formatQty(qty float64) string {
	return decimal.NewFromFloat(qty).String()
}

func (b *BinanceFutures) submitOrder(ctx context.Context, params url.Values) (*orderResponse, error) {
	params.Set("newClientOrderId", b.clientOrderID())
	params.Set("newOrderRespType", "RESULT")
	body, err := b.signed(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}
	var res orderResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (b *BinanceFutures) queryOrder(ctx context.Context, symbol, orderID string) (*orderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	body, err := b.signed(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}
	var res orderResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// awaitFill polls the order detail until avg price and executed quantity are
// reported, up to FillPollAttempts times.
func (b *BinanceFutures) awaitFill(ctx context.Context, symbol string, placed *orderResponse) (*domain.Fill, error) {
	if placed.filled() {
		return placed.fill(), nil
	}
	orderID := strconv.FormatInt(placed.OrderID, 10)
	var lastErr error
	for attempt := 0; attempt < b.opts.FillPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.opts.FillPollDelay):
		}
		res, err := b.queryOrder(ctx, symbol, orderID)
		if err != nil {
			lastErr = err
			continue
		}
		if res.filled() {
			return res.fill(), nil
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: order %s: %v", domain.ErrNotFilled, orderID, lastErr)
	}
	return nil, fmt.Errorf("%w: order %s", domain.ErrNotFilled, orderID)
}

func (b *BinanceFutures) marketParams(symbol string, side domain.Side, qty float64, reduceOnly bool) url.Values {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", formatQty(qty))
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}
	return params
}

func (b *BinanceFutures) OpenMarketOrder(ctx context.Context, symbol string, side domain.Side, qty float64) (*domain.Fill, error) {
	placed, err := b.submitOrder(ctx, b.marketParams(symbol, side, qty, false))
	if err != nil {
		return nil, err
	}

	fill, err := b.awaitFill(ctx, symbol, placed)
	if err != nil {
		// Never leave an unconfirmed exposure behind.
		b.logger.Error("Open not confirmed, sending reduce-only close",
			zap.String("symbol", symbol), zap.Int64("order_id", placed.OrderID), zap.Error(err))
		if _, cerr := b.submitOrder(ctx, b.marketParams(symbol, side.Opposite(), qty, true)); cerr != nil {
			b.logger.Error("Safety close failed", zap.String("symbol", symbol), zap.Error(cerr))
		}
		return nil, err
	}
	fill.Side = side
	return fill, nil
}

func (b *BinanceFutures) ClosePosition(ctx context.Context, symbol string, side domain.Side, qty float64) (*domain.Fill, error) {
	placed, err := b.submitOrder(ctx, b.marketParams(symbol, side.Opposite(), qty, true))
	if err != nil {
		return nil, err
	}
	return b.awaitFill(ctx, symbol, placed)
}

func (b *BinanceFutures) PlaceStop(ctx context.Context, symbol string, side domain.Side, stopPrice, qty float64) (string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side.Opposite()))
	params.Set("type", "STOP_MARKET")
	params.Set("stopPrice", b.formatPrice(ctx, symbol, stopPrice))
	params.Set("quantity", formatQty(qty))
	params.Set("reduceOnly", "true")
	params.Set("workingType", "MARK_PRICE")

	placed, err := b.submitOrder(ctx, params)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(placed.OrderID, 10), nil
}

// CancelStops batch-cancels stop orders. Orders already gone count as cancelled.
func (b *BinanceFutures) CancelStops(ctx context.Context, symbol string, stopOrderIDs []string) error {
	if len(stopOrderIDs) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(stopOrderIDs))
	for _, s := range stopOrderIDs {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid stop order id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	list, _ := json.Marshal(ids)

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderIdList", string(list))
	body, err := b.signed(ctx, http.MethodDelete, "/fapi/v1/batchOrders", params)
	if err != nil {
		return err
	}

	var results []struct {
		OrderID int64  `json:"orderId"`
		Code    int    `json:"code"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(body, &results); err != nil {
		return err
	}
	for _, r := range results {
		if r.Code != 0 && r.Code != codeUnknownOrder {
			return &APIError{Status: http.StatusOK, Code: r.Code, Message: r.Msg}
		}
	}
	return nil
}

func (b *BinanceFutures) VerifyOrder(ctx context.Context, symbol, orderID string) (*domain.Fill, error) {
	res, err := b.queryOrder(ctx, symbol, orderID)
	if err != nil {
		return nil, err
	}
	if !res.filled() {
		return nil, fmt.Errorf("%w: order %s status %s", domain.ErrNotFilled, orderID, res.Status)
	}
	return res.fill(), nil
}

// RecentFilledOrder returns the latest filled order on side, reconstructed
// from trade history.
func (b *BinanceFutures) RecentFilledOrder(ctx context.Context, symbol string, side domain.Side) (*domain.Fill, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", "20")
	body, err := b.signed(ctx, http.MethodGet, "/fapi/v1/userTrades", params)
	if err != nil {
		return nil, err
	}
	var trades []struct {
		OrderID int64  `json:"orderId"`
		Side    string `json:"side"`
		Time    int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &trades); err != nil {
		return nil, err
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].Time > trades[j].Time })
	for _, t := range trades {
		if domain.Side(t.Side) == side {
			return b.VerifyOrder(ctx, symbol, strconv.FormatInt(t.OrderID, 10))
		}
	}
	return nil, fmt.Errorf("%w: no %s trade for %s", domain.ErrNotFound, side, symbol)
}

func (b *BinanceFutures) positions(ctx context.Context, symbol string) ([]domain.Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := b.signed(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
		MarkPrice   string `json:"markPrice"`
		Leverage    string `json:"leverage"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	var out []domain.Position
	for _, p := range raw {
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := domain.SideBuy
		if amt < 0 {
			side = domain.SideSell
			amt = -amt
		}
		lev, _ := strconv.Atoi(p.Leverage)
		out = append(out, domain.Position{
			Symbol:     p.Symbol,
			Side:       side,
			Size:       amt,
			EntryPrice: parseFloat(p.EntryPrice),
			MarkPrice:  parseFloat(p.MarkPrice),
			Leverage:   lev,
		})
	}
	return out, nil
}

func (b *BinanceFutures) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	pos, err := b.positions(ctx, symbol)
	if err != nil {
		return false, err
	}
	return len(pos) > 0, nil
}

// Positions lists the open positions of symbol.
func (b *BinanceFutures) Positions(ctx context.Context, symbol string) ([]domain.Position, error) {
	return b.positions(ctx, symbol)
}

func (b *BinanceFutures) WalletBalance(ctx context.Context) (float64, error) {
	body, err := b.signed(ctx, http.MethodGet, "/fapi/v2/balance", nil)
	if err != nil {
		return 0, err
	}
	var balances []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &balances); err != nil {
		return 0, err
	}
	for _, bal := range balances {
		if bal.Asset == quoteAsset {
			return parseFloat(bal.AvailableBalance), nil
		}
	}
	return 0, nil
}

// RecentStopFills lists filled reduce-only stop and take-profit orders.
func (b *BinanceFutures) RecentStopFills(ctx context.Context, symbol string, limit int) ([]domain.ExecutionEvent, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	body, err := b.signed(ctx, http.MethodGet, "/fapi/v1/allOrders", params)
	if err != nil {
		return nil, err
	}
	var orders []orderResponse
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, err
	}

	var events []domain.ExecutionEvent
	for _, o := range orders {
		if o.Status != "FILLED" || !(o.ReduceOnly || o.ClosePosition) {
			continue
		}
		if !stopOrderTypes[o.OrigType] && !stopOrderTypes[o.Type] {
			continue
		}
		events = append(events, domain.ExecutionEvent{
			UserID:        b.userID,
			Symbol:        o.Symbol,
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Side:          domain.Side(o.Side),
			OrderType:     o.OrigType,
			AvgPrice:      parseFloat(o.AvgPrice),
			Quantity:      parseFloat(o.ExecutedQty),
			Time:          time.UnixMilli(o.UpdateTime),
		})
	}
	return events, nil
}

// PrepareSymbol switches the account to one-way mode and sets leverage for
// symbol. Both are cached per client.
func (b *BinanceFutures) PrepareSymbol(ctx context.Context, symbol string, leverage int) error {
	b.prepMu.Lock()
	defer b.prepMu.Unlock()

	if !b.oneWayModeOK {
		params := url.Values{}
		params.Set("dualSidePosition", "false")
		_, err := b.signed(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", params)
		if err != nil && apiCode(err) != codeNoNeedToChange {
			return fmt.Errorf("set position mode: %w", err)
		}
		b.oneWayModeOK = true
	}

	if b.prepared[symbol] == leverage {
		return nil
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := b.signed(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	if err != nil && apiCode(err) != codeLeverageNoChange {
		return fmt.Errorf("set leverage %s: %w", symbol, err)
	}
	b.prepared[symbol] = leverage
	return nil
}
