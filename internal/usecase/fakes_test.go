package usecase_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vitos/futures_ladder/internal/config"
	"github.com/vitos/futures_ladder/internal/domain"
	"github.com/vitos/futures_ladder/internal/infrastructure/storage"
	"github.com/vitos/futures_ladder/internal/usecase"
	"go.uber.org/zap"
)

type stopCall struct {
	Side      domain.Side
	StopPrice float64
	Qty       float64
	// StoredStopID is the order's persisted stop id when the call was made.
	StoredStopID string
}

// MockExchange is an in-memory futures account.
type MockExchange struct {
	mu sync.Mutex

	price      float64
	balance    float64
	nextID     int
	candles    []domain.Candle
	openErr    error
	stopErr    error
	position   bool
	recentFill *domain.Fill
	stopFills  []domain.ExecutionEvent

	opens      []float64
	stops      []stopCall
	cancels    []string
	closes     int
	liveStops  map[string]bool
	maxLive    int
	onPlace    func() string
	cancelHook func()
}

func NewMockExchange(price float64) *MockExchange {
	return &MockExchange{price: price, balance: 1e6, liveStops: make(map[string]bool)}
}

func (m *MockExchange) SetPrice(p float64) {
	m.mu.Lock()
	m.price = p
	m.mu.Unlock()
}

func (m *MockExchange) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *MockExchange) OpenMarketOrder(ctx context.Context, symbol string, side domain.Side, qty float64) (*domain.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens = append(m.opens, qty)
	if m.openErr != nil {
		return nil, m.openErr
	}
	return &domain.Fill{OrderID: m.id("o"), Symbol: symbol, Side: side, Price: m.price, Quantity: qty, Timestamp: time.Now()}, nil
}

func (m *MockExchange) ClosePosition(ctx context.Context, symbol string, side domain.Side, qty float64) (*domain.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return &domain.Fill{OrderID: m.id("c"), Symbol: symbol, Side: side.Opposite(), Price: m.price, Quantity: qty, Timestamp: time.Now()}, nil
}

func (m *MockExchange) PlaceStop(ctx context.Context, symbol string, side domain.Side, stopPrice, qty float64) (string, error) {
	m.mu.Lock()
	hook := m.onPlace
	m.mu.Unlock()
	stored := ""
	if hook != nil {
		stored = hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops = append(m.stops, stopCall{Side: side, StopPrice: stopPrice, Qty: qty, StoredStopID: stored})
	if m.stopErr != nil {
		return "", m.stopErr
	}
	id := m.id("s")
	m.liveStops[id] = true
	if len(m.liveStops) > m.maxLive {
		m.maxLive = len(m.liveStops)
	}
	return id, nil
}

func (m *MockExchange) CancelStops(ctx context.Context, symbol string, ids []string) error {
	m.mu.Lock()
	hook := m.cancelHook
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.cancels = append(m.cancels, id)
		delete(m.liveStops, id)
	}
	return nil
}

func (m *MockExchange) VerifyOrder(ctx context.Context, symbol, orderID string) (*domain.Fill, error) {
	return nil, domain.ErrNotFilled
}

func (m *MockExchange) RecentFilledOrder(ctx context.Context, symbol string, side domain.Side) (*domain.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recentFill == nil {
		return nil, domain.ErrNotFound
	}
	return m.recentFill, nil
}

func (m *MockExchange) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position, nil
}

func (m *MockExchange) WalletBalance(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}

func (m *MockExchange) Price(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.price, nil
}

func (m *MockExchange) DailyCandles(ctx context.Context, symbol string, days int) ([]domain.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.candles, nil
}

func (m *MockExchange) Candles(ctx context.Context, symbol, interval string, start, end time.Time) ([]domain.Candle, error) {
	return m.DailyCandles(ctx, symbol, 1)
}

func (m *MockExchange) RecentStopFills(ctx context.Context, symbol string, limit int) ([]domain.ExecutionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopFills, nil
}

func (m *MockExchange) PrepareSymbol(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (m *MockExchange) snapshot() (stops []stopCall, cancels []string, closes, maxLive int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]stopCall(nil), m.stops...), append([]string(nil), m.cancels...), m.closes, m.maxLive
}

type mockClients struct {
	ex *MockExchange
}

func (c mockClients) Client(userID int64) (domain.Exchange, error) { return c.ex, nil }
func (c mockClients) Dummy() domain.Exchange                       { return c.ex }

// MockNotifier records notifications.
type MockNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (n *MockNotifier) Notify(ctx context.Context, msg domain.Notification) {
	n.mu.Lock()
	n.sent = append(n.sent, msg)
	n.mu.Unlock()
}

func (n *MockNotifier) Count(kind domain.NotificationKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, msg := range n.sent {
		if msg.Kind == kind {
			c++
		}
	}
	return c
}

type harness struct {
	store    *storage.SQLiteStore
	ex       *MockExchange
	notifier *MockNotifier
	svc      *usecase.OrderService
	token    *domain.Token
	root     *domain.Strategy
	user     *domain.User
	ladder   []*domain.Target
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		PriceWatchInterval: time.Hour,
		ReconcileInterval:  time.Hour,
		ReconcileLimit:     50,
		StopRetryAttempts:  3,
		CancelRetryAttempt: 2,
		SeenCapacity:       100,
		TakerFeeRate:       0.0004,
		OpenConcurrency:    4,
	}
}

// newHarness seeds BTCUSDT (minQty 0.001, leverage 3), one root strategy
// with a two-rung ladder (5%/2% then 10%/-3%) and one subscribed user.
func newHarness(t *testing.T, price float64) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store:    store,
		ex:       NewMockExchange(price),
		notifier: &MockNotifier{},
		token:    &domain.Token{Symbol: "BTC", QuoteAsset: "USDT", MinQty: 0.001, Leverage: 3, Active: true},
		root:     &domain.Strategy{Description: "daily", Contribution: 10, Active: true, Direction: domain.DirectionSame, Timeframe: "1d"},
		user:     &domain.User{Name: "alice", Active: true, APIKey: "k", APISecret: "s", TradeBalance: 15000, ChatID: 1},
	}
	require.NoError(t, store.SaveToken(ctx, h.token))
	require.NoError(t, store.SaveStrategy(ctx, h.root))
	require.NoError(t, store.SaveUser(ctx, h.user))
	require.NoError(t, store.Subscribe(ctx, h.user.ID, h.token.ID, h.root.ID))
	h.ladder = h.seedLadder(t, h.root.ID, [][2]float64{{5, 2}, {10, -3}})

	h.svc = usecase.NewOrderService(store, store, store, mockClients{ex: h.ex}, h.notifier, testEngineConfig(), zap.NewNop())
	t.Cleanup(h.svc.Stop)
	return h
}

func (h *harness) seedLadder(t *testing.T, strategyID int64, rungs [][2]float64) []*domain.Target {
	t.Helper()
	var out []*domain.Target
	for _, r := range rungs {
		tg := &domain.Target{TokenID: h.token.ID, StrategyID: strategyID, TargetPercent: r[0], StoplossPercent: r[1]}
		require.NoError(t, h.store.SaveTarget(context.Background(), tg))
		out = append(out, tg)
	}
	return out
}

// openOne opens the root strategy and returns the single ACTIVE order.
func (h *harness) openOne(t *testing.T, side domain.Side) *domain.Order {
	t.Helper()
	ctx := context.Background()
	n, err := h.svc.OpenStrategy(ctx, h.token.ID, h.root.ID, side)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	active, err := h.store.ListActiveOrders(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	return active[0]
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	h.svc.Watcher().Check(context.Background(), h.token.ID, h.token.Pair())
	h.svc.Wait()
}

func (h *harness) order(t *testing.T, id int64) *domain.Order {
	t.Helper()
	o, err := h.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}
