package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/vitos/futures_ladder/internal/config"
	"github.com/vitos/futures_ladder/internal/domain"
	"github.com/vitos/futures_ladder/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrOrderBusy = errors.New("order is being processed")

// ClientProvider selects the exchange client of a user.
type ClientProvider interface {
	Client(userID int64) (domain.Exchange, error)
	Dummy() domain.Exchange
}

// ChainScope says who a closed root order chains its trigger strategy for.
type ChainScope int

const (
	ChainNone ChainScope = iota
	ChainUser
	ChainAll
)

// CloseRequest describes how an order leaves the ACTIVE state.
type CloseRequest struct {
	Reason domain.CloseReason
	Status domain.OrderStatus
	// ExitPrice is the already known fill price of a stop or manual close.
	ExitPrice float64
	// StopFilled skips the market close and the stop cancel: the exchange
	// already closed the position.
	StopFilled bool
	// PositionClosed skips the market close only.
	PositionClosed bool
	Chain          ChainScope
}

// OrderService is the order lifecycle state machine. It is the only writer
// of the TargetIndex and the order store.
type OrderService struct {
	orders     domain.OrderRepository
	strategies domain.StrategyRepository
	users      domain.UserRepository
	clients    ClientProvider
	notifier   domain.Notifier
	cfg        config.EngineConfig
	logger     *zap.Logger

	index    *TargetIndex
	inflight *InFlight
	seen     *RecentSet
	watcher  *PriceWatcher

	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrderService(
	orders domain.OrderRepository,
	strategies domain.StrategyRepository,
	users domain.UserRepository,
	clients ClientProvider,
	notifier domain.Notifier,
	cfg config.EngineConfig,
	logger *zap.Logger,
) *OrderService {
	ctx, cancel := context.WithCancel(context.Background())
	s := &OrderService{
		orders:     orders,
		strategies: strategies,
		users:      users,
		clients:    clients,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger,
		index:      NewTargetIndex(),
		inflight:   NewInFlight(),
		seen:       NewRecentSet(cfg.SeenCapacity),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.watcher = NewPriceWatcher(clients.Dummy(), s.index, s.inflight, s.HandleTargetHit, cfg.PriceWatchInterval, logger)
	return s
}

func (s *OrderService) Index() *TargetIndex {
	return s.index
}

func (s *OrderService) Watcher() *PriceWatcher {
	return s.watcher
}

// Wait blocks until scheduled trigger chains and dispatched ticks finish.
func (s *OrderService) Wait() {
	s.watcher.Wait()
	s.wg.Wait()
}

// Stop cancels pending trigger chains and every price watch.
func (s *OrderService) Stop() {
	s.cancel()
	s.watcher.StopAll()
	s.wg.Wait()
}

// OpenStrategy opens one order per eligible user of (token, strategy) that
// does not already hold an ACTIVE order for the pair.
func (s *OrderService) OpenStrategy(ctx context.Context, tokenID, strategyID int64, side domain.Side) (int, error) {
	token, err := s.strategies.GetToken(ctx, tokenID)
	if err != nil {
		return 0, err
	}
	strategy, err := s.strategies.GetStrategy(ctx, strategyID)
	if err != nil {
		return 0, err
	}

	users, err := s.users.ListEligibleUsers(ctx, token.ID, rootID(strategy))
	if err != nil {
		return 0, fmt.Errorf("eligible users: %w", err)
	}
	active, err := s.orders.ListActiveOrdersByToken(ctx, token.ID)
	if err != nil {
		return 0, fmt.Errorf("active orders: %w", err)
	}
	holding := make(map[int64]bool)
	for _, o := range active {
		if o.StrategyID == strategy.ID {
			holding[o.UserID] = true
		}
	}
	var pending []*domain.User
	for _, u := range users {
		if !holding[u.ID] {
			pending = append(pending, u)
		}
	}
	return s.open(ctx, token, strategy, side, pending)
}

func rootID(st *domain.Strategy) int64 {
	if st.ParentID != nil {
		return *st.ParentID
	}
	return st.ID
}

// open resolves the ladder once and opens for every user independently.
func (s *OrderService) open(ctx context.Context, token *domain.Token, strategy *domain.Strategy, side domain.Side, users []*domain.User) (int, error) {
	if len(users) == 0 {
		return 0, nil
	}
	ladder, err := s.strategies.ListTargets(ctx, token.ID, strategy.ID)
	if err != nil {
		return 0, fmt.Errorf("ladder: %w", err)
	}
	if len(ladder) == 0 {
		s.alert(ctx, 0, 0, token.Pair(), fmt.Sprintf("strategy %d has no targets for %s, open skipped", strategy.ID, token.Pair()))
		return 0, domain.ErrTargetNotFound
	}

	var (
		mu     sync.Mutex
		opened int
	)
	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.OpenConcurrency > 0 {
		g.SetLimit(s.cfg.OpenConcurrency)
	}
	for _, u := range users {
		u := u
		g.Go(func() error {
			ok, err := s.openForUser(gctx, token, strategy, ladder[0], side, u)
			if err != nil {
				s.logger.Error("Open failed", zap.Int64("user_id", u.ID), zap.String("symbol", token.Pair()), zap.Error(err))
			}
			if ok {
				mu.Lock()
				opened++
				mu.Unlock()
			}
			// one user's failure never stops the others
			return nil
		})
	}
	_ = g.Wait()
	return opened, nil
}

func (s *OrderService) openForUser(ctx context.Context, token *domain.Token, strategy *domain.Strategy, first *domain.Target, side domain.Side, user *domain.User) (bool, error) {
	symbol := token.Pair()
	log := s.logger.With(zap.Int64("user_id", user.ID), zap.String("symbol", symbol), zap.Int64("strategy_id", strategy.ID))

	client, err := s.clients.Client(user.ID)
	if err != nil {
		return false, err
	}
	count, err := s.users.CountUserStrategies(ctx, user.ID, token.ID)
	if err != nil {
		return false, fmt.Errorf("strategy count: %w", err)
	}
	price, err := client.Price(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("price: %w", err)
	}

	size, err := SizeOrder(user.TradeBalance, strategy.Contribution, count, price, token)
	if err == nil {
		var balance float64
		balance, err = client.WalletBalance(ctx)
		if err != nil {
			return false, fmt.Errorf("wallet balance: %w", err)
		}
		if balance < size.Budget {
			err = fmt.Errorf("balance %.2f < budget %.2f: %w", balance, size.Budget, domain.ErrInsufficientBalance)
		}
	}
	if domain.IsSizingError(err) {
		log.Info("User skipped", zap.Error(err))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := client.PrepareSymbol(ctx, symbol, token.Leverage); err != nil {
		return false, fmt.Errorf("prepare symbol: %w", err)
	}

	started := s.now()
	fill, err := client.OpenMarketOrder(ctx, symbol, side, size.Quantity)
	if err != nil {
		fill = s.recoverOpen(ctx, client, user.ID, token, side, size.Quantity, started, log)
		if fill == nil {
			s.alert(ctx, user.ID, 0, symbol, fmt.Sprintf("open %s %s qty %v failed: %v", side, symbol, size.Quantity, err))
			return false, err
		}
	}

	order := &domain.Order{
		ExchangeOrderID: fill.OrderID,
		UserID:          user.ID,
		TokenID:         token.ID,
		StrategyID:      strategy.ID,
		Symbol:          symbol,
		Side:            side,
		EntryPrice:      fill.Price,
		Quantity:        fill.Quantity,
		Budget:          size.Budget,
		Fee:             Fee(fill.Price, fill.Quantity, s.cfg.TakerFeeRate),
		Leverage:        token.Leverage,
		Status:          domain.OrderActive,
		TargetID:        first.ID,
		CreatedAt:       fill.Timestamp,
	}
	if err := s.orders.CreateOrder(ctx, order); err != nil {
		s.alert(ctx, user.ID, 0, symbol, fmt.Sprintf("filled %s %v but persisting failed, closing: %v", symbol, fill.Quantity, err))
		if _, cerr := client.ClosePosition(ctx, symbol, side, fill.Quantity); cerr != nil {
			s.alert(ctx, user.ID, 0, symbol, fmt.Sprintf("safety close of unpersisted %s failed: %v", symbol, cerr))
		}
		return false, err
	}

	s.inflight.TryAcquire(order.ID)
	defer s.inflight.Release(order.ID)

	metrics.OrdersOpened.WithLabelValues(symbol, string(side)).Inc()
	log.Info("Order opened", zap.Int64("order_id", order.ID), zap.String("side", string(side)),
		zap.Float64("entry", order.EntryPrice), zap.Float64("qty", order.Quantity))
	s.notify(ctx, domain.NotifyOpened, order, fmt.Sprintf("Opened %s %s qty %v at %v", side, symbol, order.Quantity, order.EntryPrice))

	stopID, err := s.placeStop(ctx, client, order, first.StoplossPercent)
	if err != nil {
		s.alert(ctx, user.ID, order.ID, symbol, fmt.Sprintf("stop placement failed, force-closing: %v", err))
		if cerr := s.closeOrder(ctx, order, CloseRequest{Reason: domain.CloseUnprotected, Status: domain.OrderFinished}); cerr != nil {
			s.alert(ctx, user.ID, order.ID, symbol, fmt.Sprintf("force-close of unprotected order failed: %v", cerr))
		}
		return true, nil
	}
	order.StopOrderID = stopID
	if err := s.orders.UpdateOrderStop(ctx, order.ID, stopID); err != nil {
		log.Error("Failed to persist stop id", zap.Int64("order_id", order.ID), zap.Error(err))
	}

	s.index.Put(IndexEntry{
		TokenID:      token.ID,
		Symbol:       symbol,
		OrderID:      order.ID,
		UserID:       user.ID,
		Side:         side,
		TargetID:     first.ID,
		TriggerPrice: TriggerPrice(side, order.EntryPrice, first.TargetPercent),
		StopOrderID:  stopID,
	})
	s.watcher.Ensure(token.ID, symbol)
	return true, nil
}

// recoverOpen resolves a rejected open whose outcome is ambiguous: a live
// position plus a fresh, unbooked fill of the requested size means the order
// went through. A fill already booked belongs to another strategy's order.
func (s *OrderService) recoverOpen(ctx context.Context, client domain.Exchange, userID int64, token *domain.Token, side domain.Side, qty float64, started time.Time, log *zap.Logger) *domain.Fill {
	symbol := token.Pair()
	open, err := client.HasOpenPosition(ctx, symbol)
	if err != nil || !open {
		return nil
	}
	fill, err := client.RecentFilledOrder(ctx, symbol, side)
	if err != nil || fill == nil {
		return nil
	}
	// allow for exchange clock skew
	if fill.Timestamp.Before(started.Add(-5 * time.Second)) {
		return nil
	}
	if math.Abs(fill.Quantity-qty) > token.MinQty/2 {
		log.Warn("Recent fill size does not match the rejected open", zap.String("exchange_order_id", fill.OrderID),
			zap.Float64("fill_qty", fill.Quantity), zap.Float64("qty", qty))
		return nil
	}
	booked, err := s.orders.FindOrderByExchangeID(ctx, userID, fill.OrderID)
	if err == nil {
		log.Warn("Recent fill already booked", zap.String("exchange_order_id", fill.OrderID), zap.Int64("order_id", booked.ID))
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		log.Error("Fill lookup failed", zap.String("exchange_order_id", fill.OrderID), zap.Error(err))
		return nil
	}
	log.Warn("Open recovered from trade history", zap.String("exchange_order_id", fill.OrderID))
	return fill
}

func (s *OrderService) placeStop(ctx context.Context, client domain.Exchange, order *domain.Order, stoplossPercent float64) (string, error) {
	stopPrice := StopPrice(order.Side, order.EntryPrice, stoplossPercent)
	var stopID string
	err := retry(ctx, s.cfg.StopRetryAttempts, s.cfg.StopRetryDelay, func(attempt int) error {
		id, err := client.PlaceStop(ctx, order.Symbol, order.Side, stopPrice, order.Quantity)
		if err != nil {
			s.logger.Warn("Stop placement failed", zap.Int64("order_id", order.ID), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		stopID = id
		return nil
	})
	if err != nil {
		metrics.StopFailures.WithLabelValues(order.Symbol, "place").Inc()
	}
	return stopID, err
}

func (s *OrderService) cancelStop(ctx context.Context, client domain.Exchange, order *domain.Order) error {
	err := retry(ctx, s.cfg.CancelRetryAttempt, s.cfg.CancelRetryDelay, func(attempt int) error {
		err := client.CancelStops(ctx, order.Symbol, []string{order.StopOrderID})
		if err != nil {
			s.logger.Warn("Stop cancel failed", zap.Int64("order_id", order.ID), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
	if err != nil {
		metrics.StopFailures.WithLabelValues(order.Symbol, "cancel").Inc()
	}
	return err
}

// HandleTargetHit advances the ladder of entry's order, or closes it at
// take-profit on the final rung.
func (s *OrderService) HandleTargetHit(ctx context.Context, entry IndexEntry, price float64) {
	if !s.inflight.TryAcquire(entry.OrderID) {
		return
	}
	defer s.inflight.Release(entry.OrderID)

	current, ok := s.index.Get(entry.TokenID, entry.OrderID)
	if !ok || !TargetHit(current.Side, price, current.TriggerPrice) {
		return
	}

	order, err := s.orders.GetOrder(ctx, entry.OrderID)
	if err != nil {
		s.alert(ctx, entry.UserID, entry.OrderID, entry.Symbol, fmt.Sprintf("target hit on unknown order: %v", err))
		return
	}
	if order.Status != domain.OrderActive {
		s.dropEntry(order.TokenID, order.ID)
		return
	}
	client, err := s.clients.Client(order.UserID)
	if err != nil {
		s.alert(ctx, order.UserID, order.ID, order.Symbol, err.Error())
		return
	}
	target, err := s.strategies.GetTarget(ctx, order.TargetID)
	if err != nil {
		s.alert(ctx, order.UserID, order.ID, order.Symbol, fmt.Sprintf("current target %d unresolvable: %v", order.TargetID, err))
		return
	}
	next, err := s.strategies.NextTarget(ctx, order.TokenID, order.StrategyID, target.TargetPercent)
	if err != nil {
		s.logger.Error("Next target lookup failed", zap.Int64("order_id", order.ID), zap.Error(err))
		return
	}

	if next == nil {
		err := s.closeOrder(ctx, order, CloseRequest{
			Reason: domain.CloseTakeProfit,
			Status: domain.OrderFinished,
			Chain:  ChainUser,
		})
		if err != nil {
			s.logger.Error("Take-profit close failed", zap.Int64("order_id", order.ID), zap.Error(err))
		}
		return
	}
	s.advance(ctx, client, order, next)
}

// advance replaces the stop with next's and moves the trigger to next's target.
func (s *OrderService) advance(ctx context.Context, client domain.Exchange, order *domain.Order, next *domain.Target) {
	if order.StopOrderID != "" {
		if err := s.cancelStop(ctx, client, order); err != nil {
			// the old stop still protects the position; the next tick retries
			s.alert(ctx, order.UserID, order.ID, order.Symbol, fmt.Sprintf("cancel of stop %s failed: %v", order.StopOrderID, err))
			return
		}
		s.clearStop(ctx, order)
	}

	stopID, err := s.placeStop(ctx, client, order, next.StoplossPercent)
	if err != nil {
		s.alert(ctx, order.UserID, order.ID, order.Symbol, fmt.Sprintf("stop for rung %d failed, force-closing: %v", next.ID, err))
		if cerr := s.closeOrder(ctx, order, CloseRequest{Reason: domain.CloseUnprotected, Status: domain.OrderFinished}); cerr != nil {
			s.alert(ctx, order.UserID, order.ID, order.Symbol, fmt.Sprintf("force-close failed: %v", cerr))
		}
		return
	}
	order.StopOrderID = stopID
	if err := s.orders.UpdateOrderStop(ctx, order.ID, stopID); err != nil {
		s.logger.Error("Failed to persist stop id", zap.Int64("order_id", order.ID), zap.Error(err))
	}
	if err := s.orders.UpdateOrderTarget(ctx, order.ID, next.ID); err != nil {
		s.logger.Error("Failed to persist target", zap.Int64("order_id", order.ID), zap.Error(err))
	}
	order.TargetID = next.ID

	trigger := TriggerPrice(order.Side, order.EntryPrice, next.TargetPercent)
	s.index.Update(order.TokenID, order.ID, func(e *IndexEntry) {
		e.TargetID = next.ID
		e.TriggerPrice = trigger
		e.StopOrderID = stopID
	})

	metrics.LadderAdvances.WithLabelValues(order.Symbol).Inc()
	s.logger.Info("Ladder advanced", zap.Int64("order_id", order.ID), zap.Int64("target_id", next.ID),
		zap.Float64("trigger", trigger), zap.String("stop_order_id", stopID))
	s.notify(ctx, domain.NotifyTargetMoved, order, fmt.Sprintf("%s target moved to %v%%, next trigger %v", order.Symbol, next.TargetPercent, trigger))
}

// clearStop records that the order has no outstanding stop.
func (s *OrderService) clearStop(ctx context.Context, order *domain.Order) {
	order.StopOrderID = ""
	if err := s.orders.UpdateOrderStop(ctx, order.ID, ""); err != nil {
		s.logger.Error("Failed to clear stop id", zap.Int64("order_id", order.ID), zap.Error(err))
	}
	s.index.Update(order.TokenID, order.ID, func(e *IndexEntry) { e.StopOrderID = "" })
}

// HandleStopExecuted closes the order owning the filled stop. The push
// stream and the poll fallback both land here; the first one wins.
func (s *OrderService) HandleStopExecuted(ctx context.Context, ev domain.ExecutionEvent) {
	if !s.seen.Add(ev.OrderID) {
		return
	}
	entry, ok := s.index.FindByStop(ev.OrderID)
	if !ok {
		// the stop may belong to an order whose index entry is not written yet
		s.seen.Remove(ev.OrderID)
		s.logger.Debug("Stop execution not matched", zap.String("symbol", ev.Symbol), zap.String("stop_order_id", ev.OrderID))
		return
	}
	if !s.inflight.TryAcquire(entry.OrderID) {
		s.seen.Remove(ev.OrderID)
		return
	}
	defer s.inflight.Release(entry.OrderID)

	if current, ok := s.index.Get(entry.TokenID, entry.OrderID); !ok || current.StopOrderID != ev.OrderID {
		return
	}
	order, err := s.orders.GetOrder(ctx, entry.OrderID)
	if err != nil {
		s.alert(ctx, entry.UserID, entry.OrderID, entry.Symbol, fmt.Sprintf("stop executed for unknown order: %v", err))
		return
	}
	if order.Status != domain.OrderActive {
		s.dropEntry(order.TokenID, order.ID)
		return
	}

	s.notify(ctx, domain.NotifyStopHit, order, fmt.Sprintf("%s stop executed at %v", order.Symbol, ev.AvgPrice))
	err = s.closeOrder(ctx, order, CloseRequest{
		Reason:     domain.CloseStoploss,
		Status:     domain.OrderFinished,
		ExitPrice:  ev.AvgPrice,
		StopFilled: true,
		Chain:      ChainUser,
	})
	if err != nil {
		s.logger.Error("Stop close failed", zap.Int64("order_id", order.ID), zap.Error(err))
	}
}

// HandleManualClose finishes the user's orders on a symbol whose position
// was closed outside the engine.
func (s *OrderService) HandleManualClose(ctx context.Context, ev domain.ExecutionEvent) {
	for _, entry := range s.index.All() {
		if entry.UserID != ev.UserID || entry.Symbol != ev.Symbol || ev.Side != entry.Side.Opposite() {
			continue
		}
		if !s.inflight.TryAcquire(entry.OrderID) {
			continue
		}
		func() {
			defer s.inflight.Release(entry.OrderID)
			order, err := s.orders.GetOrder(ctx, entry.OrderID)
			if err != nil || order.Status != domain.OrderActive {
				s.dropEntry(entry.TokenID, entry.OrderID)
				return
			}
			err = s.closeOrder(ctx, order, CloseRequest{
				Reason:         domain.CloseManual,
				Status:         domain.OrderFinished,
				ExitPrice:      ev.AvgPrice,
				PositionClosed: true,
			})
			if err != nil {
				s.logger.Error("Manual close bookkeeping failed", zap.Int64("order_id", order.ID), zap.Error(err))
			}
		}()
	}
}

// CloseOrder is the operator's manual close through the engine.
func (s *OrderService) CloseOrder(ctx context.Context, orderID int64) error {
	if !s.inflight.TryAcquire(orderID) {
		return ErrOrderBusy
	}
	defer s.inflight.Release(orderID)

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderActive {
		return domain.ErrOrderNotActive
	}
	return s.closeOrder(ctx, order, CloseRequest{Reason: domain.CloseManual, Status: domain.OrderFinished})
}

// CloseStrategy closes every ACTIVE order of (token, strategy). With chainAll
// the trigger chain runs once for the whole eligible set.
func (s *OrderService) CloseStrategy(ctx context.Context, tokenID, strategyID int64, chainAll bool) (int, error) {
	closed, err := s.closePair(ctx, tokenID, strategyID, CloseRequest{Reason: domain.CloseManual, Status: domain.OrderFinished})
	if err != nil || !chainAll || len(closed) == 0 {
		return len(closed), err
	}
	strategy, err := s.strategies.GetStrategy(ctx, strategyID)
	if err != nil {
		return len(closed), err
	}
	if strategy.IsRoot() {
		s.scheduleTrigger(closed[0], ChainAll)
	}
	return len(closed), nil
}

// ExpireStrategy closes the pair's ACTIVE orders as EXPIRED without chaining.
func (s *OrderService) ExpireStrategy(ctx context.Context, tokenID, strategyID int64) (int, error) {
	closed, err := s.closePair(ctx, tokenID, strategyID, CloseRequest{Reason: domain.CloseExpired, Status: domain.OrderExpired})
	return len(closed), err
}

func (s *OrderService) closePair(ctx context.Context, tokenID, strategyID int64, req CloseRequest) ([]*domain.Order, error) {
	active, err := s.orders.ListActiveOrdersByToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	var (
		closed []*domain.Order
		errs   []error
	)
	for _, o := range active {
		if o.StrategyID != strategyID {
			continue
		}
		if !s.inflight.TryAcquire(o.ID) {
			errs = append(errs, fmt.Errorf("order %d: %w", o.ID, ErrOrderBusy))
			continue
		}
		err := s.closeOrder(ctx, o, req)
		s.inflight.Release(o.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("order %d: %w", o.ID, err))
			continue
		}
		closed = append(closed, o)
	}
	return closed, errors.Join(errs...)
}

// closeOrder is where every close path converges. The caller holds the
// order's in-flight guard.
func (s *OrderService) closeOrder(ctx context.Context, order *domain.Order, req CloseRequest) error {
	log := s.logger.With(zap.Int64("order_id", order.ID), zap.String("symbol", order.Symbol), zap.String("reason", string(req.Reason)))

	client, err := s.clients.Client(order.UserID)
	if err != nil {
		s.alert(ctx, order.UserID, order.ID, order.Symbol, fmt.Sprintf("close without client: %v", err))
		return err
	}

	if order.StopOrderID != "" && !req.StopFilled {
		if err := s.cancelStop(ctx, client, order); err != nil {
			// a reduce-only stop is void once the position is gone
			log.Warn("Stop cancel before close failed", zap.Error(err))
		} else {
			s.clearStop(ctx, order)
		}
	}

	exit := req.ExitPrice
	if !req.StopFilled && !req.PositionClosed {
		fill, err := client.ClosePosition(ctx, order.Symbol, order.Side, order.Quantity)
		if err != nil {
			s.alert(ctx, order.UserID, order.ID, order.Symbol, fmt.Sprintf("market close failed: %v", err))
			s.reprotect(ctx, client, order)
			return err
		}
		exit = fill.Price
	}
	if exit == 0 {
		if p, err := client.Price(ctx, order.Symbol); err == nil {
			exit = p
		} else {
			exit = order.EntryPrice
		}
	}

	fee := order.Fee + Fee(exit, order.Quantity, s.cfg.TakerFeeRate)
	net := GrossProfit(order.Side, order.EntryPrice, exit, order.Quantity) - fee

	if err := s.orders.FinishOrder(ctx, order.ID, req.Status, req.Reason, exit, net); err != nil {
		if errors.Is(err, domain.ErrOrderNotActive) {
			s.dropEntry(order.TokenID, order.ID)
			return nil
		}
		s.alert(ctx, order.UserID, order.ID, order.Symbol, fmt.Sprintf("closed on exchange but persisting failed: %v", err))
		return err
	}
	order.Status = req.Status
	order.CloseReason = req.Reason
	order.MarkPrice = exit
	order.NetProfit = net
	order.StopOrderID = ""

	s.dropEntry(order.TokenID, order.ID)
	metrics.OrdersClosed.WithLabelValues(order.Symbol, string(req.Reason)).Inc()
	log.Info("Order closed", zap.Float64("exit", exit), zap.Float64("net_profit", net))
	s.notify(ctx, domain.NotifyClosed, order, fmt.Sprintf("Closed %s %s (%s) at %v, net %.4f", order.Side, order.Symbol, req.Reason, exit, net))

	if req.Chain != ChainNone {
		strategy, err := s.strategies.GetStrategy(ctx, order.StrategyID)
		if err != nil {
			log.Error("Strategy lookup for chain failed", zap.Error(err))
		} else if strategy.IsRoot() {
			s.scheduleTrigger(order, req.Chain)
		}
	}
	return nil
}

// reprotect puts a stop back after a failed close left the position naked.
func (s *OrderService) reprotect(ctx context.Context, client domain.Exchange, order *domain.Order) {
	if order.StopOrderID != "" {
		return
	}
	target, err := s.strategies.GetTarget(ctx, order.TargetID)
	if err != nil {
		return
	}
	stopID, err := s.placeStop(ctx, client, order, target.StoplossPercent)
	if err != nil {
		s.alert(ctx, order.UserID, order.ID, order.Symbol, fmt.Sprintf("position left without stop: %v", err))
		return
	}
	order.StopOrderID = stopID
	if err := s.orders.UpdateOrderStop(ctx, order.ID, stopID); err != nil {
		s.logger.Error("Failed to persist stop id", zap.Int64("order_id", order.ID), zap.Error(err))
	}
	s.index.Update(order.TokenID, order.ID, func(e *IndexEntry) { e.StopOrderID = stopID })
}

// dropEntry removes the index entry and the token's watch once it is empty.
func (s *OrderService) dropEntry(tokenID, orderID int64) {
	if s.index.Remove(tokenID, orderID) == 0 {
		s.watcher.RemoveIfIdle(tokenID)
	}
}

// scheduleTrigger opens the matching child strategy after the trigger delay.
func (s *OrderService) scheduleTrigger(parent *domain.Order, scope ChainScope) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Trigger chain panicked", zap.Int64("order_id", parent.ID), zap.Any("panic", r))
			}
		}()

		if s.cfg.TriggerDelay > 0 {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.cfg.TriggerDelay):
			}
		}
		if err := s.runTrigger(s.ctx, parent, scope); err != nil {
			s.logger.Error("Trigger chain failed", zap.Int64("order_id", parent.ID), zap.Error(err))
		}
	}()
}

func (s *OrderService) runTrigger(ctx context.Context, parent *domain.Order, scope ChainScope) error {
	children, err := s.strategies.ListChildStrategies(ctx, parent.StrategyID)
	if err != nil || len(children) == 0 {
		return err
	}
	token, err := s.strategies.GetToken(ctx, parent.TokenID)
	if err != nil {
		return err
	}
	candles, err := s.clients.Dummy().DailyCandles(ctx, token.Pair(), triggerWindow)
	if err != nil {
		return fmt.Errorf("daily candles: %w", err)
	}
	child := SelectTrigger(children, candles)
	if child == nil {
		s.logger.Info("No trigger strategy matched", zap.Int64("order_id", parent.ID), zap.String("symbol", token.Pair()))
		return nil
	}

	users, err := s.users.ListEligibleUsers(ctx, token.ID, parent.StrategyID)
	if err != nil {
		return err
	}
	if scope == ChainUser {
		var own []*domain.User
		for _, u := range users {
			if u.ID == parent.UserID {
				own = append(own, u)
			}
		}
		users = own
	}

	side := ChildSide(parent.Side, child)
	opened, err := s.open(ctx, token, child, side, users)
	s.logger.Info("Trigger strategy chained", zap.Int64("parent_order_id", parent.ID), zap.Int64("strategy_id", child.ID),
		zap.String("side", string(side)), zap.Int("opened", opened))
	return err
}

// Reload rebuilds the index from the persisted ACTIVE orders.
func (s *OrderService) Reload(ctx context.Context) error {
	active, err := s.orders.ListActiveOrders(ctx)
	if err != nil {
		return err
	}
	for _, order := range active {
		target, err := s.strategies.GetTarget(ctx, order.TargetID)
		if err != nil {
			s.alert(ctx, order.UserID, order.ID, order.Symbol, fmt.Sprintf("reload: target %d unresolvable, left ACTIVE: %v", order.TargetID, err))
			continue
		}
		if order.StopOrderID == "" {
			if client, err := s.clients.Client(order.UserID); err == nil {
				s.reprotect(ctx, client, order)
			}
		}
		s.index.Put(IndexEntry{
			TokenID:      order.TokenID,
			Symbol:       order.Symbol,
			OrderID:      order.ID,
			UserID:       order.UserID,
			Side:         order.Side,
			TargetID:     target.ID,
			TriggerPrice: TriggerPrice(order.Side, order.EntryPrice, target.TargetPercent),
			StopOrderID:  order.StopOrderID,
		})
		s.watcher.Ensure(order.TokenID, order.Symbol)
	}
	s.logger.Info("Target index reloaded", zap.Int("entries", s.index.Len()), zap.Int("active_orders", len(active)))
	return nil
}

func (s *OrderService) notify(ctx context.Context, kind domain.NotificationKind, order *domain.Order, text string) {
	s.notifier.Notify(ctx, domain.Notification{Kind: kind, UserID: order.UserID, OrderID: order.ID, Symbol: order.Symbol, Text: text})
}

// alert reports an operational anomaly.
func (s *OrderService) alert(ctx context.Context, userID, orderID int64, symbol, text string) {
	metrics.Anomalies.Inc()
	s.logger.Error("Anomaly", zap.Int64("user_id", userID), zap.Int64("order_id", orderID), zap.String("symbol", symbol), zap.String("detail", text))
	s.notifier.Notify(ctx, domain.Notification{Kind: domain.NotifyAnomaly, UserID: userID, OrderID: orderID, Symbol: symbol, Text: text})
}
