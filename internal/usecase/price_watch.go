package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/vitos/futures_ladder/internal/domain"
	"go.uber.org/zap"
)

// TargetHitFunc handles an index entry whose trigger price was crossed.
type TargetHitFunc func(ctx context.Context, entry IndexEntry, price float64)

// PriceWatcher runs one ticker per token with open orders.
type PriceWatcher struct {
	source   domain.PriceSource
	index    *TargetIndex
	inflight *InFlight
	onHit    TargetHitFunc
	interval time.Duration
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	watches  map[int64]context.CancelFunc
	wg       sync.WaitGroup
	handlers sync.WaitGroup
}

func NewPriceWatcher(source domain.PriceSource, index *TargetIndex, inflight *InFlight, onHit TargetHitFunc, interval time.Duration, logger *zap.Logger) *PriceWatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PriceWatcher{
		source:   source,
		index:    index,
		inflight: inflight,
		onHit:    onHit,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		watches:  make(map[int64]context.CancelFunc),
	}
}

// Ensure starts the token's watch. A second call for the same token is a no-op.
func (w *PriceWatcher) Ensure(tokenID int64, symbol string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watches[tokenID]; ok || w.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(w.ctx)
	w.watches[tokenID] = cancel
	w.wg.Add(1)
	go w.run(ctx, tokenID, symbol)
	w.logger.Info("Price watch started", zap.String("symbol", symbol), zap.Int64("token_id", tokenID))
}

// RemoveIfIdle stops the token's watch unless the index holds entries for
// it again. The check runs under the watch lock so a concurrent Put+Ensure
// either keeps the old watch or starts a new one.
func (w *PriceWatcher) RemoveIfIdle(tokenID int64) bool {
	w.mu.Lock()
	cancel, ok := w.watches[tokenID]
	if !ok || len(w.index.ForToken(tokenID)) > 0 {
		w.mu.Unlock()
		return false
	}
	delete(w.watches, tokenID)
	w.mu.Unlock()
	cancel()
	w.logger.Info("Price watch stopped", zap.Int64("token_id", tokenID))
	return true
}

func (w *PriceWatcher) Watching(tokenID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watches[tokenID]
	return ok
}

// Wait blocks until dispatched handlers return.
func (w *PriceWatcher) Wait() {
	w.handlers.Wait()
}

// StopAll cancels every watch and waits for in-progress ticks.
func (w *PriceWatcher) StopAll() {
	w.cancel()
	w.mu.Lock()
	w.watches = make(map[int64]context.CancelFunc)
	w.mu.Unlock()
	w.wg.Wait()
	w.handlers.Wait()
}

func (w *PriceWatcher) run(ctx context.Context, tokenID int64, symbol string) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx, tokenID, symbol)
		}
	}
}

// Check runs one tick: read the price and dispatch every crossed entry
// that is not already being processed.
func (w *PriceWatcher) Check(ctx context.Context, tokenID int64, symbol string) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Price watch tick panicked", zap.String("symbol", symbol), zap.Any("panic", r))
		}
	}()

	entries := w.index.ForToken(tokenID)
	if len(entries) == 0 {
		return
	}

	price, err := w.source.Price(ctx, symbol)
	if err != nil {
		w.logger.Warn("Price watch: price fetch failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	for _, e := range entries {
		if !TargetHit(e.Side, price, e.TriggerPrice) {
			continue
		}
		if w.inflight.Busy(e.OrderID) {
			w.logger.Debug("Price watch: order busy, skipping", zap.Int64("order_id", e.OrderID))
			continue
		}
		// handlers outlive the token watch, which they may remove themselves
		w.handlers.Add(1)
		go func(e IndexEntry) {
			defer w.handlers.Done()
			w.onHit(w.ctx, e, price)
		}(e)
	}
}
