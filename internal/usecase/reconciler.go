package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reconciler is the poll fallback for execution events the push stream
// may have dropped while reconnecting.
type Reconciler struct {
	svc      *OrderService
	interval time.Duration
	limit    int
	logger   *zap.Logger
}

func NewReconciler(svc *OrderService, interval time.Duration, limit int, logger *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if limit <= 0 {
		limit = 50
	}
	return &Reconciler{svc: svc, interval: interval, limit: limit, logger: logger}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		}
	}
}

type accountSymbol struct {
	userID int64
	symbol string
}

// ReconcileOnce polls recent stop fills of every (user, symbol) with open
// orders and feeds unseen ones to the stop-executed handler.
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Reconcile panicked", zap.Any("panic", rec))
		}
	}()

	pairs := make(map[accountSymbol]struct{})
	var order []accountSymbol
	for _, e := range r.svc.index.All() {
		key := accountSymbol{userID: e.UserID, symbol: e.Symbol}
		if _, ok := pairs[key]; !ok {
			pairs[key] = struct{}{}
			order = append(order, key)
		}
	}

	for _, key := range order {
		client, err := r.svc.clients.Client(key.userID)
		if err != nil {
			r.logger.Warn("Reconcile: no client", zap.Int64("user_id", key.userID), zap.Error(err))
			continue
		}
		events, err := client.RecentStopFills(ctx, key.symbol, r.limit)
		if err != nil {
			r.logger.Warn("Reconcile: order history failed", zap.Int64("user_id", key.userID),
				zap.String("symbol", key.symbol), zap.Error(err))
			continue
		}
		for _, ev := range events {
			if r.svc.seen.Contains(ev.OrderID) {
				continue
			}
			ev.UserID = key.userID
			r.svc.HandleStopExecuted(ctx, ev)
		}
	}
}
