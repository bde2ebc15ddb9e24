package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/vitos/futures_ladder/internal/config"
	"github.com/vitos/futures_ladder/internal/domain"
	"go.uber.org/zap"
)

// ClientRegistry is the per-user client pool with its refresh and stream lifecycle.
type ClientRegistry interface {
	ClientProvider
	Refresh(ctx context.Context) error
	Run(ctx context.Context, interval time.Duration)
	AttachStreams(ctx context.Context, handler domain.ExecutionHandler)
	Close()
}

// Engine owns the background lifecycle: index reload, streams, poller and
// candle runner.
type Engine struct {
	registry   ClientRegistry
	svc        *OrderService
	reconciler *Reconciler
	runner     *CandleRunner
	cfg        config.EngineConfig
	logger     *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(registry ClientRegistry, svc *OrderService, market domain.MarketData, cfg config.EngineConfig, logger *zap.Logger) *Engine {
	return &Engine{
		registry:   registry,
		svc:        svc,
		reconciler: NewReconciler(svc, cfg.ReconcileInterval, cfg.ReconcileLimit, logger),
		runner:     NewCandleRunner(svc, market, logger),
		cfg:        cfg,
		logger:     logger,
	}
}

func (e *Engine) Orders() *OrderService {
	return e.svc
}

func (e *Engine) Start(ctx context.Context) error {
	if err := e.registry.Refresh(ctx); err != nil {
		return err
	}
	if err := e.svc.Reload(ctx); err != nil {
		return err
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.registry.AttachStreams(ctx, e.svc)

	e.goRun(func() { e.registry.Run(ctx, e.cfg.RegistryRefresh) })
	e.goRun(func() { e.reconciler.Run(ctx) })
	if e.cfg.CandleRunner {
		e.goRun(func() { e.runner.Run(ctx) })
	}
	e.logger.Info("Engine started", zap.Bool("candle_runner", e.cfg.CandleRunner))
	return nil
}

func (e *Engine) goRun(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Stop cancels background loops, stops every price watch and closes streams.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.svc.Stop()
	e.registry.Close()
	e.logger.Info("Engine stopped")
}
