package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vitos/futures_ladder/internal/backtest"
	"github.com/vitos/futures_ladder/internal/usecase"
	"go.uber.org/zap"
)

// Backtester runs one backtest request.
type Backtester interface {
	Run(ctx context.Context, req backtest.Request) (*backtest.Report, error)
}

// Orders is the operator surface of the order lifecycle.
type Orders interface {
	Index() *usecase.TargetIndex
	CloseOrder(ctx context.Context, orderID int64) error
	CloseStrategy(ctx context.Context, tokenID, strategyID int64, chainAll bool) (int, error)
}

type Server struct {
	router   *gin.Engine
	server   *http.Server
	backtest Backtester
	orders   Orders
	logger   *zap.Logger
}

func NewServer(port int, bt Backtester, orders Orders, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:   router,
		backtest: bt,
		orders:   orders,
		logger:   logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	api.POST("/backtest", s.handleBacktest)
	api.GET("/orders", s.handleActiveOrders)
	api.POST("/orders/:id/close", s.handleCloseOrder)
	api.POST("/strategies/:id/close", s.handleCloseStrategy)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
