package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/vitos/futures_ladder/internal/backtest"
	"github.com/vitos/futures_ladder/internal/domain"
	"github.com/vitos/futures_ladder/internal/usecase"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "active_orders": s.orders.Index().Len()})
}

func (s *Server) handleBacktest(c *gin.Context) {
	var req backtest.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := s.backtest.Run(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleActiveOrders(c *gin.Context) {
	entries := s.orders.Index().All()
	if entries == nil {
		entries = []usecase.IndexEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": entries})
}

func (s *Server) handleCloseOrder(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	if err := s.orders.CloseOrder(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": id})
}

func (s *Server) handleCloseStrategy(c *gin.Context) {
	strategyID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid strategy id"})
		return
	}
	tokenID, err := strconv.ParseInt(c.Query("token"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token query parameter required"})
		return
	}
	chainAll := c.Query("chainAll") == "true"

	n, err := s.orders.CloseStrategy(c.Request.Context(), tokenID, strategyID, chainAll)
	if err != nil {
		s.logger.Warn("Close strategy incomplete", zap.Int64("strategy_id", strategyID), zap.Error(err))
		c.JSON(http.StatusMultiStatus, gin.H{"closed": n, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": n})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, backtest.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrTargetNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrOrderNotActive), errors.Is(err, usecase.ErrOrderBusy):
		status = http.StatusConflict
	default:
		s.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
