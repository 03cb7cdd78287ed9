// Package api exposes the engine over HTTP. Handlers translate between
// JSON and the ledger service; every business decision lives below them.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/papermarkets/riskengine/internal/ledger"
	"github.com/papermarkets/riskengine/internal/marketdata"
	"github.com/papermarkets/riskengine/internal/monitor"
	"github.com/papermarkets/riskengine/internal/pricing"
	problems "github.com/papermarkets/riskengine/pkg/errors"
)

// Server wires the ledger service and monitor into a gin router.
type Server struct {
	logger  *zap.Logger
	svc     *ledger.Service
	monitor *monitor.Monitor
}

func NewServer(logger *zap.Logger, svc *ledger.Service, mon *monitor.Monitor) *Server {
	return &Server{logger: logger, svc: svc, monitor: mon}
}

// Router builds the HTTP routing table.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.Default())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/price", s.handlePrice)
		v1.POST("/trade", s.handleTrade)
		v1.POST("/positions/:id/close", s.handleClose)
		v1.POST("/deposits", s.handleDeposit)
		v1.GET("/portfolio/:user", s.handlePortfolio)
		v1.GET("/margin/:user", s.handleMarginStatus)

		sweeps := v1.Group("/sweeps")
		{
			sweeps.POST("/expirations", s.handleExpirationSweep)
			sweeps.POST("/margin/:user", s.handleMarginSweep)
		}
	}
	return router
}

type priceRequest struct {
	Symbol     string    `json:"symbol" binding:"required"`
	Type       string    `json:"type" binding:"required"`
	Strike     float64   `json:"strike" binding:"required,gt=0"`
	Expiration time.Time `json:"expiration" binding:"required"`
	Quantity   int64     `json:"quantity"`
}

func (s *Server) handlePrice(c *gin.Context) {
	var req priceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		problems.InvalidInput.Explain(err.Error()).Write(c)
		return
	}
	quote, err := s.svc.Price(c.Request.Context(), ledger.PriceRequest{
		Symbol:     req.Symbol,
		Type:       pricing.OptionType(req.Type),
		Strike:     req.Strike,
		Expiration: req.Expiration,
		Quantity:   req.Quantity,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

type tradeRequest struct {
	UserID     string    `json:"user_id" binding:"required"`
	Symbol     string    `json:"symbol" binding:"required"`
	Type       string    `json:"type" binding:"required"`
	Side       string    `json:"side" binding:"required"`
	Strike     float64   `json:"strike" binding:"required,gt=0"`
	Expiration time.Time `json:"expiration" binding:"required"`
	Quantity   int64     `json:"quantity" binding:"required,gt=0"`
	Secured    bool      `json:"secured"`
}

func (s *Server) handleTrade(c *gin.Context) {
	var req tradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		problems.InvalidInput.Explain(err.Error()).Write(c)
		return
	}
	res, err := s.svc.Trade(c.Request.Context(), ledger.TradeRequest{
		UserID:     req.UserID,
		Symbol:     req.Symbol,
		Type:       pricing.OptionType(req.Type),
		Side:       ledger.Side(req.Side),
		Strike:     req.Strike,
		Expiration: req.Expiration,
		Quantity:   req.Quantity,
		Secured:    req.Secured,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

type closeRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (s *Server) handleClose(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		problems.InvalidInput.Explain("invalid position id").Write(c)
		return
	}
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		problems.InvalidInput.Explain(err.Error()).Write(c)
		return
	}
	res, err := s.svc.Close(c.Request.Context(), req.UserID, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type depositRequest struct {
	UserID string          `json:"user_id" binding:"required"`
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

func (s *Server) handleDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		problems.InvalidInput.Explain(err.Error()).Write(c)
		return
	}
	if err := s.svc.Deposit(c.Request.Context(), req.UserID, req.Amount); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": req.UserID, "deposited": req.Amount})
}

func (s *Server) handlePortfolio(c *gin.Context) {
	pf, err := s.svc.Portfolio(c.Request.Context(), c.Param("user"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pf)
}

func (s *Server) handleMarginStatus(c *gin.Context) {
	status, err := s.svc.MarginStatus(c.Request.Context(), c.Param("user"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// handleExpirationSweep triggers the expiration pass out of schedule.
// Deferred settlements are retried by later sweeps, so a partial pass
// still returns 202 with the counts.
func (s *Server) handleExpirationSweep(c *gin.Context) {
	report, err := s.monitor.ProcessExpired(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, report)
}

func (s *Server) handleMarginSweep(c *gin.Context) {
	res, err := s.monitor.SweepUser(c.Request.Context(), c.Param("user"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// writeError maps service errors to RFC 7807 problems: invalid input is
// 400, business rejections are 422, an unpriceable symbol is 502,
// everything else is 500.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		problems.InvalidInput.Explain(err.Error()).Write(c)
	case errors.Is(err, ledger.ErrPositionNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		problems.NotFound.Explain(err.Error()).Write(c)
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientMargin),
		errors.Is(err, ledger.ErrPositionNotOpen):
		problems.Rejected.Explain(err.Error()).Write(c)
	case errors.Is(err, marketdata.ErrPriceUnavailable):
		problems.PriceUnavailable.Explain(err.Error()).Write(c)
	default:
		s.logger.Error("request failed", zap.Error(err), zap.String("path", c.FullPath()))
		problems.Internal.Write(c)
	}
}
