package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"futures-core/internal/account"
	"futures-core/internal/order"
	"futures-core/internal/risk"
	"futures-core/internal/trail"
	"futures-core/pkg/db"
	"futures-core/pkg/exchanges/common"

	"github.com/gin-gonic/gin"
)

type entryRequest struct {
	Symbol      string  `json:"symbol" binding:"required,min=1"`
	Side        string  `json:"side" binding:"required,oneof=LONG SHORT"`
	StopLoss    float64 `json:"stop_loss" binding:"gt=0"`
	TakeProfit  float64 `json:"take_profit" binding:"gt=0"`
	RiskPercent float64 `json:"risk_percent"`
	Mode        string  `json:"mode" binding:"omitempty,oneof=scalp swing"`
}

type positionRequest struct {
	Symbol string `json:"symbol" binding:"required,min=1"`
	Side   string `json:"side" binding:"required,oneof=LONG SHORT"`
}

type protectionRequest struct {
	Symbol     string  `json:"symbol" binding:"required,min=1"`
	Side       string  `json:"side" binding:"required,oneof=LONG SHORT"`
	StopLoss   float64 `json:"stop_loss"`   // 0 keeps the current stop
	TakeProfit float64 `json:"take_profit"` // 0 keeps the current target
}

type marginRequest struct {
	Symbol string  `json:"symbol" binding:"required,min=1"`
	Side   string  `json:"side" binding:"required,oneof=LONG SHORT"`
	Amount float64 `json:"amount" binding:"gt=0"`
}

type restingRequest struct {
	Minutes int `json:"minutes" binding:"gt=0"`
}

// accountFor resolves the :id route parameter against the registry.
func (s *Server) accountFor(c *gin.Context) (*account.Account, bool) {
	acct, err := s.Registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "ACCOUNT_NOT_FOUND",
			"error": err.Error(),
		})
		return nil, false
	}
	return acct, true
}

func (r entryRequest) toOrder() order.Request {
	return order.Request{
		Symbol:      strings.ToUpper(r.Symbol),
		Side:        common.PositionSide(r.Side),
		StopLoss:    r.StopLoss,
		TakeProfit:  r.TakeProfit,
		RiskPercent: r.RiskPercent,
		Mode:        trail.Mode(r.Mode),
	}
}

func bindJSON(c *gin.Context, out any) bool {
	if err := c.BindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": err.Error(),
		})
		return false
	}
	return true
}

func rejected(c *gin.Context, err error) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{
		"code":  "REJECTED",
		"error": err.Error(),
	})
}

func upstreamError(c *gin.Context, err error) {
	c.JSON(http.StatusBadGateway, gin.H{
		"code":  "EXCHANGE_ERROR",
		"error": err.Error(),
	})
}

// ---- System ----

func (s *Server) getSystemStatus(c *gin.Context) {
	ids := make([]string, 0)
	for _, acct := range s.Registry.All() {
		ids = append(ids, acct.ID)
	}
	resp := gin.H{
		"testnet":     s.Meta.Testnet,
		"symbols":     s.Meta.Symbols,
		"version":     s.Meta.Version,
		"accounts":    ids,
		"server_time": time.Now().UTC().Format(time.RFC3339),
	}
	if live := s.Registry.Live(); live != nil {
		resp["live_account"] = live.ID
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) getPrices(c *gin.Context) {
	if s.Marks == nil {
		c.JSON(http.StatusOK, gin.H{"prices": gin.H{}})
		return
	}
	if symbol := strings.ToUpper(c.Query("symbol")); symbol != "" {
		quote, ok := s.Marks.Quote(symbol)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"code":  "SYMBOL_NOT_CACHED",
				"error": "no cached mark price for " + symbol,
			})
			return
		}
		c.JSON(http.StatusOK, quote)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prices": s.Marks.Snapshot()})
}

func (s *Server) listAccounts(c *gin.Context) {
	live := s.Registry.Live()
	out := make([]gin.H, 0)
	for _, acct := range s.Registry.All() {
		out = append(out, gin.H{
			"id":   acct.ID,
			"live": acct == live,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

// ---- Account views ----

func (s *Server) getAccountStatus(c *gin.Context) {
	acct, ok := s.accountFor(c)
	if !ok {
		return
	}
	status, err := account.Call(acct, c.Request.Context(), func() (order.Status, error) {
		return acct.Executor.Snapshot(), nil
	})
	if err != nil {
		rejected(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) getPositions(c *gin.Context) {
	acct, ok := s.accountFor(c)
	if !ok {
		return
	}
	positions, err := acct.Client.GetPositions(c.Request.Context(), c.Query("symbol"))
	if err != nil {
		upstreamError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) getOpenOrders(c *gin.Context) {
	acct, ok := s.accountFor(c)
	if !ok {
		return
	}
	orders, err := acct.Client.GetOpenOrders(c.Request.Context(), c.Query("symbol"))
	if err != nil {
		upstreamError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getBalance(c *gin.Context) {
	acct, ok := s.accountFor(c)
	if !ok {
		return
	}
	balance, err := acct.Client.GetAvailableBalance(c.Request.Context())
	if err != nil {
		upstreamError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": "USDT", "available": balance})
}

func (s *Server) getTradeHistory(c *gin.Context) {
	acct, ok := s.accountFor(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	trades, err := s.Store.ListTrades(c.Request.Context(), acct.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	if trades == nil {
		trades = []db.Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getEvents(c *gin.Context) {
	acct, ok := s.accountFor(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	records, err := s.Store.ListEvents(c.Request.Context(), acct.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	if records == nil {
		records = []db.EventRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"events": records})
}

// ---- Trading actions ----

func (s *Server) preflightOrder(c *gin.Context) {
	acct, ok := s.accountFor(c)
	if !ok {
		return
	}
	var req entryRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	sizing, err := account.Call(acct, ctx, func() (*order.Sizing, error) {
		return acct.Executor.Preflight(ctx, req.toOrder())
	})
	if err != nil {
		rejected(c, err)
		return
	}
	c.JSON(http.StatusOK, sizing)
}

func (s *Server) placeOrder(c *gin.Context) {
	acct, ok := s.accountFor(c)
	if !ok {
		return
	}
	var req entryRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	result, err := account.Call(acct, ctx, func() (*order.Result, error) {
		return acct.Executor.PlaceFullOrder(ctx, req.toOrder())
	})
	if err != nil {
		rejected(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) closePosition(c *gin.Context) {
	acct, ok := s.accountFor(c)
	if !ok {
		return
	}
	var req positionRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	_, err := account.Call(acct, ctx, func() (struct{}, error) {
		return struct{}{}, acct.Executor.ClosePosition(ctx, strings.ToUpper(req.Symbol), common.PositionSide(req.Side))
	})
	if err != nil {
		rejected(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": true})
}

func (s *Server) modifyProtection(c *gin.Context) {
	acct, ok := s.accountFor(c)
	if !ok {
		return
	}
	var req protectionRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	_, err := account.Call(acct, ctx, func() (struct{}, error) {
		return struct{}{}, acct.Executor.ModifyProtection(ctx, strings.ToUpper(req.Symbol), common.PositionSide(req.Side), req.StopLoss, req.TakeProfit)
	})
	if err != nil {
		rejected(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (s *Server) addMargin(c *gin.Context) {
	acct, ok := s.accountFor(c)
	if !ok {
		return
	}
	var req marginRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	_, err := account.Call(acct, ctx, func() (struct{}, error) {
		return struct{}{}, acct.Executor.AddManualMargin(ctx, strings.ToUpper(req.Symbol), common.PositionSide(req.Side), req.Amount)
	})
	if err != nil {
		rejected(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": true})
}

// ---- Risk controls ----

func (s *Server) activateBurst(c *gin.Context) {
	acct, ok := s.accountFor(c)
	if !ok {
		return
	}
	_, err := account.Call(acct, c.Request.Context(), func() (struct{}, error) {
		return struct{}{}, acct.Runtime.ActivateBurst(time.Now())
	})
	if err != nil {
		rejected(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"burst": true})
}

func (s *Server) deactivateBurst(c *gin.Context) {
	acct, ok := s.accountFor(c)
	if !ok {
		return
	}
	_, err := account.Call(acct, c.Request.Context(), func() (struct{}, error) {
		acct.Runtime.DeactivateBurst()
		return struct{}{}, nil
	})
	if err != nil {
		rejected(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"burst": false})
}

func (s *Server) startResting(c *gin.Context) {
	acct, ok := s.accountFor(c)
	if !ok {
		return
	}
	var req restingRequest
	if !bindJSON(c, &req) {
		return
	}
	d := time.Duration(req.Minutes) * time.Minute
	if !risk.ValidRestingDuration(d) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_DURATION",
			"error": "minutes must be one of 5, 15, 30, 60, 240, 720, 1440, 2880",
		})
		return
	}
	_, err := account.Call(acct, c.Request.Context(), func() (struct{}, error) {
		return struct{}{}, acct.Runtime.StartResting(time.Now(), d)
	})
	if err != nil {
		rejected(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resting": true, "minutes": req.Minutes})
}

func (s *Server) stopResting(c *gin.Context) {
	acct, ok := s.accountFor(c)
	if !ok {
		return
	}
	_, err := account.Call(acct, c.Request.Context(), func() (struct{}, error) {
		acct.Runtime.StopResting()
		return struct{}{}, nil
	})
	if err != nil {
		rejected(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resting": false})
}
