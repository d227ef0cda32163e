package api

import (
	"errors"
	"net/http"
	"time"

	"sync-core/internal/connection"
	"sync-core/internal/manager"
	"sync-core/internal/orders"

	"github.com/gin-gonic/gin"
)

type createConnectionRequest struct {
	BrokerID    string `json:"broker_id" binding:"required,min=1"`
	AccountID   string `json:"account_id" binding:"required,min=1"`
	Environment string `json:"environment"`
}

type subscriptionRequest struct {
	BrokerID  string `json:"broker_id" binding:"required,min=1"`
	AccountID string `json:"account_id" binding:"required,min=1"`
	Symbol    string `json:"symbol" binding:"required,min=1"`
	Type      string `json:"type"`
}

type placeOrderRequest struct {
	BrokerID  string         `json:"broker_id" binding:"required,min=1"`
	AccountID string         `json:"account_id" binding:"required,min=1"`
	OrderData map[string]any `json:"order_data" binding:"required"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.Version,
		"uptime":  time.Since(s.startedAt).String(),
		"stats":   s.Mgr.Stats(),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Mgr.Metrics().GetSnapshot())
}

// createConnection opens (or joins) the connection for a broker/account pair.
// The call returns once the handshake settles, so it can take a while on a
// slow gateway; the request timeout middleware bounds it.
func (s *Server) createConnection(c *gin.Context) {
	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	err := s.Mgr.Connect(c.Request.Context(), req.BrokerID, req.AccountID, manager.Options{Environment: req.Environment})
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, connection.ErrAuthentication) {
			status = http.StatusUnauthorized
		}
		respondError(c, status, "connect_failed", err.Error())
		return
	}

	state, _ := s.Mgr.ConnectionState(req.BrokerID, req.AccountID)
	c.JSON(http.StatusCreated, gin.H{
		"broker_id":  req.BrokerID,
		"account_id": req.AccountID,
		"state":      state.String(),
	})
}

func (s *Server) removeConnection(c *gin.Context) {
	broker := c.Param("broker")
	account := c.Param("account")
	if err := s.Mgr.Disconnect(broker, account); err != nil {
		respondError(c, http.StatusInternalServerError, "disconnect_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

func (s *Server) getConnectionState(c *gin.Context) {
	broker := c.Param("broker")
	account := c.Param("account")
	state, ok := s.Mgr.ConnectionState(broker, account)
	if !ok {
		respondError(c, http.StatusNotFound, "not_connected", "no connection for broker/account")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"broker_id":  broker,
		"account_id": account,
		"state":      state.String(),
	})
}

func (s *Server) subscribe(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Type == "" {
		req.Type = "quote"
	}
	if err := s.Mgr.Subscribe(c.Request.Context(), req.BrokerID, req.AccountID, req.Symbol, req.Type); err != nil {
		respondError(c, subscribeStatus(err), "subscribe_failed", err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"symbol": req.Symbol, "type": req.Type})
}

func (s *Server) unsubscribe(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Type == "" {
		req.Type = "quote"
	}
	if err := s.Mgr.Unsubscribe(c.Request.Context(), req.BrokerID, req.AccountID, req.Symbol, req.Type); err != nil {
		respondError(c, subscribeStatus(err), "unsubscribe_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": req.Symbol, "type": req.Type})
}

func subscribeStatus(err error) int {
	if errors.Is(err, manager.ErrNotConnected) {
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

// placeOrder blocks until the gateway acknowledges or the correlation window
// expires.
func (s *Server) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	order, err := s.Mgr.PlaceOrder(c.Request.Context(), req.BrokerID, req.AccountID, req.OrderData)
	if err != nil {
		respondError(c, orderStatus(err), "order_failed", err.Error())
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) cancelOrder(c *gin.Context) {
	orderID := c.Param("id")
	broker := c.Query("broker")
	account := c.Query("account")
	if broker == "" || account == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "broker and account query params are required")
		return
	}
	order, err := s.Mgr.CancelOrder(c.Request.Context(), broker, account, orderID)
	if err != nil {
		respondError(c, orderStatus(err), "cancel_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, order)
}

func orderStatus(err error) int {
	switch {
	case errors.Is(err, manager.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, orders.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) getPositions(c *gin.Context) {
	broker := c.Query("broker")
	account := c.Query("account")
	if broker == "" || account == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "broker and account query params are required")
		return
	}
	positions := s.Mgr.GetPositions(broker, account)
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (s *Server) getOrders(c *gin.Context) {
	account := c.Query("account")
	if account == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "account query param is required")
		return
	}
	list := s.Mgr.GetOrders(account)
	c.JSON(http.StatusOK, gin.H{"orders": list, "count": len(list)})
}

func (s *Server) getAccount(c *gin.Context) {
	snapshot, ok := s.Mgr.GetAccountData(c.Param("id"))
	if !ok {
		respondError(c, http.StatusNotFound, "not_found", "no data for account")
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) getMarketData(c *gin.Context) {
	md, ok := s.Mgr.GetMarketData(c.Param("symbol"))
	if !ok {
		respondError(c, http.StatusNotFound, "not_found", "no data for symbol")
		return
	}
	c.JSON(http.StatusOK, md)
}
