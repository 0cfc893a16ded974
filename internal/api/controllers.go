package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"omnex-core/internal/ledger"
	"omnex-core/internal/registry"
	"omnex-core/internal/router"

	"github.com/gin-gonic/gin"
)

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platform":  s.Meta.PlatformName,
		"exchanges": s.Meta.Exchanges,
		"version":   s.Meta.Version,
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics not enabled"})
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

type placeOrderRequest struct {
	TenantID string  `json:"tenant_id"`
	BrokerID string  `json:"broker_id"`
	UserID   string  `json:"user_id"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Type     string  `json:"type"`
	Amount   float64 `json:"amount"`
	Price    float64 `json:"price"`
}

func (s *Server) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	// Identity claims fill whatever the payload omits; explicit fields win
	// so back-office callers can act on behalf of any customer.
	if req.BrokerID == "" {
		req.BrokerID = CurrentBrokerID(c)
	}
	if req.UserID == "" {
		req.UserID = CurrentUserID(c)
	}

	order, err := s.OrderRouter.PlaceOrder(c.Request.Context(), req.TenantID, req.BrokerID, req.UserID, router.OrderParams{
		Symbol: req.Symbol,
		Side:   req.Side,
		Type:   req.Type,
		Amount: req.Amount,
		Price:  req.Price,
	})
	if err != nil {
		// Orders stuck after adapter errors still return the record so
		// the caller can track remediation.
		if order.ID != "" {
			c.JSON(http.StatusBadGateway, gin.H{
				"code":  "SUBMISSION_FAILED",
				"error": err.Error(),
				"order": order,
			})
			return
		}
		s.orderError(c, err)
		return
	}

	if s.Metrics != nil {
		s.Metrics.IncrementOrders()
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) listOrders(c *gin.Context) {
	brokerID := c.DefaultQuery("broker_id", CurrentBrokerID(c))
	userID := c.DefaultQuery("user_id", CurrentUserID(c))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if brokerID == "" || userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_FILTER",
			"error": "broker_id and user_id are required",
		})
		return
	}

	orders, err := s.OrderRouter.OrdersByUser(c.Request.Context(), brokerID, userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (s *Server) getOrder(c *gin.Context) {
	order, err := s.OrderRouter.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.orderError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) cancelOrder(c *gin.Context) {
	order, err := s.OrderRouter.CancelOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.orderError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) releaseOrder(c *gin.Context) {
	order, err := s.OrderRouter.ReleaseOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.orderError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) getOrderCompliance(c *gin.Context) {
	records, err := s.DB.ListComplianceByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}

	type record struct {
		ID      string          `json:"id"`
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	out := make([]record, 0, len(records))
	for _, rec := range records {
		out = append(out, record{ID: rec.ID, Kind: rec.Kind, Payload: json.RawMessage(rec.Payload)})
	}
	c.JSON(http.StatusOK, gin.H{"order_id": c.Param("id"), "records": out})
}

func (s *Server) getAllocations(c *gin.Context) {
	pools := s.Ledger.Snapshot()
	c.JSON(http.StatusOK, gin.H{"pools": pools, "count": len(pools)})
}

type allocationRequest struct {
	ExchangeID string  `json:"exchange_id"`
	Asset      string  `json:"asset"`
	BrokerID   string  `json:"broker_id"`
	CustomerID string  `json:"customer_id"`
	Amount     float64 `json:"amount"`
}

func (s *Server) allocateFunds(c *gin.Context) {
	var req allocationRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	err := s.Ledger.Allocate(c.Request.Context(), req.ExchangeID, req.Asset, req.BrokerID, req.CustomerID, req.Amount)
	if err != nil {
		s.ledgerError(c, err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.IncrementAllocations()
	}
	c.JSON(http.StatusOK, gin.H{
		"available": s.Ledger.AvailableForAllocation(req.ExchangeID, req.Asset),
		"customer":  s.Ledger.AvailableBalance(req.ExchangeID, req.Asset, req.BrokerID, req.CustomerID),
	})
}

func (s *Server) deallocateFunds(c *gin.Context) {
	var req allocationRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	err := s.Ledger.Deallocate(c.Request.Context(), req.ExchangeID, req.Asset, req.BrokerID, req.CustomerID, req.Amount)
	if err != nil {
		s.ledgerError(c, err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.IncrementAllocations()
	}
	c.JSON(http.StatusOK, gin.H{
		"available": s.Ledger.AvailableForAllocation(req.ExchangeID, req.Asset),
		"customer":  s.Ledger.AvailableBalance(req.ExchangeID, req.Asset, req.BrokerID, req.CustomerID),
	})
}

func (s *Server) setPlatformBalance(c *gin.Context) {
	var req struct {
		ExchangeID string  `json:"exchange_id"`
		Asset      string  `json:"asset"`
		Total      float64 `json:"total"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	if err := s.Ledger.SetPlatformBalance(c.Request.Context(), req.ExchangeID, req.Asset, req.Total); err != nil {
		s.ledgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"exchange_id": req.ExchangeID,
		"asset":       req.Asset,
		"available":   s.Ledger.AvailableForAllocation(req.ExchangeID, req.Asset),
	})
}

func (s *Server) getUserAssets(c *gin.Context) {
	brokerID := c.DefaultQuery("broker_id", CurrentBrokerID(c))
	if brokerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "MISSING_FILTER", "error": "broker_id is required"})
		return
	}
	dist := s.Ledger.UserAssetDistribution(brokerID, c.Param("id"))
	c.JSON(http.StatusOK, gin.H{
		"user_id":   c.Param("id"),
		"broker_id": brokerID,
		"assets":    dist,
	})
}

func (s *Server) getSnapshots(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	snaps, err := s.DB.ListSnapshots(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps, "count": len(snaps)})
}

func (s *Server) getExchangeHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"exchanges": s.Registry.HealthReport()})
}

// orderError maps router failures to HTTP status codes.
func (s *Server) orderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, router.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "ORDER_NOT_FOUND", "error": err.Error()})
	case errors.Is(err, router.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ORDER", "error": err.Error()})
	case errors.Is(err, router.ErrTerminalState):
		c.JSON(http.StatusConflict, gin.H{"code": "TERMINAL_STATE", "error": err.Error()})
	case errors.Is(err, router.ErrNotReleasable):
		c.JSON(http.StatusConflict, gin.H{"code": "NOT_RELEASABLE", "error": err.Error()})
	case errors.Is(err, router.ErrOrderLimitExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"code": "ORDER_LIMIT", "error": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientAllocation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "INSUFFICIENT_ALLOCATION", "error": err.Error()})
	case errors.Is(err, registry.ErrNoHealthyExchange):
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "NO_HEALTHY_EXCHANGE", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
	}
}

// ledgerError maps ledger failures to HTTP status codes.
func (s *Server) ledgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientAllocation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "INSUFFICIENT_ALLOCATION", "error": err.Error()})
	case errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_AMOUNT", "error": err.Error()})
	case errors.Is(err, ledger.ErrBelowAllocated):
		c.JSON(http.StatusConflict, gin.H{"code": "BELOW_ALLOCATED", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
	}
}
