package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-core/internal/balance"
	"order-core/internal/compliance"
	"order-core/internal/order"
	"order-core/internal/supervisor"
	"order-core/pkg/db"
)

type createOrderRequest struct {
	Symbol      string            `json:"symbol" binding:"required,min=1"`
	Side        string            `json:"side" binding:"required,oneof=BUY SELL buy sell"`
	Type        string            `json:"type" binding:"required"`
	Quantity    decimal.Decimal   `json:"quantity"`
	Price       decimal.Decimal   `json:"price"`
	StopPrice   decimal.Decimal   `json:"stop_price"`
	TimeInForce order.TimeInForce `json:"time_in_force"`
	ExpiresAt   *time.Time        `json:"expires_at"`

	// ICEBERG
	SliceQuantity decimal.Decimal `json:"slice_quantity"`
	MaxSlices     int             `json:"max_slices"`

	// OCO: Price is the limit leg.
	StopLimitPrice decimal.Decimal `json:"stop_limit_price"`

	// TRAILING_STOP
	DistanceKind    string          `json:"distance_kind"`
	Distance        decimal.Decimal `json:"distance"`
	ActivationPrice decimal.Decimal `json:"activation_price"`
}

var errUnknownType = errors.New("unknown order type")

// spec converts the request into the engine's closed set of order specs.
func (r createOrderRequest) spec() (order.Spec, error) {
	side := order.Side(strings.ToUpper(r.Side))
	common := order.Common{
		Symbol:      r.Symbol,
		Side:        side,
		Quantity:    r.Quantity,
		TimeInForce: order.TimeInForce(strings.ToUpper(string(r.TimeInForce))),
		ExpiresAt:   r.ExpiresAt,
	}
	switch strings.ToUpper(r.Type) {
	case "MARKET":
		return order.MarketSpec{Common: common}, nil
	case "LIMIT":
		return order.LimitSpec{Common: common, Price: r.Price}, nil
	case "STOP":
		return order.StopSpec{Common: common, StopPrice: r.StopPrice}, nil
	case "STOP_LIMIT":
		return order.StopLimitSpec{Common: common, StopPrice: r.StopPrice, Price: r.Price}, nil
	case "ICEBERG":
		return order.IcebergSpec{
			Symbol:    r.Symbol,
			Side:      side,
			Total:     r.Quantity,
			Slice:     r.SliceQuantity,
			Price:     r.Price,
			MaxSlices: r.MaxSlices,
		}, nil
	case "OCO":
		return order.OCOSpec{
			Symbol:         r.Symbol,
			Side:           side,
			Quantity:       r.Quantity,
			LimitPrice:     r.Price,
			StopPrice:      r.StopPrice,
			StopLimitPrice: r.StopLimitPrice,
		}, nil
	case "TRAILING_STOP":
		return order.TrailingStopSpec{
			Symbol:          r.Symbol,
			Side:            side,
			Quantity:        r.Quantity,
			DistanceKind:    strings.ToUpper(r.DistanceKind),
			Distance:        r.Distance,
			ActivationPrice: r.ActivationPrice,
		}, nil
	}
	return nil, errUnknownType
}

type listQuery struct {
	Limit int  `form:"limit"`
	Open  bool `form:"open"`
}

func (q *listQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type amendRequest struct {
	Slice           decimal.Decimal  `json:"slice"`
	MaxSlices       int              `json:"max_slices"`
	Distance        decimal.Decimal  `json:"distance"`
	ActivationPrice *decimal.Decimal `json:"activation_price"`
}

type depositRequest struct {
	Asset  string          `json:"asset" binding:"required,min=1"`
	Amount decimal.Decimal `json:"amount"`
}

type resolveRequest struct {
	Notes string `json:"notes" binding:"required,min=1"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps engine errors to HTTP statuses.
func respondEngineError(c *gin.Context, err error) {
	var rejected *order.RejectedError
	switch {
	case errors.Is(err, order.ErrInvalidOrder), errors.Is(err, balance.ErrInvalidAmount):
		respondError(c, http.StatusBadRequest, "INVALID_ORDER", err.Error())
	case errors.As(err, &rejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"code":   "RISK_REJECTED",
			"error":  err.Error(),
			"reason": rejected.Reason,
		})
	case errors.Is(err, balance.ErrInsufficientFunds):
		respondError(c, http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS", err.Error())
	case errors.Is(err, balance.ErrConsistencyViolation):
		respondError(c, http.StatusUnprocessableEntity, "ACCOUNT_HALTED", err.Error())
	case errors.Is(err, order.ErrAlreadyTerminal):
		respondError(c, http.StatusConflict, "ALREADY_TERMINAL", err.Error())
	case errors.Is(err, order.ErrNotFound), errors.Is(err, supervisor.ErrNotFound), errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) createOrder(c *gin.Context) {
	accountID := CurrentAccountID(c)

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	spec, err := req.spec()
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	res, err := s.Engine.SubmitOrder(c.Request.Context(), accountID, spec)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) getOrders(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	orders, err := s.Engine.ListOrders(c.Request.Context(), CurrentAccountID(c), q.Open)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	if len(orders) > q.Limit {
		orders = orders[:q.Limit]
	}
	if orders == nil {
		orders = []*order.Order{}
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, orders)
}

// getOrder returns a plain order or, when the id names one, a supervisor.
func (s *Server) getOrder(c *gin.Context) {
	ctx := c.Request.Context()
	accountID := CurrentAccountID(c)
	id := c.Param("id")

	o, err := s.Engine.GetOrder(ctx, id)
	if err == nil {
		if o.AccountID != accountID {
			respondEngineError(c, order.ErrNotFound)
			return
		}
		c.JSON(http.StatusOK, o)
		return
	}
	if !errors.Is(err, order.ErrNotFound) {
		respondEngineError(c, err)
		return
	}

	snap, err := s.Engine.GetSupervisor(ctx, id)
	if err != nil || snap.AccountID != accountID {
		respondEngineError(c, order.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) cancelOrder(c *gin.Context) {
	id := c.Param("id")
	if err := s.Engine.CancelOrder(c.Request.Context(), CurrentAccountID(c), id); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "cancelled"})
}

func (s *Server) getSupervisors(c *gin.Context) {
	list, err := s.Engine.ListSupervisors(c.Request.Context(), CurrentAccountID(c))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	if list == nil {
		list = []supervisor.Snapshot{}
	}
	c.JSON(http.StatusOK, list)
}

// amendSupervisor changes the slice of an iceberg or the distance and
// activation price of a trailing stop. Zero fields are left unchanged.
func (s *Server) amendSupervisor(c *gin.Context) {
	var req amendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	snap, err := s.Engine.AmendSupervisor(c.Request.Context(), CurrentAccountID(c), c.Param("id"), supervisor.Amend{
		Slice:           req.Slice,
		MaxSlices:       req.MaxSlices,
		Distance:        req.Distance,
		ActivationPrice: req.ActivationPrice,
	})
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getPositions(c *gin.Context) {
	ctx := c.Request.Context()
	accountID := CurrentAccountID(c)
	if c.Query("history") == "true" {
		hist, err := s.Engine.PositionHistory(ctx, accountID)
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, hist)
		return
	}
	list, err := s.Engine.ListPositions(ctx, accountID)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) getPosition(c *gin.Context) {
	p, err := s.Engine.GetPosition(c.Request.Context(), CurrentAccountID(c), c.Param("symbol"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) getBalances(c *gin.Context) {
	bals, err := s.Engine.GetBalances(c.Request.Context(), CurrentAccountID(c))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	if bals == nil {
		bals = []balance.Balance{}
	}
	c.JSON(http.StatusOK, bals)
}

func (s *Server) withdraw(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	bal, err := s.Engine.Withdraw(c.Request.Context(), CurrentAccountID(c), strings.ToUpper(req.Asset), req.Amount)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

// deposit credits the account named in the path. Admin only.
func (s *Server) deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	accountID := c.Param("id")
	bal, err := s.Engine.Deposit(c.Request.Context(), accountID, strings.ToUpper(req.Asset), req.Amount)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	s.log.Info("admin deposit",
		zap.String("account", accountID),
		zap.String("asset", bal.Asset),
		zap.String("amount", req.Amount.String()),
		zap.String("by", CurrentAccountID(c)))
	c.JSON(http.StatusOK, bal)
}

func (s *Server) getAccountStatus(c *gin.Context) {
	st, err := s.Engine.AccountStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	if st.Balances == nil {
		st.Balances = []balance.Balance{}
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) resumeAccount(c *gin.Context) {
	st, err := s.Engine.ResumeAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	s.log.Info("admin resumed account",
		zap.String("account", st.AccountID),
		zap.String("by", CurrentAccountID(c)))
	if st.Balances == nil {
		st.Balances = []balance.Balance{}
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) getComplianceEvents(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	events, err := s.Engine.ListComplianceEvents(c.Request.Context(), compliance.Query{
		AccountID: c.Query("account_id"),
		Status:    compliance.Status(c.Query("status")),
		Severity:  compliance.Severity(c.Query("severity")),
		Limit:     q.Limit,
	})
	if err != nil {
		respondEngineError(c, err)
		return
	}
	if events == nil {
		events = []compliance.Event{}
	}
	c.JSON(http.StatusOK, events)
}

// getOpenComplianceEvents is the review queue of unresolved events.
func (s *Server) getOpenComplianceEvents(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	events, err := s.Engine.OpenComplianceEvents(c.Request.Context(), compliance.Severity(c.Query("severity")), q.Limit)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	if events == nil {
		events = []compliance.Event{}
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) resolveComplianceEvent(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "resolution notes are required")
		return
	}
	id := c.Param("id")
	if err := s.Engine.ResolveComplianceEvent(c.Request.Context(), id, req.Notes); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": compliance.StatusResolved})
}

func (s *Server) getComplianceStats(c *gin.Context) {
	stats, err := s.Engine.ComplianceStats(c.Request.Context())
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

// getMetrics returns the in-process latency snapshot; Prometheus scrapes
// /metrics.
func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not available")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}
