package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"order-core/internal/credentials"
	"order-core/internal/order"
	"order-core/pkg/db"
	"order-core/pkg/exchanges/common"
)

type executeOrderRequest struct {
	UserID      string       `json:"user_id"`
	Exchange    string       `json:"exchange" binding:"required"`
	Symbol      string       `json:"symbol" binding:"required"`
	Side        string       `json:"side" binding:"required"`
	Quantity    float64      `json:"quantity"`
	Price       float64      `json:"price"`
	Amount      float64      `json:"amount"`
	OrderType   string       `json:"order_type"`
	Environment string       `json:"environment"`
	AccountTier string       `json:"account_tier"`
	Urgent      bool         `json:"urgent"`
	Intent      order.Intent `json:"intent"`
}

type saveCredentialsRequest struct {
	Exchange       string   `json:"exchange" binding:"required"`
	Environment    string   `json:"environment" binding:"required"`
	APIKey         string   `json:"api_key" binding:"required"`
	APISecret      string   `json:"api_secret" binding:"required"`
	Passphrase     string   `json:"passphrase"`
	BaseURLs       []string `json:"base_urls"`
	Tier           string   `json:"account_tier"`
	IsManagement   bool     `json:"is_management"`
	TestnetMode    bool     `json:"testnet_mode"`
	TradingEnabled *bool    `json:"trading_enabled"`
}

type accountView struct {
	Exchange     string `json:"exchange"`
	Environment  string `json:"environment"`
	Tier         string `json:"account_tier,omitempty"`
	IsManagement bool   `json:"is_management"`
	TestnetMode  bool   `json:"testnet_mode"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func unavailable(c *gin.Context, what string) {
	respondError(c, http.StatusServiceUnavailable, "UNAVAILABLE", what+" not configured")
}

// statusForKind maps an operation failure to an HTTP status. The body always
// carries the full result.
func statusForKind(kind common.ErrorKind) int {
	switch kind {
	case common.KindValidation:
		return http.StatusBadRequest
	case common.KindAuth, common.KindRejected:
		return http.StatusUnprocessableEntity
	case common.KindTransport, common.KindOutcomeUnknown:
		return http.StatusBadGateway
	case common.KindCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// executeOrder runs one order to completion and returns its result.
func (s *Server) executeOrder(c *gin.Context) {
	if s.deps.Orders == nil {
		unavailable(c, "order engine")
		return
	}
	var req executeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	userID, ok := authorizeUser(c, strings.TrimSpace(req.UserID))
	if !ok {
		return
	}

	res := s.deps.Orders.ExecuteOrder(c.Request.Context(), order.Order{
		UserID:      userID,
		Exchange:    req.Exchange,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Quantity:    req.Quantity,
		Price:       req.Price,
		Amount:      req.Amount,
		OrderType:   req.OrderType,
		Environment: req.Environment,
		AccountTier: req.AccountTier,
		Urgent:      req.Urgent,
		Intent:      req.Intent,
	})
	if res.Success {
		c.JSON(http.StatusOK, res)
		return
	}
	kind := common.KindInternal
	if res.Error != nil {
		kind = res.Error.Kind
	}
	c.JSON(statusForKind(kind), res)
}

func (s *Server) queueStatus(c *gin.Context) {
	if s.deps.Orders == nil {
		unavailable(c, "order engine")
		return
	}
	resp := gin.H{"lanes": s.deps.Orders.QueueStatus()}
	if m := s.deps.Orders.Metrics(); m != nil {
		resp["metrics"] = m.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) reconciliationStats(c *gin.Context) {
	if s.deps.Reconciler == nil {
		unavailable(c, "reconciliation")
		return
	}
	c.JSON(http.StatusOK, s.deps.Reconciler.Stats())
}

// reconcileUser runs an on-demand reconciliation of one user.
func (s *Server) reconcileUser(c *gin.Context) {
	if s.deps.Reconciler == nil {
		unavailable(c, "reconciliation")
		return
	}
	userID, ok := authorizeUser(c, c.Param("id"))
	if !ok {
		return
	}
	report := s.deps.Reconciler.ReconcileUser(c.Request.Context(), userID)
	if report.Failed() {
		s.logger.Warn("on-demand reconciliation incomplete",
			zap.String("user_id", userID), zap.Error(report.Error))
	}
	c.JSON(http.StatusOK, report)
}

type positionsQuery struct {
	Status string `form:"status"`
	Limit  int    `form:"limit"`
}

func (q *positionsQuery) normalize() {
	q.Status = strings.ToUpper(strings.TrimSpace(q.Status))
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

// userPositions serves open positions from the cache; any other status reads
// the ledger directly.
func (s *Server) userPositions(c *gin.Context) {
	if s.deps.Positions == nil {
		unavailable(c, "positions")
		return
	}
	userID, ok := authorizeUser(c, c.Param("id"))
	if !ok {
		return
	}
	var q positionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid query")
		return
	}
	q.normalize()

	var (
		positions []db.TrackedPosition
		err       error
	)
	switch q.Status {
	case "", db.StatusOpen:
		positions, err = s.deps.Positions.OpenPositions(c.Request.Context(), userID)
	case db.StatusClosed, "ALL":
		if s.deps.History == nil {
			unavailable(c, "position history")
			return
		}
		status := q.Status
		if status == "ALL" {
			status = ""
		}
		positions, err = s.deps.History.PositionsByUser(c.Request.Context(), userID, status, q.Limit)
	default:
		respondError(c, http.StatusBadRequest, "INVALID_STATUS", "status must be open, closed or all")
		return
	}
	if err != nil {
		s.logger.Error("load positions failed", zap.String("user_id", userID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load positions")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":   userID,
		"positions": positions,
		"count":     len(positions),
	})
}

// reconciliationRuns lists the audit trail of past passes. Operators only.
func (s *Server) reconciliationRuns(c *gin.Context) {
	if s.deps.History == nil {
		unavailable(c, "reconciliation history")
		return
	}
	if !isOperator(c) {
		respondError(c, http.StatusForbidden, "FORBIDDEN", "operator role required")
		return
	}
	limit := 20
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	runs, err := s.deps.History.RecentReconciliationRuns(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("load reconciliation runs failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load runs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// listCredentials returns the caller's accounts without key material.
func (s *Server) listCredentials(c *gin.Context) {
	if s.deps.Credentials == nil {
		unavailable(c, "credential store")
		return
	}
	userID := CurrentUserID(c)
	accounts, err := s.deps.Credentials.AccountsByUser(c.Request.Context(), userID)
	if err != nil {
		s.logger.Error("list accounts failed", zap.String("user_id", userID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list accounts")
		return
	}
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountView{
			Exchange:     a.Exchange,
			Environment:  string(a.Environment),
			Tier:         a.Tier,
			IsManagement: a.IsManagement,
			TestnetMode:  a.TestnetMode,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

// saveCredentials stores a key set for the caller, sealed at rest.
func (s *Server) saveCredentials(c *gin.Context) {
	if s.deps.Credentials == nil {
		unavailable(c, "credential store")
		return
	}
	var req saveCredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	env := common.Environment(strings.ToLower(strings.TrimSpace(req.Environment)))
	if !env.Valid() {
		respondError(c, http.StatusBadRequest, "INVALID_ENVIRONMENT", "environment must be testnet, mainnet or management")
		return
	}
	// Management accounts are provisioned by operators only.
	if req.IsManagement && !isOperator(c) {
		respondError(c, http.StatusForbidden, "FORBIDDEN", "management accounts require operator role")
		return
	}
	trading := true
	if req.TradingEnabled != nil {
		trading = *req.TradingEnabled
	}

	userID := CurrentUserID(c)
	exchange := strings.ToLower(strings.TrimSpace(req.Exchange))
	err := s.deps.Credentials.Save(c.Request.Context(), credentials.SaveRequest{
		UserID:         userID,
		Exchange:       exchange,
		Environment:    env,
		APIKey:         req.APIKey,
		APISecret:      req.APISecret,
		Passphrase:     req.Passphrase,
		BaseURLs:       req.BaseURLs,
		Tier:           req.Tier,
		IsManagement:   req.IsManagement,
		TestnetMode:    req.TestnetMode,
		TradingEnabled: trading,
	})
	if err != nil {
		s.logger.Error("save credentials failed",
			zap.String("user_id", userID), zap.String("exchange", exchange), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to save credentials")
		return
	}
	s.logger.Info("credentials saved",
		zap.String("user_id", userID), zap.String("exchange", exchange), zap.String("environment", string(env)))
	c.JSON(http.StatusCreated, gin.H{
		"exchange":    exchange,
		"environment": env,
	})
}

// deactivateCredentials disables one of the caller's key sets.
func (s *Server) deactivateCredentials(c *gin.Context) {
	if s.deps.Credentials == nil {
		unavailable(c, "credential store")
		return
	}
	userID := CurrentUserID(c)
	env := common.Environment(strings.ToLower(c.Param("environment")))
	err := s.deps.Credentials.Deactivate(c.Request.Context(), userID, c.Param("exchange"), env)
	switch {
	case errors.Is(err, credentials.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", "no such account")
	case err != nil:
		s.logger.Error("deactivate credentials failed", zap.String("user_id", userID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to deactivate account")
	default:
		c.Status(http.StatusNoContent)
	}
}
