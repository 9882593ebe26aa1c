package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	store  Store
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(store Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes sets up ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:id/balance", h.GetBalance)
	r.GET("/accounts/:id/movements", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/adjustments", h.Adjust)
}

// GetBalance handles GET /accounts/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	accountID := c.Param("id")

	balance, err := h.store.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "account_not_found",
				"message": "No account with that ID",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accountId":    accountID,
		"balanceMinor": balance,
	})
}

// GetHistory handles GET /accounts/:id/movements
func (h *Handler) GetHistory(c *gin.Context) {
	accountID := c.Param("id")

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	movements, err := h.store.History(c.Request.Context(), accountID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve movement history",
		})
		return
	}

	if movements == nil {
		movements = []*Movement{}
	}
	c.JSON(http.StatusOK, gin.H{
		"movements": movements,
	})
}

// AdjustRequest records a manual balance adjustment (admin use)
type AdjustRequest struct {
	AccountID   string `json:"accountId" binding:"required"`
	Direction   string `json:"direction" binding:"required"`
	AmountMinor int64  `json:"amountMinor" binding:"required"`
	Description string `json:"description"`
}

// Adjust handles POST /admin/adjustments
func (h *Handler) Adjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	m, err := h.store.Apply(c.Request.Context(), ApplyParams{
		AccountID:     req.AccountID,
		Direction:     Direction(req.Direction),
		AmountMinor:   req.AmountMinor,
		ReferenceType: RefAdjust,
		Description:   req.Description,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrAccountNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": "No account with that ID"})
		case errors.Is(err, ErrInsufficientBalance):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_balance", "message": "Adjustment would overdraw the account"})
		case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidDirection):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		default:
			h.logger.Error("manual adjustment failed", "error", err, "account", req.AccountID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "adjustment_error", "message": "Failed to apply adjustment"})
		}
		return
	}

	h.logger.Info("manual adjustment applied",
		"account", req.AccountID, "direction", req.Direction, "amount", req.AmountMinor)
	c.JSON(http.StatusCreated, m)
}
