package account

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/canopy/internal/validation"
)

// Handler provides HTTP endpoints for account management
type Handler struct {
	store  Store
	logger *slog.Logger
}

// NewHandler creates a new account handler
func NewHandler(store Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes sets up account routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.Create)
	r.GET("/accounts/:id", h.Get)
}

// CreateRequest opens a new account, optionally bound to a chain address.
type CreateRequest struct {
	ChainAddress string `json:"chainAddress"`
}

// Create handles POST /accounts
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	addr := ""
	if req.ChainAddress != "" {
		addr = validation.NormalizeAddress(req.ChainAddress)
		if !validation.IsValidChainAddress(addr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "chainAddress must be a 0x-prefixed 40-hex-char address",
			})
			return
		}
	}

	now := time.Now().UTC()
	a := &Account{ID: NewID(), ChainAddress: addr, CreatedAt: now, UpdatedAt: now}
	if err := h.store.Create(c.Request.Context(), a); err != nil {
		if errors.Is(err, ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_address",
				"message": "An account already owns that chain address",
			})
			return
		}
		h.logger.Error("account create failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_error", "message": "Failed to create account"})
		return
	}

	h.logger.Info("account created", "account", a.ID, "hasAddress", addr != "")
	c.JSON(http.StatusCreated, a)
}

// Get handles GET /accounts/:id
func (h *Handler) Get(c *gin.Context) {
	a, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": "No account with that ID"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_error", "message": "Failed to load account"})
		return
	}
	c.JSON(http.StatusOK, a)
}
