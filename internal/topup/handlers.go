package topup

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// AccountIDKey is the gin context key the auth middleware stores the
// caller's account ID under.
const AccountIDKey = "accountID"

// Handler provides HTTP endpoints for top-ups
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new top-up handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up top-up routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/topups", h.CreateGateway)
	r.POST("/topups/crypto", h.CreateCrypto)
	r.GET("/topups", h.List)
	r.GET("/topups/:id", h.Get)
}

// RegisterAdminRoutes sets up operator-only top-up routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/topups/:id/confirm", h.ConfirmCrypto)
}

// CreateGatewayRequest starts a card-funded top-up.
type CreateGatewayRequest struct {
	AmountMinor int64 `json:"amountMinor" binding:"required"`
}

// CreateGateway handles POST /topups
func (h *Handler) CreateGateway(c *gin.Context) {
	accountID := c.GetString(AccountIDKey)
	if accountID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": "Missing account identity"})
		return
	}

	var req CreateGatewayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	t, order, err := h.service.CreateGateway(c.Request.Context(), accountID, req.AmountMinor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"topup": t, "order": order})
}

// CreateCryptoRequest starts a crypto deposit intent.
type CreateCryptoRequest struct {
	AmountMinor  int64  `json:"amountMinor" binding:"required"`
	CryptoAmount string `json:"cryptoAmount"`
	CryptoSymbol string `json:"cryptoSymbol" binding:"required"`
}

// CreateCrypto handles POST /topups/crypto
func (h *Handler) CreateCrypto(c *gin.Context) {
	accountID := c.GetString(AccountIDKey)
	if accountID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": "Missing account identity"})
		return
	}

	var req CreateCryptoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	t, err := h.service.CreateCryptoIntent(c.Request.Context(), accountID,
		req.AmountMinor, req.CryptoAmount, req.CryptoSymbol)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"topup": t})
}

// Get handles GET /topups/:id
func (h *Handler) Get(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "topup_not_found", "message": "No topup with that ID"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "topup_error", "message": "Failed to load topup"})
		return
	}

	if accountID := c.GetString(AccountIDKey); accountID != "" && t.AccountID != accountID {
		c.JSON(http.StatusNotFound, gin.H{"error": "topup_not_found", "message": "No topup with that ID"})
		return
	}
	c.JSON(http.StatusOK, t)
}

// List handles GET /topups
func (h *Handler) List(c *gin.Context) {
	accountID := c.GetString(AccountIDKey)
	if accountID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": "Missing account identity"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	topups, err := h.service.ListByAccount(c.Request.Context(), accountID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "topup_error", "message": "Failed to list topups"})
		return
	}
	if topups == nil {
		topups = []*Topup{}
	}
	c.JSON(http.StatusOK, gin.H{"topups": topups})
}

// ConfirmCryptoRequest settles a crypto deposit intent.
type ConfirmCryptoRequest struct {
	TxHash string `json:"txHash" binding:"required"`
}

// ConfirmCrypto handles POST /admin/topups/:id/confirm
func (h *Handler) ConfirmCrypto(c *gin.Context) {
	var req ConfirmCryptoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	t, err := h.service.ConfirmCryptoDeposit(c.Request.Context(), c.Param("id"), req.TxHash)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Code, "message": ve.Message})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "topup_not_found", "message": "No topup with that ID"})
	case errors.Is(err, ErrAlreadyFinal):
		c.JSON(http.StatusConflict, gin.H{"error": "already_final", "message": "Topup is already in a terminal state"})
	case errors.Is(err, ErrExpired):
		c.JSON(http.StatusConflict, gin.H{"error": "intent_expired", "message": "Deposit intent has expired"})
	case errors.Is(err, ErrDuplicateTxHash):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_tx_hash", "message": "Deposit transaction already claimed by another topup"})
	default:
		h.logger.Error("topup request failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "topup_error", "message": "Topup processing failed"})
	}
}
