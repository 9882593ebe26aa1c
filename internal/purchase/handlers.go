package purchase

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/canopy/internal/chain"
	"github.com/mbd888/canopy/internal/ledger"
)

// AccountIDKey is the gin context key the auth middleware stores the
// caller's account ID under.
const AccountIDKey = "accountID"

// Handler provides HTTP endpoints for purchases
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new purchase handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up purchase routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/purchases", h.Create)
	r.GET("/purchases", h.List)
	r.GET("/purchases/:id", h.Get)
}

// RegisterAdminRoutes sets up operator-only purchase routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/purchases/:id/fulfill", h.Redrive)
}

// CreateRequest starts a purchase.
type CreateRequest struct {
	BuyerChainAddress string `json:"buyerChainAddress" binding:"required"`
	ListingID         uint64 `json:"listingId" binding:"required"`
	AssetUnits        int64  `json:"assetUnits" binding:"required"`
	Channel           string `json:"channel" binding:"required"`
}

// Create handles POST /purchases
func (h *Handler) Create(c *gin.Context) {
	accountID := c.GetString(AccountIDKey)
	if accountID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": "Missing account identity"})
		return
	}

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	result, err := h.service.Create(c.Request.Context(), CreateParams{
		BuyerAccountID:    accountID,
		BuyerChainAddress: req.BuyerChainAddress,
		ListingID:         req.ListingID,
		AssetUnits:        req.AssetUnits,
		Channel:           Channel(req.Channel),
	})
	if err != nil {
		h.writeError(c, err, result)
		return
	}

	resp := gin.H{"purchase": result.Purchase}
	if result.Order != nil {
		resp["order"] = result.Order
	}
	c.JSON(http.StatusCreated, resp)
}

// writeError maps the error taxonomy onto stable HTTP codes so a
// client can decide between retry, top-up prompt, or support.
func (h *Handler) writeError(c *gin.Context, err error, result *CreateResult) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		status := http.StatusBadRequest
		if ve.Code == "listing_unavailable" {
			// Validation failed after creation; the purchase exists
			// in FAILED state and is returned for inspection.
			status = http.StatusConflict
		}
		body := gin.H{"error": ve.Code, "message": ve.Message}
		if result != nil && result.Purchase != nil {
			body["purchase"] = result.Purchase
		}
		c.JSON(status, body)
		return
	}

	if errors.Is(err, ledger.ErrInsufficientBalance) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "insufficient_balance",
			"message": "Wallet balance does not cover the purchase total",
		})
		return
	}

	var ge *GatewayError
	if errors.As(err, &ge) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "gateway_error",
			"message": "Payment gateway rejected order creation",
		})
		return
	}

	var pe *chain.PartialError
	if errors.As(err, &pe) {
		body := gin.H{
			"error":   "partial_fulfillment",
			"message": "Settlement partially completed and needs operator attention",
		}
		if result != nil && result.Purchase != nil {
			body["purchase"] = result.Purchase
		}
		c.JSON(http.StatusInternalServerError, body)
		return
	}

	var ae *chain.AmbiguousError
	if errors.As(err, &ae) || errors.Is(err, chain.ErrTimeout) {
		body := gin.H{
			"error":   "settlement_pending",
			"message": "On-chain settlement is unconfirmed; the purchase remains open for re-drive",
		}
		if result != nil && result.Purchase != nil {
			body["purchase"] = result.Purchase
		}
		c.JSON(http.StatusAccepted, body)
		return
	}

	var ce *chain.ChainError
	if errors.As(err, &ce) || errors.Is(err, chain.ErrTransactionFailed) {
		body := gin.H{
			"error":   "chain_error",
			"message": "On-chain settlement failed",
		}
		if result != nil && result.Purchase != nil {
			body["purchase"] = result.Purchase
		}
		c.JSON(http.StatusBadGateway, body)
		return
	}

	h.logger.Error("purchase request failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Purchase processing failed"})
}

// Get handles GET /purchases/:id
func (h *Handler) Get(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "purchase_not_found", "message": "No purchase with that ID"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "purchase_error", "message": "Failed to load purchase"})
		return
	}

	// Buyers can only see their own purchases.
	if accountID := c.GetString(AccountIDKey); accountID != "" && p.BuyerAccountID != accountID {
		c.JSON(http.StatusNotFound, gin.H{"error": "purchase_not_found", "message": "No purchase with that ID"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// List handles GET /purchases
func (h *Handler) List(c *gin.Context) {
	accountID := c.GetString(AccountIDKey)
	if accountID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": "Missing account identity"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	purchases, err := h.service.ListByBuyer(c.Request.Context(), accountID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "purchase_error", "message": "Failed to list purchases"})
		return
	}
	if purchases == nil {
		purchases = []*Purchase{}
	}
	c.JSON(http.StatusOK, gin.H{"purchases": purchases})
}

// Redrive handles POST /admin/purchases/:id/fulfill. It re-runs
// fulfillment for a purchase stuck at PAID or FULFILLING.
func (h *Handler) Redrive(c *gin.Context) {
	id := c.Param("id")
	err := h.service.Fulfill(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "purchase_not_found", "message": "No purchase with that ID"})
		case errors.Is(err, ErrAlreadyFinal):
			c.JSON(http.StatusConflict, gin.H{"error": "already_final", "message": "Purchase is already in a terminal state"})
		case errors.Is(err, ErrWrongState):
			c.JSON(http.StatusConflict, gin.H{"error": "wrong_state", "message": "Purchase is not awaiting fulfillment"})
		default:
			h.logger.Error("operator re-drive failed", "purchase", id, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "fulfillment_error", "message": err.Error()})
		}
		return
	}

	p, _ := h.service.Get(c.Request.Context(), id)
	c.JSON(http.StatusOK, p)
}
