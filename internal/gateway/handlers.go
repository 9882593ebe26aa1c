package gateway

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/canopy/internal/metrics"
)

// SignatureHeader carries the gateway's webhook signature.
const SignatureHeader = "Stripe-Signature"

// Handler ingests gateway webhooks and dispatches verified events.
// Capture events are offered to each handler in registration order;
// top-ups are registered before purchases so wallet funding settles
// before anything that might spend it.
type Handler struct {
	verifier Verifier
	captured []CapturedHandler
	failed   []FailedHandler
	logger   *slog.Logger
}

// NewHandler creates a webhook ingestion handler.
func NewHandler(verifier Verifier, logger *slog.Logger) *Handler {
	return &Handler{verifier: verifier, logger: logger}
}

// OnCaptured registers a capture event consumer.
func (h *Handler) OnCaptured(c CapturedHandler) {
	h.captured = append(h.captured, c)
}

// OnFailed registers a failure event consumer.
func (h *Handler) OnFailed(f FailedHandler) {
	h.failed = append(h.failed, f)
}

// RegisterRoutes sets up the webhook route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/gateway", h.Receive)
}

// Receive handles POST /webhooks/gateway.
//
// Response codes drive gateway redelivery: 2xx acknowledges, anything
// else causes a retry. Unknown orders are acknowledged so stale
// events do not retry forever; processing errors are not, so the
// gateway redelivers them.
func (h *Handler) Receive(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("read_error").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "message": "Could not read request body"})
		return
	}

	event, err := h.verifier.VerifyWebhook(payload, c.GetHeader(SignatureHeader))
	if err != nil {
		if errors.Is(err, ErrSecretMissing) {
			// Fail closed. Never process unauthenticated webhooks.
			h.logger.Error("webhook rejected: no signing secret configured")
			metrics.WebhookEventsTotal.WithLabelValues("secret_missing").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "not_configured", "message": "Webhook verification is not configured"})
			return
		}
		h.logger.Warn("webhook signature verification failed", "error", err)
		metrics.WebhookEventsTotal.WithLabelValues("bad_signature").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Webhook signature verification failed"})
		return
	}

	ctx := c.Request.Context()

	switch event.Type {
	case EventPaymentCaptured:
		for _, handler := range h.captured {
			handled, err := handler.HandlePaymentCaptured(ctx, event.OrderID, event.PaymentID)
			if err != nil {
				h.logger.Error("webhook capture processing failed",
					"order", event.OrderID, "error", err)
				metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
				c.JSON(http.StatusInternalServerError, gin.H{"error": "processing_error", "message": "Event processing failed"})
				return
			}
			if handled {
				metrics.WebhookEventsTotal.WithLabelValues("captured").Inc()
				c.JSON(http.StatusOK, gin.H{"status": "processed"})
				return
			}
		}
		// No handler claimed the order. Acknowledge so the gateway
		// stops redelivering; keep a log line for investigation.
		h.logger.Warn("webhook for unknown order", "order", event.OrderID)
		metrics.WebhookEventsTotal.WithLabelValues("unknown_order").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})

	case EventPaymentFailed:
		for _, handler := range h.failed {
			handled, err := handler.HandlePaymentFailed(ctx, event.OrderID, "gateway reported payment failure")
			if err != nil {
				h.logger.Error("webhook failure processing failed",
					"order", event.OrderID, "error", err)
				metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
				c.JSON(http.StatusInternalServerError, gin.H{"error": "processing_error", "message": "Event processing failed"})
				return
			}
			if handled {
				metrics.WebhookEventsTotal.WithLabelValues("failed").Inc()
				c.JSON(http.StatusOK, gin.H{"status": "processed"})
				return
			}
		}
		h.logger.Warn("failure webhook for unknown order", "order", event.OrderID)
		metrics.WebhookEventsTotal.WithLabelValues("unknown_order").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})

	default:
		metrics.WebhookEventsTotal.WithLabelValues("ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}
