package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kmunene/shambapay/internal/gateway"
	"github.com/kmunene/shambapay/internal/metrics"
	"github.com/kmunene/shambapay/internal/money"
	"github.com/kmunene/shambapay/internal/order"
	"github.com/kmunene/shambapay/internal/stock"
	"github.com/kmunene/shambapay/internal/traces"
	"github.com/kmunene/shambapay/internal/wallet"
)

// maxWebhookBody caps how much of a provider callback we read.
const maxWebhookBody = 64 * 1024

// WebhookEvent is the provider's callback payload. api_ref is whatever
// we sent when initiating: an order number or a topup ref.
type WebhookEvent struct {
	InvoiceID    string `json:"invoice_id"`
	State        string `json:"state"`
	APIRef       string `json:"api_ref"`
	Amount       string `json:"value"`
	FailedReason string `json:"failed_reason"`
	FailedCode   string `json:"failed_code"`
}

// WebhookHandler turns provider callbacks into wallet credits and order
// confirmations. Every path acks with 200: the provider retries on
// anything else, and our processing is idempotent anyway, so a retry
// storm buys nothing.
type WebhookHandler struct {
	wallets *wallet.Service
	orders  *order.Service
	secret  string
	logger  *slog.Logger
}

// NewWebhookHandler creates the webhook endpoint handler. secret may be
// empty in development, which disables signature checks.
func NewWebhookHandler(wallets *wallet.Service, orders *order.Service, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{wallets: wallets, orders: orders, secret: secret, logger: logger}
}

// RegisterRoutes registers the webhook endpoint. It is deliberately
// outside the authenticated API group: the provider authenticates with
// the HMAC signature, not an API key.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/payments", h.Handle)
}

// Handle processes one provider callback.
func (h *WebhookHandler) Handle(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("read_error").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if h.secret != "" {
		sig := c.GetHeader("X-Webhook-Signature")
		if !h.verifySignature(body, sig) {
			metrics.WebhookEventsTotal.WithLabelValues("bad_signature").Inc()
			h.logger.Warn("webhook signature mismatch", "remote", c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("bad_payload").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	result := h.process(c.Request.Context(), &event)
	metrics.WebhookEventsTotal.WithLabelValues(result).Inc()

	// Ack regardless of processing outcome.
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// process routes the event by api_ref. The returned string is the
// metrics label for what happened.
func (h *WebhookHandler) process(ctx context.Context, event *WebhookEvent) string {
	ctx, span := traces.StartSpan(ctx, "webhook.process", traces.InvoiceID(event.InvoiceID))
	defer span.End()

	log := h.logger.With("invoice_id", event.InvoiceID, "api_ref", event.APIRef, "state", event.State)

	if event.APIRef == "" {
		log.Warn("webhook event without api_ref dropped")
		return "unknown_ref"
	}

	if userID, ok := strings.CutPrefix(event.APIRef, topUpPrefix); ok {
		return h.processTopUp(ctx, log, event, userID)
	}
	return h.processOrderPayment(ctx, log, event)
}

func (h *WebhookHandler) processTopUp(ctx context.Context, log *slog.Logger, event *WebhookEvent, userID string) string {
	switch event.State {
	case gateway.StateComplete:
		w, err := h.wallets.GetOrCreate(ctx, userID)
		if err != nil {
			log.Error("top-up wallet lookup failed", "error", err)
			return "error"
		}
		// The invoice id is the reference, so a redelivered event
		// credits exactly once.
		if _, _, err := h.wallets.Credit(ctx, w.ID, wallet.CategoryDeposit, event.Amount,
			"Wallet top-up", wallet.DepositMetadata(event.InvoiceID), "dep:"+event.InvoiceID); err != nil {
			log.Error("top-up credit failed", "error", err)
			return "error"
		}
		log.Info("wallet top-up credited", "wallet_id", w.ID, "amount", event.Amount)
		return "topup_completed"
	case gateway.StateFailed:
		log.Info("top-up failed at provider", "reason", event.FailedReason)
		return "topup_failed"
	default:
		return "ignored"
	}
}

func (h *WebhookHandler) processOrderPayment(ctx context.Context, log *slog.Logger, event *WebhookEvent) string {
	o, err := h.orders.GetByNumber(ctx, event.APIRef)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			// Not ours, or long gone. Ack and drop.
			log.Warn("webhook for unknown order dropped")
			return "unknown_ref"
		}
		log.Error("order lookup failed", "error", err)
		return "error"
	}

	switch event.State {
	case gateway.StateComplete:
		if event.Amount != "" && !amountsEqual(event.Amount, o.TotalAmount) {
			log.Error("webhook amount does not match order total",
				"order_id", o.ID, "webhook_amount", event.Amount, "order_total", o.TotalAmount)
			// Leave a trail on the order itself so ops can find it.
			reason := "webhook amount " + event.Amount + " does not match order total " + o.TotalAmount
			if err := h.orders.RecordPaymentFailure(ctx, o.ID, reason); err != nil {
				log.Error("failed to record amount mismatch", "order_id", o.ID, "error", err)
			}
			return "amount_mismatch"
		}
		if _, err := h.orders.ConfirmPayment(ctx, o.ID, MethodMpesa, event.InvoiceID); err != nil {
			// Money collected but the order can no longer be filled.
			// Park it in the buyer's wallet so it isn't lost.
			if errors.Is(err, stock.ErrStockUnavailable) {
				return h.creditStrandedPayment(ctx, log, event, o,
					"insufficient stock at payment confirmation", "stock_unavailable")
			}
			if errors.Is(err, order.ErrInvalidTransition) {
				return h.creditStrandedPayment(ctx, log, event, o,
					"order cancelled before payment settled", "order_cancelled")
			}
			log.Error("payment confirmation failed", "order_id", o.ID, "error", err)
			return "error"
		}
		log.Info("order payment confirmed", "order_id", o.ID)
		return "completed"
	case gateway.StateFailed:
		reason := event.FailedReason
		if reason == "" {
			reason = "payment failed at provider"
		}
		if err := h.orders.RecordPaymentFailure(ctx, o.ID, reason); err != nil {
			log.Error("failed to record payment failure", "order_id", o.ID, "error", err)
			return "error"
		}
		return "failed"
	default:
		// PENDING / PROCESSING keepalives.
		return "ignored"
	}
}

// creditStrandedPayment puts collected money in the buyer's wallet when
// the order it was meant for can no longer be filled.
func (h *WebhookHandler) creditStrandedPayment(ctx context.Context, log *slog.Logger, event *WebhookEvent, o *order.Order, reason, label string) string {
	w, err := h.wallets.GetOrCreate(ctx, o.BuyerID)
	if err != nil {
		log.Error("stranded payment wallet lookup failed", "order_id", o.ID, "error", err)
		return "error"
	}
	if _, _, err := h.wallets.Credit(ctx, w.ID, wallet.CategoryRefund, event.Amount,
		"Payment returned: order "+o.Number+" ("+reason+")",
		wallet.RefundMetadata(o.ID, "", reason),
		"dep:"+event.InvoiceID); err != nil {
		log.Error("stranded payment credit failed", "order_id", o.ID, "error", err)
		return "error"
	}
	log.Info("stranded payment credited to buyer wallet",
		"order_id", o.ID, "wallet_id", w.ID, "reason", reason)
	return label
}

// amountsEqual compares two decimal strings numerically, so "600.00"
// and "600.0" match.
func amountsEqual(a, b string) bool {
	ac, aok := money.Cents(a)
	bc, bok := money.Cents(b)
	return aok && bok && ac == bc
}
