package payments

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kmunene/shambapay/internal/gateway"
	"github.com/kmunene/shambapay/internal/identity"
	"github.com/kmunene/shambapay/internal/order"
	"github.com/kmunene/shambapay/internal/stock"
	"github.com/kmunene/shambapay/internal/wallet"
)

// Handler exposes checkout and wallet money-movement endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a payments HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes registers payment endpoints on the given router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/orders/:id/wallet", identity.RequireRole(identity.RoleBuyer), h.PayFromWallet)
	r.POST("/payments/orders/:id/stk", identity.RequireRole(identity.RoleBuyer), h.InitiateSTKPush)
	r.POST("/payments/orders/:id/card", identity.RequireRole(identity.RoleBuyer), h.InitiateCardCharge)
	r.POST("/wallet/topup", identity.RequireAuth(), h.TopUp)
	r.POST("/wallet/withdraw", identity.RequireAuth(), h.Withdraw)
}

// PayFromWallet settles an order from the buyer's wallet balance.
func (h *Handler) PayFromWallet(c *gin.Context) {
	o, err := h.service.PayFromWallet(c.Request.Context(), c.Param("id"), identity.CallerID(c))
	if err != nil {
		h.writeError(c, err, "pay_from_wallet")
		return
	}
	c.JSON(http.StatusOK, o)
}

// STKPushRequest is the body for a mobile money collection.
type STKPushRequest struct {
	Phone string `json:"phone" binding:"required"`
}

// InitiateSTKPush starts an M-Pesa collection for an order.
func (h *Handler) InitiateSTKPush(c *gin.Context) {
	var req STKPushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "phone is required"})
		return
	}
	ch, err := h.service.InitiateSTKPush(c.Request.Context(), c.Param("id"), identity.CallerID(c), req.Phone)
	if err != nil {
		h.writeError(c, err, "stk_push")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":  "initiated",
		"invoice": ch,
	})
}

// CardChargeRequest is the body for a card payment.
type CardChargeRequest struct {
	Token string `json:"token" binding:"required"`
}

// InitiateCardCharge charges a tokenized card for an order.
func (h *Handler) InitiateCardCharge(c *gin.Context) {
	var req CardChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}
	o, err := h.service.InitiateCardCharge(c.Request.Context(), c.Param("id"), identity.CallerID(c), req.Token)
	if err != nil {
		h.writeError(c, err, "card_charge")
		return
	}
	c.JSON(http.StatusOK, o)
}

// MoveMoneyRequest is the body for top-ups and withdrawals.
type MoveMoneyRequest struct {
	Phone  string `json:"phone" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// TopUp starts a mobile money collection into the caller's wallet.
func (h *Handler) TopUp(c *gin.Context) {
	var req MoveMoneyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "phone and amount are required"})
		return
	}
	ch, err := h.service.TopUp(c.Request.Context(), identity.CallerID(c), req.Phone, req.Amount)
	if err != nil {
		h.writeError(c, err, "topup")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":  "initiated",
		"invoice": ch,
	})
}

// Withdraw sends wallet balance out to the caller's mobile money account.
func (h *Handler) Withdraw(c *gin.Context) {
	var req MoveMoneyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "phone and amount are required"})
		return
	}
	txn, err := h.service.Withdraw(c.Request.Context(), identity.CallerID(c), req.Phone, req.Amount)
	if err != nil {
		h.writeError(c, err, "withdraw")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "sent",
		"transaction": txn,
	})
}

func (h *Handler) writeError(c *gin.Context, err error, op string) {
	var insufficient *wallet.InsufficientFundsError
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
	case errors.Is(err, wallet.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet_not_found"})
	case errors.Is(err, ErrNotOrderBuyer):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, ErrOrderNotPayable):
		c.JSON(http.StatusConflict, gin.H{"error": "order_not_payable"})
	case errors.Is(err, ErrInvalidPhone):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_phone"})
	case errors.Is(err, wallet.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount"})
	case errors.As(err, &insufficient):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "insufficient_funds",
			"message":   insufficient.Error(),
			"required":  insufficient.Required,
			"available": insufficient.Available,
		})
	case errors.Is(err, stock.ErrStockUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "stock_unavailable"})
	case errors.Is(err, gateway.ErrRejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "payment_rejected", "message": err.Error()})
	case errors.Is(err, gateway.ErrUnavailable), errors.Is(err, gateway.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway_unavailable"})
	default:
		h.logger.Error("payment operation failed", "op", op, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
