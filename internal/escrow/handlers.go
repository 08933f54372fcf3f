package escrow

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kmunene/shambapay/internal/identity"
)

// Handler exposes escrow endpoints over HTTP.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates an escrow HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes registers escrow endpoints on the given router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows", identity.RequireAuth(), h.List)
	r.GET("/escrows/order/:orderId", identity.RequireAuth(), h.GetByOrder)
	r.POST("/escrows/order/:orderId/release", identity.RequireAuth(), h.Release)
	r.POST("/escrows/order/:orderId/dispute", identity.RequireRole(identity.RoleBuyer), h.Dispute)
	r.POST("/escrows/order/:orderId/refund", identity.RequireRole(identity.RoleAdmin), h.Refund)
}

// List returns escrows the caller is a party to.
func (h *Handler) List(c *gin.Context) {
	escrows, err := h.service.ListByUser(c.Request.Context(), identity.CallerID(c), 50)
	if err != nil {
		h.logger.Error("failed to list escrows", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if escrows == nil {
		escrows = []*Escrow{}
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows})
}

// GetByOrder returns the escrow for an order. Parties and admins only.
func (h *Handler) GetByOrder(c *gin.Context) {
	e, err := h.service.GetByOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "escrow_not_found"})
			return
		}
		h.logger.Error("failed to get escrow", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	callerID := identity.CallerID(c)
	if callerID != e.BuyerID && callerID != e.FarmerID && identity.CallerRole(c) != identity.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.JSON(http.StatusOK, e)
}

// Release settles the escrow to the farmer.
func (h *Handler) Release(c *gin.Context) {
	isAdmin := identity.CallerRole(c) == identity.RoleAdmin
	e, err := h.service.Release(c.Request.Context(), c.Param("orderId"), identity.CallerID(c), isAdmin)
	if err != nil {
		h.writeError(c, err, "release")
		return
	}
	c.JSON(http.StatusOK, e)
}

// DisputeRequest is the body for raising a dispute.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Dispute freezes the escrow pending resolution.
func (h *Handler) Dispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}
	e, err := h.service.Dispute(c.Request.Context(), c.Param("orderId"), identity.CallerID(c), req.Reason)
	if err != nil {
		h.writeError(c, err, "dispute")
		return
	}
	c.JSON(http.StatusOK, e)
}

// RefundRequest is the body for an ops refund.
type RefundRequest struct {
	Reason string `json:"reason"`
}

// Refund settles the escrow back to the buyer.
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	_ = c.ShouldBindJSON(&req)
	e, err := h.service.Refund(c.Request.Context(), c.Param("orderId"), req.Reason)
	if err != nil {
		h.writeError(c, err, "refund")
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *Handler) writeError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "escrow_not_found"})
	case errors.Is(err, ErrEscrowSettled):
		c.JSON(http.StatusConflict, gin.H{"error": "escrow_settled"})
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_status"})
	case errors.Is(err, ErrOrderNotDelivered):
		c.JSON(http.StatusConflict, gin.H{"error": "order_not_delivered"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	default:
		h.logger.Error("escrow operation failed", "op", op, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
