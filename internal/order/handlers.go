package order

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kmunene/shambapay/internal/identity"
	"github.com/kmunene/shambapay/internal/stock"
)

// Handler provides HTTP endpoints for order operations.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new order handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up order routes. All routes resolve the caller
// from the authenticated identity.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", identity.RequireRole(identity.RoleBuyer), h.Create)
	r.GET("/orders", h.List)
	r.GET("/orders/:id", h.Get)
	r.POST("/orders/:id/cancel", h.Cancel)
	r.POST("/orders/:id/status", identity.RequireRole(identity.RoleFarmer), h.UpdateStatus)
}

// Create handles POST /orders.
func (h *Handler) Create(c *gin.Context) {
	buyerID := identity.CallerID(c)

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.Create(c.Request.Context(), buyerID, req)
	if err != nil {
		switch {
		case errors.Is(err, stock.ErrProductNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "product_not_found",
				"message": "Product does not exist",
			})
		case errors.Is(err, stock.ErrStockUnavailable):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "stock_unavailable",
				"message": "Not enough stock for the requested quantity",
			})
		case errors.Is(err, ErrInvalidQuantity), errors.Is(err, stock.ErrInvalidQuantity):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_quantity",
				"message": "Quantity must be positive",
			})
		case errors.Is(err, ErrOwnProduct):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "own_product",
				"message": "You cannot order your own produce",
			})
		default:
			h.logger.Error("order creation failed", "buyer", buyerID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "order_error",
				"message": "Failed to create order",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// List handles GET /orders — a buyer sees orders they placed, a farmer
// sees incoming orders for their produce.
func (h *Handler) List(c *gin.Context) {
	userID := identity.CallerID(c)

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	var (
		orders []*Order
		err    error
	)
	if identity.CallerRole(c) == identity.RoleFarmer {
		orders, err = h.service.ListByFarmer(c.Request.Context(), userID, limit)
	} else {
		orders, err = h.service.ListByBuyer(c.Request.Context(), userID, limit)
	}
	if err != nil {
		h.logger.Error("order listing failed", "user", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "order_error",
			"message": "Failed to list orders",
		})
		return
	}
	if orders == nil {
		orders = []*Order{}
	}

	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"count":  len(orders),
	})
}

// Get handles GET /orders/:id. Only parties to the order (or admins)
// may read it.
func (h *Handler) Get(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "order_not_found",
			"message": "Order does not exist",
		})
		return
	}

	caller := identity.CallerID(c)
	if caller != o.BuyerID && caller != o.FarmerID && identity.CallerRole(c) != identity.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You are not a party to this order",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

// CancelRequest carries an optional cancellation reason.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /orders/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	c.ShouldBindJSON(&req)

	o, err := h.service.Cancel(c.Request.Context(), c.Param("id"), identity.CallerID(c), req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "order_not_found",
				"message": "Order does not exist",
			})
		case errors.Is(err, ErrUnauthorized):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Only the buyer can cancel this order",
			})
		case errors.Is(err, ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_transition",
				"message": err.Error(),
			})
		default:
			h.logger.Error("order cancellation failed", "order", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "order_error",
				"message": "Failed to cancel order",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

// UpdateStatusRequest moves an order along the fulfilment state machine.
type UpdateStatusRequest struct {
	Status Status `json:"status" binding:"required"`
}

// UpdateStatus handles POST /orders/:id/status.
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	isAdmin := identity.CallerRole(c) == identity.RoleAdmin
	o, err := h.service.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status, identity.CallerID(c), isAdmin)
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "order_not_found",
				"message": "Order does not exist",
			})
		case errors.Is(err, ErrUnauthorized):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Only the farmer on this order can update its status",
			})
		case errors.Is(err, ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_transition",
				"message": err.Error(),
			})
		default:
			h.logger.Error("order status update failed", "order", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "order_error",
				"message": "Failed to update order status",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}
