package wallet

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kmunene/shambapay/internal/identity"
	"github.com/kmunene/shambapay/internal/pagination"
	"github.com/kmunene/shambapay/internal/validation"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up wallet routes. All routes resolve the caller
// from the authenticated identity.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/transactions", h.ListTransactions)
	r.POST("/wallet/transfer", h.Transfer)
}

// GetWallet handles GET /wallet — returns (and lazily creates) the
// caller's wallet.
func (h *Handler) GetWallet(c *gin.Context) {
	userID := identity.CallerID(c)

	w, err := h.service.GetOrCreate(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to retrieve wallet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// ListTransactions handles GET /wallet/transactions with cursor paging
// and optional category/direction filters.
func (h *Handler) ListTransactions(c *gin.Context) {
	userID := identity.CallerID(c)

	w, err := h.service.GetByUser(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			c.JSON(http.StatusOK, gin.H{"transactions": []*Transaction{}})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to resolve wallet",
		})
		return
	}

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	filter := TxnFilter{
		Category:  Category(c.Query("category")),
		Direction: Direction(c.Query("direction")),
		Limit:     limit + 1, // fetch one extra to detect another page
		Cursor:    c.Query("cursor"),
	}

	txns, err := h.service.ListTransactions(c.Request.Context(), w.ID, filter)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Failed to list transactions",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"transactions": page,
		"nextCursor":   next,
		"hasMore":      hasMore,
	})
}

// TransferRequest moves funds to another user's wallet.
type TransferRequest struct {
	ToUserID    string `json:"toUserId" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
}

// Transfer handles POST /wallet/transfer.
func (h *Handler) Transfer(c *gin.Context) {
	userID := identity.CallerID(c)

	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidAmount(req.Amount) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal number",
		})
		return
	}

	from, err := h.service.GetOrCreate(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to resolve wallet",
		})
		return
	}
	to, err := h.service.GetOrCreate(c.Request.Context(), req.ToUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to resolve destination wallet",
		})
		return
	}

	out, in, err := h.service.Transfer(c.Request.Context(), from.ID, to.ID, req.Amount, req.Description, "")
	if err != nil {
		var insufficient *InsufficientFundsError
		switch {
		case errors.As(err, &insufficient):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":     "insufficient_funds",
				"message":   insufficient.Error(),
				"required":  insufficient.Required,
				"available": insufficient.Available,
			})
		case errors.Is(err, ErrSameWallet):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "same_wallet",
				"message": "Cannot transfer to your own wallet",
			})
		case errors.Is(err, ErrWalletInactive):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "wallet_inactive",
				"message": "Wallet is suspended or closed",
			})
		case errors.Is(err, ErrConcurrentModification):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "concurrent_modification",
				"message": "Wallet is busy, try again",
			})
		default:
			h.logger.Error("transfer failed", "from", from.ID, "to", to.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "transfer_error",
				"message": "Failed to execute transfer",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status": "completed",
		"debit":  out,
		"credit": in,
	})
}
