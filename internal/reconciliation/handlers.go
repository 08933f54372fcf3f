package reconciliation

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kmunene/shambapay/internal/identity"
)

// Handler exposes an on-demand reconciliation sweep for ops.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a reconciliation HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes registers the admin reconciliation endpoint.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admin/reconciliation", identity.RequireRole(identity.RoleAdmin), h.Run)
}

// Run executes a sweep and returns the report.
func (h *Handler) Run(c *gin.Context) {
	report, err := h.service.Run(c.Request.Context())
	if err != nil {
		h.logger.Error("reconciliation run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, report)
}
