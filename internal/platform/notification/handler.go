package notification

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/visitflow/internal/platform/auth"
	"github.com/ehr/visitflow/internal/platform/db"
)

// Handler exposes the delivery log over HTTP.
type Handler struct {
	manager *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

// RegisterRoutes registers the inbox routes on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.HandleInbox)
	g.GET("/notifications/stats", h.HandleStats, auth.RequireRole("admin"))
	g.GET("/notifications/:id", h.HandleGet)
}

// HandleInbox handles GET /notifications?branch_id=...&limit=...
// It lists notifications for the calling staff member and, when branch_id is
// given, the branch board broadcasts.
func (h *Handler) HandleInbox(c echo.Context) error {
	staffID := auth.UserIDFromContext(c.Request().Context())
	if staffID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing staff identity")
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	ctx := c.Request().Context()
	list := h.manager.ListByRecipient(ctx, db.TenantFromContext(ctx), staffID, c.QueryParam("branch_id"), limit)
	return c.JSON(http.StatusOK, list)
}

// HandleGet handles GET /notifications/:id.
func (h *Handler) HandleGet(c echo.Context) error {
	ctx := c.Request().Context()
	n, err := h.manager.GetNotification(ctx, db.TenantFromContext(ctx), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, n)
}

// HandleStats handles GET /notifications/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.NotificationStats(c.Request().Context()))
}
