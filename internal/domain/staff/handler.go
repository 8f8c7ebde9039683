package staff

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/visitflow/internal/platform/auth"
	"github.com/ehr/visitflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – every clinical role
	readGroup := api.Group("", auth.RequireRole(auth.ClinicalRoles...))
	readGroup.GET("/staff", h.ListStaff)
	readGroup.GET("/staff/:id", h.GetStaff)

	// Write endpoints – admin only
	writeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	writeGroup.POST("/staff", h.CreateStaff)
	writeGroup.POST("/staff/:id/deactivate", h.DeactivateStaff)
}

func (h *Handler) CreateStaff(c echo.Context) error {
	var st Staff
	if err := c.Bind(&st); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateStaff(c.Request().Context(), &st); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, st)
}

func (h *Handler) GetStaff(c echo.Context) error {
	st, err := h.svc.GetStaff(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "staff member not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) ListStaff(c echo.Context) error {
	pg, err := pagination.Directory.Parse(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.ListStaff(c.Request().Context(), c.QueryParam("branch_id"), c.QueryParam("role"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg))
}

func (h *Handler) DeactivateStaff(c echo.Context) error {
	err := h.svc.DeactivateStaff(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "staff member not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
