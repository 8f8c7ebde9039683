package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Staff roles recognised by the route groups.
const (
	RoleAdmin         = "admin"
	RoleFrontDesk     = "front_desk"
	RoleNurse         = "nurse"
	RolePhysician     = "physician"
	RoleLabTechnician = "lab_technician"
	RolePharmacist    = "pharmacist"
	RoleBilling       = "billing"
)

// ClinicalRoles is every role that works a visit stage.
var ClinicalRoles = []string{
	RoleFrontDesk, RoleNurse, RolePhysician, RoleLabTechnician, RolePharmacist, RoleBilling,
}

// HasRole reports whether roles grants role. Admin holds every role.
func HasRole(roles []string, role string) bool {
	for _, has := range roles {
		if has == role || has == RoleAdmin {
			return true
		}
	}
	return false
}

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				if HasRole(userRoles, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
