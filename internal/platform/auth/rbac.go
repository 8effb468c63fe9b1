package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RolePatient   = "patient"
	RoleNurse     = "nurse"
	RolePhysician = "physician"
	RoleAdmin     = "admin"
)

// StaffRoles are the roles allowed to work hospital queues and alerts.
var StaffRoles = []string{RoleNurse, RolePhysician, RoleAdmin}

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admin satisfies every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAnyRole(c.Request().Context(), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

func HasAnyRole(ctx context.Context, roles ...string) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == RoleAdmin {
			return true
		}
		for _, required := range roles {
			if has == required {
				return true
			}
		}
	}
	return false
}

// CanActForPatient reports whether the caller may submit or read data for
// patientID. Staff may act for anyone; a patient only for themselves.
func CanActForPatient(ctx context.Context, patientID string) bool {
	if HasAnyRole(ctx, StaffRoles...) {
		return true
	}
	if !HasAnyRole(ctx, RolePatient) {
		return false
	}
	own := PatientIDFromContext(ctx)
	return own != "" && strings.EqualFold(own, patientID)
}
