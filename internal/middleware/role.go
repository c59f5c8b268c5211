package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Clinical staff roles allowed to operate chairs.
const (
	RoleAdmin  = "ADMIN"
	RoleDoctor = "DOCTOR"
	RoleNurse  = "NURSE"
)

// RequireRole aborts with 403 unless the role stored by JWTAuth is one of
// roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[strings.ToUpper(r)] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !allowed[Role(c)] {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden", "message": "role not allowed"})
			}
			return next(c)
		}
	}
}
