package middleware

import "github.com/labstack/echo/v4"

// UserID returns the authenticated subject, or "anon" before JWTAuth ran.
func UserID(c echo.Context) string {
	if s, ok := c.Get("user_id").(string); ok && s != "" {
		return s
	}
	return "anon"
}

// Role returns the authenticated role, or "" when unauthenticated.
func Role(c echo.Context) string {
	s, _ := c.Get("role").(string)
	return s
}

// RequestIDFrom returns the id assigned by RequestID.
func RequestIDFrom(c echo.Context) string {
	s, _ := c.Get("request_id").(string)
	return s
}
