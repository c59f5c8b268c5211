package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/iliyamo/infusion-chair-coordinator/internal/middleware"
	"github.com/iliyamo/infusion-chair-coordinator/internal/service"
)

// statusFor maps coordinator error kinds onto HTTP.  The public surface
// only exposes 404 and 400 for business failures, so conflicts are 400.
func statusFor(k service.Kind) int {
	switch k {
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindConflict, service.KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"error": reason, "message": text}.  Internal
// causes are logged and never leaked to the client.
func writeError(c echo.Context, log zerolog.Logger, err error) error {
	var se *service.Error
	if !errors.As(err, &se) {
		se = &service.Error{Kind: service.KindInternal, Reason: service.ReasonInternal, Err: err}
	}
	msg := se.Message
	if se.Kind == service.KindInternal {
		log.Error().Err(err).
			Str("request_id", middleware.RequestIDFrom(c)).
			Str("path", c.Path()).
			Msg("internal error")
		msg = "internal error"
	}
	return c.JSON(statusFor(se.Kind), echo.Map{"error": se.Reason, "message": msg})
}

func badRequest(c echo.Context, reason, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": reason, "message": msg})
}
