package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/iliyamo/infusion-chair-coordinator/internal/model"
	"github.com/iliyamo/infusion-chair-coordinator/internal/service"
)

// Coordinator is the part of *service.Coordinator the chair endpoints use.
type Coordinator interface {
	Assign(ctx context.Context, chairID, patientID string) (*service.AssignResult, error)
	Release(ctx context.Context, chairID string) (*service.ReleaseResult, error)
	Administer(ctx context.Context, chairID, medicationID string, amount int) (*service.AdministerResult, error)
	ListAdministered(ctx context.Context, chairID string) ([]model.AdministeredItem, error)
	ActiveSession(ctx context.Context, chairID string) (*model.Session, error)
	LowStock(ctx context.Context) ([]model.MedicationItem, error)
}

var _ Coordinator = (*service.Coordinator)(nil)

// ChairHandler serves chair occupancy and medication administration.
// Authentication and role checks are done by middleware.
type ChairHandler struct {
	Coord Coordinator
	Log   zerolog.Logger
}

// NewChairHandler returns a ChairHandler.  coord must be non-nil.
func NewChairHandler(coord Coordinator, log zerolog.Logger) *ChairHandler {
	if coord == nil {
		panic("nil coordinator passed to NewChairHandler")
	}
	return &ChairHandler{Coord: coord, Log: log}
}

type assignRequest struct {
	PatientID string `json:"patientId"`
}

type administerRequest struct {
	MedicationID string `json:"medicationId"`
	Amount       *int   `json:"amount"`
}

// Assign handles POST /v1/chairs/:id/assign with body {"patientId": "..."}.
func (h *ChairHandler) Assign(c echo.Context) error {
	var body assignRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid_request", "invalid request body")
	}
	body.PatientID = strings.TrimSpace(body.PatientID)
	if body.PatientID == "" {
		return badRequest(c, "invalid_request", "patientId is required")
	}

	res, err := h.Coord.Assign(c.Request().Context(), c.Param("id"), body.PatientID)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Release handles POST /v1/chairs/:id/release.
func (h *ChairHandler) Release(c echo.Context) error {
	res, err := h.Coord.Release(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Administer handles POST /v1/chairs/:id/medications with body
// {"medicationId": "...", "amount": n}.  amount must be a positive
// integer.
func (h *ChairHandler) Administer(c echo.Context) error {
	var body administerRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid_request", "invalid request body")
	}
	body.MedicationID = strings.TrimSpace(body.MedicationID)
	if body.MedicationID == "" {
		return badRequest(c, "invalid_request", "medicationId is required")
	}
	if body.Amount == nil || *body.Amount <= 0 {
		return badRequest(c, service.ReasonInvalidAmount, "invalid amount")
	}

	res, err := h.Coord.Administer(c.Request().Context(), c.Param("id"), body.MedicationID, *body.Amount)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, res)
}

// ListAdministered handles GET /v1/chairs/:id/medications.  A chair
// without an active session returns an empty list.
func (h *ChairHandler) ListAdministered(c echo.Context) error {
	items, err := h.Coord.ListAdministered(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items})
}

// ActiveSession handles GET /v1/chairs/:id/session.
func (h *ChairHandler) ActiveSession(c echo.Context) error {
	s, err := h.Coord.ActiveSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"session": s})
}

// StockAlerts handles GET /v1/inventory/alerts.
func (h *ChairHandler) StockAlerts(c echo.Context) error {
	items, err := h.Coord.LowStock(c.Request().Context())
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items})
}
