package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/infusion-chair-coordinator/internal/database"
	"github.com/iliyamo/infusion-chair-coordinator/internal/model"
	"github.com/iliyamo/infusion-chair-coordinator/internal/repository"
	"github.com/iliyamo/infusion-chair-coordinator/internal/service"
)

func newTestStore(t *testing.T) *database.Store {
	t.Helper()
	store, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	chairs := repository.NewChairRepo(store)
	for _, c := range []model.Chair{
		{ID: "S1", Number: "S1", Name: "Sillón 1", IsActive: true},
		{ID: "S3", Number: "S3", Name: "Sillón 3", IsActive: true},
		{ID: "S4", Number: "S4", Name: "Sillón 4", Status: model.ChairMaintenance, IsActive: true},
	} {
		c := c
		require.NoError(t, chairs.Create(ctx, &c))
	}
	patients := repository.NewPatientRepo(store)
	for _, p := range []model.Patient{{ID: "P1", Name: "Ana Rojas"}, {ID: "P2", Name: "Luis Soto"}} {
		p := p
		require.NoError(t, patients.Create(ctx, &p))
	}
	meds := repository.NewMedicationRepo(store)
	m := model.MedicationItem{ID: "MedA", Name: "Medicamento A", Quantity: 10, MinimumStock: 5, IsActive: true}
	require.NoError(t, meds.Create(ctx, &m))
	return store
}

// newTestServer mounts the chair routes without auth middleware.
func newTestServer(t *testing.T, now func() time.Time) *echo.Echo {
	t.Helper()
	store := newTestStore(t)
	coord := service.NewCoordinator(store, service.WithClock(now))
	h := NewChairHandler(coord, zerolog.Nop())

	e := echo.New()
	e.POST("/chairs/:id/assign", h.Assign)
	e.POST("/chairs/:id/release", h.Release)
	e.POST("/chairs/:id/medications", h.Administer)
	e.GET("/chairs/:id/medications", h.ListAdministered)
	e.GET("/chairs/:id/session", h.ActiveSession)
	e.GET("/inventory/alerts", h.StockAlerts)
	return e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestChairFlow(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	e := newTestServer(t, func() time.Time { return now })

	rec := do(e, http.MethodPost, "/chairs/S1/assign", `{"patientId":"P1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "occupied", body["chair"].(map[string]any)["status"])
	assert.Equal(t, "active", body["session"].(map[string]any)["status"])

	rec = do(e, http.MethodPost, "/chairs/S1/assign", `{"patientId":"P2"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, service.ReasonChairUnavailable, body["error"])
	assert.Equal(t, "chair unavailable", body["message"])

	rec = do(e, http.MethodPost, "/chairs/S1/medications", `{"medicationId":"MedA","amount":6}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode(t, rec)
	assert.Equal(t, "Medicamento A", body["medicationName"])
	assert.EqualValues(t, 4, body["stockRemaining"])
	assert.Equal(t, true, body["alert"])

	rec = do(e, http.MethodPost, "/chairs/S1/medications", `{"medicationId":"MedA","amount":100}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "insufficient stock: available 4", decode(t, rec)["message"])

	rec = do(e, http.MethodGet, "/chairs/S1/medications", "")
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode(t, rec)["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "Medicamento A", items[0].(map[string]any)["name"])

	rec = do(e, http.MethodGet, "/inventory/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["items"].([]any), 1)

	now = now.Add(45 * time.Minute)
	rec = do(e, http.MethodPost, "/chairs/S1/release", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 45, decode(t, rec)["durationMinutes"])

	rec = do(e, http.MethodPost, "/chairs/S1/release", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no active session", decode(t, rec)["message"])

	rec = do(e, http.MethodGet, "/chairs/S1/medications", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["items"])

	rec = do(e, http.MethodGet, "/chairs/S1/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode(t, rec)["session"])
}

func TestAssign_Errors(t *testing.T) {
	e := newTestServer(t, time.Now)

	cases := []struct {
		name, path, body string
		status           int
		reason           string
	}{
		{"missing chair", "/chairs/NOPE/assign", `{"patientId":"P1"}`, http.StatusNotFound, service.ReasonChairNotFound},
		{"maintenance", "/chairs/S4/assign", `{"patientId":"P1"}`, http.StatusBadRequest, service.ReasonChairInMaintenance},
		{"missing patient", "/chairs/S1/assign", `{"patientId":"P9"}`, http.StatusNotFound, service.ReasonPatientNotFound},
		{"empty patient", "/chairs/S1/assign", `{"patientId":"  "}`, http.StatusBadRequest, "invalid_request"},
		{"malformed", "/chairs/S1/assign", `{"patientId":`, http.StatusBadRequest, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(e, http.MethodPost, tc.path, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.reason, decode(t, rec)["error"])
		})
	}
}

func TestAdminister_Validation(t *testing.T) {
	e := newTestServer(t, time.Now)

	cases := []struct {
		name, body string
		reason     string
	}{
		{"missing amount", `{"medicationId":"MedA"}`, service.ReasonInvalidAmount},
		{"zero amount", `{"medicationId":"MedA","amount":0}`, service.ReasonInvalidAmount},
		{"negative amount", `{"medicationId":"MedA","amount":-2}`, service.ReasonInvalidAmount},
		{"fractional amount", `{"medicationId":"MedA","amount":1.5}`, "invalid_request"},
		{"string amount", `{"medicationId":"MedA","amount":"3"}`, "invalid_request"},
		{"missing medication", `{"amount":3}`, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(e, http.MethodPost, "/chairs/S1/medications", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tc.reason, decode(t, rec)["error"])
		})
	}

	rec := do(e, http.MethodPost, "/chairs/S3/medications", `{"medicationId":"MedA","amount":1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "chair has no active session", decode(t, rec)["message"])
}

type failingCoordinator struct{ Coordinator }

func (failingCoordinator) Release(context.Context, string) (*service.ReleaseResult, error) {
	return nil, errors.New("connection reset by peer")
}

func TestInternalErrorHidden(t *testing.T) {
	h := NewChairHandler(failingCoordinator{}, zerolog.Nop())
	e := echo.New()
	e.POST("/chairs/:id/release", h.Release)

	rec := do(e, http.MethodPost, "/chairs/S1/release", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, service.ReasonInternal, body["error"])
	assert.Equal(t, "internal error", body["message"])
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealthAndReady(t *testing.T) {
	e := echo.New()
	e.GET("/healthz", Health)
	e.GET("/readyz", Ready(pinger{}))
	e.GET("/readyz-down", Ready(pinger{err: errors.New("db down")}))

	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/readyz", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(e, http.MethodGet, "/readyz-down", "").Code)
}
