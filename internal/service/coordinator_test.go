package service

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/infusion-chair-coordinator/internal/database"
	"github.com/iliyamo/infusion-chair-coordinator/internal/metrics"
	"github.com/iliyamo/infusion-chair-coordinator/internal/model"
	"github.com/iliyamo/infusion-chair-coordinator/internal/queue"
	"github.com/iliyamo/infusion-chair-coordinator/internal/repository"
)

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.Event
	err    error
}

var _ EventPublisher = (*recordingPublisher)(nil)

func (p *recordingPublisher) Publish(_ context.Context, ev queue.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) queues() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Queue())
	}
	return out
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	store   *database.Store
	coord   *Coordinator
	clock   *clock
	events  *recordingPublisher
	metrics *metrics.Metrics

	chairs   *repository.ChairRepo
	patients *repository.PatientRepo
	meds     *repository.MedicationRepo
	sessions *repository.SessionRepo
	admins   *repository.AdministrationRepo
}

func newEnv(t *testing.T, policy Policy) *env {
	t.Helper()
	store, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	e := &env{
		store:    store,
		clock:    &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		events:   &recordingPublisher{},
		metrics:  metrics.New(prometheus.NewRegistry()),
		chairs:   repository.NewChairRepo(store),
		patients: repository.NewPatientRepo(store),
		meds:     repository.NewMedicationRepo(store),
		sessions: repository.NewSessionRepo(store),
		admins:   repository.NewAdministrationRepo(store),
	}
	e.coord = NewCoordinator(store,
		WithPolicy(policy),
		WithClock(e.clock.Now),
		WithEvents(e.events),
		WithMetrics(e.metrics),
	)

	for _, c := range []model.Chair{
		{ID: "S1", Number: "S1", Name: "Sillón 1", Location: "Sala A", IsActive: true},
		{ID: "S2", Number: "S2", Name: "Sillón 2", Location: "Sala A", IsActive: true},
		{ID: "S3", Number: "S3", Name: "Sillón 3", Location: "Sala B", IsActive: true},
		{ID: "S4", Number: "S4", Name: "Sillón 4", Location: "Sala B", Status: model.ChairMaintenance, IsActive: true},
		{ID: "S5", Number: "S5", Name: "Sillón 5", Status: model.ChairDisabled, IsActive: true},
		{ID: "S6", Number: "S6", Name: "Sillón 6", IsActive: false},
	} {
		c := c
		require.NoError(t, e.chairs.Create(ctx, &c))
	}
	for _, p := range []model.Patient{
		{ID: "P1", Name: "Ana Rojas"},
		{ID: "P2", Name: "Luis Soto"},
		{ID: "P3", Name: "Marta Díaz", Status: model.PatientInactive},
		{ID: "P4", Name: "Jorge Pérez"},
	} {
		p := p
		require.NoError(t, e.patients.Create(ctx, &p))
	}
	for _, m := range []model.MedicationItem{
		{ID: "MedA", Name: "Medicamento A", Quantity: 10, MinimumStock: 5, IsActive: true},
		{ID: "MedB", Name: "Medicamento B", Quantity: 5, MinimumStock: 10, IsActive: true},
		{ID: "Suero", Name: "Suero fisiológico", Quantity: 20, MinimumStock: 5, IsActive: true},
		{ID: "Old", Name: "Retirado", Quantity: 50, MinimumStock: 5, IsActive: false},
	} {
		m := m
		require.NoError(t, e.meds.Create(ctx, &m))
	}
	return e
}

func (e *env) chairStatus(t *testing.T, id string) model.ChairStatus {
	t.Helper()
	c, err := e.chairs.FindByID(context.Background(), id)
	require.NoError(t, err)
	return c.Status
}

func (e *env) patientStatus(t *testing.T, id string) model.PatientStatus {
	t.Helper()
	p, err := e.patients.FindByID(context.Background(), id)
	require.NoError(t, err)
	return p.Status
}

func (e *env) quantity(t *testing.T, id string) int {
	t.Helper()
	m, err := e.meds.FindByID(context.Background(), id)
	require.NoError(t, err)
	return m.Quantity
}

func (e *env) countSessions(t *testing.T, where string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, e.store.DB.QueryRow(`SELECT COUNT(*) FROM chair_sessions WHERE `+where, args...).Scan(&n))
	return n
}

func (e *env) countRecords(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, e.store.DB.QueryRow(`SELECT COUNT(*) FROM session_medications`).Scan(&n))
	return n
}

// assertChairInvariant checks occupied <=> exactly one active session.
func (e *env) assertChairInvariant(t *testing.T) {
	t.Helper()
	rows, err := e.store.DB.Query(`
		SELECT c.id, c.status, (SELECT COUNT(*) FROM chair_sessions s WHERE s.chair_id = c.id AND s.status = 'active')
		FROM chairs c`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var (
			id, status string
			active     int
		)
		require.NoError(t, rows.Scan(&id, &status, &active))
		if status == string(model.ChairOccupied) {
			assert.Equal(t, 1, active, "chair %s is occupied", id)
		} else {
			assert.Equal(t, 0, active, "chair %s is %s", id, status)
		}
	}
	require.NoError(t, rows.Err())
}

func requireKind(t *testing.T, err error, kind Kind, reason, msg string) {
	t.Helper()
	require.Error(t, err)
	var e *Error
	require.True(t, errors.As(err, &e), "not a service error: %v", err)
	assert.Equal(t, kind, e.Kind)
	assert.Equal(t, reason, e.Reason)
	assert.Equal(t, msg, e.Message)
}

func TestAssignAvailableChair(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()

	res, err := e.coord.Assign(ctx, "S1", "P1")
	require.NoError(t, err)
	assert.Equal(t, model.ChairOccupied, res.Chair.Status)
	assert.Equal(t, "Sillón 1", res.Chair.Name)
	assert.Equal(t, model.SessionActive, res.Session.Status)
	assert.Equal(t, "S1", res.Session.ChairID)
	assert.Equal(t, "P1", res.Session.PatientID)
	assert.True(t, res.Session.StartTime.Equal(e.clock.Now()))
	assert.Nil(t, res.Session.EndTime)
	assert.NotEmpty(t, res.Session.ID)

	assert.Equal(t, model.ChairOccupied, e.chairStatus(t, "S1"))
	assert.Equal(t, model.PatientInTreatment, e.patientStatus(t, "P1"))
	active, err := e.coord.ActiveSession(ctx, "S1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, res.Session.ID, active.ID)

	assert.Equal(t, []string{queue.QueueSessionStarted}, e.events.queues())
	e.assertChairInvariant(t)
}

func TestAssignOccupiedChairRejected(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()

	_, err := e.coord.Assign(ctx, "S1", "P1")
	require.NoError(t, err)

	_, err = e.coord.Assign(ctx, "S1", "P2")
	requireKind(t, err, KindConflict, ReasonChairUnavailable, "chair unavailable")

	assert.Equal(t, model.PatientActive, e.patientStatus(t, "P2"))
	assert.Equal(t, 1, e.countSessions(t, "1 = 1"))
	assert.Equal(t, 0, e.countSessions(t, "patient_id = ?", "P2"))
	e.assertChairInvariant(t)
}

func TestAdministerDecrementsStockAndRejectsOverdraw(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()

	assigned, err := e.coord.Assign(ctx, "S1", "P1")
	require.NoError(t, err)
	e.clock.Advance(10 * time.Minute)

	res, err := e.coord.Administer(ctx, "S1", "MedA", 6)
	require.NoError(t, err)
	assert.Equal(t, assigned.Session.ID, res.SessionID)
	assert.Equal(t, "Medicamento A", res.MedicationName)
	assert.Equal(t, 6, res.AmountAdministered)
	assert.Equal(t, 4, res.StockRemaining)
	assert.Equal(t, 5, res.MinimumStock)
	assert.True(t, res.Alert)
	assert.Equal(t, assigned.Session.ID, res.Record.SessionID)
	assert.Equal(t, "MedA", res.Record.MedicationID)
	assert.True(t, res.Record.Timestamp.Equal(e.clock.Now()))
	assert.Equal(t, 4, e.quantity(t, "MedA"))

	_, err = e.coord.Administer(ctx, "S1", "MedA", 100)
	requireKind(t, err, KindBadRequest, ReasonInsufficientStock, "insufficient stock: available 4")
	assert.Equal(t, 4, e.quantity(t, "MedA"))
	assert.Equal(t, 1, e.countRecords(t))

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.StockAlertsTotal.WithLabelValues("Medicamento A")))
	assert.Equal(t, []string{
		queue.QueueSessionStarted,
		queue.QueueMedicationAdministered,
		queue.QueueStockLow,
	}, e.events.queues())
}

func TestAdministerAboveMinimumHasNoAlert(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()
	_, err := e.coord.Assign(ctx, "S1", "P1")
	require.NoError(t, err)

	res, err := e.coord.Administer(ctx, "S1", "Suero", 1)
	require.NoError(t, err)
	assert.False(t, res.Alert)
	assert.Equal(t, 19, res.StockRemaining)
	assert.NotContains(t, e.events.queues(), queue.QueueStockLow)
}

func TestAdministerExactQuantityReachesZero(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()
	_, err := e.coord.Assign(ctx, "S1", "P1")
	require.NoError(t, err)

	res, err := e.coord.Administer(ctx, "S1", "MedB", 5)
	require.NoError(t, err)
	assert.Equal(t, 0, res.StockRemaining)
	assert.True(t, res.Alert)

	_, err = e.coord.Administer(ctx, "S1", "MedB", 1)
	requireKind(t, err, KindBadRequest, ReasonInsufficientStock, "insufficient stock: available 0")
}

func TestReleaseRecordsRoundedDuration(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()

	assigned, err := e.coord.Assign(ctx, "S1", "P1")
	require.NoError(t, err)
	start := e.clock.Now()
	e.clock.Advance(45 * time.Minute)

	res, err := e.coord.Release(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, 45, res.DurationMinutes)
	assert.Equal(t, assigned.Session.ID, res.SessionID)
	assert.True(t, res.StartTime.Equal(start))
	assert.True(t, res.EndTime.Equal(start.Add(45*time.Minute)))

	assert.Equal(t, model.ChairAvailable, e.chairStatus(t, "S1"))
	assert.Equal(t, model.PatientActive, e.patientStatus(t, "P1"))

	s, err := e.sessions.FindByID(ctx, assigned.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFinished, s.Status)
	require.NotNil(t, s.EndTime)
	assert.True(t, s.EndTime.Equal(res.EndTime))
	assert.Equal(t, "Treatment completed. Duration: 45 minutes", s.Notes)

	assert.Equal(t, 1, testutil.CollectAndCount(e.metrics.SessionDuration))
	assert.Contains(t, e.events.queues(), queue.QueueSessionFinished)
	e.assertChairInvariant(t)
}

func TestReleaseWithoutSessionRejected(t *testing.T) {
	e := newEnv(t, DefaultPolicy())

	_, err := e.coord.Release(context.Background(), "S3")
	requireKind(t, err, KindConflict, ReasonNoActiveSession, "no active session")
	assert.Equal(t, model.ChairAvailable, e.chairStatus(t, "S3"))
	assert.Equal(t, 0, e.countSessions(t, "1 = 1"))
	assert.Empty(t, e.events.queues())
}

func TestReleaseTwiceFails(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()

	assigned, err := e.coord.Assign(ctx, "S1", "P1")
	require.NoError(t, err)
	e.clock.Advance(20 * time.Minute)
	_, err = e.coord.Release(ctx, "S1")
	require.NoError(t, err)

	e.clock.Advance(20 * time.Minute)
	_, err = e.coord.Release(ctx, "S1")
	requireKind(t, err, KindConflict, ReasonNoActiveSession, "no active session")

	s, err := e.sessions.FindByID(ctx, assigned.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, "Treatment completed. Duration: 20 minutes", s.Notes)
}

func TestReleaseUnknownChair(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	_, err := e.coord.Release(context.Background(), "nope")
	requireKind(t, err, KindNotFound, ReasonChairNotFound, "chair not found")
}

func TestReassignAfterRelease(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()

	_, err := e.coord.Assign(ctx, "S1", "P1")
	require.NoError(t, err)
	_, err = e.coord.Release(ctx, "S1")
	require.NoError(t, err)

	_, err = e.coord.Assign(ctx, "S1", "P2")
	require.NoError(t, err)
	_, err = e.coord.Assign(ctx, "S2", "P1")
	require.NoError(t, err)

	assert.Equal(t, 2, e.countSessions(t, "status = ?", "active"))
	assert.Equal(t, 1, e.countSessions(t, "status = ?", "finished"))
	e.assertChairInvariant(t)
}

func TestAssignPreconditions(t *testing.T) {
	tests := []struct {
		name    string
		chair   string
		patient string
		kind    Kind
		reason  string
		msg     string
	}{
		{"unknown chair", "nope", "P1", KindNotFound, ReasonChairNotFound, "chair not found"},
		{"inactive chair", "S6", "P1", KindNotFound, ReasonChairNotFound, "chair not found"},
		{"maintenance", "S4", "P1", KindConflict, ReasonChairInMaintenance, "chair in maintenance"},
		{"disabled", "S5", "P1", KindConflict, ReasonChairUnavailable, "chair unavailable"},
		{"unknown patient", "S1", "nope", KindNotFound, ReasonPatientNotFound, "patient not found"},
		{"inactive patient", "S1", "P3", KindConflict, ReasonPatientNotActive, "patient not active"},
		// chair checks come before patient checks
		{"maintenance and unknown patient", "S4", "nope", KindConflict, ReasonChairInMaintenance, "chair in maintenance"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, DefaultPolicy())
			_, err := e.coord.Assign(context.Background(), tc.chair, tc.patient)
			requireKind(t, err, tc.kind, tc.reason, tc.msg)
			assert.Equal(t, 0, e.countSessions(t, "1 = 1"))
			assert.Empty(t, e.events.queues())
			e.assertChairInvariant(t)
		})
	}
}

func TestAssignPatientAlreadySeated(t *testing.T) {
	ctx := context.Background()

	t.Run("tracking on", func(t *testing.T) {
		e := newEnv(t, DefaultPolicy())
		_, err := e.coord.Assign(ctx, "S1", "P1")
		require.NoError(t, err)
		// the patient is in_treatment, which fails the active check first
		_, err = e.coord.Assign(ctx, "S2", "P1")
		requireKind(t, err, KindConflict, ReasonPatientNotActive, "patient not active")
		assert.Equal(t, model.ChairAvailable, e.chairStatus(t, "S2"))
	})

	t.Run("tracking off", func(t *testing.T) {
		p := DefaultPolicy()
		p.TrackPatientTreatment = false
		e := newEnv(t, p)
		_, err := e.coord.Assign(ctx, "S1", "P1")
		require.NoError(t, err)
		assert.Equal(t, model.PatientActive, e.patientStatus(t, "P1"))

		_, err = e.coord.Assign(ctx, "S2", "P1")
		requireKind(t, err, KindConflict, ReasonPatientHasActiveSession, "patient already has an active session")
		assert.Equal(t, model.ChairAvailable, e.chairStatus(t, "S2"))
		assert.Equal(t, 1, e.countSessions(t, "patient_id = ? AND status = ?", "P1", "active"))

		_, err = e.coord.Release(ctx, "S1")
		require.NoError(t, err)
		assert.Equal(t, model.PatientActive, e.patientStatus(t, "P1"))
	})
}

func TestAssignDetectsStrayActiveSession(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()

	// a session left active while the chair row says available
	_, err := e.store.DB.Exec(`INSERT INTO chair_sessions (id, chair_id, patient_id, start_time, status, notes) VALUES ('stray', 'S2', 'P4', ?, 'active', '')`,
		e.clock.Now())
	require.NoError(t, err)

	_, err = e.coord.Assign(ctx, "S2", "P1")
	requireKind(t, err, KindConflict, ReasonChairHasActiveSession, "chair already has an active session")
	assert.Equal(t, model.PatientActive, e.patientStatus(t, "P1"))
}

func TestReleaseLeavesNonTreatmentPatientAlone(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()

	_, err := e.coord.Assign(ctx, "S1", "P1")
	require.NoError(t, err)
	// registry deactivated the patient mid-treatment
	_, err = e.store.DB.Exec(`UPDATE patients SET status = 'inactive' WHERE id = 'P1'`)
	require.NoError(t, err)

	_, err = e.coord.Release(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, model.PatientInactive, e.patientStatus(t, "P1"))
}

func TestAdministerPreconditions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, DefaultPolicy())
	_, err := e.coord.Assign(ctx, "S1", "P1")
	require.NoError(t, err)

	tests := []struct {
		name       string
		chair, med string
		amount     int
		kind       Kind
		reason     string
		msg        string
	}{
		{"zero amount", "S1", "MedA", 0, KindBadRequest, ReasonInvalidAmount, "invalid amount"},
		{"negative amount", "S1", "MedA", -3, KindBadRequest, ReasonInvalidAmount, "invalid amount"},
		{"invalid amount wins over unknown chair", "nope", "MedA", 0, KindBadRequest, ReasonInvalidAmount, "invalid amount"},
		{"unknown chair", "nope", "MedA", 1, KindNotFound, ReasonChairNotFound, "chair not found"},
		{"no active session", "S2", "MedA", 1, KindBadRequest, ReasonNoActiveSession, "chair has no active session"},
		{"unknown medication", "S1", "nope", 1, KindNotFound, ReasonMedicationNotFound, "medication not found"},
		{"inactive medication", "S1", "Old", 1, KindNotFound, ReasonMedicationNotFound, "medication not found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.coord.Administer(ctx, tc.chair, tc.med, tc.amount)
			requireKind(t, err, tc.kind, tc.reason, tc.msg)
		})
	}
	assert.Equal(t, 10, e.quantity(t, "MedA"))
	assert.Equal(t, 50, e.quantity(t, "Old"))
	assert.Equal(t, 0, e.countRecords(t))
}

func TestListAdministered(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()

	items, err := e.coord.ListAdministered(ctx, "S1")
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)

	items, err = e.coord.ListAdministered(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = e.coord.Assign(ctx, "S1", "P1")
	require.NoError(t, err)
	e.clock.Advance(5 * time.Minute)
	_, err = e.coord.Administer(ctx, "S1", "Suero", 2)
	require.NoError(t, err)
	e.clock.Advance(5 * time.Minute)
	_, err = e.coord.Administer(ctx, "S1", "MedA", 1)
	require.NoError(t, err)

	items, err = e.coord.ListAdministered(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Suero fisiológico", items[0].Name)
	assert.Equal(t, 2, items[0].Amount)
	assert.Equal(t, "Medicamento A", items[1].Name)
	assert.True(t, items[0].Timestamp.Before(items[1].Timestamp))

	// after release the chair lists nothing again
	_, err = e.coord.Release(ctx, "S1")
	require.NoError(t, err)
	items, err = e.coord.ListAdministered(ctx, "S1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestActiveSessionAndLowStock(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()

	s, err := e.coord.ActiveSession(ctx, "S1")
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = e.coord.ActiveSession(ctx, "nope")
	requireKind(t, err, KindNotFound, ReasonChairNotFound, "chair not found")

	low, err := e.coord.LowStock(ctx)
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, "MedB", low[0].ID)
}

func TestConcurrentAssignSameChair(t *testing.T) {
	p := DefaultPolicy()
	p.TrackPatientTreatment = false
	e := newEnv(t, p)
	ctx := context.Background()

	patients := []string{"P1", "P2", "P4"}
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.coord.Assign(ctx, "S1", patients[i%len(patients)])
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if KindOf(err) == KindConflict {
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 11, conflicts)
	assert.Equal(t, 1, e.countSessions(t, "chair_id = ? AND status = ?", "S1", "active"))
	e.assertChairInvariant(t)
}

func TestConcurrentAdministerNeverOverdraws(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()
	_, err := e.coord.Assign(ctx, "S1", "P1")
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.coord.Administer(ctx, "S1", "MedA", 3)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case ReasonOf(err) == ReasonInsufficientStock:
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, 7, rejected)
	assert.Equal(t, 1, e.quantity(t, "MedA"))
	assert.Equal(t, 3, e.countRecords(t))
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	e.events.err = errors.New("broker down")

	_, err := e.coord.Assign(context.Background(), "S1", "P1")
	require.NoError(t, err)
	assert.Equal(t, model.ChairOccupied, e.chairStatus(t, "S1"))
}

func TestConcurrentAssignSamePatientTwoChairs(t *testing.T) {
	p := DefaultPolicy()
	p.TrackPatientTreatment = false
	e := newEnv(t, p)
	ctx := context.Background()

	chairs := []string{"S1", "S2"}
	errs := make([]error, len(chairs))
	var wg sync.WaitGroup
	for i, chair := range chairs {
		wg.Add(1)
		go func(i int, chair string) {
			defer wg.Done()
			_, errs[i] = e.coord.Assign(ctx, chair, "P1")
		}(i, chair)
	}
	wg.Wait()

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	require.Len(t, failed, 1)
	requireKind(t, failed[0], KindConflict, ReasonPatientHasActiveSession, "patient already has an active session")
	assert.Equal(t, 1, e.countSessions(t, "patient_id = ? AND status = ?", "P1", "active"))
	e.assertChairInvariant(t)
}

// silentBroker accepts TCP connections and never answers the AMQP
// handshake.
func silentBroker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return "amqp://guest:guest@" + ln.Addr().String() + "/"
}

func TestUnresponsiveBrokerDoesNotDelayOperations(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	pub := queue.NewPublisher(silentBroker(t), zerolog.Nop())
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pub.Run(runCtx) }()

	coord := NewCoordinator(e.store, WithEvents(pub), WithClock(e.clock.Now))
	ctx := context.Background()

	start := time.Now()
	_, err := coord.Assign(ctx, "S1", "P1")
	require.NoError(t, err)
	// MedA drops to 4, at or below its minimum, so a stock alert is queued too
	_, err = coord.Administer(ctx, "S1", "MedA", 6)
	require.NoError(t, err)
	e.clock.Advance(time.Minute)
	_, err = coord.Release(ctx, "S1")
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestOperationMetrics(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()

	_, _ = e.coord.Assign(ctx, "S1", "P1")
	_, _ = e.coord.Assign(ctx, "S1", "P2")
	_, _ = e.coord.Assign(ctx, "nope", "P2")
	_, _ = e.coord.Administer(ctx, "S1", "MedA", 0)

	ops := e.metrics.OperationsTotal
	assert.Equal(t, 1.0, testutil.ToFloat64(ops.WithLabelValues("assign", metrics.OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(ops.WithLabelValues("assign", metrics.OutcomeConflict)))
	assert.Equal(t, 1.0, testutil.ToFloat64(ops.WithLabelValues("assign", metrics.OutcomeNotFound)))
	assert.Equal(t, 1.0, testutil.ToFloat64(ops.WithLabelValues("administer", metrics.OutcomeBadRequest)))
}

func TestWithTxRetriesTransientFailures(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx := context.Background()

	attempts := 0
	err := e.coord.withTx(ctx, "test", func(ctx context.Context, tx *sql.Tx) error {
		attempts++
		if attempts < 3 {
			return internal("lock chair", &mysql.MySQLError{Number: 1213, Message: "Deadlock found"})
		}
		_, err := tx.ExecContext(ctx, `UPDATE chairs SET status = 'maintenance' WHERE id = 'S3'`)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.TxRetriesTotal.WithLabelValues("test")))
	assert.Equal(t, model.ChairMaintenance, e.chairStatus(t, "S3"))
}

func TestWithTxGivesUpAfterMaxAttempts(t *testing.T) {
	e := newEnv(t, DefaultPolicy())

	attempts := 0
	err := e.coord.withTx(context.Background(), "test", func(ctx context.Context, tx *sql.Tx) error {
		attempts++
		return internal("lock chair", &mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"})
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.True(t, database.IsRetryable(err))
}

func TestWithTxDoesNotRetryBusinessErrors(t *testing.T) {
	e := newEnv(t, DefaultPolicy())

	attempts := 0
	err := e.coord.withTx(context.Background(), "test", func(ctx context.Context, tx *sql.Tx) error {
		attempts++
		if _, err := tx.ExecContext(ctx, `UPDATE chairs SET status = 'maintenance' WHERE id = 'S3'`); err != nil {
			return err
		}
		return conflict(ReasonChairUnavailable, "chair unavailable")
	})
	requireKind(t, err, KindConflict, ReasonChairUnavailable, "chair unavailable")
	assert.Equal(t, 1, attempts)
	// the write before the failed precondition was rolled back
	assert.Equal(t, model.ChairAvailable, e.chairStatus(t, "S3"))
}

func TestCancelledBeforeCommitRollsBack(t *testing.T) {
	e := newEnv(t, DefaultPolicy())
	ctx, cancel := context.WithCancel(context.Background())

	err := e.coord.withTx(ctx, "test", func(txCtx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(txCtx, `UPDATE chairs SET status = 'maintenance' WHERE id = 'S3'`); err != nil {
			return err
		}
		cancel()
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.ChairAvailable, e.chairStatus(t, "S3"))
}

func TestDurationMinutes(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		elapsed time.Duration
		want    int
	}{
		{0, 0},
		{29 * time.Second, 0},
		{30 * time.Second, 1},
		{44*time.Minute + 29*time.Second, 44},
		{44*time.Minute + 30*time.Second, 45},
		{45 * time.Minute, 45},
		{3 * time.Hour, 180},
		{-5 * time.Minute, 0},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, DurationMinutes(start, start.Add(tc.elapsed)), tc.elapsed.String())
	}
	assert.Equal(t, "Treatment completed. Duration: 45 minutes", TreatmentNotes(45))
}

func TestErrorHelpers(t *testing.T) {
	err := internal("load chair", errors.New("boom"))
	assert.Equal(t, "load chair: boom", err.Error())
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, ReasonInternal, ReasonOf(errors.New("plain")))
	assert.Equal(t, "conflict", KindConflict.String())
	assert.Equal(t, ReasonPatientHasActiveSession, activeSessionConflict(errors.New(`UNIQUE constraint failed: chair_sessions.patient_id`)).Reason)
	assert.Equal(t, ReasonChairHasActiveSession, activeSessionConflict(errors.New(`UNIQUE constraint failed: chair_sessions.chair_id`)).Reason)
}
