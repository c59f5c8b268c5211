package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iliyamo/infusion-chair-coordinator/internal/database"
	"github.com/iliyamo/infusion-chair-coordinator/internal/metrics"
	"github.com/iliyamo/infusion-chair-coordinator/internal/model"
	"github.com/iliyamo/infusion-chair-coordinator/internal/queue"
	"github.com/iliyamo/infusion-chair-coordinator/internal/repository"
)

// EventPublisher receives domain events after a transaction commits.
// Publish must not wait on the broker; queue.Publisher only enqueues.
// Publishing is best effort: failures are logged, never returned to the
// caller of the operation.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.Event) error
}

// Policy holds the tunable behaviour of the coordinator.
type Policy struct {
	// TrackPatientTreatment moves the patient to in_treatment on assign and
	// back to active on release, inside the same transaction.
	TrackPatientTreatment bool
	// MaxTxAttempts bounds how often a transaction is re-run after a
	// deadlock or lock timeout.
	MaxTxAttempts int
	// TxTimeout bounds a transaction once it has been started; commit is
	// not tied to the request context.
	TxTimeout time.Duration
	// EventTimeout is the deadline handed to EventPublisher.Publish.
	EventTimeout time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		TrackPatientTreatment: true,
		MaxTxAttempts:         3,
		TxTimeout:             30 * time.Second,
		EventTimeout:          5 * time.Second,
	}
}

// Coordinator is the single code path that mutates chair occupancy,
// session state and medication stock.  Every mutating operation runs in
// one transaction that locks rows in the order chair, session,
// patient/medication.
type Coordinator struct {
	store    *database.Store
	chairs   *repository.ChairRepo
	patients *repository.PatientRepo
	meds     *repository.MedicationRepo
	sessions *repository.SessionRepo
	admins   *repository.AdministrationRepo

	events  EventPublisher
	metrics *metrics.Metrics
	log     zerolog.Logger
	policy  Policy

	now   func() time.Time
	newID func() string
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithEvents sets the post-commit event publisher.
func WithEvents(p EventPublisher) Option { return func(c *Coordinator) { c.events = p } }

// WithMetrics sets the collectors operations report to.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(c *Coordinator) { c.log = l } }

// WithPolicy replaces the default policy.
func WithPolicy(p Policy) Option { return func(c *Coordinator) { c.policy = p } }

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithIDGenerator replaces uuid.NewString for session and record ids.
func WithIDGenerator(fn func() string) Option { return func(c *Coordinator) { c.newID = fn } }

// NewCoordinator wires the repositories over store.
func NewCoordinator(store *database.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		chairs:   repository.NewChairRepo(store),
		patients: repository.NewPatientRepo(store),
		meds:     repository.NewMedicationRepo(store),
		sessions: repository.NewSessionRepo(store),
		admins:   repository.NewAdministrationRepo(store),
		events:   queue.NopPublisher{},
		log:      zerolog.Nop(),
		policy:   DefaultPolicy(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.NewUnregistered()
	}
	if c.policy.MaxTxAttempts < 1 {
		c.policy.MaxTxAttempts = 1
	}
	if c.policy.TxTimeout <= 0 {
		c.policy.TxTimeout = 30 * time.Second
	}
	if c.policy.EventTimeout <= 0 {
		c.policy.EventTimeout = 5 * time.Second
	}
	return c
}

// AssignResult is returned by Assign.
type AssignResult struct {
	Chair   model.Chair   `json:"chair"`
	Session model.Session `json:"session"`
}

// ReleaseResult is returned by Release.
type ReleaseResult struct {
	SessionID       string    `json:"sessionId"`
	DurationMinutes int       `json:"durationMinutes"`
	StartTime       time.Time `json:"startTime"`
	EndTime         time.Time `json:"endTime"`
}

// AdministerResult is returned by Administer.  Alert is informational; a
// low stock level never blocks the dose.
type AdministerResult struct {
	SessionID          string                     `json:"sessionId"`
	MedicationName     string                     `json:"medicationName"`
	AmountAdministered int                        `json:"amountAdministered"`
	StockRemaining     int                        `json:"stockRemaining"`
	MinimumStock       int                        `json:"minimumStock"`
	Alert              bool                       `json:"alert"`
	Record             model.AdministrationRecord `json:"record"`
}

// Assign seats a patient in an available chair and opens a session.
//
// Preconditions are checked in this order: chair exists and is active,
// chair not in maintenance, chair available, patient exists, patient
// active, patient has no active session, chair has no active session.
func (c *Coordinator) Assign(ctx context.Context, chairID, patientID string) (res *AssignResult, err error) {
	defer c.observe("assign", &err)

	err = c.withTx(ctx, "assign", func(ctx context.Context, tx *sql.Tx) error {
		now := c.now().UTC()

		chair, err := c.lockChair(ctx, tx, chairID)
		if err != nil {
			return err
		}
		if !chair.IsActive {
			return notFound(ReasonChairNotFound, "chair not found")
		}
		switch chair.Status {
		case model.ChairAvailable:
		case model.ChairMaintenance:
			return conflict(ReasonChairInMaintenance, "chair in maintenance")
		default:
			return conflict(ReasonChairUnavailable, "chair unavailable")
		}

		// sessions are locked before the patient row to keep the lock order
		chairSession, err := c.sessions.FindActiveByChairTx(ctx, tx, chairID)
		if err != nil {
			return internal("load chair session", err)
		}
		patientSession, err := c.sessions.FindActiveByPatientTx(ctx, tx, patientID)
		if err != nil {
			return internal("load patient session", err)
		}
		patient, err := c.patients.FindByIDTx(ctx, tx, patientID)
		if errors.Is(err, repository.ErrNotFound) {
			return notFound(ReasonPatientNotFound, "patient not found")
		}
		if err != nil {
			return internal("load patient", err)
		}
		if patient.Status != model.PatientActive {
			return conflict(ReasonPatientNotActive, "patient not active")
		}
		if patientSession.IsActive() {
			return conflict(ReasonPatientHasActiveSession, "patient already has an active session")
		}
		if chairSession.IsActive() {
			return conflict(ReasonChairHasActiveSession, "chair already has an active session")
		}

		session := model.Session{
			ID:        c.newID(),
			ChairID:   chairID,
			PatientID: patientID,
			StartTime: now,
			Status:    model.SessionActive,
		}
		if err := c.sessions.CreateTx(ctx, tx, &session); err != nil {
			if database.IsUniqueViolation(err) {
				return activeSessionConflict(err)
			}
			return internal("create session", err)
		}
		if err := c.chairs.UpdateStatusTx(ctx, tx, chairID, model.ChairOccupied, now); err != nil {
			return internal("occupy chair", err)
		}
		if c.policy.TrackPatientTreatment {
			if err := c.patients.UpdateStatusTx(ctx, tx, patientID, model.PatientInTreatment, now); err != nil {
				return internal("update patient status", err)
			}
		}

		chair.Status = model.ChairOccupied
		res = &AssignResult{Chair: *chair, Session: session}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Info().
		Str("chair_id", chairID).
		Str("patient_id", patientID).
		Str("session_id", res.Session.ID).
		Msg("chair assigned")
	c.publish(ctx, queue.SessionStartedEvent{
		SessionID: res.Session.ID,
		ChairID:   chairID,
		ChairName: res.Chair.Name,
		PatientID: patientID,
		StartedAt: res.Session.StartTime,
	})
	return res, nil
}

// Release finishes the chair's active session and frees the chair.
func (c *Coordinator) Release(ctx context.Context, chairID string) (res *ReleaseResult, err error) {
	defer c.observe("release", &err)

	var patientID string
	err = c.withTx(ctx, "release", func(ctx context.Context, tx *sql.Tx) error {
		now := c.now().UTC()

		if _, err := c.lockChair(ctx, tx, chairID); err != nil {
			return err
		}
		session, err := c.sessions.FindActiveByChairTx(ctx, tx, chairID)
		if err != nil {
			return internal("load chair session", err)
		}
		if !session.IsActive() {
			return conflict(ReasonNoActiveSession, "no active session")
		}

		minutes := DurationMinutes(session.StartTime, now)
		if err := c.sessions.FinishTx(ctx, tx, session.ID, now, TreatmentNotes(minutes)); err != nil {
			return internal("finish session", err)
		}
		if err := c.chairs.UpdateStatusTx(ctx, tx, chairID, model.ChairAvailable, now); err != nil {
			return internal("free chair", err)
		}
		if c.policy.TrackPatientTreatment {
			patient, err := c.patients.FindByIDTx(ctx, tx, session.PatientID)
			switch {
			case errors.Is(err, repository.ErrNotFound):
				// patient removed from the registry; nothing to revert
			case err != nil:
				return internal("load patient", err)
			case patient.Status == model.PatientInTreatment:
				if err := c.patients.UpdateStatusTx(ctx, tx, patient.ID, model.PatientActive, now); err != nil {
					return internal("update patient status", err)
				}
			}
		}

		patientID = session.PatientID
		res = &ReleaseResult{
			SessionID:       session.ID,
			DurationMinutes: minutes,
			StartTime:       session.StartTime,
			EndTime:         now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.metrics.SessionDuration.Observe(float64(res.DurationMinutes))
	c.log.Info().
		Str("chair_id", chairID).
		Str("session_id", res.SessionID).
		Int("duration_minutes", res.DurationMinutes).
		Msg("chair released")
	c.publish(ctx, queue.SessionFinishedEvent{
		SessionID:       res.SessionID,
		ChairID:         chairID,
		PatientID:       patientID,
		StartedAt:       res.StartTime,
		EndedAt:         res.EndTime,
		DurationMinutes: res.DurationMinutes,
	})
	return res, nil
}

// Administer records a dose against the chair's active session and
// decrements stock in the same transaction.
func (c *Coordinator) Administer(ctx context.Context, chairID, medicationID string, amount int) (res *AdministerResult, err error) {
	defer c.observe("administer", &err)

	if amount <= 0 {
		return nil, badRequest(ReasonInvalidAmount, "invalid amount")
	}

	var med *model.MedicationItem
	err = c.withTx(ctx, "administer", func(ctx context.Context, tx *sql.Tx) error {
		now := c.now().UTC()

		if _, err := c.lockChair(ctx, tx, chairID); err != nil {
			return err
		}
		session, err := c.sessions.FindActiveByChairTx(ctx, tx, chairID)
		if err != nil {
			return internal("load chair session", err)
		}
		if !session.IsActive() {
			return badRequest(ReasonNoActiveSession, "chair has no active session")
		}
		med, err = c.meds.FindByIDTx(ctx, tx, medicationID)
		if errors.Is(err, repository.ErrNotFound) || (err == nil && !med.IsActive) {
			return notFound(ReasonMedicationNotFound, "medication not found")
		}
		if err != nil {
			return internal("load medication", err)
		}
		if med.Quantity < amount {
			return badRequest(ReasonInsufficientStock, fmt.Sprintf("insufficient stock: available %d", med.Quantity))
		}

		remaining := med.Quantity - amount
		if err := c.meds.UpdateQuantityTx(ctx, tx, med.ID, remaining, now); err != nil {
			return internal("decrement stock", err)
		}
		rec := model.AdministrationRecord{
			ID:           c.newID(),
			SessionID:    session.ID,
			MedicationID: med.ID,
			Amount:       amount,
			Timestamp:    now,
		}
		if err := c.admins.CreateTx(ctx, tx, &rec); err != nil {
			return internal("record administration", err)
		}

		med.Quantity = remaining
		res = &AdministerResult{
			SessionID:          session.ID,
			MedicationName:     med.Name,
			AmountAdministered: amount,
			StockRemaining:     remaining,
			MinimumStock:       med.MinimumStock,
			Alert:              med.LowStock(),
			Record:             rec,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Info().
		Str("chair_id", chairID).
		Str("session_id", res.SessionID).
		Str("medication_id", medicationID).
		Int("amount", amount).
		Int("stock_remaining", res.StockRemaining).
		Msg("medication administered")
	c.publish(ctx, queue.MedicationAdministeredEvent{
		RecordID:       res.Record.ID,
		SessionID:      res.SessionID,
		ChairID:        chairID,
		MedicationID:   medicationID,
		MedicationName: res.MedicationName,
		Amount:         amount,
		StockRemaining: res.StockRemaining,
		AdministeredAt: res.Record.Timestamp,
	})
	if res.Alert {
		c.metrics.StockAlertsTotal.WithLabelValues(res.MedicationName).Inc()
		c.log.Warn().
			Str("medication_id", medicationID).
			Int("quantity", res.StockRemaining).
			Int("minimum_stock", res.MinimumStock).
			Msg("medication at or below minimum stock")
		c.publish(ctx, queue.StockLowEvent{
			MedicationID:   med.ID,
			MedicationName: med.Name,
			Quantity:       res.StockRemaining,
			MinimumStock:   res.MinimumStock,
			Unit:           med.Unit,
			DetectedAt:     res.Record.Timestamp,
		})
	}
	return res, nil
}

// ListAdministered returns the doses recorded in the chair's active
// session, oldest first.  A chair without an active session (or an
// unknown chair) yields an empty list.
func (c *Coordinator) ListAdministered(ctx context.Context, chairID string) (items []model.AdministeredItem, err error) {
	defer c.observe("list_administered", &err)

	session, err := c.sessions.FindActiveByChair(ctx, chairID)
	if err != nil {
		return nil, internal("load chair session", err)
	}
	if !session.IsActive() {
		return []model.AdministeredItem{}, nil
	}
	items, err = c.admins.ListBySession(ctx, session.ID)
	if err != nil {
		return nil, internal("list administrations", err)
	}
	return items, nil
}

// ActiveSession returns the chair's current session, or nil when the
// chair is free.
func (c *Coordinator) ActiveSession(ctx context.Context, chairID string) (s *model.Session, err error) {
	defer c.observe("active_session", &err)

	if _, err := c.chairs.FindByID(ctx, chairID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound(ReasonChairNotFound, "chair not found")
		}
		return nil, internal("load chair", err)
	}
	s, err = c.sessions.FindActiveByChair(ctx, chairID)
	if err != nil {
		return nil, internal("load chair session", err)
	}
	return s, nil
}

// LowStock lists active medications at or below their minimum stock.
func (c *Coordinator) LowStock(ctx context.Context) (items []model.MedicationItem, err error) {
	defer c.observe("low_stock", &err)

	items, err = c.meds.ListLowStock(ctx)
	if err != nil {
		return nil, internal("list low stock", err)
	}
	return items, nil
}

// DurationMinutes rounds the elapsed time to whole minutes, half up, and
// never returns a negative value.
func DurationMinutes(start, end time.Time) int {
	m := math.Floor(end.Sub(start).Minutes() + 0.5)
	if m < 0 {
		return 0
	}
	return int(m)
}

// TreatmentNotes is the summary stored on a finished session.
func TreatmentNotes(minutes int) string {
	return fmt.Sprintf("Treatment completed. Duration: %d minutes", minutes)
}

func (c *Coordinator) lockChair(ctx context.Context, tx *sql.Tx, chairID string) (*model.Chair, error) {
	chair, err := c.chairs.FindByIDTx(ctx, tx, chairID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound(ReasonChairNotFound, "chair not found")
	}
	if err != nil {
		return nil, internal("load chair", err)
	}
	return chair, nil
}

// withTx runs fn in a transaction, re-running it from scratch when the
// database reports a deadlock or lock timeout.  Business errors abort
// immediately.
func (c *Coordinator) withTx(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= c.policy.MaxTxAttempts; attempt++ {
		err = c.runTx(ctx, fn)
		if err == nil || !database.IsRetryable(err) || attempt == c.policy.MaxTxAttempts {
			break
		}
		c.metrics.TxRetriesTotal.WithLabelValues(op).Inc()
		c.log.Warn().Err(err).Str("operation", op).Int("attempt", attempt).Msg("transient lock failure; retrying transaction")

		backoff := time.Duration(attempt*attempt) * 10 * time.Millisecond
		select {
		case <-ctx.Done():
			return internal("transaction aborted", ctx.Err())
		case <-time.After(backoff):
		}
	}
	return err
}

// runTx owns one attempt.  The transaction is bound to a context detached
// from the request so that a client hanging up after the work is done
// cannot abort the commit; statements still honour the request context.
func (c *Coordinator) runTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.policy.TxTimeout)
	defer cancel()

	tx, err := c.store.DB.BeginTx(txCtx, nil)
	if err != nil {
		return wrapInternal("begin transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return internal("request cancelled before commit", err)
	}
	if err := tx.Commit(); err != nil {
		return wrapInternal("commit", err)
	}
	committed = true
	return nil
}

// wrapInternal keeps retryable driver errors visible to withTx through
// Unwrap while still presenting an internal error to callers.
func wrapInternal(msg string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return internal(msg, err)
}

// activeSessionConflict maps a unique-index violation on the session
// ledger to the precondition it stands for.
func activeSessionConflict(err error) *Error {
	if database.UniqueViolationOn(err, "ux_chair_sessions_active_patient", "chair_sessions.patient_id") {
		return conflict(ReasonPatientHasActiveSession, "patient already has an active session")
	}
	return conflict(ReasonChairHasActiveSession, "chair already has an active session")
}

func (c *Coordinator) publish(ctx context.Context, ev queue.Event) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.policy.EventTimeout)
	defer cancel()
	if err := c.events.Publish(pctx, ev); err != nil {
		c.log.Warn().Err(err).Str("queue", ev.Queue()).Msg("event publish failed")
	}
}

func (c *Coordinator) observe(op string, errp *error) {
	outcome := metrics.OutcomeOK
	if *errp != nil {
		switch KindOf(*errp) {
		case KindNotFound:
			outcome = metrics.OutcomeNotFound
		case KindConflict:
			outcome = metrics.OutcomeConflict
		case KindBadRequest:
			outcome = metrics.OutcomeBadRequest
		default:
			outcome = metrics.OutcomeError
			c.log.Error().Err(*errp).Str("operation", op).Msg("operation failed")
		}
	}
	c.metrics.OperationsTotal.WithLabelValues(op, outcome).Inc()
}
