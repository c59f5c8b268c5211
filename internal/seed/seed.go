// Package seed loads the demo floor used in development: four chairs (one
// under maintenance), a few patients and three stock items.
package seed

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/iliyamo/infusion-chair-coordinator/internal/database"
	"github.com/iliyamo/infusion-chair-coordinator/internal/model"
	"github.com/iliyamo/infusion-chair-coordinator/internal/repository"
)

var chairs = []model.Chair{
	{ID: "S1", Number: "S1", Name: "Sillón 1", Location: "Sala A", Status: model.ChairAvailable, IsActive: true},
	{ID: "S2", Number: "S2", Name: "Sillón 2", Location: "Sala A", Status: model.ChairAvailable, IsActive: true},
	{ID: "S3", Number: "S3", Name: "Sillón 3", Location: "Sala B", Status: model.ChairAvailable, IsActive: true},
	{ID: "S4", Number: "S4", Name: "Sillón 4", Location: "Sala B", Status: model.ChairMaintenance, IsActive: true},
}

var patients = []model.Patient{
	{ID: "P1", Name: "Ana Rojas", Status: model.PatientActive},
	{ID: "P2", Name: "Luis Soto", Status: model.PatientActive},
	{ID: "P3", Name: "Marta Díaz", Status: model.PatientActive},
	{ID: "P4", Name: "Jorge Pérez", Status: model.PatientInactive},
}

var medications = []model.MedicationItem{
	{ID: "MedA", Name: "Medicamento A", Quantity: 10, Unit: "mg", MinimumStock: 5, IsActive: true},
	{ID: "MedB", Name: "Medicamento B", Quantity: 5, Unit: "mg", MinimumStock: 10, IsActive: true},
	{ID: "Suero", Name: "Suero fisiológico", Quantity: 20, Unit: "ml", MinimumStock: 5, IsActive: true},
}

// Result counts rows inserted by Run.  Rows that already exist are skipped.
type Result struct {
	Chairs      int
	Patients    int
	Medications int
}

// Run inserts the demo rows.  It is safe to run repeatedly.
func Run(ctx context.Context, store *database.Store, logger zerolog.Logger) (Result, error) {
	var res Result

	cr := repository.NewChairRepo(store)
	for _, c := range chairs {
		c := c
		inserted, err := skipExisting(cr.Create(ctx, &c))
		if err != nil {
			return res, fmt.Errorf("seed chair %s: %w", c.ID, err)
		}
		if inserted {
			res.Chairs++
		}
	}

	pr := repository.NewPatientRepo(store)
	for _, p := range patients {
		p := p
		inserted, err := skipExisting(pr.Create(ctx, &p))
		if err != nil {
			return res, fmt.Errorf("seed patient %s: %w", p.ID, err)
		}
		if inserted {
			res.Patients++
		}
	}

	mr := repository.NewMedicationRepo(store)
	for _, m := range medications {
		m := m
		inserted, err := skipExisting(mr.Create(ctx, &m))
		if err != nil {
			return res, fmt.Errorf("seed medication %s: %w", m.ID, err)
		}
		if inserted {
			res.Medications++
		}
	}

	logger.Info().
		Int("chairs", res.Chairs).
		Int("patients", res.Patients).
		Int("medications", res.Medications).
		Msg("seed complete")
	return res, nil
}

func skipExisting(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case database.IsUniqueViolation(err):
		return false, nil
	default:
		return false, err
	}
}
