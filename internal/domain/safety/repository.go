// Package safety provides pgx-backed access to patient allergy records.
package safety

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Repository reads patient allergy rows. Allergy data is owned by the
// clinical-data service; this repository never writes.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates an allergy repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// ActiveAllergies returns the active allergies recorded for a patient.
func (r *Repository) ActiveAllergies(ctx context.Context, patientID string) ([]*Allergy, error) {
	query := `
		SELECT id, patient_id, allergen, COALESCE(reaction, ''), COALESCE(severity, ''), is_active
		FROM drug_allergies
		WHERE patient_id = $1 AND is_active = TRUE
	`

	rows, err := r.pool.Query(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("query allergies: %w", err)
	}
	defer rows.Close()

	var out []*Allergy
	for rows.Next() {
		a := &Allergy{}
		if err := rows.Scan(&a.ID, &a.PatientID, &a.Allergen, &a.Reaction, &a.Severity, &a.IsActive); err != nil {
			return nil, fmt.Errorf("scan allergy: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
