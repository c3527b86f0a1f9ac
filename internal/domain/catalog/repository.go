// Package catalog provides pgx-backed access to reference data.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrNotFound indicates a missing catalog row.
var ErrNotFound = errors.New("catalog: not found")

// Repository reads medications, pharmacies and interaction reference data.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a catalog repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// GetMedication retrieves a medication by id.
func (r *Repository) GetMedication(ctx context.Context, id string) (*Medication, error) {
	query := `
		SELECT id, name, generic_name, strength, dosage_form, is_controlled,
		       COALESCE(schedule, ''), requires_prior_auth, ndc_code, created_at, updated_at
		FROM medications
		WHERE id = $1
	`

	m := &Medication{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&m.ID, &m.Name, &m.GenericName, &m.Strength, &m.DosageForm,
		&m.IsControlled, &m.Schedule, &m.RequiresPriorAuth, &m.NDCCode,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get medication: %w", err)
	}
	return m, nil
}

// GetMedicationByName retrieves a medication by case-insensitive name.
func (r *Repository) GetMedicationByName(ctx context.Context, name string) (*Medication, error) {
	query := `
		SELECT id, name, generic_name, strength, dosage_form, is_controlled,
		       COALESCE(schedule, ''), requires_prior_auth, ndc_code, created_at, updated_at
		FROM medications
		WHERE LOWER(name) = LOWER($1)
	`

	m := &Medication{}
	err := r.pool.QueryRow(ctx, query, name).Scan(
		&m.ID, &m.Name, &m.GenericName, &m.Strength, &m.DosageForm,
		&m.IsControlled, &m.Schedule, &m.RequiresPriorAuth, &m.NDCCode,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get medication by name: %w", err)
	}
	return m, nil
}

// GetPharmacy retrieves a pharmacy by id.
func (r *Repository) GetPharmacy(ctx context.Context, id string) (*Pharmacy, error) {
	query := `
		SELECT id, name, license_number, street, city, state, zip, is_active
		FROM pharmacies
		WHERE id = $1
	`

	p := &Pharmacy{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.LicenseNumber,
		&p.Address.Street, &p.Address.City, &p.Address.State, &p.Address.Zip,
		&p.IsActive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pharmacy: %w", err)
	}
	return p, nil
}

// InteractionsFor returns all interaction rows touching any of the given
// medication names. The safety checker narrows these to exact pairs.
func (r *Repository) InteractionsFor(ctx context.Context, names []string) ([]*DrugInteraction, error) {
	if len(names) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, drug1_name, drug2_name, severity, description
		FROM drug_interactions
		WHERE LOWER(drug1_name) = ANY($1) OR LOWER(drug2_name) = ANY($1)
	`

	lowered := make([]string, 0, len(names))
	for _, n := range names {
		lowered = append(lowered, strings.ToLower(n))
	}

	rows, err := r.pool.Query(ctx, query, lowered)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	var out []*DrugInteraction
	for rows.Next() {
		di := &DrugInteraction{}
		if err := rows.Scan(&di.ID, &di.Drug1Name, &di.Drug2Name, &di.Severity, &di.Description); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		out = append(out, di)
	}
	return out, rows.Err()
}
