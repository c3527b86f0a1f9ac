// Package prescription provides pgx-backed prescription persistence.
package prescription

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrNotFound indicates a missing prescription or item.
var ErrNotFound = errors.New("prescription: not found")

// ErrVersionConflict indicates a concurrent update won the optimistic race.
var ErrVersionConflict = errors.New("prescription: version conflict")

// Repository persists prescriptions and their items.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a prescription repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Get loads a prescription with all of its items.
func (r *Repository) Get(ctx context.Context, id string) (*Prescription, error) {
	query := `
		SELECT id, patient_id, provider_id, COALESCE(encounter_id, ''), status,
		       valid_from, valid_until, created_at, updated_at
		FROM prescriptions
		WHERE id = $1
	`

	p := &Prescription{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.PatientID, &p.ProviderID, &p.EncounterID, &p.Status,
		&p.ValidFrom, &p.ValidUntil, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get prescription: %w", err)
	}

	items, err := r.itemsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Items = items
	return p, nil
}

func (r *Repository) itemsFor(ctx context.Context, prescriptionID string) ([]*Item, error) {
	query := `
		SELECT id, prescription_id, medication_name, dosage, frequency, quantity,
		       refills_allowed, refills_used, is_generic_allowed, version
		FROM prescription_items
		WHERE prescription_id = $1
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it := &Item{}
		err := rows.Scan(
			&it.ID, &it.PrescriptionID, &it.MedicationName, &it.Dosage,
			&it.Frequency, &it.Quantity, &it.RefillsAllowed, &it.RefillsUsed,
			&it.IsGenericAllowed, &it.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// IncrementRefillsUsedTx bumps refills_used within an existing transaction,
// guarded by the counter value the caller observed. A concurrent fill that
// committed first makes this statement match zero rows, failing the whole
// transaction.
func IncrementRefillsUsedTx(ctx context.Context, tx pgx.Tx, itemID string, expectedUsed int) error {
	query := `
		UPDATE prescription_items
		SET refills_used = refills_used + 1,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
		  AND refills_used = $2
		  AND refills_used < refills_allowed
	`

	tag, err := tx.Exec(ctx, query, itemID, expectedUsed)
	if err != nil {
		return fmt.Errorf("increment refills_used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// UpdateStatus moves a prescription to a terminal state. The WHERE clause
// enforces monotonic transitions at the database.
func (r *Repository) UpdateStatus(ctx context.Context, id string, next Status) error {
	if !StatusActive.CanTransition(next) {
		return fmt.Errorf("prescription %s: illegal target status %s", id, next)
	}

	query := `
		UPDATE prescriptions
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'active'
	`

	tag, err := r.pool.Exec(ctx, query, next, id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("prescription %s: not active: %w", id, ErrVersionConflict)
	}
	return nil
}
