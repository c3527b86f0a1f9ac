// Package inventory provides pgx-backed persistence for lot stock.
package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Repository persists inventory rows. The in-memory ledger is authoritative
// for reservation arithmetic; the repository mirrors committed movements so
// the database carries the same non-negative guarantee via guarded updates.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates an inventory repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// LoadAll reads every active inventory row, for priming the ledger at
// startup.
func (r *Repository) LoadAll(ctx context.Context) ([]*Lot, error) {
	query := `
		SELECT id, pharmacy_id, medication_id, COALESCE(lot_number, ''), quantity,
		       reorder_level, expiration_date, is_active
		FROM inventory
		WHERE is_active = TRUE
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load inventory: %w", err)
	}
	defer rows.Close()

	var lots []*Lot
	for rows.Next() {
		l := &Lot{}
		err := rows.Scan(
			&l.ID, &l.PharmacyID, &l.MedicationID, &l.LotNumber,
			&l.Quantity, &l.ReorderLevel, &l.ExpirationDate, &l.IsActive,
		)
		if err != nil {
			return nil, fmt.Errorf("scan inventory row: %w", err)
		}
		lots = append(lots, l)
	}

	r.logger.Info("inventory loaded", zap.Int("lots", len(lots)))
	return lots, rows.Err()
}

// ApplyDrawsTx deducts a reservation's draws within an existing transaction.
// Each update is guarded by quantity >= n; zero rows affected means the
// database disagrees with the ledger and the transaction must roll back.
func ApplyDrawsTx(ctx context.Context, tx pgx.Tx, draws []Draw) error {
	query := `
		UPDATE inventory
		SET quantity = quantity - $1, updated_at = NOW()
		WHERE id = $2 AND quantity >= $1
	`

	for _, d := range draws {
		tag, err := tx.Exec(ctx, query, d.Quantity, d.LotID)
		if err != nil {
			return fmt.Errorf("decrement lot %s: %w", d.LotID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("decrement lot %s: guarded update matched no rows", d.LotID)
		}
	}
	return nil
}

// Restock adds quantity units to the lot's row, inserting it if absent. The
// caller passes the received delta, not the lot's merged total: the upsert is
// additive, so it commutes with concurrent dispensing decrements and applying
// the total would double-count the units already on the row.
func (r *Repository) Restock(ctx context.Context, lot *Lot, quantity int) error {
	query := `
		INSERT INTO inventory
			(id, pharmacy_id, medication_id, lot_number, quantity, reorder_level, expiration_date, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		ON CONFLICT (pharmacy_id, medication_id, lot_number) DO UPDATE
		SET quantity = inventory.quantity + EXCLUDED.quantity,
		    expiration_date = COALESCE(EXCLUDED.expiration_date, inventory.expiration_date),
		    is_active = TRUE,
		    updated_at = NOW()
	`

	_, err := r.pool.Exec(ctx, query,
		lot.ID, lot.PharmacyID, lot.MedicationID, lot.LotNumber,
		quantity, lot.ReorderLevel, lot.ExpirationDate,
	)
	if err != nil {
		return fmt.Errorf("restock lot: %w", err)
	}
	return nil
}

// DeactivateExpired marks lots whose expiration has passed as inactive and
// returns how many rows changed. Run periodically by the service entrypoint.
func (r *Repository) DeactivateExpired(ctx context.Context, at time.Time) (int64, error) {
	query := `
		UPDATE inventory
		SET is_active = FALSE, updated_at = NOW()
		WHERE is_active = TRUE
		  AND expiration_date IS NOT NULL
		  AND expiration_date <= $1
	`

	tag, err := r.pool.Exec(ctx, query, at)
	if err != nil {
		return 0, fmt.Errorf("deactivate expired lots: %w", err)
	}
	return tag.RowsAffected(), nil
}
