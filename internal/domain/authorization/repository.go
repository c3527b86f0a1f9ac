// Package authorization provides pgx-backed access to prior authorizations.
package authorization

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Repository reads prior authorization rows.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a prior authorization repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// LatestForPrescription returns the most recently requested authorization for
// a prescription, or nil when none exists.
func (r *Repository) LatestForPrescription(ctx context.Context, prescriptionID string) (*PriorAuthorization, error) {
	query := `
		SELECT id, prescription_id, status, request_date, approval_date, denial_date, expiration_date
		FROM prior_authorizations
		WHERE prescription_id = $1
		ORDER BY request_date DESC
		LIMIT 1
	`

	pa := &PriorAuthorization{}
	err := r.pool.QueryRow(ctx, query, prescriptionID).Scan(
		&pa.ID, &pa.PrescriptionID, &pa.Status, &pa.RequestDate,
		&pa.ApprovalDate, &pa.DenialDate, &pa.ExpirationDate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get prior authorization: %w", err)
	}
	return pa, nil
}
