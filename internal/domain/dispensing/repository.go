// Package dispensing provides the transactional committer and read access to
// dispensing records.
package dispensing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/rxsys/go-dispense/internal/domain/inventory"
	"github.com/rxsys/go-dispense/internal/domain/prescription"
	"github.com/rxsys/go-dispense/internal/infrastructure/postgres"
	"github.com/rxsys/go-dispense/internal/infrastructure/redpanda"
)

// ErrNotFound indicates a missing dispensing or log row.
var ErrNotFound = errors.New("dispensing: not found")

// Repository persists dispensing records, controlled-substance logs, and the
// outbox entries that publish their events.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a dispensing repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Commit writes the whole CommitSet in one transaction: the dispensing row,
// the guarded refills_used increment, the guarded inventory decrements, the
// controlled-substance log when present, and one outbox entry per event.
// Any failure rolls back everything.
func (r *Repository) Commit(ctx context.Context, set *CommitSet) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.insertRecord(ctx, tx, set.Record); err != nil {
		return err
	}

	if err := prescription.IncrementRefillsUsedTx(ctx, tx, set.RefillItemID, set.RefillExpectedUsed); err != nil {
		return err
	}

	if err := inventory.ApplyDrawsTx(ctx, tx, set.Draws); err != nil {
		return err
	}

	if set.Log != nil {
		if err := r.insertControlledLog(ctx, tx, set.Log); err != nil {
			return err
		}
	}

	for _, event := range set.Events {
		entry := &postgres.OutboxEntry{
			AggregateID:   event.AggregateID,
			AggregateType: "Dispensing",
			EventType:     string(event.Type),
			Payload:       event.Payload,
			Topic:         topicFor(event.Type),
			Key:           event.Key,
		}
		if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("dispensing committed",
		zap.String("dispensing_id", set.Record.ID),
		zap.Int("events", len(set.Events)))
	return nil
}

func (r *Repository) insertRecord(ctx context.Context, tx pgx.Tx, rec *Record) error {
	query := `
		INSERT INTO dispensings
			(id, prescription_id, patient_id, pharmacy_id, prior_authorization_id,
			 medication_name, quantity, dispensed_at, pharmacist)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, NULLIF($9, ''))
	`

	_, err := tx.Exec(ctx, query,
		rec.ID, rec.PrescriptionID, rec.PatientID, rec.PharmacyID,
		rec.PriorAuthorizationID, rec.MedicationName, rec.Quantity,
		rec.DispensedAt, rec.Pharmacist,
	)
	if err != nil {
		return fmt.Errorf("insert dispensing: %w", err)
	}
	return nil
}

func (r *Repository) insertControlledLog(ctx context.Context, tx pgx.Tx, log *ControlledLog) error {
	query := `
		INSERT INTO controlled_substance_logs
			(id, dispensing_id, patient_id, prescriber_id, pharmacy_id,
			 medication_name, schedule, quantity, days_supply, reported_to_pdmp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE)
	`

	_, err := tx.Exec(ctx, query,
		log.ID, log.DispensingID, log.PatientID, log.PrescriberID,
		log.PharmacyID, log.MedicationName, log.Schedule, log.Quantity,
		log.DaysSupply,
	)
	if err != nil {
		return fmt.Errorf("insert controlled substance log: %w", err)
	}
	return nil
}

// Get retrieves a dispensing record by id.
func (r *Repository) Get(ctx context.Context, id string) (*Record, error) {
	query := `
		SELECT id, prescription_id, patient_id, pharmacy_id,
		       COALESCE(prior_authorization_id, ''), medication_name, quantity,
		       dispensed_at, COALESCE(pharmacist, '')
		FROM dispensings
		WHERE id = $1
	`

	rec := &Record{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.PrescriptionID, &rec.PatientID, &rec.PharmacyID,
		&rec.PriorAuthorizationID, &rec.MedicationName, &rec.Quantity,
		&rec.DispensedAt, &rec.Pharmacist,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get dispensing: %w", err)
	}
	return rec, nil
}

// GetLog retrieves a controlled-substance log by id.
func (r *Repository) GetLog(ctx context.Context, id string) (*ControlledLog, error) {
	query := `
		SELECT id, dispensing_id, patient_id, prescriber_id, pharmacy_id,
		       medication_name, schedule, quantity, days_supply,
		       reported_to_pdmp, pdmp_report_date
		FROM controlled_substance_logs
		WHERE id = $1
	`

	log := &ControlledLog{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&log.ID, &log.DispensingID, &log.PatientID, &log.PrescriberID,
		&log.PharmacyID, &log.MedicationName, &log.Schedule,
		&log.Quantity, &log.DaysSupply,
		&log.ReportedToPDMP, &log.PDMPReportDate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("controlled substance log %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get controlled substance log: %w", err)
	}
	return log, nil
}

// MarkLogReported records that the PDMP collaborator confirmed submission of
// a controlled-substance log. This is the only mutation the log row ever
// receives.
func (r *Repository) MarkLogReported(ctx context.Context, logID string, reportedAt time.Time) error {
	query := `
		UPDATE controlled_substance_logs
		SET reported_to_pdmp = TRUE, pdmp_report_date = $1
		WHERE id = $2 AND reported_to_pdmp = FALSE
	`

	tag, err := r.pool.Exec(ctx, query, reportedAt, logID)
	if err != nil {
		return fmt.Errorf("mark log reported: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("controlled substance log %s: %w", logID, ErrNotFound)
	}
	return nil
}

// UnreportedLogs returns controlled-substance logs that have waited at least
// minAge without PDMP confirmation. The reporting worker sweeps these to
// catch logs whose report-required event was lost or whose submission failed.
func (r *Repository) UnreportedLogs(ctx context.Context, minAge time.Duration, limit int) ([]*ControlledLog, error) {
	query := `
		SELECT id, dispensing_id, patient_id, prescriber_id, pharmacy_id,
		       medication_name, schedule, quantity, days_supply
		FROM controlled_substance_logs
		WHERE reported_to_pdmp = FALSE
		  AND created_at < NOW() - $1::interval
		ORDER BY created_at
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, minAge.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query unreported logs: %w", err)
	}
	defer rows.Close()

	var logs []*ControlledLog
	for rows.Next() {
		log := &ControlledLog{}
		if err := rows.Scan(
			&log.ID, &log.DispensingID, &log.PatientID, &log.PrescriberID,
			&log.PharmacyID, &log.MedicationName, &log.Schedule,
			&log.Quantity, &log.DaysSupply,
		); err != nil {
			return nil, fmt.Errorf("scan unreported log: %w", err)
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// topicFor routes each event type to its Kafka topic.
func topicFor(t EventType) string {
	switch t {
	case EventLowStockAlert:
		return redpanda.TopicInventoryAlerts
	case EventPDMPReportRequired:
		return redpanda.TopicPDMPReports
	default:
		return redpanda.TopicDispensingEvents
	}
}
