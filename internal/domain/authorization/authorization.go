// Package authorization implements the prior-authorization gate. A medication
// flagged requires_prior_auth may only be dispensed against an approved,
// unexpired PriorAuthorization for its prescription.
package authorization

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rxsys/go-dispense/internal/domain/catalog"
)

// Status is the lifecycle state of a prior authorization.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
	StatusAppealed  Status = "appealed"
)

// PriorAuthorization is an insurer approval record tied to one prescription.
type PriorAuthorization struct {
	ID             string
	PrescriptionID string
	Status         Status
	RequestDate    time.Time
	ApprovalDate   *time.Time
	DenialDate     *time.Time
	ExpirationDate *time.Time
}

// ValidAt reports whether the authorization covers a dispensing at the given
// instant: approved, with an approval date, and not expired.
func (pa *PriorAuthorization) ValidAt(at time.Time) bool {
	if pa.Status != StatusApproved || pa.ApprovalDate == nil {
		return false
	}
	if pa.ExpirationDate != nil && !pa.ExpirationDate.After(at) {
		return false
	}
	return true
}

// Outcome tags a gate decision.
type Outcome string

const (
	OutcomeNotRequired      Outcome = "not_required"
	OutcomeRequiredAndValid Outcome = "required_and_valid"
	OutcomeRequiredMissing  Outcome = "required_and_missing"
)

// Decision is the result of evaluating the gate for one medication.
type Decision struct {
	Outcome Outcome
	// Authorization is set only for OutcomeRequiredAndValid.
	Authorization *PriorAuthorization
	// Detail explains a missing decision: "none_on_file", "not_approved",
	// or "expired".
	Detail string
}

// Source supplies the most recent prior authorization for a prescription, or
// nil when none exists.
type Source interface {
	LatestForPrescription(ctx context.Context, prescriptionID string) (*PriorAuthorization, error)
}

// Gate evaluates prior-authorization requirements.
type Gate struct {
	source Source
	logger *zap.Logger
	tracer trace.Tracer
}

// NewGate creates an authorization gate.
func NewGate(source Source, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		source: source,
		logger: logger,
		tracer: otel.Tracer("authorization-gate"),
	}
}

// Evaluate decides whether the medication may be dispensed at the given time.
func (g *Gate) Evaluate(ctx context.Context, med *catalog.Medication, prescriptionID string, at time.Time) (*Decision, error) {
	ctx, span := g.tracer.Start(ctx, "authorization_evaluate",
		trace.WithAttributes(
			attribute.String("prescription_id", prescriptionID),
			attribute.Bool("requires_prior_auth", med.RequiresPriorAuth),
		))
	defer span.End()

	if !med.RequiresPriorAuth {
		return &Decision{Outcome: OutcomeNotRequired}, nil
	}

	pa, err := g.source.LatestForPrescription(ctx, prescriptionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if pa == nil {
		span.SetAttributes(attribute.String("outcome", string(OutcomeRequiredMissing)))
		return &Decision{Outcome: OutcomeRequiredMissing, Detail: "none_on_file"}, nil
	}

	if pa.ValidAt(at) {
		span.SetAttributes(attribute.String("outcome", string(OutcomeRequiredAndValid)))
		return &Decision{Outcome: OutcomeRequiredAndValid, Authorization: pa}, nil
	}

	detail := "not_approved"
	if pa.Status == StatusApproved {
		detail = "expired"
	}

	g.logger.Info("prior authorization unusable",
		zap.String("prescription_id", prescriptionID),
		zap.String("pa_id", pa.ID),
		zap.String("pa_status", string(pa.Status)),
		zap.String("detail", detail))

	span.SetAttributes(attribute.String("outcome", string(OutcomeRequiredMissing)))
	return &Decision{Outcome: OutcomeRequiredMissing, Authorization: pa, Detail: detail}, nil
}
