package dispensing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rxsys/go-dispense/internal/domain/authorization"
	"github.com/rxsys/go-dispense/internal/domain/catalog"
	"github.com/rxsys/go-dispense/internal/domain/inventory"
	"github.com/rxsys/go-dispense/internal/domain/prescription"
	"github.com/rxsys/go-dispense/internal/domain/safety"
	"github.com/rxsys/go-dispense/pkg/clock"
	"github.com/rxsys/go-dispense/pkg/ident"
)

// PrescriptionSource loads prescriptions with their items.
type PrescriptionSource interface {
	Get(ctx context.Context, id string) (*prescription.Prescription, error)
}

// MedicationSource resolves catalog entries by name.
type MedicationSource interface {
	GetMedicationByName(ctx context.Context, name string) (*catalog.Medication, error)
}

// PharmacySource resolves dispensing locations.
type PharmacySource interface {
	GetPharmacy(ctx context.Context, id string) (*catalog.Pharmacy, error)
}

// SafetyChecker evaluates interaction and allergy risk.
type SafetyChecker interface {
	Check(ctx context.Context, patientID string, candidates, current []string) (*safety.Result, error)
}

// AuthGate evaluates prior-authorization requirements.
type AuthGate interface {
	Evaluate(ctx context.Context, med *catalog.Medication, prescriptionID string, at time.Time) (*authorization.Decision, error)
}

// CommitSet is everything the committer must persist in one transaction.
type CommitSet struct {
	Record *Record
	// Log is nil for non-controlled medications.
	Log *ControlledLog
	// RefillItemID / RefillExpectedUsed drive the guarded refills_used
	// increment.
	RefillItemID       string
	RefillExpectedUsed int
	// Draws are the inventory decrements to apply.
	Draws []inventory.Draw
	// Events are written to the outbox inside the transaction.
	Events []*Event
}

// Committer persists a CommitSet atomically.
type Committer interface {
	Commit(ctx context.Context, set *CommitSet) error
}

// Orchestrator runs the dispensing pipeline. It is a synchronous per-request
// state machine, safe to invoke concurrently; all shared state lives in the
// refill policy and the inventory ledger, which serialize internally.
type Orchestrator struct {
	prescriptions PrescriptionSource
	medications   MedicationSource
	pharmacies    PharmacySource
	checker       SafetyChecker
	gate          AuthGate
	refills       *prescription.RefillPolicy
	ledger        *inventory.Ledger
	compliance    *Compliance
	committer     Committer
	clock         clock.Clock
	ids           ident.Generator
	logger        *zap.Logger
	tracer        trace.Tracer
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Prescriptions PrescriptionSource
	Medications   MedicationSource
	Pharmacies    PharmacySource
	Checker       SafetyChecker
	Gate          AuthGate
	Refills       *prescription.RefillPolicy
	Ledger        *inventory.Ledger
	Compliance    *Compliance
	Committer     Committer
	Clock         clock.Clock
	IDs           ident.Generator
	Logger        *zap.Logger
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.IDs == nil {
		d.IDs = ident.UUID{}
	}
	return &Orchestrator{
		prescriptions: d.Prescriptions,
		medications:   d.Medications,
		pharmacies:    d.Pharmacies,
		checker:       d.Checker,
		gate:          d.Gate,
		refills:       d.Refills,
		ledger:        d.Ledger,
		compliance:    d.Compliance,
		committer:     d.Committer,
		clock:         d.Clock,
		ids:           d.IDs,
		logger:        d.Logger,
		tracer:        otel.Tracer("dispensing-orchestrator"),
	}
}

// Dispense processes one request end to end. On success it returns the
// committed Result. Expected domain failures come back as *Rejection via the
// error; anything else is an infrastructure fault. No partial effects remain
// after a failure at any stage: the refill hold and stock reservation are
// released before returning.
func (o *Orchestrator) Dispense(ctx context.Context, req *Request) (*Result, error) {
	at := o.clock.Now()
	if req.At != nil {
		at = req.At.UTC()
	}

	ctx, span := o.tracer.Start(ctx, "dispense",
		trace.WithAttributes(
			attribute.String("prescription_id", req.PrescriptionID),
			attribute.String("pharmacy_id", req.PharmacyID),
			attribute.Int("quantity", req.Quantity),
		))
	defer span.End()

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("invalid dispensing request: %w", err)
	}

	pharmacy, err := o.pharmacies.GetPharmacy(ctx, req.PharmacyID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load pharmacy %s: %w", req.PharmacyID, err)
	}
	if !pharmacy.IsActive {
		return nil, o.reject(span, &Rejection{
			Reason: ReasonPharmacyInactive,
			Stage:  StageReceived,
			Detail: fmt.Sprintf("pharmacy %s is not active", pharmacy.ID),
		})
	}

	rx, err := o.prescriptions.Get(ctx, req.PrescriptionID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load prescription: %w", err)
	}

	item := rx.Item(req.PrescriptionItemID)
	if item == nil {
		return nil, fmt.Errorf("prescription item %s does not belong to prescription %s: %w",
			req.PrescriptionItemID, req.PrescriptionID, prescription.ErrNotFound)
	}

	med, err := o.medications.GetMedicationByName(ctx, item.MedicationName)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("resolve medication %q: %w", item.MedicationName, err)
	}

	// Stage order is fixed: cheap, reversible checks run before the stock
	// hold so a provisional hold never outlives an avoidable rejection.

	// Received -> SafetyChecked
	safetyResult, err := o.checker.Check(ctx, rx.PatientID, []string{med.Name}, req.CurrentMedications)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("safety check: %w", err)
	}
	warnings := append([]safety.Issue{}, safetyResult.Warnings...)
	if safetyResult.Blocked() {
		if !req.ClinicalOverride {
			return nil, o.reject(span, &Rejection{
				Reason:       ReasonSafetyBlocked,
				Stage:        StageSafetyChecked,
				Detail:       "blocking interaction or allergy on file",
				SafetyIssues: safetyResult.BlockingIssues,
			})
		}
		// Overridden blocks are surfaced as warnings so the caller still
		// sees what was overridden.
		warnings = append(warnings, safetyResult.BlockingIssues...)
		o.logger.Warn("safety block overridden by clinician",
			zap.String("prescription_id", rx.ID),
			zap.String("patient_id", rx.PatientID),
			zap.Int("issues", len(safetyResult.BlockingIssues)))
	}
	if err := stageDeadline(ctx, StageSafetyChecked); err != nil {
		return nil, err
	}

	// SafetyChecked -> Authorized
	authDecision, err := o.gate.Evaluate(ctx, med, rx.ID, at)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("authorization gate: %w", err)
	}
	if authDecision.Outcome == authorization.OutcomeRequiredMissing {
		return nil, o.reject(span, &Rejection{
			Reason: ReasonPriorAuthMissing,
			Stage:  StageAuthorized,
			Detail: authDecision.Detail,
		})
	}
	if err := stageDeadline(ctx, StageAuthorized); err != nil {
		return nil, err
	}

	// Authorized -> RefillReserved
	refillDecision := o.refills.CheckAndReserve(rx, item, at)
	switch refillDecision.Outcome {
	case prescription.RefillPrescriptionInactive:
		return nil, o.reject(span, &Rejection{
			Reason: ReasonPrescriptionNotActive,
			Stage:  StageRefillReserved,
			Detail: refillDecision.Detail,
		})
	case prescription.RefillExhausted:
		return nil, o.reject(span, &Rejection{
			Reason: ReasonRefillsExhausted,
			Stage:  StageRefillReserved,
			Detail: fmt.Sprintf("%d of %d refills used", refillDecision.Used, refillDecision.Allowed),
		})
	}
	refillRes := refillDecision.Reservation
	if err := stageDeadline(ctx, StageRefillReserved); err != nil {
		refillRes.Release()
		return nil, err
	}

	// RefillReserved -> StockReserved
	stockRes, err := o.ledger.Reserve(req.PharmacyID, med.ID, req.Quantity, at)
	if err != nil {
		refillRes.Release()
		var insufficient *inventory.InsufficientStockError
		if errors.As(err, &insufficient) {
			return nil, o.reject(span, &Rejection{
				Reason: ReasonInsufficientStock,
				Stage:  StageStockReserved,
				Detail: insufficient.Error(),
			})
		}
		span.RecordError(err)
		return nil, fmt.Errorf("stock reserve: %w", err)
	}
	if err := stageDeadline(ctx, StageStockReserved); err != nil {
		o.releaseAll(refillRes, stockRes)
		return nil, err
	}

	// StockReserved -> ComplianceChecked
	complianceDecision := o.compliance.Evaluate(med, item, rx, req.PharmacyID, req.Quantity, req.DaysSupply)
	if complianceDecision.Outcome == ComplianceViolation {
		o.releaseAll(refillRes, stockRes)
		return nil, o.reject(span, &Rejection{
			Reason: ReasonControlledSubstanceRuleViolation,
			Stage:  StageComplianceChecked,
			Detail: fmt.Sprintf("%s: %s", complianceDecision.ReasonCode, complianceDecision.Detail),
		})
	}
	if err := stageDeadline(ctx, StageComplianceChecked); err != nil {
		o.releaseAll(refillRes, stockRes)
		return nil, err
	}

	// ComplianceChecked -> Committed
	set, err := o.buildCommitSet(req, rx, med, authDecision, refillRes, stockRes, complianceDecision, at)
	if err != nil {
		o.releaseAll(refillRes, stockRes)
		span.RecordError(err)
		return nil, fmt.Errorf("build commit set: %w", err)
	}

	if err := o.committer.Commit(ctx, set); err != nil {
		o.releaseAll(refillRes, stockRes)
		span.RecordError(err)
		return nil, o.reject(span, &Rejection{
			Reason: ReasonCommitFailed,
			Stage:  StageCommitted,
			Detail: err.Error(),
		})
	}

	// Persistence succeeded; realize the in-memory holds.
	if _, err := o.ledger.Commit(stockRes, at); err != nil {
		// The database is authoritative; log the ledger drift for repair.
		o.logger.Error("ledger commit failed after persistence", zap.Error(err))
	}
	refillRes.Commit()

	span.SetAttributes(attribute.String("dispensing_id", set.Record.ID))
	o.logger.Info("dispensing committed",
		zap.String("dispensing_id", set.Record.ID),
		zap.String("prescription_id", rx.ID),
		zap.String("pharmacy_id", req.PharmacyID),
		zap.String("medication", med.Name),
		zap.Int("quantity", req.Quantity),
		zap.Bool("controlled", med.IsControlled))

	return &Result{
		DispensingID: set.Record.ID,
		Record:       set.Record,
		Warnings:     warnings,
		LotDraws:     stockRes.Draws,
		Events:       set.Events,
	}, nil
}

// buildCommitSet assembles the records and outbox events for the final
// transaction.
func (o *Orchestrator) buildCommitSet(req *Request, rx *prescription.Prescription, med *catalog.Medication,
	auth *authorization.Decision, refillRes *prescription.RefillReservation, stockRes *inventory.Reservation,
	compliance *ComplianceDecision, at time.Time) (*CommitSet, error) {

	record := &Record{
		ID:             o.ids.NewID(),
		PrescriptionID: rx.ID,
		PatientID:      rx.PatientID,
		PharmacyID:     req.PharmacyID,
		MedicationName: med.Name,
		Quantity:       req.Quantity,
		DispensedAt:    at,
		Pharmacist:     req.Pharmacist,
	}
	if auth.Outcome == authorization.OutcomeRequiredAndValid && auth.Authorization != nil {
		record.PriorAuthorizationID = auth.Authorization.ID
	}

	set := &CommitSet{
		Record:             record,
		RefillItemID:       refillRes.ItemID,
		RefillExpectedUsed: refillRes.ExpectedUsed,
		Draws:              stockRes.Draws,
	}

	completed, err := NewEvent(EventDispensingCompleted, record.ID, rx.ID, &DispensingCompletedData{
		DispensingID:   record.ID,
		PrescriptionID: rx.ID,
		PatientID:      rx.PatientID,
		PharmacyID:     req.PharmacyID,
		MedicationName: med.Name,
		Quantity:       req.Quantity,
		DispensedAt:    at,
	}, at)
	if err != nil {
		return nil, err
	}
	set.Events = append(set.Events, completed)

	if compliance.Outcome == CompliancePassed && compliance.Log != nil {
		set.Log = &ControlledLog{
			ID:             o.ids.NewID(),
			DispensingID:   record.ID,
			PatientID:      compliance.Log.PatientID,
			PrescriberID:   compliance.Log.PrescriberID,
			PharmacyID:     compliance.Log.PharmacyID,
			MedicationName: compliance.Log.MedicationName,
			Schedule:       string(compliance.Log.Schedule),
			Quantity:       compliance.Log.Quantity,
			DaysSupply:     compliance.Log.DaysSupply,
			ReportedToPDMP: false,
		}

		pdmp, err := NewEvent(EventPDMPReportRequired, set.Log.ID, req.PharmacyID, &PDMPReportRequiredData{
			ControlledSubstanceLogID: set.Log.ID,
			DispensingID:             record.ID,
			PharmacyID:               req.PharmacyID,
			Schedule:                 set.Log.Schedule,
		}, at)
		if err != nil {
			return nil, err
		}
		set.Events = append(set.Events, pdmp)
	}

	if alert := o.ledger.ProjectedLowStock(stockRes, at); alert != nil {
		event, err := NewEvent(EventLowStockAlert, alert.PharmacyID+"/"+alert.MedicationID, alert.PharmacyID, alert, at)
		if err != nil {
			return nil, err
		}
		set.Events = append(set.Events, event)
	}

	return set, nil
}

func (o *Orchestrator) releaseAll(refillRes *prescription.RefillReservation, stockRes *inventory.Reservation) {
	if stockRes != nil {
		o.ledger.Release(stockRes)
	}
	refillRes.Release()
}

func (o *Orchestrator) reject(span trace.Span, r *Rejection) error {
	span.SetAttributes(
		attribute.String("rejection_reason", string(r.Reason)),
		attribute.String("rejection_stage", string(r.Stage)),
	)
	o.logger.Info("dispensing rejected",
		zap.String("reason", string(r.Reason)),
		zap.String("stage", string(r.Stage)),
		zap.String("detail", r.Detail))
	return r
}

// stageDeadline turns a caller deadline or cancellation into a stage failure
// so holds are released before any partial effect becomes visible.
func stageDeadline(ctx context.Context, stage Stage) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("deadline exceeded at stage %s: %w", stage, err)
	}
	return nil
}
