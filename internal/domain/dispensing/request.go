// Package dispensing implements the dispensing orchestrator: the pipeline
// that validates a fill request against safety, authorization, refill,
// stock and controlled-substance rules, then commits all record changes
// atomically.
package dispensing

import (
	"fmt"
	"time"

	"github.com/rxsys/go-dispense/internal/domain/inventory"
	"github.com/rxsys/go-dispense/internal/domain/safety"
)

// Request is one dispensing request entering the orchestrator.
type Request struct {
	PrescriptionID     string     `json:"prescription_id"`
	PrescriptionItemID string     `json:"prescription_item_id"`
	PharmacyID         string     `json:"pharmacy_id"`
	Quantity           int        `json:"quantity"`
	DaysSupply         int        `json:"days_supply"`
	Pharmacist         string     `json:"pharmacist,omitempty"`
	At                 *time.Time `json:"at,omitempty"`
	// ClinicalOverride lets a clinician dispense past a safety block. It has
	// no effect on any other rejection reason.
	ClinicalOverride bool `json:"clinical_override,omitempty"`
	// CurrentMedications are the patient's active medications, supplied by
	// the caller for interaction checking.
	CurrentMedications []string `json:"current_medications,omitempty"`
}

// Validate rejects structurally bad requests before the pipeline starts.
func (r *Request) Validate() error {
	if r.PrescriptionID == "" {
		return fmt.Errorf("prescription_id is required")
	}
	if r.PrescriptionItemID == "" {
		return fmt.Errorf("prescription_item_id is required")
	}
	if r.PharmacyID == "" {
		return fmt.Errorf("pharmacy_id is required")
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", r.Quantity)
	}
	return nil
}

// Record is the immutable dispensing event row created on commit.
type Record struct {
	ID                   string    `json:"id"`
	PrescriptionID       string    `json:"prescription_id"`
	PatientID            string    `json:"patient_id"`
	PharmacyID           string    `json:"pharmacy_id"`
	PriorAuthorizationID string    `json:"prior_authorization_id,omitempty"`
	MedicationName       string    `json:"medication_name"`
	Quantity             int       `json:"quantity"`
	DispensedAt          time.Time `json:"dispensed_at"`
	Pharmacist           string    `json:"pharmacist,omitempty"`
}

// ControlledLog is the regulatory record created for controlled-substance
// dispensing, atomically with its Record. reportedToPDMP flips to true only
// once the external reporting collaborator confirms submission.
type ControlledLog struct {
	ID             string     `json:"id"`
	DispensingID   string     `json:"dispensing_id"`
	PatientID      string     `json:"patient_id"`
	PrescriberID   string     `json:"prescriber_id"`
	PharmacyID     string     `json:"pharmacy_id"`
	MedicationName string     `json:"medication_name"`
	Schedule       string     `json:"schedule"`
	Quantity       int        `json:"quantity"`
	DaysSupply     int        `json:"days_supply"`
	ReportedToPDMP bool       `json:"reported_to_pdmp"`
	PDMPReportDate *time.Time `json:"pdmp_report_date,omitempty"`
}

// Result is the successful outcome of a dispensing request.
type Result struct {
	DispensingID string         `json:"dispensing_id"`
	Record       *Record        `json:"record"`
	Warnings     []safety.Issue `json:"warnings,omitempty"`
	// LotDraws records which lots satisfied the fill, soonest-expiring first.
	LotDraws []inventory.Draw `json:"lot_draws,omitempty"`
	// Events are the side-effect notifications written to the outbox during
	// commit, for the caller's visibility.
	Events []*Event `json:"events,omitempty"`
}

// Reason tags a rejection.
type Reason string

const (
	ReasonSafetyBlocked                    Reason = "SafetyBlocked"
	ReasonPharmacyInactive                 Reason = "PharmacyInactive"
	ReasonPriorAuthMissing                 Reason = "PriorAuthMissing"
	ReasonPrescriptionNotActive            Reason = "PrescriptionNotActive"
	ReasonRefillsExhausted                 Reason = "RefillsExhausted"
	ReasonInsufficientStock                Reason = "InsufficientStock"
	ReasonControlledSubstanceRuleViolation Reason = "ControlledSubstanceRuleViolation"
	ReasonCommitFailed                     Reason = "CommitFailed"
)

// Rejection is a structured, expected domain failure. It is returned as an
// error so callers can use errors.As, but it is not an infrastructure fault:
// the process is healthy and the request was handled to completion.
type Rejection struct {
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
	// SafetyIssues carries the blocking findings for SafetyBlocked.
	SafetyIssues []safety.Issue `json:"safety_issues,omitempty"`
	// Stage is the pipeline stage that rejected the request.
	Stage Stage `json:"stage"`
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("dispensing rejected: %s", r.Reason)
	}
	return fmt.Sprintf("dispensing rejected: %s: %s", r.Reason, r.Detail)
}

// Stage names a state of the orchestrator pipeline.
type Stage string

const (
	StageReceived          Stage = "Received"
	StageSafetyChecked     Stage = "SafetyChecked"
	StageAuthorized        Stage = "Authorized"
	StageRefillReserved    Stage = "RefillReserved"
	StageStockReserved     Stage = "StockReserved"
	StageComplianceChecked Stage = "ComplianceChecked"
	StageCommitted         Stage = "Committed"
)
