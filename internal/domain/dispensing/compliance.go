package dispensing

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/rxsys/go-dispense/internal/domain/catalog"
	"github.com/rxsys/go-dispense/internal/domain/prescription"
)

// ScheduleRule is the per-schedule limit set. Limits are jurisdiction policy,
// loaded as configuration rather than hard-coded.
type ScheduleRule struct {
	// MaxRefillsAllowed caps PrescriptionItem.RefillsAllowed. Schedule II is 0:
	// every fill needs a fresh prescription.
	MaxRefillsAllowed int
	// MaxDaysSupply caps days supply per fill; 0 means no cap.
	MaxDaysSupply int
	// MaxQuantity caps units per fill; 0 means no cap.
	MaxQuantity int
}

// CompliancePolicy maps DEA schedules to their rules.
type CompliancePolicy struct {
	Rules map[catalog.Schedule]ScheduleRule
}

// DefaultCompliancePolicy returns a generic federal-style rule table:
// schedule II forbids refills, schedules III-V allow up to five fills with a
// 90-day supply cap. Deployments override per jurisdiction.
func DefaultCompliancePolicy() CompliancePolicy {
	return CompliancePolicy{
		Rules: map[catalog.Schedule]ScheduleRule{
			catalog.ScheduleII:  {MaxRefillsAllowed: 0, MaxDaysSupply: 90},
			catalog.ScheduleIII: {MaxRefillsAllowed: 5, MaxDaysSupply: 90},
			catalog.ScheduleIV:  {MaxRefillsAllowed: 5, MaxDaysSupply: 90},
			catalog.ScheduleV:   {MaxRefillsAllowed: 5, MaxDaysSupply: 90},
		},
	}
}

// ComplianceOutcome tags a compliance decision.
type ComplianceOutcome string

const (
	ComplianceNotApplicable ComplianceOutcome = "not_applicable"
	CompliancePassed        ComplianceOutcome = "passed"
	ComplianceViolation     ComplianceOutcome = "violation"
)

// LogSpec describes the ControlledSubstanceLog to persist with the
// dispensing.
type LogSpec struct {
	PatientID      string
	PrescriberID   string
	PharmacyID     string
	MedicationName string
	Schedule       catalog.Schedule
	Quantity       int
	DaysSupply     int
}

// ComplianceDecision is the result of the controlled-substance check.
type ComplianceDecision struct {
	Outcome ComplianceOutcome
	Log     *LogSpec
	// ReasonCode identifies the violated rule: "schedule_refills_exceeded",
	// "days_supply_exceeded", "quantity_exceeded", "invalid_quantity",
	// "invalid_days_supply", "unknown_schedule".
	ReasonCode string
	Detail     string
}

// Compliance applies schedule-specific controlled-substance rules.
type Compliance struct {
	policy CompliancePolicy
	logger *zap.Logger
}

// NewCompliance creates the compliance checker.
func NewCompliance(policy CompliancePolicy, logger *zap.Logger) *Compliance {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compliance{policy: policy, logger: logger}
}

// Evaluate checks a fill of the given item against the medication's schedule
// rules. Non-controlled medications pass through untouched and produce no
// log.
func (c *Compliance) Evaluate(med *catalog.Medication, item *prescription.Item, rx *prescription.Prescription, pharmacyID string, quantity, daysSupply int) *ComplianceDecision {
	if !med.IsControlled {
		return &ComplianceDecision{Outcome: ComplianceNotApplicable}
	}

	if quantity <= 0 {
		return violation("invalid_quantity", fmt.Sprintf("quantity %d must be positive", quantity))
	}
	if daysSupply <= 0 {
		return violation("invalid_days_supply", fmt.Sprintf("days supply %d must be positive", daysSupply))
	}

	rule, ok := c.policy.Rules[med.Schedule]
	if !ok {
		return violation("unknown_schedule", fmt.Sprintf("no rule configured for schedule %q", med.Schedule))
	}

	// Cross-cutting refill rule: the cap applies to the item's allowance, not
	// just the current fill, so a schedule II item written with refills is
	// rejected even on its first fill.
	if item.RefillsAllowed > rule.MaxRefillsAllowed {
		c.logger.Warn("controlled substance refill rule violated",
			zap.String("medication", med.Name),
			zap.String("schedule", string(med.Schedule)),
			zap.Int("refills_allowed", item.RefillsAllowed),
			zap.Int("max_refills", rule.MaxRefillsAllowed))
		return violation("schedule_refills_exceeded",
			fmt.Sprintf("schedule %s permits at most %d refills, item allows %d",
				med.Schedule, rule.MaxRefillsAllowed, item.RefillsAllowed))
	}

	if rule.MaxDaysSupply > 0 && daysSupply > rule.MaxDaysSupply {
		return violation("days_supply_exceeded",
			fmt.Sprintf("schedule %s caps days supply at %d, requested %d",
				med.Schedule, rule.MaxDaysSupply, daysSupply))
	}

	if rule.MaxQuantity > 0 && quantity > rule.MaxQuantity {
		return violation("quantity_exceeded",
			fmt.Sprintf("schedule %s caps quantity at %d, requested %d",
				med.Schedule, rule.MaxQuantity, quantity))
	}

	return &ComplianceDecision{
		Outcome: CompliancePassed,
		Log: &LogSpec{
			PatientID:      rx.PatientID,
			PrescriberID:   rx.ProviderID,
			PharmacyID:     pharmacyID,
			MedicationName: med.Name,
			Schedule:       med.Schedule,
			Quantity:       quantity,
			DaysSupply:     daysSupply,
		},
	}
}

func violation(code, detail string) *ComplianceDecision {
	return &ComplianceDecision{
		Outcome:    ComplianceViolation,
		ReasonCode: code,
		Detail:     detail,
	}
}
