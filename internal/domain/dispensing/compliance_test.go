package dispensing

import (
	"strings"
	"testing"

	"github.com/rxsys/go-dispense/internal/domain/catalog"
	"github.com/rxsys/go-dispense/internal/domain/prescription"
)

func testCompliance() *Compliance {
	return NewCompliance(DefaultCompliancePolicy(), nil)
}

func controlledMed(schedule catalog.Schedule) *catalog.Medication {
	return &catalog.Medication{
		ID:           "m1",
		Name:         "Oxycodone",
		IsControlled: true,
		Schedule:     schedule,
	}
}

func complianceRx() *prescription.Prescription {
	return &prescription.Prescription{ID: "rx-1", PatientID: "pt-1", ProviderID: "dr-1"}
}

func TestNonControlledNotApplicable(t *testing.T) {
	med := &catalog.Medication{ID: "m1", Name: "Lisinopril"}
	item := &prescription.Item{ID: "it-1", RefillsAllowed: 11}

	d := testCompliance().Evaluate(med, item, complianceRx(), "ph1", 30, 30)
	if d.Outcome != ComplianceNotApplicable {
		t.Errorf("outcome = %s, want not_applicable", d.Outcome)
	}
	if d.Log != nil {
		t.Error("non-controlled medication must not produce a log")
	}
}

func TestScheduleIIRejectsAnyRefillAllowance(t *testing.T) {
	item := &prescription.Item{ID: "it-1", RefillsAllowed: 1, RefillsUsed: 0}

	d := testCompliance().Evaluate(controlledMed(catalog.ScheduleII), item, complianceRx(), "ph1", 30, 30)
	if d.Outcome != ComplianceViolation {
		t.Fatalf("outcome = %s, want violation", d.Outcome)
	}
	if d.ReasonCode != "schedule_refills_exceeded" {
		t.Errorf("reason = %s, want schedule_refills_exceeded", d.ReasonCode)
	}
}

func TestScheduleIIPassesWithZeroRefills(t *testing.T) {
	item := &prescription.Item{ID: "it-1", RefillsAllowed: 0}

	d := testCompliance().Evaluate(controlledMed(catalog.ScheduleII), item, complianceRx(), "ph1", 30, 30)
	if d.Outcome != CompliancePassed {
		t.Fatalf("outcome = %s (%s), want passed", d.Outcome, d.Detail)
	}
	if d.Log == nil {
		t.Fatal("passed controlled evaluation must produce a log spec")
	}
	if d.Log.Schedule != catalog.ScheduleII || d.Log.PrescriberID != "dr-1" || d.Log.PharmacyID != "ph1" {
		t.Errorf("log spec = %+v", d.Log)
	}
}

func TestScheduleIIIAllowsUpToFiveRefills(t *testing.T) {
	c := testCompliance()

	within := &prescription.Item{ID: "it-1", RefillsAllowed: 5}
	if d := c.Evaluate(controlledMed(catalog.ScheduleIII), within, complianceRx(), "ph1", 30, 30); d.Outcome != CompliancePassed {
		t.Errorf("5 refills on schedule III: %s (%s)", d.Outcome, d.Detail)
	}

	over := &prescription.Item{ID: "it-2", RefillsAllowed: 6}
	d := c.Evaluate(controlledMed(catalog.ScheduleIII), over, complianceRx(), "ph1", 30, 30)
	if d.Outcome != ComplianceViolation || d.ReasonCode != "schedule_refills_exceeded" {
		t.Errorf("6 refills on schedule III: %s/%s", d.Outcome, d.ReasonCode)
	}
}

func TestDaysSupplyCap(t *testing.T) {
	item := &prescription.Item{ID: "it-1", RefillsAllowed: 0}

	d := testCompliance().Evaluate(controlledMed(catalog.ScheduleII), item, complianceRx(), "ph1", 30, 91)
	if d.Outcome != ComplianceViolation || d.ReasonCode != "days_supply_exceeded" {
		t.Errorf("got %s/%s, want violation/days_supply_exceeded", d.Outcome, d.ReasonCode)
	}

	if d := testCompliance().Evaluate(controlledMed(catalog.ScheduleII), item, complianceRx(), "ph1", 30, 90); d.Outcome != CompliancePassed {
		t.Errorf("90 days should pass: %s (%s)", d.Outcome, d.Detail)
	}
}

func TestQuantityCap(t *testing.T) {
	policy := DefaultCompliancePolicy()
	rule := policy.Rules[catalog.ScheduleII]
	rule.MaxQuantity = 120
	policy.Rules[catalog.ScheduleII] = rule

	c := NewCompliance(policy, nil)
	item := &prescription.Item{ID: "it-1", RefillsAllowed: 0}

	d := c.Evaluate(controlledMed(catalog.ScheduleII), item, complianceRx(), "ph1", 121, 30)
	if d.Outcome != ComplianceViolation || d.ReasonCode != "quantity_exceeded" {
		t.Errorf("got %s/%s, want violation/quantity_exceeded", d.Outcome, d.ReasonCode)
	}
}

func TestInvalidInputsAreViolations(t *testing.T) {
	item := &prescription.Item{ID: "it-1", RefillsAllowed: 0}
	c := testCompliance()

	if d := c.Evaluate(controlledMed(catalog.ScheduleII), item, complianceRx(), "ph1", 0, 30); d.ReasonCode != "invalid_quantity" {
		t.Errorf("zero quantity: reason = %s", d.ReasonCode)
	}
	if d := c.Evaluate(controlledMed(catalog.ScheduleII), item, complianceRx(), "ph1", 30, 0); d.ReasonCode != "invalid_days_supply" {
		t.Errorf("zero days supply: reason = %s", d.ReasonCode)
	}
}

func TestUnknownScheduleIsViolation(t *testing.T) {
	item := &prescription.Item{ID: "it-1", RefillsAllowed: 0}

	d := testCompliance().Evaluate(controlledMed(catalog.Schedule("VI")), item, complianceRx(), "ph1", 30, 30)
	if d.Outcome != ComplianceViolation || d.ReasonCode != "unknown_schedule" {
		t.Errorf("got %s/%s, want violation/unknown_schedule", d.Outcome, d.ReasonCode)
	}
	if !strings.Contains(d.Detail, "VI") {
		t.Errorf("detail should name the schedule: %q", d.Detail)
	}
}
