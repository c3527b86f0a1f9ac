package safety

import (
	"context"
	"strings"
	"testing"

	"github.com/rxsys/go-dispense/internal/domain/catalog"
)

// stubInteractions filters its rows by the requested names, like the
// repository query does.
type stubInteractions struct {
	rows []*catalog.DrugInteraction
}

func (s *stubInteractions) InteractionsFor(_ context.Context, names []string) ([]*catalog.DrugInteraction, error) {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[strings.ToLower(n)] = true
	}
	var out []*catalog.DrugInteraction
	for _, row := range s.rows {
		if wanted[strings.ToLower(row.Drug1Name)] || wanted[strings.ToLower(row.Drug2Name)] {
			out = append(out, row)
		}
	}
	return out, nil
}

type stubAllergies struct {
	allergies []*Allergy
}

func (s *stubAllergies) ActiveAllergies(_ context.Context, _ string) ([]*Allergy, error) {
	return s.allergies, nil
}

func newTestChecker(rows []*catalog.DrugInteraction, allergies []*Allergy) *Checker {
	return NewChecker(&stubInteractions{rows: rows}, &stubAllergies{allergies: allergies}, DefaultPolicy(), nil)
}

func TestSevereInteractionBlocks(t *testing.T) {
	c := newTestChecker([]*catalog.DrugInteraction{
		{Drug1Name: "Warfarin", Drug2Name: "Aspirin", Severity: catalog.SeveritySevere, Description: "bleeding risk"},
	}, nil)

	result, err := c.Check(context.Background(), "pt-1", []string{"Warfarin"}, []string{"Aspirin"})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !result.Blocked() {
		t.Fatal("severe interaction should block")
	}
	if len(result.BlockingIssues) != 1 || result.BlockingIssues[0].Kind != IssueInteraction {
		t.Errorf("unexpected issues: %+v", result.BlockingIssues)
	}
}

func TestModerateInteractionWarnsOnly(t *testing.T) {
	c := newTestChecker([]*catalog.DrugInteraction{
		{Drug1Name: "Lisinopril", Drug2Name: "Ibuprofen", Severity: catalog.SeverityModerate, Description: "reduced effect"},
	}, nil)

	result, err := c.Check(context.Background(), "pt-1", []string{"Lisinopril"}, []string{"Ibuprofen"})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result.Blocked() {
		t.Error("moderate interaction should not block")
	}
	if len(result.Warnings) != 1 {
		t.Errorf("expected 1 warning, got %d", len(result.Warnings))
	}
}

func TestInteractionMatchingIsCaseInsensitive(t *testing.T) {
	c := newTestChecker([]*catalog.DrugInteraction{
		{Drug1Name: "Warfarin", Drug2Name: "Aspirin", Severity: catalog.SeverityContraindicated},
	}, nil)

	result, err := c.Check(context.Background(), "pt-1", []string{"WARFARIN"}, []string{"aspirin"})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !result.Blocked() {
		t.Error("case difference should not hide an interaction")
	}
}

func TestNoFindingsForCleanMedication(t *testing.T) {
	c := newTestChecker(nil, nil)

	result, err := c.Check(context.Background(), "pt-1", []string{"Metformin"}, []string{"Lisinopril"})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result.Blocked() || len(result.Warnings) != 0 {
		t.Errorf("expected clean result, got %+v", result)
	}
}

func TestDirectAllergyBlocks(t *testing.T) {
	c := newTestChecker(nil, []*Allergy{
		{ID: "al-1", PatientID: "pt-1", Allergen: "Sulfamethoxazole", Severity: "severe", IsActive: true},
	})

	result, err := c.Check(context.Background(), "pt-1", []string{"Sulfamethoxazole"}, nil)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !result.Blocked() {
		t.Fatal("direct allergen match should block")
	}
	if result.BlockingIssues[0].Kind != IssueAllergy {
		t.Errorf("kind = %s, want allergy", result.BlockingIssues[0].Kind)
	}
}

func TestClassAllergenMatchesMember(t *testing.T) {
	// The allergen is recorded as a drug class and the candidate carries the
	// class name within its own ("Penicillin V Potassium").
	c := newTestChecker(nil, []*Allergy{
		{ID: "al-1", PatientID: "pt-1", Allergen: "penicillin", Severity: "severe", IsActive: true},
	})

	result, err := c.Check(context.Background(), "pt-1", []string{"Penicillin V Potassium"}, nil)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !result.Blocked() {
		t.Error("class allergen should match a member containing the class name")
	}
}

func TestCrossSensitivityViaInteractionTable(t *testing.T) {
	// Amoxicillin does not contain "penicillin", so the direct name match
	// misses; the interaction table links the two and must catch it.
	c := newTestChecker([]*catalog.DrugInteraction{
		{Drug1Name: "Amoxicillin", Drug2Name: "Penicillin", Severity: catalog.SeveritySevere, Description: "cross-sensitivity"},
	}, []*Allergy{
		{ID: "al-1", PatientID: "pt-1", Allergen: "Penicillin", Severity: "severe", IsActive: true},
	})

	result, err := c.Check(context.Background(), "pt-1", []string{"Amoxicillin"}, nil)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !result.Blocked() {
		t.Fatal("cross-sensitive allergy should block")
	}
	issue := result.BlockingIssues[0]
	if issue.Kind != IssueAllergy || issue.Allergen != "Penicillin" {
		t.Errorf("unexpected issue: %+v", issue)
	}
}

func TestInactiveAllergyIgnored(t *testing.T) {
	c := newTestChecker(nil, []*Allergy{
		{ID: "al-1", PatientID: "pt-1", Allergen: "Amoxicillin", Severity: "severe", IsActive: false},
	})

	result, err := c.Check(context.Background(), "pt-1", []string{"Amoxicillin"}, nil)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result.Blocked() {
		t.Error("inactive allergy must not block")
	}
}

func TestAllergyAppliesOnlyToCandidates(t *testing.T) {
	// The patient already takes the allergen-matching drug; only new
	// candidates are checked against allergies.
	c := newTestChecker(nil, []*Allergy{
		{ID: "al-1", PatientID: "pt-1", Allergen: "Aspirin", Severity: "mild", IsActive: true},
	})

	result, err := c.Check(context.Background(), "pt-1", []string{"Metformin"}, []string{"Aspirin"})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result.Blocked() {
		t.Error("allergy against a current medication must not block a new candidate")
	}
}

func TestDuplicateNamesCheckedOnce(t *testing.T) {
	c := newTestChecker([]*catalog.DrugInteraction{
		{Drug1Name: "Warfarin", Drug2Name: "Aspirin", Severity: catalog.SeveritySevere},
	}, nil)

	result, err := c.Check(context.Background(), "pt-1", []string{"Warfarin", "warfarin"}, []string{"Aspirin", "ASPIRIN"})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if len(result.BlockingIssues) != 1 {
		t.Errorf("duplicate names produced %d issues, want 1", len(result.BlockingIssues))
	}
}
