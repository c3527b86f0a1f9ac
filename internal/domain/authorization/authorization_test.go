package authorization

import (
	"context"
	"testing"
	"time"

	"github.com/rxsys/go-dispense/internal/domain/catalog"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubSource struct {
	pa *PriorAuthorization
}

func (s *stubSource) LatestForPrescription(_ context.Context, _ string) (*PriorAuthorization, error) {
	return s.pa, nil
}

func evaluate(t *testing.T, med *catalog.Medication, pa *PriorAuthorization) *Decision {
	t.Helper()
	gate := NewGate(&stubSource{pa: pa}, nil)
	d, err := gate.Evaluate(context.Background(), med, "rx-1", now)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	return d
}

func TestNotRequiredForOrdinaryMedication(t *testing.T) {
	med := &catalog.Medication{ID: "m1", Name: "Lisinopril"}

	d := evaluate(t, med, nil)
	if d.Outcome != OutcomeNotRequired {
		t.Errorf("outcome = %s, want not_required", d.Outcome)
	}
}

func TestMissingAuthorizationBlocks(t *testing.T) {
	med := &catalog.Medication{ID: "m1", Name: "Humira", RequiresPriorAuth: true}

	d := evaluate(t, med, nil)
	if d.Outcome != OutcomeRequiredMissing {
		t.Fatalf("outcome = %s, want required_and_missing", d.Outcome)
	}
	if d.Detail != "none_on_file" {
		t.Errorf("detail = %q, want none_on_file", d.Detail)
	}
}

func TestApprovedAuthorizationPasses(t *testing.T) {
	med := &catalog.Medication{ID: "m1", Name: "Humira", RequiresPriorAuth: true}
	approved := now.AddDate(0, -1, 0)
	expires := now.AddDate(0, 5, 0)

	d := evaluate(t, med, &PriorAuthorization{
		ID:             "pa-1",
		PrescriptionID: "rx-1",
		Status:         StatusApproved,
		ApprovalDate:   &approved,
		ExpirationDate: &expires,
	})
	if d.Outcome != OutcomeRequiredAndValid {
		t.Fatalf("outcome = %s, want required_and_valid", d.Outcome)
	}
	if d.Authorization == nil || d.Authorization.ID != "pa-1" {
		t.Errorf("decision should carry the authorization: %+v", d.Authorization)
	}
}

func TestPendingAuthorizationBlocks(t *testing.T) {
	med := &catalog.Medication{ID: "m1", Name: "Humira", RequiresPriorAuth: true}

	d := evaluate(t, med, &PriorAuthorization{ID: "pa-1", Status: StatusPending})
	if d.Outcome != OutcomeRequiredMissing {
		t.Fatalf("outcome = %s, want required_and_missing", d.Outcome)
	}
	if d.Detail != "not_approved" {
		t.Errorf("detail = %q, want not_approved", d.Detail)
	}
}

func TestDeniedAuthorizationBlocks(t *testing.T) {
	med := &catalog.Medication{ID: "m1", Name: "Humira", RequiresPriorAuth: true}
	denied := now.AddDate(0, -1, 0)

	d := evaluate(t, med, &PriorAuthorization{ID: "pa-1", Status: StatusDenied, DenialDate: &denied})
	if d.Outcome != OutcomeRequiredMissing || d.Detail != "not_approved" {
		t.Errorf("got %s/%s, want required_and_missing/not_approved", d.Outcome, d.Detail)
	}
}

func TestExpiredAuthorizationBlocks(t *testing.T) {
	med := &catalog.Medication{ID: "m1", Name: "Humira", RequiresPriorAuth: true}
	approved := now.AddDate(-1, 0, 0)
	expired := now.Add(-time.Hour)

	d := evaluate(t, med, &PriorAuthorization{
		ID:             "pa-1",
		Status:         StatusApproved,
		ApprovalDate:   &approved,
		ExpirationDate: &expired,
	})
	if d.Outcome != OutcomeRequiredMissing {
		t.Fatalf("outcome = %s, want required_and_missing", d.Outcome)
	}
	if d.Detail != "expired" {
		t.Errorf("detail = %q, want expired", d.Detail)
	}
}

func TestValidAtBoundary(t *testing.T) {
	approved := now.AddDate(0, -1, 0)
	pa := &PriorAuthorization{Status: StatusApproved, ApprovalDate: &approved, ExpirationDate: &now}

	// Expiration is exclusive: an authorization expiring now is unusable now.
	if pa.ValidAt(now) {
		t.Error("authorization valid at its expiration instant")
	}
	if !pa.ValidAt(now.Add(-time.Second)) {
		t.Error("authorization invalid just before expiration")
	}
}

func TestApprovedWithoutApprovalDateIsInvalid(t *testing.T) {
	pa := &PriorAuthorization{Status: StatusApproved}
	if pa.ValidAt(now) {
		t.Error("approved status without approval date must be invalid")
	}
}
