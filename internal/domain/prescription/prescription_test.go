package prescription

import (
	"sync"
	"testing"
	"time"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func activeRx(items ...*Item) *Prescription {
	return &Prescription{
		ID:        "rx-1",
		PatientID: "pt-1",
		Status:    StatusActive,
		ValidFrom: now.AddDate(0, -1, 0),
		Items:     items,
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusCancelled, true},
		{StatusActive, StatusExpired, true},
		{StatusActive, StatusActive, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusActive, false},
		{StatusExpired, StatusCompleted, false},
	}

	for _, tt := range tests {
		p := &Prescription{ID: "rx-1", Status: tt.from}
		err := p.Transition(tt.to)
		if tt.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tt.from, tt.to, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%s -> %s: expected error", tt.from, tt.to)
		}
	}
}

func TestActiveAtWindow(t *testing.T) {
	until := now.AddDate(0, 6, 0)
	p := &Prescription{
		Status:     StatusActive,
		ValidFrom:  now,
		ValidUntil: &until,
	}

	if p.ActiveAt(now.Add(-time.Hour)) {
		t.Error("active before ValidFrom")
	}
	if !p.ActiveAt(now) {
		t.Error("inactive at ValidFrom; window start is inclusive")
	}
	if p.ActiveAt(until) {
		t.Error("active at ValidUntil; window end is exclusive")
	}
	if !p.ActiveAt(until.Add(-time.Second)) {
		t.Error("inactive just before ValidUntil")
	}

	p.ValidUntil = nil
	if !p.ActiveAt(now.AddDate(10, 0, 0)) {
		t.Error("nil ValidUntil should be unbounded")
	}
}

func TestRefillCheckAndReserve(t *testing.T) {
	item := &Item{ID: "it-1", RefillsAllowed: 2, RefillsUsed: 1}
	rx := activeRx(item)
	policy := NewRefillPolicy(nil)

	d := policy.CheckAndReserve(rx, item, now)
	if d.Outcome != RefillOK {
		t.Fatalf("outcome = %s, want ok", d.Outcome)
	}
	if d.Reservation.ExpectedUsed != 1 {
		t.Errorf("ExpectedUsed = %d, want 1", d.Reservation.ExpectedUsed)
	}

	// The hold counts against availability until settled.
	if d2 := policy.CheckAndReserve(rx, item, now); d2.Outcome != RefillExhausted {
		t.Errorf("second reserve outcome = %s, want exhausted", d2.Outcome)
	}

	d.Reservation.Release()
	if d3 := policy.CheckAndReserve(rx, item, now); d3.Outcome != RefillOK {
		t.Errorf("reserve after release outcome = %s, want ok", d3.Outcome)
	}
}

func TestRefillRejectsInactivePrescription(t *testing.T) {
	item := &Item{ID: "it-1", RefillsAllowed: 5}
	policy := NewRefillPolicy(nil)

	rx := activeRx(item)
	rx.Status = StatusCancelled
	if d := policy.CheckAndReserve(rx, item, now); d.Outcome != RefillPrescriptionInactive || d.Detail != "status" {
		t.Errorf("cancelled prescription: got %s/%s", d.Outcome, d.Detail)
	}

	until := now.Add(-time.Hour)
	rx = activeRx(item)
	rx.ValidUntil = &until
	if d := policy.CheckAndReserve(rx, item, now); d.Outcome != RefillPrescriptionInactive || d.Detail != "window" {
		t.Errorf("lapsed window: got %s/%s", d.Outcome, d.Detail)
	}
}

func TestRefillReleaseIdempotent(t *testing.T) {
	item := &Item{ID: "it-1", RefillsAllowed: 1}
	rx := activeRx(item)
	policy := NewRefillPolicy(nil)

	d := policy.CheckAndReserve(rx, item, now)
	d.Reservation.Release()
	d.Reservation.Release()
	d.Reservation.Commit()

	// A double release must not free a hold twice: exactly one fill is
	// available again.
	first := policy.CheckAndReserve(rx, item, now)
	if first.Outcome != RefillOK {
		t.Fatalf("expected fill available, got %s", first.Outcome)
	}
	second := policy.CheckAndReserve(rx, item, now)
	if second.Outcome != RefillExhausted {
		t.Errorf("expected exhausted, got %s", second.Outcome)
	}
}

// TestConcurrentRefillsNeverExceedAllowance races many requests at one item
// with a single remaining fill. Exactly one may win.
func TestConcurrentRefillsNeverExceedAllowance(t *testing.T) {
	item := &Item{ID: "it-1", RefillsAllowed: 3, RefillsUsed: 2}
	rx := activeRx(item)
	policy := NewRefillPolicy(nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := policy.CheckAndReserve(rx, item, now)
			if d.Outcome != RefillOK {
				return
			}
			mu.Lock()
			granted++
			mu.Unlock()
			d.Reservation.Commit()
		}()
	}
	wg.Wait()

	if granted != 1 {
		t.Errorf("granted %d fills for 1 remaining refill", granted)
	}
	if item.RefillsUsed > item.RefillsAllowed {
		t.Errorf("RefillsUsed %d exceeds RefillsAllowed %d", item.RefillsUsed, item.RefillsAllowed)
	}
}

func TestRefillsRemaining(t *testing.T) {
	if got := (&Item{RefillsAllowed: 3, RefillsUsed: 1}).RefillsRemaining(); got != 2 {
		t.Errorf("RefillsRemaining = %d, want 2", got)
	}
	if got := (&Item{RefillsAllowed: 2, RefillsUsed: 2}).RefillsRemaining(); got != 0 {
		t.Errorf("RefillsRemaining = %d, want 0", got)
	}
}
