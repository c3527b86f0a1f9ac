package inventory

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func days(n int) *time.Time {
	t := now.AddDate(0, 0, n)
	return &t
}

func newTestLedger(lots ...*Lot) *Ledger {
	g := NewLedger(nil)
	g.Load(lots)
	return g
}

func TestReserveDrawsFirstExpireFirst(t *testing.T) {
	g := newTestLedger(
		&Lot{ID: "late", PharmacyID: "ph1", MedicationID: "m1", LotNumber: "B", Quantity: 10, ExpirationDate: days(90), IsActive: true},
		&Lot{ID: "soon", PharmacyID: "ph1", MedicationID: "m1", LotNumber: "A", Quantity: 10, ExpirationDate: days(10), IsActive: true},
		&Lot{ID: "never", PharmacyID: "ph1", MedicationID: "m1", LotNumber: "C", Quantity: 10, IsActive: true},
	)

	res, err := g.Reserve("ph1", "m1", 5, now)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if len(res.Draws) != 1 {
		t.Fatalf("expected 1 draw, got %d", len(res.Draws))
	}
	if res.Draws[0].LotID != "soon" {
		t.Errorf("expected draw from soonest-expiring lot, got %s", res.Draws[0].LotID)
	}
}

func TestReserveSpansLots(t *testing.T) {
	g := newTestLedger(
		&Lot{ID: "l1", PharmacyID: "ph1", MedicationID: "m1", LotNumber: "A", Quantity: 5, ExpirationDate: days(10), IsActive: true},
		&Lot{ID: "l2", PharmacyID: "ph1", MedicationID: "m1", LotNumber: "B", Quantity: 5, ExpirationDate: days(20), IsActive: true},
	)

	res, err := g.Reserve("ph1", "m1", 7, now)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if len(res.Draws) != 2 {
		t.Fatalf("expected 2 draws, got %d", len(res.Draws))
	}
	if res.Draws[0].LotID != "l1" || res.Draws[0].Quantity != 5 {
		t.Errorf("first draw should empty lot l1: %+v", res.Draws[0])
	}
	if res.Draws[1].LotID != "l2" || res.Draws[1].Quantity != 2 {
		t.Errorf("second draw should take 2 from l2: %+v", res.Draws[1])
	}

	if _, err := g.Commit(res, now); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if got := g.TotalAvailable("ph1", "m1", now); got != 3 {
		t.Errorf("expected 3 remaining, got %d", got)
	}
}

func TestReserveSkipsExpiredAndInactive(t *testing.T) {
	g := newTestLedger(
		&Lot{ID: "expired", PharmacyID: "ph1", MedicationID: "m1", LotNumber: "A", Quantity: 50, ExpirationDate: days(-1), IsActive: true},
		&Lot{ID: "inactive", PharmacyID: "ph1", MedicationID: "m1", LotNumber: "B", Quantity: 50, ExpirationDate: days(30), IsActive: false},
		&Lot{ID: "good", PharmacyID: "ph1", MedicationID: "m1", LotNumber: "C", Quantity: 5, ExpirationDate: days(30), IsActive: true},
	)

	_, err := g.Reserve("ph1", "m1", 10, now)
	var insufficient *InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if insufficient.Available != 5 {
		t.Errorf("expected 5 available, got %d", insufficient.Available)
	}

	res, err := g.Reserve("ph1", "m1", 5, now)
	if err != nil {
		t.Fatalf("reserve within eligible stock failed: %v", err)
	}
	if res.Draws[0].LotID != "good" {
		t.Errorf("expected draw from eligible lot, got %s", res.Draws[0].LotID)
	}
}

func TestReserveHoldsBlockOtherReservations(t *testing.T) {
	g := newTestLedger(
		&Lot{ID: "l1", PharmacyID: "ph1", MedicationID: "m1", LotNumber: "A", Quantity: 10, IsActive: true},
	)

	first, err := g.Reserve("ph1", "m1", 8, now)
	if err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}

	if _, err := g.Reserve("ph1", "m1", 5, now); err == nil {
		t.Fatal("second reserve should fail while 8 units are held")
	}

	g.Release(first)

	if _, err := g.Reserve("ph1", "m1", 5, now); err != nil {
		t.Fatalf("reserve after release failed: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	g := newTestLedger(
		&Lot{ID: "l1", PharmacyID: "ph1", MedicationID: "m1", LotNumber: "A", Quantity: 10, IsActive: true},
	)

	res, err := g.Reserve("ph1", "m1", 4, now)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	g.Release(res)
	g.Release(res)
	g.Release(nil)

	if got := g.TotalAvailable("ph1", "m1", now); got != 10 {
		t.Errorf("double release corrupted availability: got %d, want 10", got)
	}
}

func TestCommitAfterReleaseIsRejected(t *testing.T) {
	g := newTestLedger(
		&Lot{ID: "l1", PharmacyID: "ph1", MedicationID: "m1", LotNumber: "A", Quantity: 10, IsActive: true},
	)

	res, _ := g.Reserve("ph1", "m1", 4, now)
	g.Release(res)

	if _, err := g.Commit(res, now); err == nil {
		t.Fatal("commit of released reservation should fail")
	}
	if got := g.TotalAvailable("ph1", "m1", now); got != 10 {
		t.Errorf("quantity changed by rejected commit: got %d, want 10", got)
	}
}

func TestCommitEmitsLowStockAlert(t *testing.T) {
	g := newTestLedger(
		&Lot{ID: "l1", PharmacyID: "ph1", MedicationID: "m1", LotNumber: "A", Quantity: 12, ReorderLevel: 10, IsActive: true},
	)

	res, _ := g.Reserve("ph1", "m1", 3, now)

	// Projection must agree with the eventual commit.
	projected := g.ProjectedLowStock(res, now)
	if projected == nil {
		t.Fatal("expected projected low stock alert")
	}
	if projected.CurrentQuantity != 9 {
		t.Errorf("projected quantity = %d, want 9", projected.CurrentQuantity)
	}

	alert, err := g.Commit(res, now)
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if alert == nil {
		t.Fatal("expected low stock alert")
	}
	if alert.CurrentQuantity != 9 || alert.ReorderLevel != 10 {
		t.Errorf("alert = %+v", alert)
	}
}

func TestNoAlertAboveReorderLevel(t *testing.T) {
	g := newTestLedger(
		&Lot{ID: "l1", PharmacyID: "ph1", MedicationID: "m1", LotNumber: "A", Quantity: 100, ReorderLevel: 10, IsActive: true},
	)

	res, _ := g.Reserve("ph1", "m1", 3, now)
	if got := g.ProjectedLowStock(res, now); got != nil {
		t.Errorf("unexpected projected alert: %+v", got)
	}
	alert, err := g.Commit(res, now)
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if alert != nil {
		t.Errorf("unexpected alert: %+v", alert)
	}
}

func TestRestockMergesByLotNumber(t *testing.T) {
	g := NewLedger(nil)

	first, err := g.Restock("ph1", "m1", "LOT-1", 20, days(60), 5)
	if err != nil {
		t.Fatalf("restock failed: %v", err)
	}

	merged, err := g.Restock("ph1", "m1", "LOT-1", 10, nil, 5)
	if err != nil {
		t.Fatalf("restock failed: %v", err)
	}
	if merged.ID != first.ID {
		t.Error("same lot number should merge into the existing lot")
	}
	if merged.Quantity != 30 {
		t.Errorf("merged quantity = %d, want 30", merged.Quantity)
	}

	other, err := g.Restock("ph1", "m1", "LOT-2", 5, days(30), 5)
	if err != nil {
		t.Fatalf("restock failed: %v", err)
	}
	if other.ID == first.ID {
		t.Error("new lot number should create a new lot")
	}
	if got := g.TotalAvailable("ph1", "m1", now); got != 35 {
		t.Errorf("total = %d, want 35", got)
	}
}

// TestConcurrentReservationsNeverOversell hammers one stock key and verifies
// the committed total never exceeds the starting quantity and no lot ever
// goes negative.
func TestConcurrentReservationsNeverOversell(t *testing.T) {
	const start = 100

	g := newTestLedger(
		&Lot{ID: "l1", PharmacyID: "ph1", MedicationID: "m1", LotNumber: "A", Quantity: start / 2, ExpirationDate: days(10), IsActive: true},
		&Lot{ID: "l2", PharmacyID: "ph1", MedicationID: "m1", LotNumber: "B", Quantity: start / 2, ExpirationDate: days(20), IsActive: true},
	)

	var wg sync.WaitGroup
	var mu sync.Mutex
	committed := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := g.Reserve("ph1", "m1", 3, now)
			if err != nil {
				return
			}
			// Odd workers abandon their hold.
			if n%2 == 1 {
				g.Release(res)
				return
			}
			if _, err := g.Commit(res, now); err != nil {
				t.Errorf("commit failed: %v", err)
				return
			}
			mu.Lock()
			committed += 3
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	remaining := g.TotalAvailable("ph1", "m1", now)
	if committed+remaining != start {
		t.Errorf("stock leak: committed %d + remaining %d != %d", committed, remaining, start)
	}
	for _, l := range g.Lots("ph1", "m1") {
		if l.Quantity < 0 {
			t.Errorf("lot %s went negative: %d", l.LotNumber, l.Quantity)
		}
		if l.Available() != l.Quantity {
			t.Errorf("lot %s has stranded holds: available %d, quantity %d", l.LotNumber, l.Available(), l.Quantity)
		}
	}
}
