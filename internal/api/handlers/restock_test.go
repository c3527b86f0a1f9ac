package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rxsys/go-dispense/internal/domain/inventory"
)

type stubRestockStore struct {
	lots   []*inventory.Lot
	deltas []int
	err    error
}

func (s *stubRestockStore) Restock(_ context.Context, lot *inventory.Lot, quantity int) error {
	if s.err != nil {
		return s.err
	}
	s.lots = append(s.lots, lot)
	s.deltas = append(s.deltas, quantity)
	return nil
}

func postRestock(t *testing.T, h *InventoryHandler, req RestockRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/restock", bytes.NewReader(body)))
	return rec
}

// Restocking an existing lot must persist the received units, not the lot's
// merged total: the store's upsert is additive, so writing the total would
// double-count the stock already on the row and survive a restart as
// phantom inventory.
func TestRestockPersistsDeltaNotTotal(t *testing.T) {
	ledger := inventory.NewLedger(nil)
	exp := time.Now().UTC().AddDate(0, 6, 0)
	ledger.Load([]*inventory.Lot{{
		ID: "lot-1", PharmacyID: "ph1", MedicationID: "m1",
		LotNumber: "A", Quantity: 20, ExpirationDate: &exp, IsActive: true,
	}})

	store := &stubRestockStore{}
	h := NewInventoryHandler(ledger, store, nil)

	rec := postRestock(t, h, RestockRequest{
		PharmacyID: "ph1", MedicationID: "m1", LotNumber: "A", Quantity: 10,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	if len(store.deltas) != 1 || store.deltas[0] != 10 {
		t.Fatalf("persisted quantity = %v, want [10]", store.deltas)
	}
	if store.lots[0].Quantity != 30 {
		t.Errorf("merged lot quantity = %d, want 30", store.lots[0].Quantity)
	}
	if got := ledger.Lots("ph1", "m1")[0].Quantity; got != 30 {
		t.Errorf("ledger quantity = %d, want 30", got)
	}
}

func TestRestockNewLot(t *testing.T) {
	store := &stubRestockStore{}
	h := NewInventoryHandler(inventory.NewLedger(nil), store, nil)

	rec := postRestock(t, h, RestockRequest{
		PharmacyID: "ph1", MedicationID: "m1", LotNumber: "B", Quantity: 50,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	if len(store.deltas) != 1 || store.deltas[0] != 50 {
		t.Fatalf("persisted quantity = %v, want [50]", store.deltas)
	}
	if store.lots[0].Quantity != 50 {
		t.Errorf("new lot quantity = %d, want 50", store.lots[0].Quantity)
	}
}

func TestRestockRejectsBadRequest(t *testing.T) {
	store := &stubRestockStore{}
	h := NewInventoryHandler(inventory.NewLedger(nil), store, nil)

	rec := postRestock(t, h, RestockRequest{PharmacyID: "ph1", MedicationID: "m1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(store.deltas) != 0 {
		t.Error("invalid request reached the store")
	}
}
