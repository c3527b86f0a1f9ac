// Package inventory implements the per-pharmacy, per-medication, per-lot
// stock ledger. All stock movement goes through the ledger's reserve, commit,
// release and restock verbs; nothing else writes quantities.
package inventory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Lot is one batch of medication stock at a pharmacy. (PharmacyID,
// MedicationID, LotNumber) is the compound key; multiple lots of the same
// medication at the same pharmacy are distinct rows.
type Lot struct {
	ID             string
	PharmacyID     string
	MedicationID   string
	LotNumber      string
	Quantity       int
	ReorderLevel   int
	ExpirationDate *time.Time
	IsActive       bool

	// held counts units promised to uncommitted reservations.
	held int
}

// Available returns the units not yet promised to a reservation.
func (l *Lot) Available() int { return l.Quantity - l.held }

// usableAt reports whether the lot may satisfy a reservation at the given
// instant: active and not expired.
func (l *Lot) usableAt(at time.Time) bool {
	if !l.IsActive {
		return false
	}
	return l.ExpirationDate == nil || l.ExpirationDate.After(at)
}

// Draw is a quantity taken from one lot by a reservation.
type Draw struct {
	LotID     string
	LotNumber string
	Quantity  int
}

// Reservation is a provisional hold across one or more lots. It decrements
// nothing until Commit; Release discards it without effect.
type Reservation struct {
	ID           string
	PharmacyID   string
	MedicationID string
	Quantity     int
	Draws        []Draw

	ledger  *Ledger
	settled bool
}

// LowStockAlert is emitted after a commit drops the total usable quantity to
// or below the reorder level.
type LowStockAlert struct {
	PharmacyID      string `json:"pharmacy_id"`
	MedicationID    string `json:"medication_id"`
	CurrentQuantity int    `json:"current_quantity"`
	ReorderLevel    int    `json:"reorder_level"`
}

// InsufficientStockError reports that eligible lots cannot cover a request.
type InsufficientStockError struct {
	PharmacyID   string
	MedicationID string
	Requested    int
	Available    int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for medication %s at pharmacy %s: requested %d, available %d",
		e.MedicationID, e.PharmacyID, e.Requested, e.Available)
}

// stock is the arena of lots for one (pharmacy, medication) key. Its mutex is
// the serialization point for all reservations against that key.
type stock struct {
	mu   sync.Mutex
	lots []*Lot
}

// Ledger tracks lot-level stock and enforces the non-negative invariant.
// Safe for concurrent use: each (pharmacy, medication) key is guarded by its
// own lock, so reservations for different keys never contend.
type Ledger struct {
	mu     sync.RWMutex
	stocks map[string]*stock
	logger *zap.Logger
}

// NewLedger creates an empty ledger.
func NewLedger(logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		stocks: make(map[string]*stock),
		logger: logger,
	}
}

func stockKey(pharmacyID, medicationID string) string {
	return pharmacyID + "|" + medicationID
}

func (g *Ledger) stockFor(pharmacyID, medicationID string) *stock {
	key := stockKey(pharmacyID, medicationID)

	g.mu.RLock()
	s, ok := g.stocks[key]
	g.mu.RUnlock()
	if ok {
		return s
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok = g.stocks[key]; ok {
		return s
	}
	s = &stock{}
	g.stocks[key] = s
	return s
}

// Load seeds the ledger with lots, replacing any existing lots for the keys
// they belong to. Called at startup from the repository.
func (g *Ledger) Load(lots []*Lot) {
	byKey := make(map[string][]*Lot)
	for _, l := range lots {
		key := stockKey(l.PharmacyID, l.MedicationID)
		byKey[key] = append(byKey[key], l)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for key, ls := range byKey {
		g.stocks[key] = &stock{lots: ls}
	}
}

// Reserve places a provisional hold for quantity units, drawing across lots
// first-expire-first-out. Lots that are inactive or expired at the given
// instant are skipped. The hold is realized by Commit or discarded by
// Release; until then the promised units cannot be claimed by any other
// reservation.
func (g *Ledger) Reserve(pharmacyID, medicationID string, quantity int, at time.Time) (*Reservation, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("reserve: quantity must be positive, got %d", quantity)
	}

	s := g.stockFor(pharmacyID, medicationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := make([]*Lot, 0, len(s.lots))
	available := 0
	for _, l := range s.lots {
		if !l.usableAt(at) {
			continue
		}
		eligible = append(eligible, l)
		available += l.Available()
	}

	if available < quantity {
		return nil, &InsufficientStockError{
			PharmacyID:   pharmacyID,
			MedicationID: medicationID,
			Requested:    quantity,
			Available:    available,
		}
	}

	// FEFO: soonest expiration first; unexpiring lots last; lot number as a
	// stable tie-break.
	sort.SliceStable(eligible, func(i, j int) bool {
		ei, ej := eligible[i].ExpirationDate, eligible[j].ExpirationDate
		switch {
		case ei == nil && ej == nil:
			return eligible[i].LotNumber < eligible[j].LotNumber
		case ei == nil:
			return false
		case ej == nil:
			return true
		case ei.Equal(*ej):
			return eligible[i].LotNumber < eligible[j].LotNumber
		default:
			return ei.Before(*ej)
		}
	})

	res := &Reservation{
		ID:           uuid.New().String(),
		PharmacyID:   pharmacyID,
		MedicationID: medicationID,
		Quantity:     quantity,
		ledger:       g,
	}

	remaining := quantity
	for _, l := range eligible {
		if remaining == 0 {
			break
		}
		take := l.Available()
		if take > remaining {
			take = remaining
		}
		if take == 0 {
			continue
		}
		l.held += take
		remaining -= take
		res.Draws = append(res.Draws, Draw{LotID: l.ID, LotNumber: l.LotNumber, Quantity: take})
	}

	g.logger.Debug("stock reserved",
		zap.String("reservation_id", res.ID),
		zap.String("pharmacy_id", pharmacyID),
		zap.String("medication_id", medicationID),
		zap.Int("quantity", quantity),
		zap.Int("lots", len(res.Draws)))

	return res, nil
}

// Commit realizes a reservation: promised units are deducted from their lots.
// Returns a LowStockAlert when the remaining usable total is at or below the
// reorder level, nil otherwise. Committing an already-settled reservation is
// an error.
func (g *Ledger) Commit(res *Reservation, at time.Time) (*LowStockAlert, error) {
	s := g.stockFor(res.PharmacyID, res.MedicationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if res.settled {
		return nil, fmt.Errorf("commit: reservation %s already settled", res.ID)
	}
	res.settled = true

	byID := make(map[string]*Lot, len(s.lots))
	for _, l := range s.lots {
		byID[l.ID] = l
	}

	for _, d := range res.Draws {
		l, ok := byID[d.LotID]
		if !ok {
			return nil, fmt.Errorf("commit: lot %s missing from ledger", d.LotID)
		}
		l.held -= d.Quantity
		l.Quantity -= d.Quantity
	}

	total, reorder := s.usableTotal(at)
	if total <= reorder {
		g.logger.Info("low stock after commit",
			zap.String("pharmacy_id", res.PharmacyID),
			zap.String("medication_id", res.MedicationID),
			zap.Int("quantity", total),
			zap.Int("reorder_level", reorder))
		return &LowStockAlert{
			PharmacyID:      res.PharmacyID,
			MedicationID:    res.MedicationID,
			CurrentQuantity: total,
			ReorderLevel:    reorder,
		}, nil
	}
	return nil, nil
}

// ProjectedLowStock reports the LowStockAlert that committing the reservation
// would produce, without mutating anything. The orchestrator uses this to
// write the alert into the same outbox transaction as the stock decrement.
func (g *Ledger) ProjectedLowStock(res *Reservation, at time.Time) *LowStockAlert {
	s := g.stockFor(res.PharmacyID, res.MedicationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	total, reorder := s.usableTotal(at)
	total -= res.Quantity
	if total <= reorder {
		return &LowStockAlert{
			PharmacyID:      res.PharmacyID,
			MedicationID:    res.MedicationID,
			CurrentQuantity: total,
			ReorderLevel:    reorder,
		}
	}
	return nil
}

// Release discards a reservation's holds. Idempotent: releasing a settled
// reservation is a no-op, so the orchestrator can release unconditionally on
// any failure path.
func (g *Ledger) Release(res *Reservation) {
	if res == nil {
		return
	}

	s := g.stockFor(res.PharmacyID, res.MedicationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if res.settled {
		return
	}
	res.settled = true

	byID := make(map[string]*Lot, len(s.lots))
	for _, l := range s.lots {
		byID[l.ID] = l
	}
	for _, d := range res.Draws {
		if l, ok := byID[d.LotID]; ok {
			l.held -= d.Quantity
		}
	}

	g.logger.Debug("stock reservation released", zap.String("reservation_id", res.ID))
}

// Restock adds units to a lot, creating the lot if it does not exist.
func (g *Ledger) Restock(pharmacyID, medicationID, lotNumber string, quantity int, expirationDate *time.Time, reorderLevel int) (*Lot, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("restock: quantity must be positive, got %d", quantity)
	}

	s := g.stockFor(pharmacyID, medicationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.lots {
		if l.LotNumber == lotNumber {
			l.Quantity += quantity
			l.IsActive = true
			if expirationDate != nil {
				l.ExpirationDate = expirationDate
			}
			return l, nil
		}
	}

	l := &Lot{
		ID:             uuid.New().String(),
		PharmacyID:     pharmacyID,
		MedicationID:   medicationID,
		LotNumber:      lotNumber,
		Quantity:       quantity,
		ReorderLevel:   reorderLevel,
		ExpirationDate: expirationDate,
		IsActive:       true,
	}
	s.lots = append(s.lots, l)
	return l, nil
}

// TotalAvailable returns the usable, unpromised quantity for a key.
func (g *Ledger) TotalAvailable(pharmacyID, medicationID string, at time.Time) int {
	s := g.stockFor(pharmacyID, medicationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, l := range s.lots {
		if l.usableAt(at) {
			total += l.Available()
		}
	}
	return total
}

// Lots returns a snapshot copy of the lots for a key.
func (g *Ledger) Lots(pharmacyID, medicationID string) []*Lot {
	s := g.stockFor(pharmacyID, medicationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Lot, 0, len(s.lots))
	for _, l := range s.lots {
		cp := *l
		out = append(out, &cp)
	}
	return out
}

// usableTotal sums usable quantity and returns the highest reorder level
// among active lots. Callers hold s.mu.
func (s *stock) usableTotal(at time.Time) (total, reorder int) {
	for _, l := range s.lots {
		if l.usableAt(at) {
			total += l.Quantity
		}
		if l.IsActive && l.ReorderLevel > reorder {
			reorder = l.ReorderLevel
		}
	}
	return total, reorder
}
