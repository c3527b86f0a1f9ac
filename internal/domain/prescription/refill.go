package prescription

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// RefillOutcome tags a refill decision.
type RefillOutcome string

const (
	RefillOK                   RefillOutcome = "ok"
	RefillPrescriptionInactive RefillOutcome = "prescription_not_active"
	RefillExhausted            RefillOutcome = "refills_exhausted"
)

// RefillDecision is the result of CheckAndReserve.
type RefillDecision struct {
	Outcome     RefillOutcome
	Reservation *RefillReservation
	// Detail carries why the prescription was inactive ("status" or "window").
	Detail string
	// Used and Allowed snapshot the item's counters at decision time.
	Used    int
	Allowed int
}

// RefillReservation is a logical hold on one fill of an item. Commit
// increments the item's in-memory counter under the policy lock; Release
// discards the hold. The expected counters let the repository perform an
// optimistic UPDATE guarded by the version the decision was made against.
type RefillReservation struct {
	ItemID          string
	ExpectedUsed    int
	ExpectedVersion int

	item    *Item
	policy  *RefillPolicy
	settled bool
}

// RefillPolicy validates refill availability and serializes concurrent fills
// of the same item. Pending holds are tracked per item so two in-flight
// requests cannot both claim the last refill.
type RefillPolicy struct {
	mu      sync.Mutex
	pending map[string]int // item id -> holds not yet committed/released
	logger  *zap.Logger
}

// NewRefillPolicy creates a refill policy.
func NewRefillPolicy(logger *zap.Logger) *RefillPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefillPolicy{
		pending: make(map[string]int),
		logger:  logger,
	}
}

// CheckAndReserve validates that the prescription is active at the given time
// and that the item has a fill available, counting holds already pending for
// the item. On success it returns a reservation representing
// "RefillsUsed + 1, pending commit"; the item itself is not mutated.
func (p *RefillPolicy) CheckAndReserve(rx *Prescription, item *Item, at time.Time) *RefillDecision {
	if rx.Status != StatusActive {
		return &RefillDecision{Outcome: RefillPrescriptionInactive, Detail: "status"}
	}
	if !rx.ActiveAt(at) {
		return &RefillDecision{Outcome: RefillPrescriptionInactive, Detail: "window"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	held := p.pending[item.ID]
	if item.RefillsUsed+held >= item.RefillsAllowed {
		return &RefillDecision{Outcome: RefillExhausted, Used: item.RefillsUsed, Allowed: item.RefillsAllowed}
	}

	p.pending[item.ID]++

	return &RefillDecision{
		Outcome: RefillOK,
		Reservation: &RefillReservation{
			ItemID:          item.ID,
			ExpectedUsed:    item.RefillsUsed + held,
			ExpectedVersion: item.Version,
			item:            item,
			policy:          p,
		},
	}
}

// Commit consumes the hold after the persistence transaction succeeded and
// advances the item's RefillsUsed. No-op if the reservation was released.
func (r *RefillReservation) Commit() {
	r.settle(true)
}

// Release discards the hold. Safe to call more than once and after Commit.
func (r *RefillReservation) Release() {
	r.settle(false)
}

func (r *RefillReservation) settle(commit bool) {
	if r == nil || r.policy == nil {
		return
	}
	p := r.policy
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.settled {
		return
	}
	r.settled = true
	if commit {
		r.item.RefillsUsed++
		r.item.Version++
	}
	if p.pending[r.ItemID] > 0 {
		p.pending[r.ItemID]--
	}
	if p.pending[r.ItemID] == 0 {
		delete(p.pending, r.ItemID)
	}
}
