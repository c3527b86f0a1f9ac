// Package prescription models prescriptions and their line items, including
// the refill policy applied at dispensing time.
package prescription

import (
	"fmt"
	"time"
)

// Status represents prescription status. Transitions are monotonic: active is
// the only non-terminal state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool { return s != StatusActive }

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Prescription is a prescriber's order for a patient.
type Prescription struct {
	ID          string
	PatientID   string
	ProviderID  string
	EncounterID string
	Status      Status
	ValidFrom   time.Time
	ValidUntil  *time.Time
	Items       []*Item
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Transition moves the prescription to a terminal state. Terminal states are
// final; re-entry is an error.
func (p *Prescription) Transition(next Status) error {
	if !p.Status.CanTransition(next) {
		return fmt.Errorf("prescription %s: illegal transition %s -> %s", p.ID, p.Status, next)
	}
	p.Status = next
	return nil
}

// ActiveAt reports whether the prescription may be dispensed at the given
// instant: status active and within [ValidFrom, ValidUntil). A nil ValidUntil
// means unbounded.
func (p *Prescription) ActiveAt(at time.Time) bool {
	if p.Status != StatusActive {
		return false
	}
	if at.Before(p.ValidFrom) {
		return false
	}
	if p.ValidUntil != nil && !at.Before(*p.ValidUntil) {
		return false
	}
	return true
}

// Item returns the line item with the given id, or nil.
func (p *Prescription) Item(itemID string) *Item {
	for _, it := range p.Items {
		if it.ID == itemID {
			return it
		}
	}
	return nil
}

// Item is one line item of a prescription. RefillsUsed counts fills already
// dispensed; a fill is available while RefillsUsed < RefillsAllowed.
// Invariant: 0 <= RefillsUsed <= RefillsAllowed.
type Item struct {
	ID               string
	PrescriptionID   string
	MedicationName   string
	Dosage           string
	Frequency        string
	Quantity         int
	RefillsAllowed   int
	RefillsUsed      int
	IsGenericAllowed bool
	// Version supports optimistic concurrency on RefillsUsed updates.
	Version int
}

// RefillsRemaining returns how many fills are still available.
func (it *Item) RefillsRemaining() int {
	if it.RefillsUsed >= it.RefillsAllowed {
		return 0
	}
	return it.RefillsAllowed - it.RefillsUsed
}
