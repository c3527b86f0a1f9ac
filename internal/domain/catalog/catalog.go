// Package catalog holds the medication and pharmacy reference data.
package catalog

import (
	"strings"
	"time"
)

// Schedule is a DEA controlled-substance schedule.
type Schedule string

const (
	ScheduleI   Schedule = "I"
	ScheduleII  Schedule = "II"
	ScheduleIII Schedule = "III"
	ScheduleIV  Schedule = "IV"
	ScheduleV   Schedule = "V"
)

// Medication is one drug catalog entry.
type Medication struct {
	ID                string
	Name              string
	GenericName       string
	Strength          string
	DosageForm        string
	IsControlled      bool
	Schedule          Schedule
	RequiresPriorAuth bool
	NDCCode           string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Address is a structured pharmacy address.
type Address struct {
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
}

// Pharmacy is a dispensing location.
type Pharmacy struct {
	ID            string
	Name          string
	LicenseNumber string
	Address       Address
	IsActive      bool
}

// InteractionSeverity classifies a drug-drug interaction.
type InteractionSeverity string

const (
	SeverityContraindicated InteractionSeverity = "contraindicated"
	SeveritySevere          InteractionSeverity = "severe"
	SeverityModerate        InteractionSeverity = "moderate"
	SeverityMinor           InteractionSeverity = "minor"
)

// DrugInteraction is a reference row for an unordered drug pair.
type DrugInteraction struct {
	ID          string
	Drug1Name   string
	Drug2Name   string
	Severity    InteractionSeverity
	Description string
}

// PairKey returns a canonical key for the unordered, case-insensitive pair.
func PairKey(a, b string) string {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// Matches reports whether the interaction covers the given pair.
func (di *DrugInteraction) Matches(a, b string) bool {
	return PairKey(di.Drug1Name, di.Drug2Name) == PairKey(a, b)
}
