// Package safety evaluates drug-drug interaction and allergy risk for a
// proposed dispensing. The checker is read-only: it never mutates clinical
// data and is safe for concurrent use.
package safety

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rxsys/go-dispense/internal/domain/catalog"
)

// Allergy is one patient allergy record. Maintained by a clinical-data
// collaborator; read-only here.
type Allergy struct {
	ID        string
	PatientID string
	Allergen  string
	Reaction  string
	Severity  string
	IsActive  bool
}

// IssueKind distinguishes interaction findings from allergy findings.
type IssueKind string

const (
	IssueInteraction IssueKind = "interaction"
	IssueAllergy     IssueKind = "allergy"
)

// Issue is one safety finding, blocking or advisory.
type Issue struct {
	Kind        IssueKind `json:"kind"`
	Medications []string  `json:"medications"`
	Allergen    string    `json:"allergen,omitempty"`
	Severity    string    `json:"severity"`
	Description string    `json:"description,omitempty"`
}

// Result is the outcome of a safety check.
type Result struct {
	BlockingIssues []Issue `json:"blocking_issues,omitempty"`
	Warnings       []Issue `json:"warnings,omitempty"`
}

// Blocked reports whether the result must stop the dispensing absent a
// clinical override.
func (r *Result) Blocked() bool { return len(r.BlockingIssues) > 0 }

// Policy decides which severities block. Jurisdictions differ, so the
// blocking set is configuration, not a constant.
type Policy struct {
	// BlockingSeverities are interaction severities treated as hard stops.
	BlockingSeverities map[catalog.InteractionSeverity]bool
	// AllergyAlwaysBlocks treats any active allergy match as a hard stop
	// regardless of the recorded allergy severity.
	AllergyAlwaysBlocks bool
}

// DefaultPolicy blocks on contraindicated and severe interactions and on any
// active allergy match.
func DefaultPolicy() Policy {
	return Policy{
		BlockingSeverities: map[catalog.InteractionSeverity]bool{
			catalog.SeverityContraindicated: true,
			catalog.SeveritySevere:          true,
		},
		AllergyAlwaysBlocks: true,
	}
}

// InteractionSource supplies interaction reference rows for a set of names.
type InteractionSource interface {
	InteractionsFor(ctx context.Context, names []string) ([]*catalog.DrugInteraction, error)
}

// AllergySource supplies the active allergies for a patient.
type AllergySource interface {
	ActiveAllergies(ctx context.Context, patientID string) ([]*Allergy, error)
}

// Checker evaluates interaction and allergy risk.
type Checker struct {
	interactions InteractionSource
	allergies    AllergySource
	policy       Policy
	logger       *zap.Logger
	tracer       trace.Tracer
}

// NewChecker creates a safety checker.
func NewChecker(interactions InteractionSource, allergies AllergySource, policy Policy, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		interactions: interactions,
		allergies:    allergies,
		policy:       policy,
		logger:       logger,
		tracer:       otel.Tracer("safety-checker"),
	}
}

// Check evaluates the candidate medications against the patient's current
// medications and active allergies. Candidate names and current names are
// matched case-insensitively; every unordered pair across the union is looked
// up in the interaction table.
func (c *Checker) Check(ctx context.Context, patientID string, candidates, current []string) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "safety_check",
		trace.WithAttributes(
			attribute.String("patient_id", patientID),
			attribute.Int("candidate_count", len(candidates)),
			attribute.Int("current_count", len(current)),
		))
	defer span.End()

	result := &Result{}

	union := dedupe(append(append([]string{}, candidates...), current...))

	rows, err := c.interactions.InteractionsFor(ctx, union)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	byPair := make(map[string]*catalog.DrugInteraction, len(rows))
	for _, row := range rows {
		byPair[catalog.PairKey(row.Drug1Name, row.Drug2Name)] = row
	}

	for i := 0; i < len(union); i++ {
		for j := i + 1; j < len(union); j++ {
			row, ok := byPair[catalog.PairKey(union[i], union[j])]
			if !ok {
				continue
			}
			issue := Issue{
				Kind:        IssueInteraction,
				Medications: []string{row.Drug1Name, row.Drug2Name},
				Severity:    string(row.Severity),
				Description: row.Description,
			}
			if c.policy.BlockingSeverities[row.Severity] {
				result.BlockingIssues = append(result.BlockingIssues, issue)
			} else {
				result.Warnings = append(result.Warnings, issue)
			}
		}
	}

	active, err := c.allergies.ActiveAllergies(ctx, patientID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for _, allergy := range active {
		if !allergy.IsActive {
			continue
		}
		for _, name := range candidates {
			severity, hit := c.allergyHit(ctx, allergy, name)
			if !hit {
				continue
			}
			issue := Issue{
				Kind:        IssueAllergy,
				Medications: []string{name},
				Allergen:    allergy.Allergen,
				Severity:    severity,
				Description: allergy.Reaction,
			}
			if c.policy.AllergyAlwaysBlocks || c.policy.BlockingSeverities[catalog.InteractionSeverity(severity)] {
				result.BlockingIssues = append(result.BlockingIssues, issue)
			} else {
				result.Warnings = append(result.Warnings, issue)
			}
		}
	}

	span.SetAttributes(
		attribute.Int("blocking_issues", len(result.BlockingIssues)),
		attribute.Int("warnings", len(result.Warnings)),
	)

	if result.Blocked() {
		c.logger.Warn("safety check blocked",
			zap.String("patient_id", patientID),
			zap.Int("blocking_issues", len(result.BlockingIssues)))
	}

	return result, nil
}

// allergyHit decides whether an allergy applies to a candidate medication.
// Direct name match uses the substring-or-exact policy. When the names do not
// match directly, the interaction reference table is consulted for class
// cross-sensitivity: an allergen recorded as a drug class ("penicillin")
// applies to any medication the table links to that class.
func (c *Checker) allergyHit(ctx context.Context, allergy *Allergy, medication string) (string, bool) {
	if allergenMatches(allergy.Allergen, medication) {
		return allergy.Severity, true
	}

	rows, err := c.interactions.InteractionsFor(ctx, []string{medication})
	if err != nil {
		c.logger.Warn("cross-sensitivity lookup failed", zap.Error(err))
		return "", false
	}
	for _, row := range rows {
		other := row.Drug2Name
		if !strings.EqualFold(row.Drug1Name, medication) {
			other = row.Drug1Name
		}
		if allergenMatches(allergy.Allergen, other) {
			return string(row.Severity), true
		}
	}
	return "", false
}

// allergenMatches applies the substring-or-exact policy: the allergen matches
// a medication when either contains the other, case-insensitively. This
// catches class allergens ("penicillin") against class members recorded with
// longer names.
func allergenMatches(allergen, medication string) bool {
	a := strings.ToLower(strings.TrimSpace(allergen))
	m := strings.ToLower(strings.TrimSpace(medication))
	if a == "" || m == "" {
		return false
	}
	return a == m || strings.Contains(m, a) || strings.Contains(a, m)
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, n)
	}
	return out
}
