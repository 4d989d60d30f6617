package audit

import (
	"time"

	"riskline/internal/domain"
)

type field struct {
	name  string
	value func() (before, after any)
}

// DiffEntity compares the audited entity fields. Derived rank and level, the
// baseline columns and timestamps are not audited.
func DiffEntity(before, after domain.Entity) map[string]domain.FieldChange {
	return diff([]field{
		{"title", func() (any, any) { return before.Title, after.Title }},
		{"description", func() (any, any) { return before.Description, after.Description }},
		{"category", func() (any, any) { return before.Category, after.Category }},
		{"owner", func() (any, any) { return before.Owner, after.Owner }},
		{"status", func() (any, any) { return before.Status, after.Status }},
		{"likelihood", func() (any, any) { return before.Likelihood, after.Likelihood }},
		{"impact", func() (any, any) { return before.Impact, after.Impact }},
		{"due_date", func() (any, any) { return normTime(before.DueDate), normTime(after.DueDate) }},
	})
}

// DiffStep compares the audited step fields. Sequence changes go through
// RecordReorder instead.
func DiffStep(before, after domain.Step) map[string]domain.FieldChange {
	return diff([]field{
		{"action", func() (any, any) { return before.Action, after.Action }},
		{"estimated_start", func() (any, any) { return normTime(before.EstimatedStart), normTime(after.EstimatedStart) }},
		{"estimated_end", func() (any, any) { return normTime(before.EstimatedEnd), normTime(after.EstimatedEnd) }},
		{"expected_likelihood", func() (any, any) { return before.ExpectedLikelihood, after.ExpectedLikelihood }},
		{"expected_impact", func() (any, any) { return before.ExpectedImpact, after.ExpectedImpact }},
		{"actual_likelihood", func() (any, any) { return normInt(before.ActualLikelihood), normInt(after.ActualLikelihood) }},
		{"actual_impact", func() (any, any) { return normInt(before.ActualImpact), normInt(after.ActualImpact) }},
		{"completed_at", func() (any, any) { return normTime(before.CompletedAt), normTime(after.CompletedAt) }},
	})
}

func diff(fields []field) map[string]domain.FieldChange {
	changes := map[string]domain.FieldChange{}
	for _, f := range fields {
		b, a := f.value()
		if b != a {
			changes[f.name] = domain.FieldChange{From: b, To: a}
		}
	}
	return changes
}

// normTime formats a date at storage precision, nil when unset.
func normTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return domain.FormatTime(*t)
}

func normInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
