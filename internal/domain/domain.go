package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"riskline/internal/matrix"
)

// TimeLayout is fixed-width so stored timestamps sort lexicographically.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Kind is the tracked entity flavour. All three share one shape.
type Kind string

const (
	KindRisk        Kind = "risk"
	KindIssue       Kind = "issue"
	KindOpportunity Kind = "opportunity"
)

var Kinds = []Kind{KindRisk, KindIssue, KindOpportunity}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", s)}
	}
	return k, nil
}

func (k Kind) Valid() bool {
	return slices.Contains(Kinds, k)
}

// Dimensions is 1 for issues (likelihood pinned) and 2 otherwise.
func (k Kind) Dimensions() int {
	if k == KindIssue {
		return 1
	}
	return 2
}

// Classify scores (likelihood, impact) for this kind.
func (k Kind) Classify(likelihood, impact int) matrix.Score {
	if k == KindIssue {
		return matrix.ClassifySingle(impact)
	}
	return matrix.Classify(likelihood, impact)
}

func (k Kind) Statuses() []string {
	switch k {
	case KindRisk:
		return []string{"open", "mitigating", "accepted", "closed", "realized"}
	case KindIssue:
		return []string{"open", "resolving", "resolved", "closed"}
	case KindOpportunity:
		return []string{"pursue_now", "pursue_later", "defer", "reevaluate", "reject", "realized"}
	}
	return nil
}

func (k Kind) DefaultStatus() string {
	if s := k.Statuses(); len(s) > 0 {
		return s[0]
	}
	return ""
}

func (k Kind) HasStatus(status string) bool {
	return slices.Contains(k.Statuses(), status)
}

// JustifiedStatuses are the terminal or sensitive statuses that need a reason
// when entered, unless configuration overrides them.
func (k Kind) JustifiedStatuses() []string {
	switch k {
	case KindRisk:
		return []string{"accepted", "closed", "realized"}
	case KindIssue:
		return []string{"resolved", "closed"}
	case KindOpportunity:
		return []string{"defer", "reject", "realized"}
	}
	return nil
}

// StepNoun names the progress step flavour in user-facing text.
func (k Kind) StepNoun() string {
	switch k {
	case KindRisk:
		return "mitigation step"
	case KindIssue:
		return "resolution step"
	case KindOpportunity:
		return "action plan step"
	}
	return "step"
}

type Entity struct {
	ID                 string     `json:"id"`
	Kind               Kind       `json:"kind"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Category           string     `json:"category,omitempty"`
	Owner              string     `json:"owner,omitempty"`
	Status             string     `json:"status"`
	StatusReason       string     `json:"status_reason,omitempty"`
	Likelihood         int        `json:"likelihood"`
	Impact             int        `json:"impact"`
	OriginalLikelihood *int       `json:"original_likelihood,omitempty"`
	OriginalImpact     *int       `json:"original_impact,omitempty"`
	DueDate            *time.Time `json:"due_date,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Score is always recomputed from the current values.
func (e Entity) Score() matrix.Score {
	return e.Kind.Classify(e.Likelihood, e.Impact)
}

func (e Entity) Snapshot() Snapshot {
	l, i := e.Likelihood, e.Impact
	return Snapshot{
		Kind:         e.Kind,
		Title:        e.Title,
		Description:  e.Description,
		Category:     e.Category,
		Owner:        e.Owner,
		Status:       e.Status,
		StatusReason: e.StatusReason,
		Likelihood:   &l,
		Impact:       &i,
		DueDate:      e.DueDate,
	}
}

// Snapshot is the full entity state captured by one version. Dimensions are
// pointers so a malformed legacy snapshot is distinguishable from a real one.
type Snapshot struct {
	Kind         Kind       `json:"kind"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Category     string     `json:"category,omitempty"`
	Owner        string     `json:"owner,omitempty"`
	Status       string     `json:"status"`
	StatusReason string     `json:"status_reason,omitempty"`
	Likelihood   *int       `json:"likelihood,omitempty"`
	Impact       *int       `json:"impact,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
}

type Step struct {
	ID                 string     `json:"id"`
	EntityID           string     `json:"entity_id"`
	Sequence           int        `json:"sequence"`
	Action             string     `json:"action"`
	EstimatedStart     *time.Time `json:"estimated_start,omitempty"`
	EstimatedEnd       *time.Time `json:"estimated_end,omitempty"`
	ExpectedLikelihood int        `json:"expected_likelihood"`
	ExpectedImpact     int        `json:"expected_impact"`
	ActualLikelihood   *int       `json:"actual_likelihood,omitempty"`
	ActualImpact       *int       `json:"actual_impact,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Completed is true only when both actual values and the completion time are set.
func (s Step) Completed() bool {
	return s.ActualLikelihood != nil && s.ActualImpact != nil && s.CompletedAt != nil
}

// PlannedDate is the estimated end, falling back to the estimated start.
func (s Step) PlannedDate() *time.Time {
	if s.EstimatedEnd != nil {
		return s.EstimatedEnd
	}
	return s.EstimatedStart
}

func (s Step) Snapshot() StepSnapshot {
	return StepSnapshot{
		Sequence:           s.Sequence,
		Action:             s.Action,
		EstimatedStart:     s.EstimatedStart,
		EstimatedEnd:       s.EstimatedEnd,
		ExpectedLikelihood: s.ExpectedLikelihood,
		ExpectedImpact:     s.ExpectedImpact,
		ActualLikelihood:   s.ActualLikelihood,
		ActualImpact:       s.ActualImpact,
		CompletedAt:        s.CompletedAt,
	}
}

type StepSnapshot struct {
	Sequence           int        `json:"sequence"`
	Action             string     `json:"action"`
	EstimatedStart     *time.Time `json:"estimated_start,omitempty"`
	EstimatedEnd       *time.Time `json:"estimated_end,omitempty"`
	ExpectedLikelihood int        `json:"expected_likelihood"`
	ExpectedImpact     int        `json:"expected_impact"`
	ActualLikelihood   *int       `json:"actual_likelihood,omitempty"`
	ActualImpact       *int       `json:"actual_impact,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// Justifications are the free-text reasons stored next to a change.
type Justifications struct {
	LikelihoodReason string `json:"likelihood_reason,omitempty"`
	ImpactReason     string `json:"impact_reason,omitempty"`
	StatusReason     string `json:"status_reason,omitempty"`
}

func (j Justifications) IsZero() bool {
	return j.LikelihoodReason == "" && j.ImpactReason == "" && j.StatusReason == ""
}

type Version struct {
	ID             int64          `json:"-"`
	EntityID       string         `json:"entity_id"`
	Version        int            `json:"version"`
	Snapshot       Snapshot       `json:"snapshot"`
	Justifications Justifications `json:"justifications,omitzero"`
	ActorID        string         `json:"actor_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

type StepVersion struct {
	StepID    string       `json:"step_id"`
	EntityID  string       `json:"entity_id"`
	Version   int          `json:"version"`
	Snapshot  StepSnapshot `json:"snapshot"`
	ActorID   string       `json:"actor_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

type TargetKind string

const (
	TargetEntity TargetKind = "entity"
	TargetStep   TargetKind = "step"
)

type AuditAction string

const (
	ActionCreated AuditAction = "created"
	ActionUpdated AuditAction = "updated"
	ActionDeleted AuditAction = "deleted"
)

type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

type AuditEntry struct {
	ID             int64                  `json:"id"`
	EntityID       string                 `json:"entity_id"`
	TargetKind     TargetKind             `json:"target_kind"`
	TargetID       string                 `json:"target_id"`
	Action         AuditAction            `json:"action"`
	Changes        map[string]FieldChange `json:"changes,omitempty"`
	Justifications Justifications         `json:"justifications,omitzero"`
	Note           string                 `json:"note,omitempty"`
	ActorID        string                 `json:"actor_id,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}
