package server

import (
	"time"

	"riskline/internal/baseline"
	"riskline/internal/domain"
	"riskline/internal/engine"
	"riskline/internal/matrix"
	"riskline/internal/waterfall"
)

// Request payloads

type CreateEntityRequest struct {
	ID                 *string    `json:"id,omitempty"`
	Kind               string     `json:"kind" enum:"risk,issue,opportunity"`
	Title              string     `json:"title,omitempty"`
	Description        *string    `json:"description,omitempty"`
	Category           *string    `json:"category,omitempty"`
	Owner              *string    `json:"owner,omitempty"`
	Status             *string    `json:"status,omitempty"`
	StatusReason       *string    `json:"status_reason,omitempty"`
	Likelihood         *int       `json:"likelihood,omitempty" doc:"Omitted for issues; fixed at 5"`
	Impact             *int       `json:"impact,omitempty"`
	DueDate            *time.Time `json:"due_date,omitempty"`
	OriginalLikelihood *int       `json:"original_likelihood,omitempty" doc:"Derived from version 1; any value is rejected"`
	OriginalImpact     *int       `json:"original_impact,omitempty" doc:"Derived from version 1; any value is rejected"`
}

type UpdateEntityRequest struct {
	Title              *string    `json:"title,omitempty"`
	Description        *string    `json:"description,omitempty"`
	Category           *string    `json:"category,omitempty"`
	Owner              *string    `json:"owner,omitempty"`
	Status             *string    `json:"status,omitempty"`
	Likelihood         *int       `json:"likelihood,omitempty"`
	Impact             *int       `json:"impact,omitempty"`
	DueDate            *time.Time `json:"due_date,omitempty"`
	ClearDueDate       bool       `json:"clear_due_date,omitempty"`
	LikelihoodReason   string     `json:"likelihood_reason,omitempty"`
	ImpactReason       string     `json:"impact_reason,omitempty"`
	StatusReason       string     `json:"status_reason,omitempty"`
	OriginalLikelihood *int       `json:"original_likelihood,omitempty"`
	OriginalImpact     *int       `json:"original_impact,omitempty"`
}

type CreateStepRequest struct {
	ID                 *string    `json:"id,omitempty"`
	Action             string     `json:"action,omitempty"`
	EstimatedStart     *time.Time `json:"estimated_start,omitempty"`
	EstimatedEnd       *time.Time `json:"estimated_end,omitempty"`
	ExpectedLikelihood *int       `json:"expected_likelihood,omitempty"`
	ExpectedImpact     *int       `json:"expected_impact,omitempty"`
}

type UpdateStepRequest struct {
	Action              *string    `json:"action,omitempty"`
	EstimatedStart      *time.Time `json:"estimated_start,omitempty"`
	EstimatedEnd        *time.Time `json:"estimated_end,omitempty"`
	ClearEstimatedStart bool       `json:"clear_estimated_start,omitempty"`
	ClearEstimatedEnd   bool       `json:"clear_estimated_end,omitempty"`
	ExpectedLikelihood  *int       `json:"expected_likelihood,omitempty"`
	ExpectedImpact      *int       `json:"expected_impact,omitempty"`
}

type CompleteStepRequest struct {
	ActualLikelihood *int       `json:"actual_likelihood,omitempty"`
	ActualImpact     *int       `json:"actual_impact,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

type ReorderStepsRequest struct {
	Order []string `json:"order"`
}

// Responses

type ScoreResponse struct {
	Likelihood int    `json:"likelihood"`
	Impact     int    `json:"impact"`
	Level      string `json:"level" enum:"low,moderate,high"`
	Rank       int    `json:"rank"`
	Color      string `json:"color"`
}

type EntityResponse struct {
	ID                 string         `json:"id"`
	Kind               string         `json:"kind"`
	Title              string         `json:"title"`
	Description        string         `json:"description,omitempty"`
	Category           string         `json:"category,omitempty"`
	Owner              string         `json:"owner,omitempty"`
	Status             string         `json:"status"`
	StatusReason       string         `json:"status_reason,omitempty"`
	Likelihood         int            `json:"likelihood"`
	Impact             int            `json:"impact"`
	OriginalLikelihood *int           `json:"original_likelihood,omitempty"`
	OriginalImpact     *int           `json:"original_impact,omitempty"`
	DueDate            *time.Time     `json:"due_date,omitempty"`
	Score              ScoreResponse  `json:"score"`
	OriginalScore      *ScoreResponse `json:"original_score,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

type StepResponse struct {
	ID                 string         `json:"id"`
	EntityID           string         `json:"entity_id"`
	Sequence           int            `json:"sequence"`
	Action             string         `json:"action"`
	EstimatedStart     *time.Time     `json:"estimated_start,omitempty"`
	EstimatedEnd       *time.Time     `json:"estimated_end,omitempty"`
	ExpectedLikelihood int            `json:"expected_likelihood"`
	ExpectedImpact     int            `json:"expected_impact"`
	ExpectedScore      ScoreResponse  `json:"expected_score"`
	ActualLikelihood   *int           `json:"actual_likelihood,omitempty"`
	ActualImpact       *int           `json:"actual_impact,omitempty"`
	ActualScore        *ScoreResponse `json:"actual_score,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

type VersionResponse struct {
	EntityID       string                `json:"entity_id"`
	Version        int                   `json:"version"`
	Snapshot       domain.Snapshot       `json:"snapshot"`
	Justifications domain.Justifications `json:"justifications"`
	Score          *ScoreResponse        `json:"score,omitempty"`
	ActorID        string                `json:"actor_id,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

type FieldChangeResponse struct {
	From any `json:"from"`
	To   any `json:"to"`
}

type AuditEntryResponse struct {
	ID             int64                          `json:"id"`
	EntityID       string                         `json:"entity_id"`
	TargetKind     string                         `json:"target_kind" enum:"entity,step"`
	TargetID       string                         `json:"target_id"`
	Action         string                         `json:"action" enum:"created,updated,deleted"`
	Changes        map[string]FieldChangeResponse `json:"changes,omitempty"`
	Justifications *domain.Justifications         `json:"justifications,omitempty"`
	Note           string                         `json:"note,omitempty"`
	ActorID        string                         `json:"actor_id,omitempty"`
	CreatedAt      time.Time                      `json:"created_at"`
}

type PointResponse struct {
	Date       time.Time `json:"date"`
	Rank       int       `json:"rank"`
	Level      string    `json:"level"`
	Likelihood int       `json:"likelihood"`
	Impact     int       `json:"impact"`
	Source     string    `json:"source" enum:"entity_update,step_completion,planned_step"`
	Version    int       `json:"version,omitempty"`
	StepID     string    `json:"step_id,omitempty"`
	IsOriginal bool      `json:"is_original"`
	Label      string    `json:"label,omitempty"`
}

type WaterfallResponse struct {
	EntityID string          `json:"entity_id"`
	Kind     string          `json:"kind"`
	Planned  []PointResponse `json:"planned"`
	Actual   []PointResponse `json:"actual"`
}

type BaselineResponse struct {
	EntityID   string        `json:"entity_id"`
	Likelihood int           `json:"likelihood"`
	Impact     int           `json:"impact"`
	Score      ScoreResponse `json:"score"`
}

type MatrixResponse struct {
	Cells []ScoreResponse `json:"cells"`
	Issue []ScoreResponse `json:"issue" doc:"Single-dimension scores with likelihood fixed at 5"`
}

type RepairResponse struct {
	Scanned  int      `json:"scanned"`
	Repaired int      `json:"repaired"`
	Skipped  int      `json:"skipped"`
	Failed   []string `json:"failed,omitempty" doc:"Entities skipped because version 1 is missing or unusable"`
}

type BackfillResponse struct {
	Entities int `json:"entities"`
	Steps    int `json:"steps"`
}

type listEntities struct {
	Items []EntityResponse `json:"items"`
}

type listSteps struct {
	Items []StepResponse `json:"items"`
}

type listVersions struct {
	Items []VersionResponse `json:"items"`
}

type listAudit struct {
	Items []AuditEntryResponse `json:"items"`
}

type listStepVersions struct {
	Items []domain.StepVersion `json:"items"`
}

func scoreResponse(s matrix.Score) ScoreResponse {
	return ScoreResponse{Likelihood: s.Likelihood, Impact: s.Impact, Level: s.Level.String(), Rank: s.Rank, Color: s.Level.Color()}
}

func scorePtr(s *matrix.Score) *ScoreResponse {
	if s == nil {
		return nil
	}
	r := scoreResponse(*s)
	return &r
}

func entityResponse(v engine.EntityView) EntityResponse {
	return EntityResponse{
		ID:                 v.ID,
		Kind:               string(v.Kind),
		Title:              v.Title,
		Description:        v.Description,
		Category:           v.Category,
		Owner:              v.Owner,
		Status:             v.Status,
		StatusReason:       v.StatusReason,
		Likelihood:         v.Likelihood,
		Impact:             v.Impact,
		OriginalLikelihood: v.OriginalLikelihood,
		OriginalImpact:     v.OriginalImpact,
		DueDate:            v.DueDate,
		Score:              scoreResponse(v.Score),
		OriginalScore:      scorePtr(v.OriginalScore),
		CreatedAt:          v.CreatedAt,
		UpdatedAt:          v.UpdatedAt,
	}
}

func mapEntities(items []engine.EntityView) []EntityResponse {
	out := make([]EntityResponse, 0, len(items))
	for _, v := range items {
		out = append(out, entityResponse(v))
	}
	return out
}

func stepResponse(v engine.StepView) StepResponse {
	return StepResponse{
		ID:                 v.ID,
		EntityID:           v.EntityID,
		Sequence:           v.Sequence,
		Action:             v.Action,
		EstimatedStart:     v.EstimatedStart,
		EstimatedEnd:       v.EstimatedEnd,
		ExpectedLikelihood: v.ExpectedLikelihood,
		ExpectedImpact:     v.ExpectedImpact,
		ExpectedScore:      scoreResponse(v.ExpectedScore),
		ActualLikelihood:   v.ActualLikelihood,
		ActualImpact:       v.ActualImpact,
		ActualScore:        scorePtr(v.ActualScore),
		CompletedAt:        v.CompletedAt,
		CreatedAt:          v.CreatedAt,
		UpdatedAt:          v.UpdatedAt,
	}
}

func mapSteps(items []engine.StepView) []StepResponse {
	out := make([]StepResponse, 0, len(items))
	for _, v := range items {
		out = append(out, stepResponse(v))
	}
	return out
}

func mapVersions(items []engine.VersionView) []VersionResponse {
	out := make([]VersionResponse, 0, len(items))
	for _, v := range items {
		out = append(out, VersionResponse{
			EntityID:       v.EntityID,
			Version:        v.Version.Version,
			Snapshot:       v.Snapshot,
			Justifications: v.Justifications,
			Score:          scorePtr(v.Score),
			ActorID:        v.ActorID,
			CreatedAt:      v.CreatedAt,
		})
	}
	return out
}

func mapAudit(items []domain.AuditEntry) []AuditEntryResponse {
	out := make([]AuditEntryResponse, 0, len(items))
	for _, e := range items {
		r := AuditEntryResponse{
			ID:         e.ID,
			EntityID:   e.EntityID,
			TargetKind: string(e.TargetKind),
			TargetID:   e.TargetID,
			Action:     string(e.Action),
			Note:       e.Note,
			ActorID:    e.ActorID,
			CreatedAt:  e.CreatedAt,
		}
		if len(e.Changes) > 0 {
			r.Changes = make(map[string]FieldChangeResponse, len(e.Changes))
			for k, c := range e.Changes {
				r.Changes[k] = FieldChangeResponse{From: c.From, To: c.To}
			}
		}
		if !e.Justifications.IsZero() {
			j := e.Justifications
			r.Justifications = &j
		}
		out = append(out, r)
	}
	return out
}

func mapPoints(points []waterfall.Point) []PointResponse {
	out := make([]PointResponse, 0, len(points))
	for _, p := range points {
		out = append(out, PointResponse{
			Date:       p.Date,
			Rank:       p.Rank,
			Level:      p.Level.String(),
			Likelihood: p.Likelihood,
			Impact:     p.Impact,
			Source:     string(p.Source),
			Version:    p.Version,
			StepID:     p.StepID,
			IsOriginal: p.IsOriginal,
			Label:      p.Label,
		})
	}
	return out
}

func waterfallResponse(w waterfall.Waterfall) WaterfallResponse {
	return WaterfallResponse{
		EntityID: w.EntityID,
		Kind:     string(w.Kind),
		Planned:  mapPoints(w.Planned),
		Actual:   mapPoints(w.Actual),
	}
}

func baselineResponse(o baseline.Original) BaselineResponse {
	return BaselineResponse{EntityID: o.EntityID, Likelihood: o.Likelihood, Impact: o.Impact, Score: scoreResponse(o.Score)}
}

func matrixResponse() MatrixResponse {
	var res MatrixResponse
	for _, c := range matrix.Grid() {
		res.Cells = append(res.Cells, scoreResponse(c.Score))
	}
	for b := matrix.MinValue; b <= matrix.MaxValue; b++ {
		res.Issue = append(res.Issue, scoreResponse(matrix.ClassifySingle(b)))
	}
	return res
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
