package waterfall

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"riskline/internal/config"
	"riskline/internal/domain"
	"riskline/internal/matrix"
	"riskline/internal/repo"
	"riskline/internal/versions"
)

type Source string

const (
	SourceEntityUpdate   Source = "entity_update"
	SourceStepCompletion Source = "step_completion"
	SourcePlannedStep    Source = "planned_step"
)

// Point is one raw sample. Consumers forward-fill between points.
type Point struct {
	Date       time.Time    `json:"date"`
	Rank       int          `json:"rank"`
	Level      matrix.Level `json:"level"`
	Likelihood int          `json:"likelihood"`
	Impact     int          `json:"impact"`
	Source     Source       `json:"source"`
	Version    int          `json:"version,omitempty"`
	StepID     string       `json:"step_id,omitempty"`
	IsOriginal bool         `json:"is_original"`
	Label      string       `json:"label,omitempty"`

	order int
}

type Waterfall struct {
	EntityID string      `json:"entity_id"`
	Kind     domain.Kind `json:"kind"`
	Planned  []Point     `json:"planned"`
	Actual   []Point     `json:"actual"`
}

// Build merges the version log and the steps into the two series. Versions
// whose snapshot lacks a dimension cannot be scored and are left out.
func Build(kind domain.Kind, vs []domain.Version, steps []domain.Step, tieBreak string) Waterfall {
	w := Waterfall{Kind: kind, Planned: []Point{}, Actual: []Point{}}
	for _, v := range vs {
		if w.EntityID == "" {
			w.EntityID = v.EntityID
		}
		if v.Snapshot.Likelihood == nil || v.Snapshot.Impact == nil {
			continue
		}
		w.Actual = append(w.Actual, newPoint(kind, *v.Snapshot.Likelihood, *v.Snapshot.Impact, Point{
			Date:       v.CreatedAt,
			Source:     SourceEntityUpdate,
			Version:    v.Version,
			IsOriginal: v.Version == 1,
			Label:      fmt.Sprintf("v%d", v.Version),
			order:      v.Version,
		}))
	}
	for _, s := range steps {
		if w.EntityID == "" {
			w.EntityID = s.EntityID
		}
		if s.Completed() {
			w.Actual = append(w.Actual, newPoint(kind, *s.ActualLikelihood, *s.ActualImpact, Point{
				Date:   *s.CompletedAt,
				Source: SourceStepCompletion,
				StepID: s.ID,
				Label:  s.Action,
				order:  s.Sequence,
			}))
		}
		if d := s.PlannedDate(); d != nil {
			w.Planned = append(w.Planned, newPoint(kind, s.ExpectedLikelihood, s.ExpectedImpact, Point{
				Date:   *d,
				Source: SourcePlannedStep,
				StepID: s.ID,
				Label:  s.Action,
				order:  s.Sequence,
			}))
		}
	}
	sortPoints(w.Actual, tieBreak)
	sortPoints(w.Planned, tieBreak)
	return w
}

func newPoint(kind domain.Kind, likelihood, impact int, p Point) Point {
	sc := kind.Classify(likelihood, impact)
	p.Date = p.Date.UTC()
	p.Rank = sc.Rank
	p.Level = sc.Level
	p.Likelihood = sc.Likelihood
	p.Impact = sc.Impact
	return p
}

// sortPoints orders by date. On equal dates the source named last by the
// tie-break sorts last, so a forward-filling consumer shows its value.
func sortPoints(points []Point, tieBreak string) {
	rank := func(s Source) int {
		switch {
		case s == SourceStepCompletion && tieBreak != config.TieBreakEntityLast:
			return 1
		case s == SourceEntityUpdate && tieBreak == config.TieBreakEntityLast:
			return 1
		}
		return 0
	}
	sort.SliceStable(points, func(i, j int) bool {
		a, b := points[i], points[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if ra, rb := rank(a.Source), rank(b.Source); ra != rb {
			return ra < rb
		}
		return a.order < b.order
	})
}

// Service loads the inputs for Build. Concurrent requests for the same entity
// share one load.
type Service struct {
	Repo     repo.Repo
	Versions versions.Store
	TieBreak string

	group singleflight.Group
}

// Waterfall returns the entity's waterfall. A shared load outlives any single
// caller: each caller stops waiting when its own ctx is done.
func (s *Service) Waterfall(ctx context.Context, entityID string) (Waterfall, error) {
	ch := s.group.DoChan(entityID, func() (any, error) {
		return s.load(context.WithoutCancel(ctx), entityID)
	})
	select {
	case <-ctx.Done():
		return Waterfall{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Waterfall{}, res.Err
		}
		return res.Val.(Waterfall), nil
	}
}

// Invalidate drops any in-flight load for the entity so callers arriving
// after a committed write start a fresh one.
func (s *Service) Invalidate(entityID string) {
	s.group.Forget(entityID)
}

func (s *Service) load(ctx context.Context, entityID string) (Waterfall, error) {
	e, err := s.Repo.GetEntity(ctx, entityID)
	if err != nil {
		return Waterfall{}, err
	}
	vs, err := s.Versions.List(ctx, s.Repo.DB, entityID)
	if err != nil {
		return Waterfall{}, err
	}
	steps, err := s.Repo.ListSteps(ctx, entityID)
	if err != nil {
		return Waterfall{}, err
	}
	w := Build(e.Kind, vs, steps, s.TieBreak)
	w.EntityID = e.ID
	return w, nil
}
