package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"riskline/internal/domain"
	"riskline/internal/engine"
	"riskline/internal/repo"
)

type entityPath struct {
	ID string `path:"id"`
}

func registerEntities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-entity",
		Method:        http.MethodPost,
		Path:          "/entities",
		Summary:       "Create a risk, issue or opportunity",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateEntityRequest `json:"body"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateEntityOptions{
			ID:                 stringOrEmpty(input.Body.ID),
			Kind:               input.Body.Kind,
			Title:              input.Body.Title,
			Description:        stringOrEmpty(input.Body.Description),
			Category:           stringOrEmpty(input.Body.Category),
			Owner:              stringOrEmpty(input.Body.Owner),
			Status:             stringOrEmpty(input.Body.Status),
			StatusReason:       stringOrEmpty(input.Body.StatusReason),
			Likelihood:         input.Body.Likelihood,
			Impact:             input.Body.Impact,
			DueDate:            input.Body.DueDate,
			OriginalLikelihood: input.Body.OriginalLikelihood,
			OriginalImpact:     input.Body.OriginalImpact,
			ActorID:            actorID,
		}
		v, err := e.CreateEntity(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entities",
		Method:      http.MethodGet,
		Path:        "/entities",
		Summary:     "List entities with current and baseline scores",
		Errors:      []int{http.StatusUnprocessableEntity, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Kind   string `query:"kind" enum:"risk,issue,opportunity"`
		Status string `query:"status"`
		Owner  string `query:"owner"`
		Limit  int    `query:"limit" default:"100"`
	}) (*struct {
		Body listEntities `json:"body"`
	}, error) {
		f := repo.EntityFilters{Status: input.Status, Owner: input.Owner, Limit: normalizeLimit(input.Limit)}
		if input.Kind != "" {
			k, err := domain.ParseKind(input.Kind)
			if err != nil {
				return nil, handleError(err)
			}
			f.Kind = k
		}
		items, err := e.ListEntities(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listEntities `json:"body"`
		}{Body: listEntities{Items: mapEntities(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/entities/{id}",
		Summary:     "Get entity",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *entityPath) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		v, err := e.GetEntity(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-entity",
		Method:      http.MethodPatch,
		Path:        "/entities/{id}",
		Summary:     "Update entity",
		Description: "Appends a version and an audit entry when anything changes. original_likelihood and original_impact are derived and rejected with immutable_field.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpdateEntityRequest `json:"body"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		v, err := e.UpdateEntity(ctx, engine.UpdateEntityOptions{
			ID:           input.ID,
			Title:        b.Title,
			Description:  b.Description,
			Category:     b.Category,
			Owner:        b.Owner,
			Status:       b.Status,
			Likelihood:   b.Likelihood,
			Impact:       b.Impact,
			DueDate:      b.DueDate,
			ClearDueDate: b.ClearDueDate,
			Justifications: domain.Justifications{
				LikelihoodReason: strings.TrimSpace(b.LikelihoodReason),
				ImpactReason:     strings.TrimSpace(b.ImpactReason),
				StatusReason:     strings.TrimSpace(b.StatusReason),
			},
			OriginalLikelihood: b.OriginalLikelihood,
			OriginalImpact:     b.OriginalImpact,
			ActorID:            actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-entity",
		Method:        http.MethodDelete,
		Path:          "/entities/{id}",
		Summary:       "Delete entity",
		Description:   "Removes the entity with its versions and steps. The audit log is kept.",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Note string `query:"note"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteEntity(ctx, input.ID, actorID, input.Note); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "entity-history",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/history",
		Summary:     "Version history",
		Description: "All versions ascending, or with at the single version in force at that time.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
		At string `query:"at" doc:"RFC3339 timestamp"`
	}) (*struct {
		Body listVersions `json:"body"`
	}, error) {
		var at *time.Time
		if input.At != "" {
			t, err := time.Parse(time.RFC3339Nano, input.At)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "at must be an RFC3339 timestamp", map[string]any{"field": "at", "reason": err.Error()})
			}
			at = &t
		}
		items, err := e.History(ctx, input.ID, at)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listVersions `json:"body"`
		}{Body: listVersions{Items: mapVersions(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "entity-baseline",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/baseline",
		Summary:     "Original assessment from version 1",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *entityPath) (*struct {
		Body BaselineResponse `json:"body"`
	}, error) {
		o, err := e.Baseline(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BaselineResponse `json:"body"`
		}{Body: baselineResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "entity-audit",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/audit",
		Summary:     "Audit log, most recent first",
		Description: "Entries remain readable after the entity is deleted.",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *entityPath) (*struct {
		Body listAudit `json:"body"`
	}, error) {
		items, err := e.AuditLog(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listAudit `json:"body"`
		}{Body: listAudit{Items: mapAudit(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "entity-waterfall",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/waterfall",
		Summary:     "Planned and actual score trajectories",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *entityPath) (*struct {
		Body WaterfallResponse `json:"body"`
	}, error) {
		w, err := e.Waterfall(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WaterfallResponse `json:"body"`
		}{Body: waterfallResponse(w)}, nil
	})
}
