package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"riskline/internal/domain"
	"riskline/internal/engine"
)

type stepPath struct {
	StepID string `path:"step_id"`
}

func registerSteps(api huma.API, e engine.Engine) {
	stepErrors := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
		http.StatusInternalServerError,
	}

	huma.Register(api, huma.Operation{
		OperationID:   "add-step",
		Method:        http.MethodPost,
		Path:          "/entities/{id}/steps",
		Summary:       "Append a mitigation, resolution or action plan step",
		DefaultStatus: http.StatusCreated,
		Errors:        stepErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CreateStepRequest `json:"body"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.AddStep(ctx, engine.AddStepOptions{
			ID:                 stringOrEmpty(input.Body.ID),
			EntityID:           input.ID,
			Action:             input.Body.Action,
			EstimatedStart:     input.Body.EstimatedStart,
			EstimatedEnd:       input.Body.EstimatedEnd,
			ExpectedLikelihood: input.Body.ExpectedLikelihood,
			ExpectedImpact:     input.Body.ExpectedImpact,
			ActorID:            actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: stepResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-steps",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/steps",
		Summary:     "List steps in sequence order",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *entityPath) (*struct {
		Body listSteps `json:"body"`
	}, error) {
		items, err := e.ListSteps(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listSteps `json:"body"`
		}{Body: listSteps{Items: mapSteps(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reorder-steps",
		Method:      http.MethodPut,
		Path:        "/entities/{id}/steps/order",
		Summary:     "Reorder steps",
		Description: "order must list every step id of the entity exactly once.",
		Errors:      stepErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body ReorderStepsRequest `json:"body"`
	}) (*struct {
		Body listSteps `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ReorderSteps(ctx, input.ID, input.Body.Order, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listSteps `json:"body"`
		}{Body: listSteps{Items: mapSteps(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-step",
		Method:      http.MethodPatch,
		Path:        "/steps/{step_id}",
		Summary:     "Edit a step's plan",
		Errors:      stepErrors,
	}, func(ctx context.Context, input *struct {
		StepID string            `path:"step_id"`
		Body   UpdateStepRequest `json:"body"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		v, err := e.UpdateStep(ctx, engine.UpdateStepOptions{
			StepID:              input.StepID,
			Action:              b.Action,
			EstimatedStart:      b.EstimatedStart,
			EstimatedEnd:        b.EstimatedEnd,
			ClearEstimatedStart: b.ClearEstimatedStart,
			ClearEstimatedEnd:   b.ClearEstimatedEnd,
			ExpectedLikelihood:  b.ExpectedLikelihood,
			ExpectedImpact:      b.ExpectedImpact,
			ActorID:             actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: stepResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-step",
		Method:      http.MethodPost,
		Path:        "/steps/{step_id}/complete",
		Summary:     "Record a step's actual outcome",
		Errors:      stepErrors,
	}, func(ctx context.Context, input *struct {
		StepID string              `path:"step_id"`
		Body   CompleteStepRequest `json:"body"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.CompleteStep(ctx, engine.CompleteStepOptions{
			StepID:           input.StepID,
			ActualLikelihood: input.Body.ActualLikelihood,
			ActualImpact:     input.Body.ActualImpact,
			CompletedAt:      input.Body.CompletedAt,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: stepResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-step",
		Method:        http.MethodDelete,
		Path:          "/steps/{step_id}",
		Summary:       "Delete a step",
		DefaultStatus: http.StatusNoContent,
		Errors:        stepErrors,
	}, func(ctx context.Context, input *stepPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteStep(ctx, input.StepID, actorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "step-history",
		Method:      http.MethodGet,
		Path:        "/steps/{step_id}/history",
		Summary:     "Step version history",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *stepPath) (*struct {
		Body listStepVersions `json:"body"`
	}, error) {
		items, err := e.StepHistory(ctx, input.StepID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.StepVersion{}
		}
		return &struct {
			Body listStepVersions `json:"body"`
		}{Body: listStepVersions{Items: items}}, nil
	})
}
