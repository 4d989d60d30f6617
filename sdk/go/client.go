package risklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal riskline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Score struct {
	Likelihood int    `json:"likelihood"`
	Impact     int    `json:"impact"`
	Level      string `json:"level"`
	Rank       int    `json:"rank"`
	Color      string `json:"color"`
}

// Entity is a risk, issue or opportunity with its derived scores.
type Entity struct {
	ID                 string     `json:"id"`
	Kind               string     `json:"kind"`
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
	Score              Score      `json:"score"`
	OriginalScore      *Score     `json:"original_score,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
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
	ExpectedScore      Score      `json:"expected_score"`
	ActualLikelihood   *int       `json:"actual_likelihood,omitempty"`
	ActualImpact       *int       `json:"actual_impact,omitempty"`
	ActualScore        *Score     `json:"actual_score,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

type Justifications struct {
	LikelihoodReason string `json:"likelihood_reason,omitempty"`
	ImpactReason     string `json:"impact_reason,omitempty"`
	StatusReason     string `json:"status_reason,omitempty"`
}

type Version struct {
	EntityID       string         `json:"entity_id"`
	Version        int            `json:"version"`
	Snapshot       map[string]any `json:"snapshot"`
	Justifications Justifications `json:"justifications"`
	Score          *Score         `json:"score,omitempty"`
	ActorID        string         `json:"actor_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

type AuditEntry struct {
	ID             int64                  `json:"id"`
	EntityID       string                 `json:"entity_id"`
	TargetKind     string                 `json:"target_kind"`
	TargetID       string                 `json:"target_id"`
	Action         string                 `json:"action"`
	Changes        map[string]FieldChange `json:"changes,omitempty"`
	Justifications *Justifications        `json:"justifications,omitempty"`
	Note           string                 `json:"note,omitempty"`
	ActorID        string                 `json:"actor_id,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

type Point struct {
	Date       time.Time `json:"date"`
	Rank       int       `json:"rank"`
	Level      string    `json:"level"`
	Likelihood int       `json:"likelihood"`
	Impact     int       `json:"impact"`
	Source     string    `json:"source"`
	Version    int       `json:"version,omitempty"`
	StepID     string    `json:"step_id,omitempty"`
	IsOriginal bool      `json:"is_original"`
	Label      string    `json:"label,omitempty"`
}

type Waterfall struct {
	EntityID string  `json:"entity_id"`
	Kind     string  `json:"kind"`
	Planned  []Point `json:"planned"`
	Actual   []Point `json:"actual"`
}

type Baseline struct {
	EntityID   string `json:"entity_id"`
	Likelihood int    `json:"likelihood"`
	Impact     int    `json:"impact"`
	Score      Score  `json:"score"`
}

type RepairReport struct {
	Scanned  int      `json:"scanned"`
	Repaired int      `json:"repaired"`
	Skipped  int      `json:"skipped"`
	Failed   []string `json:"failed,omitempty"`
}

type BackfillReport struct {
	Entities int `json:"entities"`
	Steps    int `json:"steps"`
}

// CreateEntity is the create payload. Likelihood is ignored for issues.
type CreateEntity struct {
	ID           string     `json:"id,omitempty"`
	Kind         string     `json:"kind"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Category     string     `json:"category,omitempty"`
	Owner        string     `json:"owner,omitempty"`
	Status       string     `json:"status,omitempty"`
	StatusReason string     `json:"status_reason,omitempty"`
	Likelihood   *int       `json:"likelihood,omitempty"`
	Impact       *int       `json:"impact,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
}

// UpdateEntity carries the fields to change. Changing likelihood, impact or
// entering a sensitive status needs the matching reason.
type UpdateEntity struct {
	Title            *string    `json:"title,omitempty"`
	Description      *string    `json:"description,omitempty"`
	Category         *string    `json:"category,omitempty"`
	Owner            *string    `json:"owner,omitempty"`
	Status           *string    `json:"status,omitempty"`
	Likelihood       *int       `json:"likelihood,omitempty"`
	Impact           *int       `json:"impact,omitempty"`
	DueDate          *time.Time `json:"due_date,omitempty"`
	ClearDueDate     bool       `json:"clear_due_date,omitempty"`
	LikelihoodReason string     `json:"likelihood_reason,omitempty"`
	ImpactReason     string     `json:"impact_reason,omitempty"`
	StatusReason     string     `json:"status_reason,omitempty"`
}

type AddStep struct {
	ID                 string     `json:"id,omitempty"`
	Action             string     `json:"action"`
	EstimatedStart     *time.Time `json:"estimated_start,omitempty"`
	EstimatedEnd       *time.Time `json:"estimated_end,omitempty"`
	ExpectedLikelihood *int       `json:"expected_likelihood,omitempty"`
	ExpectedImpact     *int       `json:"expected_impact,omitempty"`
}

type CompleteStep struct {
	ActualLikelihood *int       `json:"actual_likelihood,omitempty"`
	ActualImpact     *int       `json:"actual_impact,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// APIError wraps non-2xx responses. Code is the API error code such as
// not_found or immutable_field.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func (c *Client) CreateEntity(ctx context.Context, in CreateEntity) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodPost, "entities", in, &resp)
	return resp, err
}

// ListEntities lists entities, optionally filtered by kind.
func (c *Client) ListEntities(ctx context.Context, kind string) ([]Entity, error) {
	endpoint := "entities"
	if kind != "" {
		endpoint += "?kind=" + url.QueryEscape(kind)
	}
	var resp struct {
		Items []Entity `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) GetEntity(ctx context.Context, id string) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodGet, entityPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) UpdateEntity(ctx context.Context, id string, in UpdateEntity) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodPatch, entityPath(id, ""), in, &resp)
	return resp, err
}

func (c *Client) DeleteEntity(ctx context.Context, id, note string) error {
	endpoint := entityPath(id, "")
	if note != "" {
		endpoint += "?note=" + url.QueryEscape(note)
	}
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// History returns all versions, or with at set the version in force then.
func (c *Client) History(ctx context.Context, id string, at *time.Time) ([]Version, error) {
	endpoint := entityPath(id, "history")
	if at != nil {
		endpoint += "?at=" + url.QueryEscape(at.UTC().Format(time.RFC3339Nano))
	}
	var resp struct {
		Items []Version `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Baseline(ctx context.Context, id string) (Baseline, error) {
	var resp Baseline
	err := c.do(ctx, http.MethodGet, entityPath(id, "baseline"), nil, &resp)
	return resp, err
}

// AuditLog returns entries most recent first.
func (c *Client) AuditLog(ctx context.Context, id string) ([]AuditEntry, error) {
	var resp struct {
		Items []AuditEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, entityPath(id, "audit"), nil, &resp)
	return resp.Items, err
}

func (c *Client) Waterfall(ctx context.Context, id string) (Waterfall, error) {
	var resp Waterfall
	err := c.do(ctx, http.MethodGet, entityPath(id, "waterfall"), nil, &resp)
	return resp, err
}

func (c *Client) AddStep(ctx context.Context, entityID string, in AddStep) (Step, error) {
	var resp Step
	err := c.do(ctx, http.MethodPost, entityPath(entityID, "steps"), in, &resp)
	return resp, err
}

func (c *Client) ListSteps(ctx context.Context, entityID string) ([]Step, error) {
	var resp struct {
		Items []Step `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, entityPath(entityID, "steps"), nil, &resp)
	return resp.Items, err
}

func (c *Client) CompleteStep(ctx context.Context, stepID string, in CompleteStep) (Step, error) {
	var resp Step
	err := c.do(ctx, http.MethodPost, "steps/"+url.PathEscape(stepID)+"/complete", in, &resp)
	return resp, err
}

func (c *Client) DeleteStep(ctx context.Context, stepID string) error {
	return c.do(ctx, http.MethodDelete, "steps/"+url.PathEscape(stepID), nil, nil)
}

// ReorderSteps sets the sequence from order, which must name every step once.
func (c *Client) ReorderSteps(ctx context.Context, entityID string, order []string) ([]Step, error) {
	var resp struct {
		Items []Step `json:"items"`
	}
	err := c.do(ctx, http.MethodPut, entityPath(entityID, "steps/order"), map[string]any{"order": order}, &resp)
	return resp.Items, err
}

func (c *Client) RepairBaselines(ctx context.Context) (RepairReport, error) {
	var resp RepairReport
	err := c.do(ctx, http.MethodPost, "maintenance/repair-baselines", nil, &resp)
	return resp, err
}

func (c *Client) BackfillVersions(ctx context.Context) (BackfillReport, error) {
	var resp BackfillReport
	err := c.do(ctx, http.MethodPost, "maintenance/backfill-versions", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func entityPath(id, sub string) string {
	p := "entities/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base
}
