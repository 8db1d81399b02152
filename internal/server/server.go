package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"planloom/internal/engine"
	"planloom/internal/graph"
	"planloom/internal/invalidate"
	"planloom/internal/reward"
	"planloom/internal/schedule"
	"planloom/internal/store"
	"planloom/internal/truth"
)

// Config for the read-only reports API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"job WI-404 not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the reports API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Planloom Reports API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerGraph(group, cfg.Engine)
	registerPlan(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerGraph(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "graph",
		Method:      http.MethodGet,
		Path:        "/graph",
		Summary:     "Dependency graph",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body *graph.Graph `json:"body"`
	}, error) {
		g, err := graph.Builder{Repo: e.Store, Now: e.Now}.Build()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *graph.Graph `json:"body"`
		}{Body: g}, nil
	})
}

func registerPlan(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "plan",
		Method:      http.MethodGet,
		Path:        "/plan",
		Summary:     "Orchestration plan",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body *schedule.Report `json:"body"`
	}, error) {
		report, err := schedule.Planner{Repo: e.Store, Settings: e.Settings, Now: e.Now}.Plan()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *schedule.Report `json:"body"`
		}{Body: report}, nil
	})
}

// registerReports serves the last evaluator reports written to the outputs
// directory. Serving files keeps these endpoints read-only: the evaluators
// stamp job headers when they run, so the API never invokes them directly.
func registerReports(api huma.API, e engine.Engine) {
	root := e.Store.Root()
	endpoints := []struct {
		id, path, summary, file, hint string
	}{
		{"reward-report", "/reward", "Reward report", reward.ReportPath(root), "pl reward --all"},
		{"truth-report", "/truth", "Truth report", truth.ReportPath(root), "pl truth --all"},
		{"invalidation-report", "/invalidation", "Invalidation report", invalidate.ReportPath(root), "pl invalidate"},
	}
	for _, ep := range endpoints {
		ep := ep
		huma.Register(api, huma.Operation{
			OperationID: ep.id,
			Method:      http.MethodGet,
			Path:        ep.path,
			Summary:     ep.summary,
			Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
		}, func(ctx context.Context, _ *struct{}) (*struct {
			Body map[string]any `json:"body"`
		}, error) {
			data, err := os.ReadFile(ep.file)
			if err != nil {
				if os.IsNotExist(err) {
					return nil, newAPIError(http.StatusNotFound, "not_found",
						"report not generated; run "+ep.hint, nil)
				}
				return nil, handleError(err)
			}
			var body map[string]any
			if err := json.Unmarshal(data, &body); err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body map[string]any `json:"body"`
			}{Body: body}, nil
		})
	}
}

// JobResponse is the wire shape of one job record.
type JobResponse struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Status      string   `json:"status"`
	Iteration   int      `json:"iteration"`
	StartedAt   string   `json:"started_at,omitempty"`
	CompletedAt string   `json:"completed_at,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Outputs     []string `json:"outputs,omitempty"`
	Evidence    []string `json:"verification_evidence,omitempty"`
	UnmetDeps   []string `json:"unmet_dependencies,omitempty"`
	Progress    []string `json:"progress,omitempty"`
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Job detail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		job, err := e.Store.Job(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := JobResponse{
			ID:          job.ID(),
			Kind:        job.Kind(),
			Status:      job.Status(),
			Iteration:   job.Front.Int("iteration"),
			StartedAt:   job.Front.Str("started_at"),
			CompletedAt: job.Front.Str("completed_at"),
			DependsOn:   job.DependsOn(),
			Outputs:     job.Outputs(),
			Evidence:    job.Evidence(),
			UnmetDeps:   e.UnmetDependencies(job),
			Progress:    job.ProgressLines(),
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: resp}, nil
	})
}

// EventResponse is one audit event row.
type EventResponse struct {
	ID         int64          `json:"id"`
	Timestamp  string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events",
		Errors:      []int{http.StatusServiceUnavailable, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" default:"100"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if e.DB == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "workspace database not opened", nil)
		}
		limit := input.Limit
		if limit <= 0 || limit > 1000 {
			limit = 100
		}
		query := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json
			FROM events`
		args := []any{}
		if input.EntityID != "" {
			query += ` WHERE entity_id=?`
			args = append(args, input.EntityID)
		}
		query += ` ORDER BY id DESC LIMIT ?`
		args = append(args, limit)
		rows, err := e.DB.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, handleError(err)
		}
		defer rows.Close()
		out := []EventResponse{}
		for rows.Next() {
			var ev EventResponse
			var payload string
			if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Type, &ev.ProjectID, &ev.EntityKind, &ev.EntityID, &ev.ActorID, &payload); err != nil {
				return nil, handleError(err)
			}
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				ev.Payload = nil
			}
			out = append(out, ev)
		}
		if err := rows.Err(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}
