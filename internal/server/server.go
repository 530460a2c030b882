// Package server exposes the task lifecycle engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"fieldwork/internal/domain"
	"fieldwork/internal/engine"
	"fieldwork/internal/oracle"
	"fieldwork/internal/repo"
	"fieldwork/internal/scoring"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Scoring  scoring.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"precondition_failed"`
	Message string         `json:"message" example:"worker is outside the task geofence"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Fieldwork API.
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
	hcfg := huma.DefaultConfig("Fieldwork API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerVoting(group, cfg.Engine)
	registerWorkers(group, cfg.Engine, cfg.Scoring)
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var conflict *engine.ConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"issue_id": conflict.IssueID})
	}
	var precondition *engine.PreconditionError
	if errors.As(err, &precondition) {
		return newAPIError(http.StatusPreconditionFailed, "precondition_failed", err.Error(), map[string]any{
			"distance_meters": precondition.DistanceMeters,
			"radius_meters":   precondition.RadiusMeters,
		})
	}
	var initiated *engine.AlreadyInitiatedError
	if errors.As(err, &initiated) {
		return newAPIError(http.StatusConflict, "voting_already_initiated", err.Error(), nil)
	}
	var dup *engine.DuplicateVoteError
	if errors.As(err, &dup) {
		return newAPIError(http.StatusConflict, "duplicate_vote", err.Error(), nil)
	}
	var transition *engine.TransitionError
	if errors.As(err, &transition) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"from": string(transition.From),
			"to":   string(transition.To),
		})
	}
	if errors.Is(err, engine.ErrClockSkew) {
		return newAPIError(http.StatusUnprocessableEntity, "clock_skew", err.Error(), nil)
	}
	var unavailable *oracle.UnavailableError
	if errors.As(err, &unavailable) {
		return newAPIError(http.StatusServiceUnavailable, "verification_unavailable", err.Error(), map[string]any{"retryable": true})
	}
	var protocol *oracle.ProtocolError
	if errors.As(err, &protocol) {
		return newAPIError(http.StatusBadGateway, "verification_protocol_error", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "voting not open"),
		strings.Contains(lowered, "requires a verified completion"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
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
	case http.StatusConflict:
		return "conflict"
	case http.StatusPreconditionFailed:
		return "precondition_failed"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
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

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Assign an issue to a field worker",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ActorID string            `header:"X-Actor-Id"`
		Body    CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if input.Body.IssueID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "issue_id is required", nil)
		}
		if input.Body.WorkerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "worker_id is required", nil)
		}
		opts := engine.TaskCreateOptions{
			IssueID:  input.Body.IssueID,
			WorkerID: input.Body.WorkerID,
			ActorID:  input.ActorID,
		}
		if input.Body.DepartmentID != nil {
			opts.DepartmentID = *input.Body.DepartmentID
		}
		task, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get a task with its issue",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskDetailResponse `json:"body"`
	}, error) {
		task, issue, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskDetailResponse `json:"body"`
		}{Body: TaskDetailResponse{Task: taskResponse(task), Issue: issue}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-geofence-entry",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}/start",
		Summary:     "Verify worker presence at the issue location",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string          `path:"task_id"`
		Body   LocationRequest `json:"body"`
	}) (*struct {
		Body GeofenceResponse `json:"body"`
	}, error) {
		check, err := e.VerifyGeofenceEntry(ctx, input.TaskID, input.Body.Latitude, input.Body.Longitude)
		if err != nil {
			return nil, handleError(err)
		}
		task, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GeofenceResponse `json:"body"`
		}{Body: GeofenceResponse{Check: check, Task: taskResponse(task)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-completion",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}/submit",
		Summary:     "Submit completion evidence for verification",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusPreconditionFailed,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   SubmissionRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if input.Body.BeforePhotoURL == "" || input.Body.AfterPhotoURL == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "before_photo_url and after_photo_url are required", nil)
		}
		task, err := e.SubmitCompletion(ctx, engine.SubmissionOptions{
			TaskID:         input.TaskID,
			BeforePhotoURL: input.Body.BeforePhotoURL,
			AfterPhotoURL:  input.Body.AfterPhotoURL,
			Lat:            input.Body.Latitude,
			Lon:            input.Body.Longitude,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task)}, nil
	})
}

func registerVoting(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "initiate-voting",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/voting",
		Summary:     "Ask nearby citizens to confirm a verified fix",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body VotingResponse `json:"body"`
	}, error) {
		notified, err := e.InitiateCommunityVoting(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VotingResponse `json:"body"`
		}{Body: VotingResponse{TaskID: input.TaskID, CitizensNotified: notified}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-vote",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/vote",
		Summary:     "Record a citizen vote on a verified task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string      `path:"task_id"`
		Body   VoteRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if input.Body.CitizenID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "citizen_id is required", nil)
		}
		task, err := e.RecordVote(ctx, engine.VoteOptions{
			TaskID:    input.TaskID,
			CitizenID: input.Body.CitizenID,
			Vote:      domain.VoteKind(input.Body.Vote),
			Comment:   input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task)}, nil
	})
}

func registerWorkers(api huma.API, e engine.Engine, s scoring.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-worker-tasks",
		Method:      http.MethodGet,
		Path:        "/workers/{worker_id}/tasks",
		Summary:     "List a worker's tasks",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkerID string `path:"worker_id"`
		Status   string `query:"status" enum:"ASSIGNED,STARTED,SUBMITTED,VERIFIED,REJECTED" required:"false"`
	}) (*struct {
		Body WorkerTaskListResponse `json:"body"`
	}, error) {
		tasks, err := e.GetWorkerTasks(ctx, input.WorkerID, domain.TaskStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]WorkerTaskResponse, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, workerTaskResponse(t))
		}
		return &struct {
			Body WorkerTaskListResponse `json:"body"`
		}{Body: WorkerTaskListResponse{Tasks: out}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "compute-worker-score",
		Method:      http.MethodPost,
		Path:        "/workers/{worker_id}/score",
		Summary:     "Compute a worker's monthly performance score",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkerID string       `path:"worker_id"`
		Body     ScoreRequest `json:"body" required:"false"`
	}) (*struct {
		Body ScoreResponse `json:"body"`
	}, error) {
		report, err := s.ComputeScore(ctx, input.WorkerID, input.Body.MonthYear)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScoreResponse `json:"body"`
		}{Body: scoreResponse(report)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-worker-score",
		Method:      http.MethodGet,
		Path:        "/workers/{worker_id}/score",
		Summary:     "Get a worker's stored monthly performance row",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkerID string `path:"worker_id"`
		Month    string `query:"month" required:"false"`
	}) (*struct {
		Body domain.WorkerPerformance `json:"body"`
	}, error) {
		month := input.Month
		if month == "" {
			month = s.CurrentMonth()
		}
		wp, err := e.Repo.GetWorkerPerformance(ctx, input.WorkerID, month)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkerPerformance `json:"body"`
		}{Body: wp}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Fieldwork API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.onload = () => {
        window.ui = SwaggerUIBundle({
          url: %q,
          dom_id: '#swagger-ui',
        });
      };
    </script>
  </body>
</html>`, specURL)
}
