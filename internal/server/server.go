package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"bountyline/internal/breaker"
	"bountyline/internal/domain"
	"bountyline/internal/health"
	"bountyline/internal/ledger"
	"bountyline/internal/lifecycle"
	"bountyline/internal/outcome"
	"bountyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *lifecycle.Engine
	Breakers *breaker.Registry
	Monitor  *health.Monitor
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"dependency_unavailable"`
	Message string         `json:"message" example:"ledger unavailable: circuit breaker is open"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Bountyline API.
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
	hcfg := huma.DefaultConfig("Bountyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, cfg.Monitor)
	registerBreakers(group, cfg.Breakers)
	registerInstallations(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerSettlement(group, cfg.Engine)
	registerReconcile(group, cfg.Engine)

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

// handleError maps the domain error taxonomy onto the envelope. Dependency
// unavailability is 503 so clients can tell "retry later" apart from "your
// request is wrong"; a ledger inconsistency is a 500 because nothing the
// client does can fix it.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", ve.Error(), nil)
	}
	var ae domain.AuthorizationError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusForbidden, "forbidden", ae.Error(), map[string]any{"action": ae.Action})
	}
	var de domain.DependencyUnavailableError
	if errors.As(err, &de) {
		return newAPIError(http.StatusServiceUnavailable, "dependency_unavailable", de.Error(), map[string]any{"dependency": de.Dependency})
	}
	var le domain.LedgerInconsistencyError
	if errors.As(err, &le) {
		return newAPIError(http.StatusInternalServerError, "ledger_inconsistency", le.Error(), map[string]any{"task_id": le.TaskID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, ledger.ErrInsufficientFunds) || errors.Is(err, ledger.ErrEscrowWrongState) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "dependency_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func taskResult(o outcome.Outcome[domain.Task]) (*struct {
	Body TaskOutcomeResponse `json:"body"`
}, error) {
	if !o.OK() {
		return nil, handleError(o.Err)
	}
	return &struct {
		Body TaskOutcomeResponse `json:"body"`
	}{Body: taskOutcome(o)}, nil
}

func registerHealth(api huma.API, m *health.Monitor) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Cached health snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body health.Snapshot `json:"body"`
	}, error) {
		return &struct {
			Body health.Snapshot `json:"body"`
		}{Body: m.Snapshot()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodPost,
		Path:        "/health/check",
		Summary:     "Probe all dependencies now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body health.Snapshot `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body health.Snapshot `json:"body"`
		}{Body: m.Check(ctx)}, nil
	})
}

type breakerStatus struct {
	Dependency string         `json:"dependency"`
	State      breaker.State  `json:"state" enum:"closed,open,half_open,unknown"`
	Counts     breaker.Counts `json:"counts"`
}

func registerBreakers(api huma.API, reg *breaker.Registry) {
	huma.Register(api, huma.Operation{
		OperationID: "list-breakers",
		Method:      http.MethodGet,
		Path:        "/breakers",
		Summary:     "Circuit breaker states",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []breakerStatus `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		statuses := []breakerStatus{}
		for _, name := range reg.Names() {
			statuses = append(statuses, breakerStatus{
				Dependency: name,
				State:      reg.GetState(name),
				Counts:     reg.GetCounts(name),
			})
		}
		return &struct {
			Body []breakerStatus `json:"body"`
		}{Body: statuses}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-breaker",
		Method:      http.MethodPost,
		Path:        "/breakers/{name}/reset",
		Summary:     "Force a breaker closed",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body breakerStatus `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !principal.IsAdmin() {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "breaker reset requires admin role", nil)
		}
		reg.Reset(input.Name)
		return &struct {
			Body breakerStatus `json:"body"`
		}{Body: breakerStatus{
			Dependency: input.Name,
			State:      reg.GetState(input.Name),
			Counts:     reg.GetCounts(input.Name),
		}}, nil
	})
}

func registerInstallations(api huma.API, e *lifecycle.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-installation",
		Method:        http.MethodPost,
		Path:          "/installations",
		Summary:       "Onboard an organization",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateInstallationRequest `json:"body"`
	}) (*struct {
		Body InstallationResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := lifecycle.InstallationCreateOptions{
			ID:            input.Body.ID,
			WalletAddress: input.Body.WalletAddress,
			ActorID:       principal.ActorID,
		}
		if input.Body.Name != nil {
			opts.Name = *input.Body.Name
		}
		if input.Body.EscrowAccount != nil {
			opts.EscrowAccount = *input.Body.EscrowAccount
		}
		inst, err := e.CreateInstallation(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstallationResponse `json:"body"`
		}{Body: installationResponse(inst)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-installations",
		Method:      http.MethodGet,
		Path:        "/installations",
		Summary:     "List installations",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []InstallationResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListInstallations(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := []InstallationResponse{}
		for _, inst := range items {
			res = append(res, installationResponse(inst))
		}
		return &struct {
			Body []InstallationResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-installation",
		Method:      http.MethodGet,
		Path:        "/installations/{id}",
		Summary:     "Get installation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body InstallationResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		inst, err := e.Repo.GetInstallation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstallationResponse `json:"body"`
		}{Body: installationResponse(inst)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-installation",
		Method:      http.MethodPost,
		Path:        "/installations/{id}/archive",
		Summary:     "Archive installation, refunding open tasks",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body InstallationOutcomeResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res := e.ArchiveInstallation(ctx, input.ID, principal.ActorID)
		if !res.OK() {
			return nil, handleError(res.Err)
		}
		resp := InstallationOutcomeResponse{
			Status:       string(res.Status),
			Installation: installationResponse(res.Value),
		}
		if res.Warning != nil {
			resp.Warning = res.Warning.Error()
		}
		return &struct {
			Body InstallationOutcomeResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerTasks(api huma.API, e *lifecycle.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Post a bounty task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskOutcomeResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := lifecycle.TaskCreateOptions{
			InstallationID: input.Body.InstallationID,
			Title:          input.Body.Title,
			BountyAmount:   input.Body.BountyAmount,
			ActorID:        principal.ActorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.Currency != nil {
			opts.Currency = *input.Body.Currency
		}
		if input.Body.TimelineValue != nil {
			opts.TimelineValue = *input.Body.TimelineValue
		}
		if input.Body.TimelineUnit != nil {
			opts.TimelineUnit = *input.Body.TimelineUnit
		}
		if input.Body.IssueRef != nil {
			opts.IssueRef = *input.Body.IssueRef
		}
		return taskResult(e.CreateTask(ctx, opts))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		InstallationID string `query:"installation_id"`
		Status         string `query:"status"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		tasks, err := e.Repo.ListTasks(ctx, input.InstallationID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete an open task, refunding the escrow",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskOutcomeResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return taskResult(e.DeleteTask(ctx, input.ID, principal.ActorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/assign",
		Summary:     "Assign a contributor",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body AssignTaskRequest `json:"body"`
	}) (*struct {
		Body TaskOutcomeResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return taskResult(e.AssignContributor(ctx, input.ID, input.Body.ContributorID, principal.ActorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/start",
		Summary:     "Contributor starts work",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskOutcomeResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return taskResult(e.StartProgress(ctx, input.ID, principal.ActorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Contributor marks work complete",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskOutcomeResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return taskResult(e.MarkCompleted(ctx, input.ID, principal.ActorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "adjust-bounty",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/bounty",
		Summary:     "Adjust the bounty amount",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body AdjustBountyRequest `json:"body"`
	}) (*struct {
		Body TaskOutcomeResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return taskResult(e.AdjustBounty(ctx, input.ID, principal.ActorID, input.Body.Amount))
	})
}

func registerSettlement(api huma.API, e *lifecycle.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "approve-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/approve",
		Summary:     "Approve completion, releasing the bounty",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskOutcomeResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return taskResult(e.Approve(ctx, input.ID, principal.ActorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispute-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/dispute",
		Summary:     "Raise a dispute",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body DisputeTaskRequest `json:"body"`
	}) (*struct {
		Body TaskOutcomeResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return taskResult(e.Dispute(ctx, input.ID, principal.ActorID, input.Body.Reason))
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/resolve",
		Summary:     "Resolve a dispute (admin)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body ResolveDisputeRequest `json:"body"`
	}) (*struct {
		Body TaskOutcomeResponse `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res := domain.Resolution{Kind: input.Body.Kind}
		if input.Body.Kind == domain.ResolvePartialPayment {
			if input.Body.Amount == nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "amount is required for partial payment", nil)
			}
			amount, err := ledger.ToStroops(*input.Body.Amount)
			if err != nil {
				return nil, handleError(err)
			}
			res.AmountStroops = amount
		}
		return taskResult(e.ResolveDispute(ctx, input.ID, principal.ActorID, principal.IsAdmin(), res))
	})
}

func registerReconcile(api huma.API, e *lifecycle.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "reconcile",
		Method:      http.MethodPost,
		Path:        "/reconcile",
		Summary:     "Run a settlement reconciliation pass",
		Errors:      []int{http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body lifecycle.ReconcileReport `json:"body"`
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !principal.IsAdmin() {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "reconciliation requires admin role", nil)
		}
		report, err := e.Reconcile(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body lifecycle.ReconcileReport `json:"body"`
		}{Body: report}, nil
	})
}
