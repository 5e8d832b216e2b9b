package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"fieldrelay/internal/config"
	"fieldrelay/internal/migrate"
	"fieldrelay/internal/pipeline"
	"fieldrelay/internal/repo"
)

// Config for the HTTP intake handler.
type Config struct {
	Pipeline pipeline.Pipeline
	Repo     repo.Repo
	App      *config.Config
	BasePath string
	Auth     AuthConfig
	Log      *log.Logger
	Now      func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"submissionId is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// New returns an HTTP handler exposing the intake API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Log == nil {
		cfg.Log = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Fieldrelay API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHome(group, cfg)
	registerHealth(group, cfg)
	registerPending(group, cfg)
	registerMarkProcessed(group, cfg)
	registerWebhook(router, basePath, cfg)

	return router, nil
}

func registerHome(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "home",
		Method:      http.MethodGet,
		Path:        "/",
		Summary:     "Service info",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"status": "fieldrelay webhook server",
			"endpoints": map[string]string{
				"webhook":        "/webhook (POST)",
				"health":         "/health (GET)",
				"pending":        "/submissions/pending (GET, bearer)",
				"mark_processed": "/submissions/mark-processed (POST, bearer)",
			},
			"timestamp": cfg.Now().UTC().Format(time.RFC3339),
		}}, nil
	})
}

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		count, err := cfg.Repo.LedgerCount(ctx)
		if err != nil {
			cfg.Log.Warn("ledger count unavailable", "error", err)
		}
		schema, err := migrate.SchemaVersion(cfg.Repo.DB)
		if err != nil {
			cfg.Log.Warn("schema version unavailable", "error", err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"status":          "healthy",
			"timestamp":       cfg.Now().UTC().Format(time.RFC3339),
			"processed_count": count,
			"schema_version":  schema,
		}}, nil
	})
}

// PendingSubmission is one inbox entry awaiting delivery.
type PendingSubmission struct {
	ID         string          `json:"id"`
	ReceivedAt string          `json:"received_at"`
	Source     string          `json:"source"`
	Raw        json.RawMessage `json:"raw"`
}

func registerPending(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pending-submissions",
		Method:      http.MethodGet,
		Path:        "/submissions/pending",
		Summary:     "List unprocessed submissions",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body struct {
			Submissions []PendingSubmission `json:"unprocessed_submissions"`
			Count       int                 `json:"count"`
		} `json:"body"`
	}, error) {
		pending, err := cfg.Repo.PendingSubmissions(ctx, input.Limit)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "", "listing submissions failed", nil)
		}
		out := &struct {
			Body struct {
				Submissions []PendingSubmission `json:"unprocessed_submissions"`
				Count       int                 `json:"count"`
			} `json:"body"`
		}{}
		for _, s := range pending {
			out.Body.Submissions = append(out.Body.Submissions, PendingSubmission{
				ID:         s.ID,
				ReceivedAt: s.ReceivedAt,
				Source:     s.Source,
				Raw:        json.RawMessage(s.RawJSON),
			})
		}
		out.Body.Count = len(out.Body.Submissions)
		return out, nil
	})
}

func registerMarkProcessed(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "mark-submissions-processed",
		Method:      http.MethodPost,
		Path:        "/submissions/mark-processed",
		Summary:     "Mark inbox submissions processed",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body struct {
			SubmissionIDs []string `json:"submission_ids" minItems:"1"`
		} `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		updated, err := cfg.Repo.MarkSubmissionsProcessed(ctx, input.Body.SubmissionIDs, cfg.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "", "marking submissions failed", nil)
		}
		operator := ""
		if p, ok := principalFromContext(ctx); ok {
			operator = p.Subject
		}
		cfg.Log.Info("submissions marked processed", "count", updated, "operator", operator)
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"updated_count": updated, "marked_by": operator}}, nil
	})
}
