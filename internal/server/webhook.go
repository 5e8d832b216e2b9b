package server

import (
	"encoding/json"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"

	"fieldrelay/internal/domain"
	"fieldrelay/internal/pipeline"
)

const maxWebhookBody = 10 << 20

type webhookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
	State   string `json:"state,omitempty"`
}

// registerWebhook handles the vendor push. The payload is schemaless
// (field keys vary by form version), so this endpoint bypasses huma and
// reads raw JSON. Every accepted submission lands in the inbox; with
// inline processing on it is delivered immediately.
func registerWebhook(router chi.Router, basePath string, cfg Config) {
	router.Post(path.Join(basePath, "webhook"), func(w http.ResponseWriter, r *http.Request) {
		if secret := cfg.App.Intake.WebhookSecret; secret != "" {
			if r.Header.Get("X-Relay-Secret") != secret {
				writeWebhook(w, http.StatusUnauthorized, webhookResponse{Status: "error", Message: "invalid webhook secret"})
				return
			}
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeWebhook(w, http.StatusBadRequest, webhookResponse{Status: "error", Message: "unreadable body"})
			return
		}
		var raw domain.RawSubmission
		if err := json.Unmarshal(body, &raw); err != nil {
			writeWebhook(w, http.StatusBadRequest, webhookResponse{Status: "error", Message: "invalid json payload"})
			return
		}
		id := raw.SubmissionID()
		if id == "" {
			writeWebhook(w, http.StatusBadRequest, webhookResponse{Status: "error", Message: "submissionId is required"})
			return
		}
		cfg.Log.Info("webhook received", "submission_id", id)

		stored, err := cfg.Repo.InsertSubmission(r.Context(), domain.Submission{
			ID:         id,
			ReceivedAt: cfg.Now().UTC().Format(time.RFC3339),
			Source:     "webhook",
			RawJSON:    string(body),
		})
		if err != nil {
			cfg.Log.Error("storing submission failed", "submission_id", id, "error", err)
			writeWebhook(w, http.StatusInternalServerError, webhookResponse{Status: "error", Message: "storing submission failed"})
			return
		}
		if stored {
			cfg.Pipeline.RecordReceipt(r.Context(), id, "webhook")
		} else {
			cfg.Log.Info("submission already in inbox", "submission_id", id)
		}

		if !cfg.App.InlineProcessing() {
			writeWebhook(w, http.StatusAccepted, webhookResponse{Status: "queued", Message: "submission stored for batch delivery"})
			return
		}

		out, err := cfg.Pipeline.ProcessOne(r.Context(), raw)
		if err != nil {
			// No task exists; the inbox row stays pending and a later batch
			// run (or a vendor retry) picks it up.
			writeWebhook(w, http.StatusBadGateway, webhookResponse{Status: "error", Message: err.Error()})
			return
		}
		switch out.Status {
		case pipeline.StatusDuplicate:
			writeWebhook(w, http.StatusOK, webhookResponse{Status: "success", Message: "already processed"})
		default:
			writeWebhook(w, http.StatusOK, webhookResponse{
				Status:  "success",
				Message: "task created successfully: " + out.Delivery.TaskID,
				TaskID:  out.Delivery.TaskID,
				State:   string(out.Delivery.State),
			})
		}
	})
}

func writeWebhook(w http.ResponseWriter, status int, body webhookResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
