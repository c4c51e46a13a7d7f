package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"dbgate/internal/audit"
	"dbgate/internal/db/repository"
	"dbgate/internal/domain"
	"dbgate/internal/middleware"
	"dbgate/internal/sink"
)

// invocationRequest is the ingest wire format: one completed (or failed)
// tool run as reported by the policy enforcement wrapper.
type invocationRequest struct {
	ToolName    string                   `json:"toolName"`
	Arguments   map[string]any           `json:"arguments,omitempty"`
	Result      *domain.InvocationResult `json:"result,omitempty"`
	DurationMs  float64                  `json:"durationMs"`
	SessionID   string                   `json:"sessionId,omitempty"`
	UserID      string                   `json:"userId,omitempty"`
	Environment string                   `json:"environment,omitempty"`
	AuditLevel  string                   `json:"auditLevel,omitempty"`
}

func newRouter(auditLogger *audit.Logger, metastore *sink.SQLiteSink, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(logger.With("component", "http")))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1/audit", func(r chi.Router) {
		r.Post("/invocations", handleIngest(auditLogger))
		r.Get("/entries", handleList(metastore))
	})

	return r
}

func handleIngest(auditLogger *audit.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req invocationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		if req.ToolName == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "toolName is required"})
			return
		}

		auditLogger.LogToolInvocation(req.ToolName, req.Arguments, req.Result, req.DurationMs,
			audit.InvocationOptions{
				SessionID:   req.SessionID,
				UserID:      req.UserID,
				Environment: req.Environment,
				AuditLevel:  domain.ParseAuditLevel(req.AuditLevel),
			})

		// Dispatch is fire-and-forget: delivery problems never surface here.
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func handleList(metastore *sink.SQLiteSink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if metastore == nil {
			writeJSON(w, http.StatusNotImplemented,
				map[string]string{"error": "no sqlite metastore sink configured"})
			return
		}

		filter := repository.AuditFilter{}
		if v := r.URL.Query().Get("environment"); v != "" {
			filter.Environment = &v
		}
		if v := r.URL.Query().Get("toolName"); v != "" {
			filter.ToolName = &v
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filter.Limit = n
			}
		}

		entries, err := metastore.Repo().List(r.Context(), filter)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError,
				map[string]string{"error": "list audit entries failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"entries": entries,
			"count":   len(entries),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
