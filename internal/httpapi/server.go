package httpapi

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/PetoAdam/homenavi/workflow-engine/internal/dag"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/events"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/middleware"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/observability"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/queue"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/ratelimit"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/secrets"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/store"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/tracker"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/triggers"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"
)

const maxBodyBytes = 1 << 20

// Reloader is notified after workflows are created or deleted so cron
// entries follow without waiting for the next periodic reload.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Deps are the collaborators of the API. Secrets, Reloader, Limiter, Tracer
// and Metrics are optional.
type Deps struct {
	Repo      *store.Repo
	Tracker   *tracker.Tracker
	Queue     *queue.Queue
	Hub       *events.Hub
	Webhooks  *triggers.Webhooks
	Secrets   *secrets.StoreResolver
	Reloader  Reloader
	Limiter   ratelimit.Limiter
	PubKey    *rsa.PublicKey
	NodeTypes []string
	Tracer    trace.Tracer
	Metrics   http.Handler
}

type Server struct {
	Deps
}

func New(d Deps) *Server {
	return &Server{Deps: d}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if s.Tracer != nil {
		r.Use(observability.MetricsAndTracingMiddleware(s.Tracer, "workflow-engine"))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Trace-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics)
	}

	// The gateway authenticates websocket upgrades and does not forward
	// credentials upstream, so the stream itself is open.
	r.Get("/api/workflows/executions/{exec_id}/ws", s.handleExecutionEventsWS)

	r.Group(func(r chi.Router) {
		if s.Limiter != nil {
			r.Use(ratelimit.Middleware(s.Limiter, ratelimit.KeyByPathAndIP))
		}
		r.Post("/webhooks/*", s.handleWebhook)
	})

	r.Route("/api/workflows", func(r chi.Router) {
		if s.PubKey == nil {
			unconfigured := func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusInternalServerError, "jwt public key not configured")
			}
			r.HandleFunc("/", unconfigured)
			r.HandleFunc("/*", unconfigured)
			return
		}
		r.Use(middleware.JWTAuthMiddlewareRS256(s.PubKey))
		r.Use(middleware.RoleAtLeastMiddleware("resident"))

		r.Get("/nodes", s.handleNodes)
		r.Get("/", s.handleListWorkflows)
		r.Post("/", s.handleCreateWorkflow)

		r.Get("/executions/{exec_id}", s.handleGetExecution)
		r.Post("/executions/{exec_id}/cancel", s.handleCancelExecution)

		r.Route("/queue", func(r chi.Router) {
			r.Use(middleware.RoleAtLeastMiddleware("admin"))
			r.Get("/dead-letters", s.handleDeadLetters)
			r.Get("/stats", s.handleQueueStats)
		})

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetWorkflow)
			r.Post("/run", s.handleRunWorkflow)
			r.Get("/executions", s.handleListExecutions)
			r.Get("/secrets", s.handleListSecrets)
			r.Group(func(r chi.Router) {
				r.Use(middleware.RoleAtLeastMiddleware("admin"))
				r.Delete("/", s.handleDeleteWorkflow)
				r.Put("/secrets/{key}", s.handlePutSecret)
				r.Delete("/secrets/{key}", s.handleDeleteSecret)
			})
		})
	})

	return r
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"types": s.NodeTypes})
}

type workflowPayload struct {
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
}

// decodeWorkflow reads a create request as JSON, or as YAML when the body
// is declared as such. Both carry name and definition.
func decodeWorkflow(r *http.Request) (string, dag.Definition, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return "", dag.Definition{}, errors.New("failed to read body")
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/yaml" || mt == "application/x-yaml" || mt == "text/yaml" {
		var p struct {
			Name       string `yaml:"name"`
			Definition any    `yaml:"definition"`
		}
		if err := yaml.Unmarshal(body, &p); err != nil {
			return "", dag.Definition{}, errors.New("invalid yaml")
		}
		raw, err := json.Marshal(p.Definition)
		if err != nil {
			return "", dag.Definition{}, errors.New("definition must use string keys")
		}
		def, err := dag.Parse(raw)
		return p.Name, def, err
	}
	var p workflowPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return "", dag.Definition{}, errors.New("invalid json")
	}
	def, err := dag.Parse(p.Definition)
	return p.Name, def, err
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	name, def, err := decodeWorkflow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	raw, _ := json.Marshal(def)
	wf := &store.Workflow{Name: name, Definition: datatypes.JSON(raw), TriggerType: def.TriggerType(), CreatedBy: middleware.Subject(r)}
	if def.Trigger != nil && def.TriggerType() == dag.TriggerWebhook {
		wf.WebhookPath = def.Trigger.Path
	}
	if err := s.Repo.CreateWorkflow(r.Context(), wf); err != nil {
		if errors.Is(err, store.ErrWebhookPathInUse) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("create workflow failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create workflow")
		return
	}
	s.reload(r.Context())
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	rows, err := s.Repo.ListWorkflows(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": rows})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "invalid workflow id")
	if !ok {
		return
	}
	wf, err := s.Repo.GetWorkflow(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "invalid workflow id")
	if !ok {
		return
	}
	if err := s.Repo.DeleteWorkflow(r.Context(), id); err != nil {
		writeStoreError(w, err, "workflow not found")
		return
	}
	s.reload(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) reload(ctx context.Context) {
	if s.Reloader == nil {
		return
	}
	if err := s.Reloader.Reload(ctx); err != nil {
		slog.Warn("trigger reload failed", "error", err)
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.Webhooks == nil {
		writeError(w, http.StatusNotFound, "webhooks disabled")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	exec, err := s.Webhooks.Fire(r.Context(), chi.URLParam(r, "*"), body)
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": exec.ID, "status": exec.Status})
}

func parseID(w http.ResponseWriter, r *http.Request, param, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, msg)
		return uuid.Nil, false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, err error, notFoundMsg string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFoundMsg)
		return
	}
	slog.Error("store request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}
