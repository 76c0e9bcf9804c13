package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "invalid workflow id")
	if !ok {
		return
	}
	if _, err := s.Repo.GetWorkflow(r.Context(), id); err != nil {
		writeStoreError(w, err, "workflow not found")
		return
	}
	keys, err := s.Repo.ListSecretKeys(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list secrets")
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "invalid workflow id")
	if !ok {
		return
	}
	if s.Secrets == nil {
		writeError(w, http.StatusServiceUnavailable, "secret storage not configured")
		return
	}
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "secret key is required")
		return
	}
	var p struct {
		Value *string `json:"value"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&p); err != nil || p.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}
	if _, err := s.Repo.GetWorkflow(r.Context(), id); err != nil {
		writeStoreError(w, err, "workflow not found")
		return
	}
	if err := s.Secrets.Put(r.Context(), id, key, *p.Value); err != nil {
		slog.Error("store secret failed", "workflow_id", id, "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store secret")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "stored": true})
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "invalid workflow id")
	if !ok {
		return
	}
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	if err := s.Repo.DeleteSecret(r.Context(), id, key); err != nil {
		writeStoreError(w, err, "secret not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}
