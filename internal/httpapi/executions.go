package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/workflow-engine/internal/dag"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/tracker"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/triggers"

	"github.com/gorilla/websocket"
)

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "invalid workflow id")
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var input json.RawMessage
	if len(strings.TrimSpace(string(body))) > 0 {
		var p struct {
			Input json.RawMessage `json:"input"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		input = p.Input
	}
	exec, err := s.Tracker.Submit(r.Context(), id, input)
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracker.ErrWorkflowNotFound), errors.Is(err, triggers.ErrNoWebhook):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dag.ErrMalformedDefinition), errors.Is(err, tracker.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("submit execution failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start execution")
	}
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "invalid workflow id")
	if !ok {
		return
	}
	limit := 20
	if ls := strings.TrimSpace(r.URL.Query().Get("limit")); ls != "" {
		if n, err := strconv.Atoi(ls); err == nil && n > 0 {
			limit = min(n, 200)
		}
	}
	rows, err := s.Repo.ListExecutions(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": rows})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "exec_id", "invalid execution id")
	if !ok {
		return
	}
	view, err := s.Tracker.Describe(r.Context(), id)
	if err != nil {
		if errors.Is(err, tracker.ErrExecutionNotFound) || errors.Is(err, tracker.ErrWorkflowNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		slog.Error("describe execution failed", "execution_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load execution")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "exec_id", "invalid execution id")
	if !ok {
		return
	}
	var p struct {
		Reason string `json:"reason"`
	}
	body, _ := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	exec, err := s.Tracker.Cancel(r.Context(), id, strings.TrimSpace(p.Reason))
	switch {
	case errors.Is(err, tracker.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, "execution not found")
	case errors.Is(err, tracker.ErrExecutionFinished):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		slog.Error("cancel execution failed", "execution_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel execution")
	default:
		writeJSON(w, http.StatusOK, exec)
	}
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = min(n, 500)
	}
	jobs, err := s.Queue.ListDeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load queue stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": stats})
}

func (s *Server) handleExecutionEventsWS(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "exec_id", "invalid execution id")
	if !ok {
		return
	}
	if s.Hub == nil {
		writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := s.Hub.Subscribe(id)
	defer cancel()

	// Reads only detect disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(2*time.Second)); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				slog.Debug("ws write failed", "error", err)
				return
			}
		}
	}
}
