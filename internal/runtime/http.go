package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/speechcast/internal/pipeline"
)

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports ready while the pipeline is consuming audio and, when
// mirroring is enabled, the bus connection is up.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.bus != nil && !r.bus.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus disconnected"))
		return
	}
	if r.pipeline != nil {
		switch r.pipeline.State() {
		case pipeline.Idle, pipeline.Stopped:
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleTranscripts(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !r.history.Enabled() {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	session := req.URL.Query().Get("session")
	if session == "" && r.pipeline != nil {
		session = r.pipeline.SessionID()
	}
	limit, err := queryLimit(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := r.history.ListSessionTranscripts(req.Context(), session, limit)
	if err != nil {
		r.logger.Error("list transcripts failed", slog.String("error", err.Error()))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	r.writeJSON(w, map[string]any{"session_id": session, "transcripts": entries})
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !r.history.Enabled() {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	limit, err := queryLimit(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sessions, err := r.history.ListSessions(req.Context(), limit)
	if err != nil {
		r.logger.Error("list sessions failed", slog.String("error", err.Error()))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	r.writeJSON(w, map[string]any{"sessions": sessions})
}

var errInvalidLimit = errors.New("limit must be a non-negative integer")

func queryLimit(req *http.Request) (int, error) {
	raw := req.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errInvalidLimit
	}
	return limit, nil
}

func (r *Runtime) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Warn("failed to write response", slog.String("error", err.Error()))
	}
}
