package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	llmOK := r.llmService == nil || r.llmService.Healthy()
	if r.ready.Load() && r.bus.Healthy() && r.relay.Healthy() && r.ttsService.Healthy() && llmOK && r.sessions.Ping(ctx) == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleDeleteSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if id == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}
	res, err := r.sessions.DeleteSession(req.Context(), id)
	if err != nil {
		r.logger.Warn("session delete failed", slog.String("session_id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "existed": false, "error": "could not delete session"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type turnView struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	turns, err := r.sessions.History(req.Context(), id, limit)
	if err != nil {
		r.logger.Warn("session history failed", slog.String("session_id", id), slog.String("error", err.Error()))
		http.Error(w, "could not load history", http.StatusInternalServerError)
		return
	}
	out := make([]turnView, 0, len(turns))
	for _, t := range turns {
		out = append(out, turnView{Role: t.Role, Content: t.Content, Timestamp: t.CreatedAt.UnixMilli()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": id, "turns": out})
}

func (r *Runtime) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.router.Stats())
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.membership.Nodes())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
