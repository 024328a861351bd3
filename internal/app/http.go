package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"assembly/client/internal/drafts"
	"assembly/client/internal/poller"
	"assembly/client/internal/session"
)

// HTTPServer exposes the engine's local status and control API.
type HTTPServer struct {
	engine *Engine
}

func NewHTTPServer(engine *Engine) *HTTPServer {
	return &HTTPServer{engine: engine}
}

func (s *HTTPServer) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/status" {
		s.handleStatus(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/drafts" {
		writeJSON(w, http.StatusOK, s.engine.Drafts())
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/drafts" {
		s.handleCreateDraft(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/drafts/flush" {
		s.engine.FlushDrafts()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/notifications" {
		writeJSON(w, http.StatusOK, s.engine.Notifications())
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/notifications/prefs" {
		var body struct {
			Class   string `json:"class"`
			Enabled bool   `json:"enabled"`
		}
		if err := decodeBody(r, &body); err != nil || body.Class == "" {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "class is required", nil)
			return
		}
		s.engine.SetNotificationsEnabled(body.Class, body.Enabled)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	parts := splitPath(r.URL.Path)

	// PATCH /drafts/{id}, DELETE /drafts/{id}
	if len(parts) == 2 && parts[0] == "drafts" {
		s.handleDraftByID(w, r, parts[1])
		return
	}

	// POST /notifications/{id}/read
	if r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "notifications" && parts[2] == "read" {
		if !s.engine.MarkNotificationRead(parts[1]) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "notification not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// POST /polls/{name}/retry, POST /polls/{name}/refresh
	if r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "polls" {
		p, ok := s.engine.pollerByName(parts[1])
		if !ok {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown poller", nil)
			return
		}
		switch parts[2] {
		case "retry":
			p.Retry()
		case "refresh":
			p.ManualRefresh()
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown poll action", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "not found", nil)
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	draftState := map[string]any{
		"pendingChanges": s.engine.autosaver.HasPendingChanges(),
	}
	if lastSaved := s.engine.autosaver.LastSavedAt().Get(); !lastSaved.IsZero() {
		draftState["lastSavedAt"] = lastSaved
	}

	payload := map[string]any{
		"visible": s.engine.visible.Get(),
		"polls": map[string]any{
			"proposals": pollStatePayload(s.engine.proposals.State().Get()),
			"tallies":   pollStatePayload(s.engine.tallies.State().Get()),
			"kyc":       pollStatePayload(s.engine.kyc.State().Get()),
		},
		"unread": s.engine.notifier.Unread().Get(),
		"drafts": draftState,
	}

	identity, err := s.engine.Status(ctx)
	if err != nil {
		payload["authenticated"] = false
		if !errors.Is(err, session.ErrUnauthenticated) {
			payload["error"] = err.Error()
		}
	} else {
		payload["authenticated"] = true
		payload["member"] = identity
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body", nil)
		return
	}
	draft, err := s.engine.CreateDraft(body.Title, body.Body)
	if err != nil {
		if errors.Is(err, drafts.ErrDraftLimit) {
			writeError(w, http.StatusConflict, "DRAFT_LIMIT", "draft limit reached", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusCreated, draft)
}

func (s *HTTPServer) handleDraftByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodPatch:
		var body struct {
			Title  *string `json:"title"`
			Body   *string `json:"body"`
			Status *string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body", nil)
			return
		}
		err := s.engine.UpdateDraft(id, drafts.Patch{Title: body.Title, Body: body.Body, Status: body.Status})
		if errors.Is(err, drafts.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "draft not found", nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	case http.MethodDelete:
		err := s.engine.DeleteDraft(id)
		if errors.Is(err, drafts.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "draft not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	}
}

func pollStatePayload(st poller.State) map[string]any {
	out := map[string]any{
		"consecutiveFailures": st.ConsecutiveFailures,
		"paused":              st.Paused,
		"hidden":              st.Hidden,
	}
	if !st.LastFetchAt.IsZero() {
		out["lastFetchAt"] = st.LastFetchAt
	}
	if st.LastErr != nil {
		out["lastError"] = st.LastErr.Error()
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(target)
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
