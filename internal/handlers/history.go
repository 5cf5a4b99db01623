package handlers

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/gram-ai/internal/models"
)

type exportMessage struct {
	Role      string
	Content   template.HTML
	Timestamp time.Time
}

type exportPageData struct {
	SessionID string
	Messages  []exportMessage
}

// HandleHistory returns (GET) or erases (DELETE) the history recorded for the session named in the
// x-session-id header. The bearer token must have been issued to that session.
func (m Main) HandleHistory(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID, ok := m.historySession(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		entries, err := m.store.Messages(r.Context(), sessionID)
		if err != nil {
			m.logger.Error("Failed to get history",
				slog.String("session", sessionID),
				slog.String(errLoggerKey, err.Error()))
			writeError(w, http.StatusInternalServerError, "Unable to load history")
			return
		}
		if entries == nil {
			entries = []models.HistoryEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	case http.MethodDelete:
		if err := m.store.ClearMessages(r.Context(), sessionID); err != nil {
			m.logger.Error("Failed to clear history",
				slog.String("session", sessionID),
				slog.String(errLoggerKey, err.Error()))
			writeError(w, http.StatusInternalServerError, "Unable to clear history")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleExport renders the history of the session as a standalone HTML page. Assistant replies are
// rendered from markdown, user messages are shown as typed.
func (m Main) HandleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID, ok := m.historySession(w, r)
	if !ok {
		return
	}

	entries, err := m.store.Messages(r.Context(), sessionID)
	if err != nil {
		m.logger.Error("Failed to get history",
			slog.String("session", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Unable to load history", http.StatusInternalServerError)
		return
	}

	data := exportPageData{SessionID: sessionID}
	for _, entry := range entries {
		content, err := m.renderContent(entry)
		if err != nil {
			m.logger.Error("Failed to render message",
				slog.String("message", entry.ID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, "Unable to render history", http.StatusInternalServerError)
			return
		}
		data.Messages = append(data.Messages, exportMessage{
			Role:      string(entry.Role),
			Content:   content,
			Timestamp: entry.Timestamp,
		})
	}

	var buf bytes.Buffer
	if err := m.templates.ExecuteTemplate(&buf, "transcript.html", data); err != nil {
		m.logger.Error("Failed to execute template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func (m Main) renderContent(entry models.HistoryEntry) (template.HTML, error) {
	if entry.Role != models.RoleAssistant {
		return template.HTML(template.HTMLEscapeString(entry.Content)), nil
	}

	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(entry.Content), &buf); err != nil {
		return "", err
	}
	// goldmark escapes raw HTML in the source unless the unsafe renderer option is set.
	return template.HTML(buf.String()), nil
}

func (m Main) historySession(w http.ResponseWriter, r *http.Request) (string, bool) {
	if m.store == nil {
		http.NotFound(w, r)
		return "", false
	}

	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session_id")
	}
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "Session is required")
		return "", false
	}
	if !m.authorizeSession(w, r, sessionID) {
		return "", false
	}
	return sessionID, true
}
