package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MegaGrindStone/gram-ai/internal/models"
	"github.com/MegaGrindStone/gram-ai/internal/services"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// Limits on the conversation accepted by HandleChat.
const (
	MaxMessages      = 50
	MaxMessageLength = 5000
)

// Languages lists the language codes accepted by HandleChat.
var Languages = []string{"en", "hi", "mr", "te", "ta", "bn"}

const doneSentinel = "[DONE]"

type chatRequest struct {
	Messages json.RawMessage `json:"messages"`
	Language *string         `json:"language"`
}

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Delta models.Message `json:"delta"`
}

// HandleChat relays a conversation to the model gateway and streams the reply back as server-sent
// events, one event per delta, in the OpenAI chunk shape, followed by a [DONE] event.
//
// The request body carries the conversation in "messages" and an optional "language" hint choosing the
// system prompt. Invalid conversations are rejected with 400 before the gateway is contacted. A gateway
// failure before the first delta is reported with a JSON error (429 and 402 are passed through, anything
// else is 500); a failure after the first delta ends the stream without [DONE].
//
// When the request carries an x-session-id header together with a bearer token issued to that session,
// the last user message and the reply are appended to the session's history. A request whose token does
// not own the session is still answered but not recorded.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.logger.Error("Failed to decode request", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, "Unable to process request")
		return
	}

	messages, err := validateMessages(req.Messages)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	language := defaultLanguage
	if req.Language != nil {
		language = *req.Language
	}
	if !slices.Contains(Languages, language) {
		writeError(w, http.StatusBadRequest, "Invalid language")
		return
	}

	systemPrompt := m.prompts[language]
	if systemPrompt == "" {
		systemPrompt = m.prompts[defaultLanguage]
	}

	sessionID := r.Header.Get(sessionHeader)
	logger := m.logger.With(slog.String("session", sessionID), slog.String("language", language))
	recordTo := m.recordingSession(r, logger, sessionID)

	next, stop := iter.Pull2(m.llm.Chat(r.Context(), systemPrompt, messages))
	defer stop()

	// The status line is only committed once the gateway has produced something.
	delta, err, ok := next()
	if ok && err != nil {
		status, msg := gatewayFailure(err)
		logger.Error("Gateway error",
			slog.Int("status", status),
			slog.String(errLoggerKey, err.Error()))
		writeError(w, status, msg)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		logger.Error("Failed to upgrade to event stream", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, "Unable to process request")
		return
	}

	var reply strings.Builder
	completed := true
	for ; ok; delta, err, ok = next() {
		if err != nil {
			logger.Error("Gateway error mid-stream", slog.String(errLoggerKey, err.Error()))
			completed = false
			break
		}
		reply.WriteString(delta)
		if err := sendChunk(sess, delta); err != nil {
			// The client went away; nothing more can be sent.
			logger.Warn("Failed to send delta", slog.String(errLoggerKey, err.Error()))
			completed = false
			break
		}
	}

	if completed {
		if err := sendData(sess, doneSentinel); err != nil {
			logger.Warn("Failed to send stream terminator", slog.String(errLoggerKey, err.Error()))
		}
	}

	m.recordExchange(context.WithoutCancel(r.Context()), logger, recordTo, messages, reply.String())
}

// recordingSession returns sessionID when the exchange should be recorded under it, or an empty string.
func (m Main) recordingSession(r *http.Request, logger *slog.Logger, sessionID string) string {
	if m.store == nil || sessionID == "" {
		return ""
	}

	owner, err := m.tokenOwner(r)
	if err != nil {
		logger.Error("Failed to look up token, not recording history", slog.String(errLoggerKey, err.Error()))
		return ""
	}
	if owner != sessionID {
		logger.Warn("Token does not own the session, not recording history")
		return ""
	}
	return sessionID
}

func sendChunk(sess *sse.Session, delta string) error {
	data, err := json.Marshal(streamChunk{
		Choices: []streamChoice{{Delta: models.Message{Role: models.RoleAssistant, Content: delta}}},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal chunk: %w", err)
	}
	return sendData(sess, string(data))
}

func sendData(sess *sse.Session, data string) error {
	msg := &sse.Message{}
	msg.AppendData(data)
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}

func (m Main) recordExchange(
	ctx context.Context,
	logger *slog.Logger,
	sessionID string,
	messages []models.Message,
	reply string,
) {
	if m.store == nil || sessionID == "" {
		return
	}

	var entries []models.HistoryEntry
	if last := messages[len(messages)-1]; last.Role == models.RoleUser {
		entries = append(entries, newHistoryEntry(last))
	}
	if reply != "" {
		entries = append(entries, newHistoryEntry(models.Message{Role: models.RoleAssistant, Content: reply}))
	}

	for _, entry := range entries {
		if _, err := m.store.AddMessage(ctx, sessionID, entry); err != nil {
			logger.Error("Failed to record history",
				slog.String("role", string(entry.Role)),
				slog.String(errLoggerKey, err.Error()))
			return
		}
	}
}

func newHistoryEntry(msg models.Message) models.HistoryEntry {
	return models.HistoryEntry{
		ID:        uuid.New().String(),
		Role:      msg.Role,
		Content:   msg.Content,
		Timestamp: time.Now(),
	}
}

// gatewayFailure maps a gateway error to the status and message returned to the client. Details of the
// gateway failure are never exposed.
func gatewayFailure(err error) (int, string) {
	var gwErr *services.GatewayError
	if errors.As(err, &gwErr) {
		switch gwErr.StatusCode {
		case http.StatusTooManyRequests:
			return http.StatusTooManyRequests, "Rate limits exceeded, please try again later."
		case http.StatusPaymentRequired:
			return http.StatusPaymentRequired, "Service temporarily unavailable."
		}
	}
	return http.StatusInternalServerError, "AI service error"
}

type validationError string

func (e validationError) Error() string { return string(e) }

const (
	errInvalidMessages      validationError = "Invalid messages format"
	errTooManyMessages      validationError = "Too many messages in history"
	errInvalidMessage       validationError = "Invalid message format"
	errInvalidRole          validationError = "Invalid message role"
	errMessageContentLength validationError = "Message content too long"
)

// validateMessages checks the raw "messages" field of a chat request and decodes it.
func validateMessages(raw json.RawMessage) ([]models.Message, error) {
	var items []json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &items) != nil || items == nil {
		return nil, errInvalidMessages
	}
	if len(items) == 0 {
		return nil, errInvalidMessages
	}
	if len(items) > MaxMessages {
		return nil, errTooManyMessages
	}

	messages := make([]models.Message, 0, len(items))
	for _, item := range items {
		var obj map[string]any
		if err := json.Unmarshal(item, &obj); err != nil || obj == nil {
			return nil, errInvalidMessage
		}

		if !present(obj["role"]) || !present(obj["content"]) {
			return nil, errInvalidMessage
		}

		role, ok := obj["role"].(string)
		if !ok || !models.Role(role).Valid() {
			return nil, errInvalidRole
		}

		content, ok := obj["content"].(string)
		if !ok || utf8.RuneCountInString(content) > MaxMessageLength {
			return nil, errMessageContentLength
		}

		messages = append(messages, models.Message{Role: models.Role(role), Content: content})
	}

	return messages, nil
}

// present reports whether a decoded JSON value is set to something other than null, false, zero or an
// empty string.
func present(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	case float64:
		return v != 0
	default:
		return true
	}
}
