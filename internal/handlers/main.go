package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"iter"
	"log/slog"
	"net/http"

	gramai "github.com/MegaGrindStone/gram-ai"
	"github.com/MegaGrindStone/gram-ai/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

// LLM represents a large language model gateway. It accepts a context, a system prompt and the
// conversation so far, returning an iterator that yields reply deltas and potential errors.
type LLM interface {
	Chat(ctx context.Context, systemPrompt string, messages []models.Message) iter.Seq2[string, error]
}

// Diagnoser examines a crop photo. systemPrompt carries the reply language, prompt the request, and
// imageURL is an http(s) or data URL of the photo.
type Diagnoser interface {
	Diagnose(ctx context.Context, systemPrompt, prompt, imageURL string) (models.Diagnosis, error)
}

// Store defines the interface for the per-session chat history kept by the relay.
type Store interface {
	Messages(ctx context.Context, sessionID string) ([]models.HistoryEntry, error)
	AddMessage(ctx context.Context, sessionID string, entry models.HistoryEntry) (string, error)
	ClearMessages(ctx context.Context, sessionID string) error
}

// Sessions issues and verifies the bearer tokens of anonymous users.
type Sessions interface {
	CreateAnonymousUser(ctx context.Context) (userID string, token string, err error)
	// UserByToken returns an empty string for unknown or revoked tokens.
	UserByToken(ctx context.Context, token string) (string, error)
	RevokeToken(ctx context.Context, token string) error
}

// Main serves the relay endpoints: the streaming chat relay, crop photo diagnosis, the anonymous auth
// backend and the history of each session.
type Main struct {
	templates *template.Template
	markdown  goldmark.Markdown

	llm       LLM
	diagnoser Diagnoser
	store     Store
	sessions  Sessions
	prompts   map[string]string

	logger *slog.Logger
}

const (
	errLoggerKey = "err"

	sessionHeader   = "x-session-id"
	defaultLanguage = "en"
)

// NewMain creates a new Main. prompts maps a language code to the system prompt used for it; languages
// without a prompt use the prompt of the default language. store may be nil, in which case nothing is
// persisted and the history endpoints answer 404. diagnoser may be nil, in which case the scan endpoint
// reports a configuration error.
func NewMain(
	llm LLM,
	diagnoser Diagnoser,
	store Store,
	sessions Sessions,
	prompts map[string]string,
	logger *slog.Logger,
) (Main, error) {
	if llm == nil {
		return Main{}, errors.New("llm is required")
	}
	if sessions == nil {
		return Main{}, errors.New("sessions are required")
	}

	tmpl, err := template.ParseFS(gramai.TemplateFS, "templates/*.html")
	if err != nil {
		return Main{}, err
	}

	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(highlighting.WithStyle("github")),
		),
	)

	return Main{
		templates: tmpl,
		markdown:  md,
		llm:       llm,
		diagnoser: diagnoser,
		store:     store,
		sessions:  sessions,
		prompts:   prompts,
		logger:    logger.With(slog.String("module", "handlers")),
	}, nil
}

// Routes registers every endpoint on mux.
func (m Main) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/functions/v1/chat", m.HandleChat)
	mux.HandleFunc("/functions/v1/chat/history", m.HandleHistory)
	mux.HandleFunc("/functions/v1/chat/export", m.HandleExport)
	mux.HandleFunc("/functions/v1/scan-crop", m.HandleScanCrop)
	mux.HandleFunc("/auth/v1/signup", m.HandleSignUp)
	mux.HandleFunc("/auth/v1/user", m.HandleUser)
	mux.HandleFunc("/auth/v1/logout", m.HandleLogout)
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type, "+sessionHeader)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
