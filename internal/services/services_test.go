package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/MegaGrindStone/gram-ai/internal/identity"
	"github.com/MegaGrindStone/gram-ai/internal/models"
	"github.com/MegaGrindStone/gram-ai/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ identity.Store   = services.BoltDB{}
	_ identity.Store   = (*services.MemoryStore)(nil)
	_ identity.Backend = services.AuthClient{}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBoltDB(t *testing.T) services.BoltDB {
	t.Helper()
	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBoltDBIdentityStore(t *testing.T) {
	db := newBoltDB(t)

	v, err := db.Get("missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, db.Set("k", "v"))
	v, err = db.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, db.Clear())
	v, err = db.Get("k")
	require.NoError(t, err)
	assert.Empty(t, v)

	// The store is usable again after a clear.
	require.NoError(t, db.Set("k", "v2"))
}

func TestBoltDBPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	db, err := services.NewBoltDB(path)
	require.NoError(t, err)

	m := identity.NewManager(db, nil, identity.Options{Logger: discardLogger()})
	first := m.GetCachedIdentitySync()
	require.NoError(t, db.Close())

	db, err = services.NewBoltDB(path)
	require.NoError(t, err)
	defer db.Close()

	m = identity.NewManager(db, nil, identity.Options{Logger: discardLogger()})
	assert.Equal(t, first, m.GetCachedIdentitySync())
}

func TestBoltDBUsers(t *testing.T) {
	db := newBoltDB(t)
	ctx := context.Background()

	userID, token, err := db.CreateAnonymousUser(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, userID)
	require.NotEmpty(t, token)

	got, err := db.UserByToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	require.NoError(t, db.RevokeToken(ctx, token))
	got, err = db.UserByToken(ctx, token)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBoltDBHistory(t *testing.T) {
	db := newBoltDB(t)
	ctx := context.Background()

	// More than nine entries checks that key order stays numeric.
	for i := range 12 {
		_, err := db.AddMessage(ctx, "s1", models.HistoryEntry{
			ID:      fmt.Sprintf("m%d", i),
			Role:    models.RoleUser,
			Content: fmt.Sprintf("message %d", i),
		})
		require.NoError(t, err)
	}
	_, err := db.AddMessage(ctx, "s2", models.HistoryEntry{ID: "x", Role: models.RoleUser, Content: "other"})
	require.NoError(t, err)

	entries, err := db.Messages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, entries, 12)
	for i, e := range entries {
		assert.Equal(t, fmt.Sprintf("message %d", i), e.Content)
	}

	require.NoError(t, db.ClearMessages(ctx, "s1"))
	require.NoError(t, db.ClearMessages(ctx, "never-existed"))
	entries, err = db.Messages(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = db.Messages(ctx, "s2")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

type authServer struct {
	mu     sync.Mutex
	tokens map[string]string
	next   int
}

func newAuthServer(t *testing.T) (*authServer, *httptest.Server) {
	t.Helper()
	as := &authServer{tokens: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/signup", func(w http.ResponseWriter, r *http.Request) {
		as.mu.Lock()
		as.next++
		id, token := fmt.Sprintf("user-%d", as.next), fmt.Sprintf("token-%d", as.next)
		as.tokens[token] = id
		as.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"access_token": token, "user": map[string]string{"id": id}})
	})
	mux.HandleFunc("/auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		as.mu.Lock()
		id, ok := as.tokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
		as.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": id})
	})
	mux.HandleFunc("/auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		as.mu.Lock()
		delete(as.tokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		as.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return as, srv
}

func TestAuthClientWithManager(t *testing.T) {
	as, srv := newAuthServer(t)
	store := services.NewMemoryStore()
	client := services.NewAuthClient(srv.URL, "pk", store, srv.Client(), discardLogger())
	m := identity.NewManager(store, client, identity.Options{Logger: discardLogger()})
	ctx := context.Background()

	first, err := m.EnsureIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-1", first)
	assert.Equal(t, "token-1", storedValue(t, store, services.AuthTokenKey))

	second, err := m.EnsureIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, m.ClearIdentity(ctx))
	for _, key := range []string{services.AuthTokenKey, identity.BackendIdentityKey, identity.LocalIdentityKey} {
		assert.Empty(t, storedValue(t, store, key), key)
	}
	as.mu.Lock()
	assert.Empty(t, as.tokens)
	as.mu.Unlock()

	third, err := m.EnsureIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-2", third)
}

func TestAuthClientDropsRejectedToken(t *testing.T) {
	_, srv := newAuthServer(t)
	store := services.NewMemoryStore()
	require.NoError(t, store.Set(services.AuthTokenKey, "stale"))
	client := services.NewAuthClient(srv.URL, "", store, srv.Client(), discardLogger())

	id, err := client.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Empty(t, storedValue(t, store, services.AuthTokenKey))
}

func TestAuthClientUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := services.NewMemoryStore()
	client := services.NewAuthClient(srv.URL, "", store, srv.Client(), discardLogger())
	m := identity.NewManager(store, client, identity.Options{Logger: discardLogger()})

	_, err := m.EnsureIdentity(context.Background())
	require.ErrorIs(t, err, identity.ErrIdentityUnavailable)

	// The synchronous path still hands out a stopgap.
	assert.NotEmpty(t, m.GetCachedIdentitySync())
}

func storedValue(t *testing.T, store *services.MemoryStore, key string) string {
	t.Helper()
	v, err := store.Get(key)
	require.NoError(t, err)
	return v
}

func collect(t *testing.T, seq iter.Seq2[string, error]) (string, error) {
	t.Helper()
	var sb strings.Builder
	for delta, err := range seq {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(delta)
	}
	return sb.String(), nil
}

func gatewayStream(t *testing.T, check func(body map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if check != nil {
			check(body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{"Check", " nitrogen."} {
			fmt.Fprintf(w, `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":%q}}]}`+"\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIChat(t *testing.T) {
	srv := gatewayStream(t, func(body map[string]any) {
		msgs := body["messages"].([]any)
		assert.Len(t, msgs, 2)
		assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
		assert.Equal(t, "google/gemini-2.5-flash", body["model"])
	})
	o := services.NewOpenAI("key", srv.URL, "google/gemini-2.5-flash", services.LLMParameters{}, discardLogger())

	got, err := collect(t, o.Chat(context.Background(), "Be brief.", []models.Message{
		{Role: models.RoleUser, Content: "Why are my wheat leaves yellow?"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "Check nitrogen.", got)
}

func TestOpenRouterChat(t *testing.T) {
	temp := float32(0.2)
	srv := gatewayStream(t, func(body map[string]any) {
		assert.InDelta(t, 0.2, body["temperature"], 0.001)
	})
	o := services.NewOpenRouter("key", "m", srv.URL, services.LLMParameters{Temperature: &temp}, discardLogger())

	got, err := collect(t, o.Chat(context.Background(), "", []models.Message{
		{Role: models.RoleUser, Content: "hi"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "Check nitrogen.", got)
}

func TestGatewayErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer srv.Close()

	msgs := []models.Message{{Role: models.RoleUser, Content: "hi"}}

	openai := services.NewOpenAI("key", srv.URL, "m", services.LLMParameters{}, discardLogger())
	_, err := collect(t, openai.Chat(context.Background(), "", msgs))
	var gwErr *services.GatewayError
	require.True(t, errors.As(err, &gwErr), "openai: %v", err)
	assert.Equal(t, http.StatusTooManyRequests, gwErr.StatusCode)

	openRouter := services.NewOpenRouter("key", "m", srv.URL, services.LLMParameters{}, discardLogger())
	_, err = collect(t, openRouter.Chat(context.Background(), "", msgs))
	require.True(t, errors.As(err, &gwErr), "openrouter: %v", err)
	assert.Equal(t, http.StatusTooManyRequests, gwErr.StatusCode)
	assert.Equal(t, "slow down", gwErr.Message)
}

func TestOllamaChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"model":"m","message":{"role":"assistant","content":"Check"},"done":false}`)
		fmt.Fprintln(w, `{"model":"m","message":{"role":"assistant","content":" nitrogen."},"done":false}`)
		fmt.Fprintln(w, `{"model":"m","message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer srv.Close()

	o, err := services.NewOllama(srv.URL, "m", services.LLMParameters{}, discardLogger())
	require.NoError(t, err)

	got, err := collect(t, o.Chat(context.Background(), "Be brief.", []models.Message{
		{Role: models.RoleUser, Content: "hi"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "Check nitrogen.", got)
}
