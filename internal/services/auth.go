package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// TokenStore persists the access token of the authenticated session.
type TokenStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// AuthClient talks to the anonymous-auth endpoints of the relay. It implements identity.Backend and keeps
// the session's access token in a TokenStore, so a later process resumes the same session.
type AuthClient struct {
	baseURL string
	apiKey  string
	tokens  TokenStore

	client *http.Client

	logger *slog.Logger
}

// AuthTokenKey is the TokenStore key of the access token.
const AuthTokenKey = "gram_auth_token"

type authSignUpResponse struct {
	AccessToken string   `json:"access_token"`
	User        authUser `json:"user"`
}

type authUser struct {
	ID string `json:"id"`
}

// NewAuthClient creates an AuthClient for the relay at baseURL.
func NewAuthClient(baseURL, apiKey string, tokens TokenStore, client *http.Client, logger *slog.Logger) AuthClient {
	if client == nil {
		client = &http.Client{}
	}
	return AuthClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		tokens:  tokens,
		client:  client,
		logger:  logger.With(slog.String("module", "auth")),
	}
}

// CurrentUser returns the user of the stored session, or an empty string when there is no stored token or
// the relay no longer accepts it. A rejected token is dropped.
func (a AuthClient) CurrentUser(ctx context.Context) (string, error) {
	token, err := a.tokens.Get(AuthTokenKey)
	if err != nil {
		return "", fmt.Errorf("failed to read access token: %w", err)
	}
	if token == "" {
		return "", nil
	}

	resp, err := a.doRequest(ctx, http.MethodGet, "/auth/v1/user", token)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		a.logger.Info("Stored session was rejected, dropping it")
		if err := a.tokens.Set(AuthTokenKey, ""); err != nil {
			return "", fmt.Errorf("failed to drop access token: %w", err)
		}
		return "", nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, body)
	}

	var user authUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}
	return user.ID, nil
}

// AccessToken returns the access token of the stored session, or an empty string when there is none.
func (a AuthClient) AccessToken(context.Context) (string, error) {
	token, err := a.tokens.Get(AuthTokenKey)
	if err != nil {
		return "", fmt.Errorf("failed to read access token: %w", err)
	}
	return token, nil
}

// SignInAnonymously asks the relay for a new anonymous user and stores its access token.
func (a AuthClient) SignInAnonymously(ctx context.Context) (string, error) {
	resp, err := a.doRequest(ctx, http.MethodPost, "/auth/v1/signup", "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, body)
	}

	var res authSignUpResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}
	if res.AccessToken == "" || res.User.ID == "" {
		return "", fmt.Errorf("incomplete sign up response")
	}

	if err := a.tokens.Set(AuthTokenKey, res.AccessToken); err != nil {
		return "", fmt.Errorf("failed to store access token: %w", err)
	}

	return res.User.ID, nil
}

// SignOut revokes the stored session on the relay. It is a no-op without a stored session.
func (a AuthClient) SignOut(ctx context.Context) error {
	token, err := a.tokens.Get(AuthTokenKey)
	if err != nil {
		return fmt.Errorf("failed to read access token: %w", err)
	}
	if token == "" {
		return nil
	}

	resp, err := a.doRequest(ctx, http.MethodPost, "/auth/v1/logout", token)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusUnauthorized {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, body)
	}

	return a.tokens.Set(AuthTokenKey, "")
}

func (a AuthClient) doRequest(ctx context.Context, method, path, token string) (*http.Response, error) {
	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewBufferString("{}")
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("apikey", a.apiKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	return resp, nil
}
