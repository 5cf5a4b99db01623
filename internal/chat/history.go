package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/MegaGrindStone/gram-ai/internal/models"
)

// FetchHistory retrieves the messages the relay has persisted for identity. endpoint is the history URL
// of the relay and token the access token issued to identity.
func FetchHistory(
	ctx context.Context,
	client *http.Client,
	endpoint, apiKey, token, identity string,
) ([]models.HistoryEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(SessionHeader, identity)
	setAuthHeaders(req, apiKey, token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to send request: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: unexpected status code: %d, body: %s", ErrTransport, resp.StatusCode, body)
	}

	var entries []models.HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return entries, nil
}

// setAuthHeaders sends apiKey in the apikey header and token as the bearer token, falling back to apiKey.
func setAuthHeaders(req *http.Request, apiKey, token string) {
	if apiKey != "" {
		req.Header.Set("apikey", apiKey)
	}
	if token == "" {
		token = apiKey
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
