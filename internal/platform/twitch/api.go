package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const validateURL = "https://id.twitch.tv/oauth2/validate"

// ConnectTokens identify the IRC login. Zero value means anonymous.
type ConnectTokens struct {
	Username string
	Token    string
}

// Identity is the validated owner of an OAuth token.
type Identity struct {
	Login  string
	UserID string
}

// APIClient calls the twitch identity API.
type APIClient struct {
	http *http.Client
}

// NewAPIClient creates a client. httpClient may be nil.
func NewAPIClient(httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &APIClient{http: httpClient}
}

// Validate resolves the identity behind an OAuth token. A rejected token
// returns (nil, nil): not being logged in is a result.
func (c *APIClient) Validate(ctx context.Context, token string) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+strings.TrimPrefix(token, "oauth:"))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("validate token: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read validate response: %w", err)
	}
	var res struct {
		Login  string `json:"login"`
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode validate response: %w", err)
	}
	return &Identity{Login: res.Login, UserID: res.UserID}, nil
}
