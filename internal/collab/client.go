package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

type UserInfo struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Color  string `json:"color"`
}

type AuthorizeRequest struct {
	UserID   string
	UserInfo UserInfo
	Room     string
	Grant    Grant
}

// AuthorizeResponse is the realtime service's reply, passed through to the
// caller untouched.
type AuthorizeResponse struct {
	Status int
	Body   []byte
}

type Client interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResponse, error)
}

// HTTPClient talks to a Liveblocks-compatible authorize-user endpoint.
type HTTPClient struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, secretKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type authorizeUserBody struct {
	UserID      string              `json:"userId"`
	UserInfo    UserInfo            `json:"userInfo"`
	Permissions map[string][]string `json:"permissions"`
}

// Authorize issues exactly one request. Non-2xx replies are returned as a
// response, not an error; only transport failures produce an error.
func (c *HTTPClient) Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResponse, error) {
	encoded, err := json.Marshal(authorizeUserBody{
		UserID:      req.UserID,
		UserInfo:    req.UserInfo,
		Permissions: map[string][]string{req.Room: req.Grant.Permissions()},
	})
	if err != nil {
		return AuthorizeResponse{}, fmt.Errorf("collab: encode authorize body: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/authorize-user", bytes.NewReader(encoded))
	if err != nil {
		return AuthorizeResponse{}, fmt.Errorf("collab: create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+c.secretKey)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return AuthorizeResponse{}, fmt.Errorf("collab: authorize-user request failed: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return AuthorizeResponse{}, fmt.Errorf("collab: read response body: %w", err)
	}
	return AuthorizeResponse{Status: response.StatusCode, Body: body}, nil
}
