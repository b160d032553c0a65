package deploy

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

const maxErrorBody = 4096

// HTTPClient talks to the deployment service over its JSON API
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPClient creates a client for the service at baseURL
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

type profileResponse struct {
	Login string `json:"login"`
}

type createResponse struct {
	DeploymentID string `json:"deployment_id"`
}

func (c *HTTPClient) UserProfile(ctx context.Context) (string, error) {
	var out profileResponse
	if err := c.do(ctx, http.MethodGet, "/user/profile", nil, &out); err != nil {
		return "", err
	}
	if out.Login == "" {
		return "", fmt.Errorf("profile has no login")
	}
	return out.Login, nil
}

func (c *HTTPClient) CreateDeployment(ctx context.Context, in CreateInput) (string, error) {
	var out createResponse
	if err := c.do(ctx, http.MethodPost, "/deployment", in, &out); err != nil {
		return "", err
	}
	if out.DeploymentID == "" {
		return "", fmt.Errorf("deployment service returned no deployment id")
	}
	return out.DeploymentID, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
