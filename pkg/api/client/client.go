// Package client is a typed HTTP client for the switchyard API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CuAuPro/switchyard/internal/domain"
	"github.com/CuAuPro/switchyard/internal/events"
	"github.com/CuAuPro/switchyard/internal/service/registry"
)

// DefaultBaseURL is used when no API address is configured.
const DefaultBaseURL = "http://localhost:4201"

// Client provides typed access to the switchyard API for interactive tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// BaseURL reports the normalised API address.
func (c *Client) BaseURL() string { return c.baseURL }

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	if e.Kind != "" {
		return fmt.Sprintf("api request failed (%d %s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(resp *http.Response) error {
	apiErr := APIError{Status: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var payload struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(payload.Error)
	apiErr.Kind = payload.Kind
	return apiErr
}

// Session is the login response.
type Session struct {
	Token     string      `json:"token"`
	ExpiresIn int64       `json:"expiresIn"`
	User      domain.User `json:"user"`
}

// Login exchanges credentials for an access token. The token is not stored
// on the client.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}
	var resp Session
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &resp); err != nil {
		return Session{}, err
	}
	return resp, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (domain.User, error) {
	var user domain.User
	err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &user)
	return user, err
}

// ListServices returns every registered service.
func (c *Client) ListServices(ctx context.Context) ([]domain.ServiceDetail, error) {
	var services []domain.ServiceDetail
	if err := c.do(ctx, http.MethodGet, "/api/services", nil, &services); err != nil {
		return nil, err
	}
	return services, nil
}

// GetService fetches one service with its slots and history.
func (c *Client) GetService(ctx context.Context, serviceID string) (domain.ServiceDetail, error) {
	var detail domain.ServiceDetail
	err := c.do(ctx, http.MethodGet, servicePath(serviceID), nil, &detail)
	return detail, err
}

// RegisterService creates a service, or reseeds one with the same name.
func (c *Client) RegisterService(ctx context.Context, in registry.RegisterInput) (domain.ServiceDetail, error) {
	var detail domain.ServiceDetail
	err := c.do(ctx, http.MethodPost, "/api/services", in, &detail)
	return detail, err
}

// ConfigureService applies a partial update.
func (c *Client) ConfigureService(ctx context.Context, in registry.ConfigureInput) (domain.ServiceDetail, error) {
	var detail domain.ServiceDetail
	err := c.do(ctx, http.MethodPatch, servicePath(in.ServiceID), in, &detail)
	return detail, err
}

// DeleteService removes a service and its containers.
func (c *Client) DeleteService(ctx context.Context, serviceID string) error {
	return c.do(ctx, http.MethodDelete, servicePath(serviceID), nil, nil)
}

// StartEnvironment launches a slot's container.
func (c *Client) StartEnvironment(ctx context.Context, serviceID, label string) (domain.ServiceDetail, error) {
	return c.lifecycle(ctx, serviceID, label, "start")
}

// StopEnvironment stops and removes a slot's container.
func (c *Client) StopEnvironment(ctx context.Context, serviceID, label string) (domain.ServiceDetail, error) {
	return c.lifecycle(ctx, serviceID, label, "stop")
}

func (c *Client) lifecycle(ctx context.Context, serviceID, label, action string) (domain.ServiceDetail, error) {
	var detail domain.ServiceDetail
	path := fmt.Sprintf("%s/environments/%s/%s", servicePath(serviceID), url.PathEscape(label), action)
	err := c.do(ctx, http.MethodPost, path, nil, &detail)
	return detail, err
}

// Switch routes a service's traffic to a slot.
func (c *Client) Switch(ctx context.Context, in registry.SwitchInput) (domain.ServiceDetail, error) {
	var detail domain.ServiceDetail
	err := c.do(ctx, http.MethodPost, servicePath(in.ServiceID)+"/switch", in, &detail)
	return detail, err
}

// Deploy queues a version on the inactive slot.
func (c *Client) Deploy(ctx context.Context, in registry.DeployInput) (domain.Deployment, error) {
	var deployment domain.Deployment
	err := c.do(ctx, http.MethodPost, servicePath(in.ServiceID)+"/deployments", in, &deployment)
	return deployment, err
}

// StreamEvents follows the server-sent event stream and calls fn for each
// event until ctx is cancelled, the stream ends, or fn returns an error.
// An empty serviceID follows every service.
func (c *Client) StreamEvents(ctx context.Context, serviceID string, fn func(events.Event) error) error {
	path := "/api/events/stream"
	if serviceID != "" {
		path += "?serviceId=" + url.QueryEscape(serviceID)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	stream := *c.httpClient
	stream.Timeout = 0
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt events.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

func servicePath(serviceID string) string {
	return "/api/services/" + url.PathEscape(serviceID)
}
