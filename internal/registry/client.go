package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Client talks to the orchestrator registry API.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewClient builds a registry client with a bounded default timeout.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:  strings.TrimSpace(apiKey),
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Register upserts svc in the remote registry.
func (c *Client) Register(ctx context.Context, svc Service) (Service, error) {
	var out Service
	err := c.do(ctx, http.MethodPost, "/registry/services", svc, &out)
	return out, err
}

// Heartbeat refreshes LastSeen for name.
func (c *Client) Heartbeat(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/registry/services/"+url.PathEscape(name)+"/heartbeat", nil, nil)
}

// Unregister removes name from the remote registry.
func (c *Client) Unregister(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/registry/services/"+url.PathEscape(name), nil, nil)
}

// List returns all remote services.
func (c *Client) List(ctx context.Context) ([]Service, error) {
	var out struct {
		Services []Service `json:"services"`
	}
	if err := c.do(ctx, http.MethodGet, "/registry/services", nil, &out); err != nil {
		return nil, err
	}
	return out.Services, nil
}

// Get returns one remote service.
func (c *Client) Get(ctx context.Context, name string) (Service, error) {
	var out Service
	err := c.do(ctx, http.MethodGet, "/registry/services/"+url.PathEscape(name), nil, &out)
	return out, err
}

// RemoteError is a non-2xx registry response.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("registry: remote status %d: %s", e.Status, e.Message)
}

// Unwrap maps 404 responses onto ErrServiceNotFound.
func (e *RemoteError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return ErrServiceNotFound
	}
	if e.Status == http.StatusBadRequest {
		return ErrInvalidService
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("registry: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &e)
		if e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &RemoteError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// KeepRegistered registers svc and heartbeats every interval until ctx ends.
// Registration failures are retried on the next tick.
func (c *Client) KeepRegistered(ctx context.Context, svc Service, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	registered := false
	attempt := func() {
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if !registered {
			if _, err := c.Register(callCtx, svc); err != nil {
				log.Warn().Str("service", svc.Name).Str("registry", c.BaseURL).Err(err).Msg("self-registration failed")
				return
			}
			registered = true
			log.Info().Str("service", svc.Name).Str("registry", c.BaseURL).Msg("self-registered")
			return
		}
		if err := c.Heartbeat(callCtx, svc.Name); err != nil {
			log.Warn().Str("service", svc.Name).Err(err).Msg("heartbeat failed")
			registered = false
		}
	}

	attempt()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			attempt()
		}
	}
}
