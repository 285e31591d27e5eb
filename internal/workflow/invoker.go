package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrPermanent marks an invocation failure that retrying cannot fix.
var ErrPermanent = errors.New("workflow: permanent failure")

// Call is one rendered service request.
type Call struct {
	Service     string
	Method      string
	Path        string
	Body        any
	ExecutionID string
	StepID      string
}

// Result is a successful service response.
type Result struct {
	StatusCode int
	Output     any
}

// Invoker performs service calls for the engine.
type Invoker interface {
	Invoke(ctx context.Context, call Call) (Result, error)
}

// Resolver maps a service name to its base URL.
type Resolver interface {
	Resolve(name string) (string, error)
}

const maxResponseBytes = 8 << 20

// HTTPInvoker calls registered services over HTTP with JSON bodies.
type HTTPInvoker struct {
	Resolver Resolver
	Client   *http.Client
	APIKey   string
}

// NewHTTPInvoker returns an invoker that resolves services through r.
func NewHTTPInvoker(r Resolver, apiKey string) *HTTPInvoker {
	return &HTTPInvoker{
		Resolver: r,
		Client:   &http.Client{Timeout: 2 * time.Minute},
		APIKey:   strings.TrimSpace(apiKey),
	}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, call Call) (Result, error) {
	base, err := h.Resolver.Resolve(call.Service)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	var body io.Reader
	if call.Body != nil {
		raw, err := json.Marshal(call.Body)
		if err != nil {
			return Result{}, fmt.Errorf("%w: encode body: %v", ErrPermanent, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, call.Method, strings.TrimRight(base, "/")+call.Path, body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	req.Header.Set("Accept", "application/json")
	if call.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if call.ExecutionID != "" {
		req.Header.Set("X-Execution-ID", call.ExecutionID)
	}
	if call.StepID != "" {
		req.Header.Set("X-Workflow-Step", call.StepID)
	}
	if h.APIKey != "" {
		req.Header.Set("X-API-Key", h.APIKey)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%s %s %s: %w", call.Service, call.Method, call.Path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("%s %s %s: read response: %w", call.Service, call.Method, call.Path, err)
	}
	output := decodeOutput(raw)
	switch {
	case resp.StatusCode >= 500:
		return Result{StatusCode: resp.StatusCode, Output: output},
			fmt.Errorf("%s %s %s: status %d: %s", call.Service, call.Method, call.Path, resp.StatusCode, summarize(raw))
	case resp.StatusCode >= 400:
		return Result{StatusCode: resp.StatusCode, Output: output},
			fmt.Errorf("%w: %s %s %s: status %d: %s", ErrPermanent, call.Service, call.Method, call.Path, resp.StatusCode, summarize(raw))
	}
	return Result{StatusCode: resp.StatusCode, Output: output}, nil
}

func decodeOutput(raw []byte) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err == nil {
		return v
	}
	return string(raw)
}

func summarize(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, call Call) (Result, error)

func (f InvokerFunc) Invoke(ctx context.Context, call Call) (Result, error) {
	return f(ctx, call)
}
