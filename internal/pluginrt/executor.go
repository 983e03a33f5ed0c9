package pluginrt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Executor talks to the out-of-process plugin runtime sidecar over HTTP.
// Sandbox plugins declare an entrypoint in their manifest; the sidecar loads
// the plugin code and runs the entrypoint in isolation.
type Executor struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// ExecuteRequest is the payload sent to the runtime's /execute endpoint
type ExecuteRequest struct {
	Plugin     string         `json:"plugin"`
	Entrypoint string         `json:"entrypoint"`
	Args       map[string]any `json:"args,omitempty"`
	Timeout    int            `json:"timeout,omitempty"` // seconds
}

// ExecuteResponse is the runtime's execution result
type ExecuteResponse struct {
	Success       bool     `json:"success"`
	Output        string   `json:"output"`
	Stderr        string   `json:"stderr"`
	Error         *string  `json:"error"`
	ExecutionTime *float64 `json:"execution_time"`
}

// New creates a runtime client for the given base URL. Returns nil when no
// URL is configured; callers treat a nil executor as "sandbox plugins
// unavailable".
func New(baseURL string) *Executor {
	if baseURL == "" {
		return nil
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	e := &Executor{
		baseURL: baseURL,
		httpClient: &http.Client{
			// Allows a 2 minute plugin run plus transfer overhead
			Timeout: 150 * time.Second,
		},
		logger: logger,
	}

	e.logger.WithField("baseURL", baseURL).Info("Plugin runtime client initialized")
	return e
}

// HealthCheck checks if the plugin runtime sidecar is reachable
func (e *Executor) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", e.baseURL)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed: status=%d, body=%s", resp.StatusCode, string(body))
	}

	return nil
}

// Execute runs a plugin entrypoint in the runtime sandbox
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	url := fmt.Sprintf("%s/execute", e.baseURL)

	if req.Timeout == 0 {
		req.Timeout = 30
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"plugin":     req.Plugin,
		"entrypoint": req.Entrypoint,
		"timeout":    req.Timeout,
	}).Info("Executing plugin in runtime sandbox")

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("execution failed: status=%d, body=%s", resp.StatusCode, string(body))
	}

	var result ExecuteResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"plugin":     req.Plugin,
		"success":    result.Success,
		"has_output": len(result.Output) > 0,
		"has_stderr": len(result.Stderr) > 0,
	}).Info("Plugin execution completed")

	return &result, nil
}
