package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"karen/internal/security"
)

// NewHTTPRequestTool creates the http_request tool for probing REST endpoints
func NewHTTPRequestTool() *Tool {
	return &Tool{
		Name:        "http_request",
		DisplayName: "HTTP Request",
		Description: "Send an HTTP request to a REST API endpoint (GET, POST, PUT, DELETE, PATCH). Returns the status code, response headers, body and timing. Useful for API testing, debugging, and validation.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{
					"type":        "string",
					"description": "API endpoint URL (must include http:// or https://)",
					"pattern":     "^https?://.*$",
				},
				"method": map[string]interface{}{
					"type":        "string",
					"description": "HTTP method to use",
					"enum":        []string{"GET", "POST", "PUT", "DELETE", "PATCH"},
					"default":     "GET",
				},
				"headers": map[string]interface{}{
					"type":        "object",
					"description": "HTTP headers to include in the request (optional)",
					"additionalProperties": map[string]interface{}{
						"type": "string",
					},
				},
				"body": map[string]interface{}{
					"type":        "string",
					"description": "Request body (JSON string, optional)",
				},
				"expected_status": map[string]interface{}{
					"type":        "number",
					"description": "Expected HTTP status code for validation (optional)",
					"minimum":     100,
					"maximum":     599,
				},
			},
			"required": []string{"url"},
		},
		Execute:  executeHTTPRequest,
		Category: "integration",
		Keywords: []string{"api", "test", "http", "rest", "endpoint", "request", "response", "get", "post", "put", "delete", "patch", "debugging"},
	}
}

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true,
}

func executeHTTPRequest(ctx context.Context, args map[string]interface{}) (string, error) {
	urlStr, ok := args["url"].(string)
	if !ok {
		return "", fmt.Errorf("url must be a string")
	}
	if !strings.HasPrefix(urlStr, "http://") && !strings.HasPrefix(urlStr, "https://") {
		return "", fmt.Errorf("url must start with http:// or https://")
	}

	// SSRF protection: block requests to internal/private networks
	if err := security.ValidateURLForSSRF(urlStr); err != nil {
		return "", err
	}

	method := "GET"
	if m, ok := args["method"].(string); ok {
		method = strings.ToUpper(m)
	}
	if !allowedMethods[method] {
		return "", fmt.Errorf("unsupported method %s", method)
	}

	var bodyReader io.Reader
	if b, ok := args["body"].(string); ok && b != "" {
		bodyReader = strings.NewReader(b)
	}

	expectedStatus := 0
	if es, ok := args["expected_status"].(float64); ok {
		expectedStatus = int(es)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, urlStr, bodyReader)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	if headersRaw, ok := args["headers"].(map[string]interface{}); ok {
		for key, value := range headersRaw {
			req.Header.Set(key, fmt.Sprintf("%v", value))
		}
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	// 1MB body cap keeps tool output within model context budgets
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	result := map[string]interface{}{
		"success":          true,
		"url":              urlStr,
		"method":           method,
		"status_code":      resp.StatusCode,
		"response_time_ms": elapsed.Milliseconds(),
		"headers":          headers,
		"body":             string(respBody),
	}

	if expectedStatus > 0 {
		result["expected_status"] = expectedStatus
		result["status_matches"] = resp.StatusCode == expectedStatus
		if resp.StatusCode != expectedStatus {
			result["success"] = false
		}
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to marshal response: %w", err)
	}
	return string(resultJSON), nil
}
