package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"karen/internal/security"
	"karen/internal/utils"
)

// NewReadDocumentTool creates the read_document tool for extracting text from
// PDF documents fetched by URL
func NewReadDocumentTool() *Tool {
	return &Tool{
		Name:        "read_document",
		DisplayName: "Read Document",
		Description: "Downloads a PDF document from a URL and extracts its text content. Returns the extracted text with page and word counts. Use this to read reports, papers, and other PDF documents.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{
					"type":        "string",
					"description": "The URL of the PDF document (must be a valid HTTP/HTTPS URL)",
				},
				"max_length": map[string]interface{}{
					"type":        "number",
					"description": "Optional maximum text length in characters (default: 50000)",
					"default":     50000,
				},
			},
			"required": []string{"url"},
		},
		Execute:  executeReadDocument,
		Category: "data_sources",
		Keywords: []string{"document", "pdf", "read", "extract", "text", "file", "content", "paper", "report"},
	}
}

func executeReadDocument(ctx context.Context, args map[string]interface{}) (string, error) {
	urlStr, ok := args["url"].(string)
	if !ok || urlStr == "" {
		return "", fmt.Errorf("url parameter is required and must be a string")
	}

	if err := security.ValidateURLForSSRF(urlStr); err != nil {
		return "", err
	}

	maxLength := 50000
	if ml, ok := args["max_length"].(float64); ok && ml >= 1000 {
		maxLength = int(ml)
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", urlStr, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return "", fmt.Errorf("HTTP error %d: %s", resp.StatusCode, resp.Status)
	}

	// 25MB cap keeps a hostile URL from exhausting memory
	data, err := io.ReadAll(io.LimitReader(resp.Body, 25*1024*1024))
	if err != nil {
		return "", fmt.Errorf("failed to read document: %w", err)
	}

	if err := utils.ValidatePDF(data); err != nil {
		return "", fmt.Errorf("not a valid PDF document: %w", err)
	}

	meta, err := utils.ExtractPDFText(data)
	if err != nil {
		return "", fmt.Errorf("failed to extract text: %w", err)
	}

	text := meta.Text
	if len(text) > maxLength {
		text = utils.TruncateOnRune(text, maxLength) + "\n\n[Content truncated due to length limit]"
	}

	response := map[string]interface{}{
		"success":    true,
		"url":        urlStr,
		"page_count": meta.PageCount,
		"word_count": meta.WordCount,
		"content":    text,
	}

	responseJSON, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("failed to marshal response: %w", err)
	}
	return string(responseJSON), nil
}
