package tools

import (
	"bytes"
	"context"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// markdownRenderer is shared across invocations; goldmark.Markdown is safe
// for concurrent use
var markdownRenderer = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// NewRenderMarkdownTool creates the render_markdown tool
func NewRenderMarkdownTool() *Tool {
	return &Tool{
		Name:        "render_markdown",
		DisplayName: "Render Markdown",
		Description: "Converts Markdown text to HTML. Supports GitHub Flavored Markdown including tables, strikethrough, task lists and autolinks.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"markdown": map[string]interface{}{
					"type":        "string",
					"description": "The Markdown source text to convert",
				},
			},
			"required": []string{"markdown"},
		},
		Execute:  executeRenderMarkdown,
		Category: "output",
		Keywords: []string{"markdown", "html", "render", "convert", "format", "gfm"},
	}
}

func executeRenderMarkdown(_ context.Context, args map[string]interface{}) (string, error) {
	source, ok := args["markdown"].(string)
	if !ok || source == "" {
		return "", fmt.Errorf("markdown parameter is required and must be a string")
	}

	// 1MB input cap
	if len(source) > 1024*1024 {
		return "", fmt.Errorf("markdown input too large (max 1MB)")
	}

	var buf bytes.Buffer
	if err := markdownRenderer.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}

	return buf.String(), nil
}
