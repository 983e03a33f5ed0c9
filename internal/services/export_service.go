package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"karen/internal/config"
	"karen/internal/models"
)

// ErrPDFDisabled is returned when a PDF export is requested but the
// chromium-backed renderer is not enabled
var ErrPDFDisabled = errors.New("pdf export disabled")

const pdfRenderTimeout = 30 * time.Second

// ExportArtifact is a rendered export ready to be sent as a download
type ExportArtifact struct {
	Data        []byte
	ContentType string
	Filename    string
}

// ExportService renders conversations and privacy bundles as JSON, Markdown,
// HTML and (when enabled) PDF
type ExportService struct {
	markdown   goldmark.Markdown
	pdfEnabled bool
	chromePath string
}

// NewExportService creates a new export service
func NewExportService(cfg *config.Config) *ExportService {
	return &ExportService{
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		),
		pdfEnabled: cfg.PDFExportEnabled,
		chromePath: cfg.ChromiumPath,
	}
}

// PDFEnabled reports whether PDF rendering is available
func (s *ExportService) PDFEnabled() bool {
	return s.pdfEnabled
}

// Conversation renders one conversation in the requested format
func (s *ExportService) Conversation(ctx context.Context, conv *models.Conversation, format string) (*ExportArtifact, error) {
	base := exportFilename(conv.Title)

	switch format {
	case models.ExportFormatJSON:
		data, err := json.MarshalIndent(conv, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to serialize conversation: %w", err)
		}
		return &ExportArtifact{Data: data, ContentType: "application/json", Filename: base + ".json"}, nil

	case models.ExportFormatMarkdown:
		md := s.ConversationMarkdown(conv)
		return &ExportArtifact{Data: []byte(md), ContentType: "text/markdown; charset=utf-8", Filename: base + ".md"}, nil

	case models.ExportFormatHTML:
		doc, err := s.RenderHTML(conv.Title, s.ConversationMarkdown(conv))
		if err != nil {
			return nil, err
		}
		return &ExportArtifact{Data: doc, ContentType: "text/html; charset=utf-8", Filename: base + ".html"}, nil

	case models.ExportFormatPDF:
		doc, err := s.RenderPDF(ctx, conv.Title, s.ConversationMarkdown(conv))
		if err != nil {
			return nil, err
		}
		return &ExportArtifact{Data: doc, ContentType: "application/pdf", Filename: base + ".pdf"}, nil

	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}

// ConversationMarkdown renders a conversation as a markdown transcript
func (s *ExportService) ConversationMarkdown(conv *models.Conversation) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", conv.Title)
	fmt.Fprintf(&b, "- Created: %s\n", conv.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Updated: %s\n", conv.UpdatedAt.Format(time.RFC3339))
	if conv.ModelID != "" {
		fmt.Fprintf(&b, "- Model: %s\n", conv.ModelID)
	}
	if len(conv.Tags) > 0 {
		fmt.Fprintf(&b, "- Tags: %s\n", strings.Join(conv.Tags, ", "))
	}
	fmt.Fprintf(&b, "- Messages: %d\n\n", len(conv.Messages))

	if conv.SystemPrompt != "" {
		b.WriteString("## System Prompt\n\n")
		b.WriteString(conv.SystemPrompt)
		b.WriteString("\n\n")
	}

	for _, msg := range conv.Messages {
		switch msg.Role {
		case models.MessageRoleUser:
			b.WriteString("## 🧑 User")
		case models.MessageRoleAssistant:
			b.WriteString("## 🤖 Assistant")
			if msg.ModelID != "" {
				fmt.Fprintf(&b, " (%s)", msg.ModelID)
			}
		default:
			b.WriteString("## ⚙️ System")
		}
		fmt.Fprintf(&b, "\n*%s*\n\n", msg.Timestamp.Format(time.RFC3339))
		b.WriteString(msg.Content)
		b.WriteString("\n\n")

		for _, call := range msg.ToolCalls {
			fmt.Fprintf(&b, "> Tool `%s`", call.ToolName)
			if call.IsError {
				b.WriteString(" (failed)")
			}
			b.WriteString("\n")
			if call.Result != "" {
				fmt.Fprintf(&b, "> %s\n", strings.ReplaceAll(call.Result, "\n", "\n> "))
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}

// RenderHTML converts markdown into a standalone styled HTML document
func (s *ExportService) RenderHTML(title, markdown string) ([]byte, error) {
	var body bytes.Buffer
	if err := s.markdown.Convert([]byte(markdown), &body); err != nil {
		return nil, fmt.Errorf("failed to convert markdown: %w", err)
	}

	doc := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>%s</title>
    <style>
        body {
            font-family: 'Segoe UI', Arial, sans-serif;
            line-height: 1.6;
            max-width: 800px;
            margin: 0 auto;
            padding: 40px 20px;
            color: #333;
        }
        h1, h2, h3 { color: #2c3e50; }
        code { background-color: #f4f4f4; padding: 2px 6px; border-radius: 3px; }
        pre { background-color: #2d2d2d; color: #f8f8f2; padding: 16px; border-radius: 6px; overflow-x: auto; }
        blockquote { border-left: 4px solid #3498db; margin-left: 0; padding-left: 16px; color: #555; }
        table { border-collapse: collapse; width: 100%%; margin: 20px 0; }
        th, td { border: 1px solid #ddd; padding: 12px; text-align: left; }
        th { background-color: #3498db; color: white; }
    </style>
</head>
<body>
    %s
</body>
</html>`, html.EscapeString(title), body.String())

	return []byte(doc), nil
}

// RenderPDF converts markdown to PDF via headless chromium
func (s *ExportService) RenderPDF(ctx context.Context, title, markdown string) ([]byte, error) {
	if !s.pdfEnabled {
		return nil, ErrPDFDisabled
	}

	htmlDoc, err := s.RenderHTML(title, markdown)
	if err != nil {
		return nil, err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(s.chromePath),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	chromeCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	chromeCtx, cancel = context.WithTimeout(chromeCtx, pdfRenderTimeout)
	defer cancel()

	var pdfBuffer []byte
	err = chromedp.Run(chromeCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frameTree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frameTree.Frame.ID, string(htmlDoc)).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdfBuffer, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithDisplayHeaderFooter(false).
				WithPaperWidth(8.27).
				WithPaperHeight(11.69).
				WithScale(1.0).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to render PDF: %w", err)
	}

	return pdfBuffer, nil
}

// exportFilename derives a filesystem-safe name from a title
func exportFilename(title string) string {
	name := strings.ToLower(strings.TrimSpace(title))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "export"
	}
	if len(out) > 60 {
		out = out[:60]
	}
	return out
}
