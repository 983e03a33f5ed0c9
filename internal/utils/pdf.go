package utils

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// Limits sized for dataset uploads: the 50MB upload cap bounds the raw file,
// these bound what extraction is willing to produce from it.
const (
	MaxPDFPages          = 500
	MaxExtractedTextSize = 4 * 1024 * 1024

	// Pages below this word count carry no trainable text
	minExampleWords = 20
)

// PDFExtract is the text view of an uploaded PDF. PageWords holds per-page
// word counts so dataset ingestion can count trainable pages.
type PDFExtract struct {
	PageCount int
	WordCount int
	PageWords []int
	Text      string
	Truncated bool
}

// ExampleCount returns the number of pages with enough text to serve as a
// training example. A document with any text at all counts as one example.
func (e *PDFExtract) ExampleCount() int {
	count := 0
	for _, words := range e.PageWords {
		if words >= minExampleWords {
			count++
		}
	}
	if count == 0 && e.WordCount > 0 {
		count = 1
	}
	return count
}

// ValidatePDF checks that the bytes parse as a PDF document
func ValidatePDF(data []byte) error {
	if _, err := pdf.NewReader(bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("invalid PDF: %w", err)
	}
	return nil
}

// ExtractPDFText pulls the plain text out of a PDF, page by page. Pages
// that fail extraction are skipped; the whole document fails only when it
// cannot be opened or exceeds the page limit.
func ExtractPDFText(data []byte) (*PDFExtract, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}

	pages := reader.NumPage()
	if pages == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}
	if pages > MaxPDFPages {
		return nil, fmt.Errorf("PDF has %d pages, the limit is %d", pages, MaxPDFPages)
	}

	extract := &PDFExtract{PageCount: pages, PageWords: make([]int, 0, pages)}
	var b strings.Builder

	for n := 1; n <= pages; n++ {
		page := reader.Page(n)
		if page.V.IsNull() {
			extract.PageWords = append(extract.PageWords, 0)
			continue
		}
		raw, err := page.GetPlainText(nil)
		if err != nil {
			extract.PageWords = append(extract.PageWords, 0)
			continue
		}

		text := collapseWhitespace(raw)
		words := len(strings.Fields(text))
		extract.PageWords = append(extract.PageWords, words)
		extract.WordCount += words
		if text == "" {
			continue
		}

		fmt.Fprintf(&b, "\n--- Page %d ---\n%s\n", n, text)
		if b.Len() > MaxExtractedTextSize {
			extract.Truncated = true
			break
		}
	}

	extract.Text = b.String()
	if len(extract.Text) > MaxExtractedTextSize {
		extract.Text = TruncateOnRune(extract.Text, MaxExtractedTextSize)
		extract.Truncated = true
	}
	if extract.Truncated {
		extract.Text += "\n[truncated]"
	}

	return extract, nil
}

// collapseWhitespace strips NUL bytes and squeezes runs of whitespace to a
// single space, keeping line breaks
func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	pendingSpace := false
	for _, r := range s {
		switch {
		case r == 0:
		case r == '\n':
			b.WriteByte('\n')
			pendingSpace = false
		case unicode.IsSpace(r):
			pendingSpace = true
		default:
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			pendingSpace = false
		}
	}

	return strings.TrimSpace(b.String())
}

// TruncateOnRune cuts s to at most max bytes without splitting a UTF-8 rune
func TruncateOnRune(s string, max int) string {
	if max < 0 {
		max = 0
	}
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
