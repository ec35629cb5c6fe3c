package attachments

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
)

const (
	maxPDFPages      = 100
	maxExtractedText = 256 * 1024
)

// PDFPreview extracts a bounded text preview from a PDF so document
// contents can be inlined into the agent prompt.
func PDFPreview(path string, maxChars int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	pages := reader.NumPage()
	if pages == 0 {
		return "", fmt.Errorf("pdf has no pages")
	}
	if pages > maxPDFPages {
		pages = maxPDFPages
	}

	var b strings.Builder
	for n := 1; n <= pages; n++ {
		page := reader.Page(n)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		cleaned := cleanPDFText(text)
		if cleaned == "" {
			continue
		}
		fmt.Fprintf(&b, "\n--- Page %d ---\n%s\n", n, cleaned)
		if b.Len() > maxExtractedText {
			break
		}
	}

	out := strings.TrimSpace(b.String())
	if len(out) > maxChars {
		cut := out[:maxChars]
		if idx := strings.LastIndex(cut, " "); idx > maxChars/2 {
			cut = cut[:idx]
		}
		out = cut + "..."
	}
	return out, nil
}

func cleanPDFText(text string) string {
	text = strings.ReplaceAll(text, "\x00", "")

	var b strings.Builder
	lastWasSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !lastWasSpace {
				if r == '\n' {
					b.WriteRune('\n')
					lastWasSpace = false
				} else {
					b.WriteRune(' ')
					lastWasSpace = true
				}
			}
		} else {
			b.WriteRune(r)
			lastWasSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}
