package telegram

import (
	"strings"
	"testing"
)

func TestSplitShortMessageUntouched(t *testing.T) {
	chunks := splitIntoChunks("hello", maxChunkSize)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Errorf("got %v", chunks)
	}
}

func TestSplitRespectsParagraphs(t *testing.T) {
	para := strings.Repeat("palabra ", 300) // ~2400 chars
	text := para + "\n\n" + para + "\n\n" + para

	chunks := splitIntoChunks(text, 4000)
	if len(chunks) < 2 {
		t.Fatalf("long text should split, got %d chunks", len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk) > 4000 {
			t.Errorf("chunk %d over limit: %d chars", i, len(chunk))
		}
	}
	// Nothing lost apart from the boundary whitespace.
	joined := strings.Join(chunks, " ")
	if strings.Count(joined, "palabra") != 900 {
		t.Errorf("content lost in split: %d words", strings.Count(joined, "palabra"))
	}
}

func TestSplitPrefersCodeFenceBoundary(t *testing.T) {
	code := "```go\n" + strings.Repeat("x := 1\n", 400) + "```\n"
	text := code + strings.Repeat("after ", 300)

	chunks := splitIntoChunks(text, 4000)
	for i, chunk := range chunks {
		if len(chunk) > 4000 {
			t.Errorf("chunk %d over limit", i)
		}
	}
}

func TestStripMarkdown(t *testing.T) {
	in := "# Title\n**bold** and `code` and [link](https://x.dev)\n```go\nbody\n```"
	out := stripMarkdown(in)
	for _, banned := range []string{"**", "`", "# ", "]("} {
		if strings.Contains(out, banned) {
			t.Errorf("markdown marker %q left in %q", banned, out)
		}
	}
	for _, kept := range []string{"Title", "bold", "code", "link (https://x.dev)", "body"} {
		if !strings.Contains(out, kept) {
			t.Errorf("content %q lost: %q", kept, out)
		}
	}
}

func TestToTelegramHTML(t *testing.T) {
	out := toTelegramHTML("**bold** and _italic_")
	if !strings.Contains(out, "<b>bold</b>") {
		t.Errorf("bold not converted: %q", out)
	}
	if !strings.Contains(out, "<i>italic</i>") {
		t.Errorf("italic not converted: %q", out)
	}
}
