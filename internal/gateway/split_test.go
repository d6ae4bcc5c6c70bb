package gateway

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitMessageShortUnchanged(t *testing.T) {
	chunks := SplitMessage("hello", 2000)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("unexpected chunks: %#v", chunks)
	}
}

func TestSplitMessagePrefersNewline(t *testing.T) {
	text := strings.Repeat("a", 50) + "\n" + strings.Repeat("b", 50)
	chunks := SplitMessage(text, 80)
	if len(chunks) != 2 {
		t.Fatalf("want 2 chunks, got %d", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "a\n") {
		t.Errorf("first chunk should end at the newline, got %q tail", chunks[0][len(chunks[0])-5:])
	}
	if chunks[0]+chunks[1] != text {
		t.Error("chunks do not reassemble to the original")
	}
}

func TestSplitMessagePrefersSpace(t *testing.T) {
	text := strings.Repeat("word ", 30) // 150 chars, no newlines
	chunks := SplitMessage(text, 100)
	for i, c := range chunks {
		if len(c) > 100 {
			t.Errorf("chunk %d exceeds max: %d", i, len(c))
		}
	}
	if strings.Join(chunks, "") != text {
		t.Error("chunks do not reassemble to the original")
	}
}

func TestSplitMessageHardCutRespectsRunes(t *testing.T) {
	text := strings.Repeat("日本語テキスト", 100) // no spaces or newlines
	chunks := SplitMessage(text, 100)
	for i, c := range chunks {
		if len(c) > 100 {
			t.Errorf("chunk %d exceeds max: %d", i, len(c))
		}
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d split inside a rune", i)
		}
	}
	if strings.Join(chunks, "") != text {
		t.Error("chunks do not reassemble to the original")
	}
}

func TestSplitMessageCodeFenceAcrossBoundary(t *testing.T) {
	// 4000 chars with an unterminated fenced block starting midway.
	var b strings.Builder
	for b.Len() < 1500 {
		b.WriteString("some prose line about the build\n")
	}
	b.WriteString("```\n")
	for b.Len() < 4000 {
		b.WriteString("func main() { fmt.Println(\"hi\") }\n")
	}
	text := b.String()

	chunks := SplitMessage(text, 2000)
	if len(chunks) < 2 {
		t.Fatalf("want at least 2 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 2000 {
			t.Errorf("chunk %d exceeds max: %d", i, len(c))
		}
	}
	if !strings.HasSuffix(chunks[0], "\n```") {
		t.Errorf("first chunk should close the fence, tail %q", chunks[0][len(chunks[0])-8:])
	}
	if !strings.HasPrefix(chunks[1], "```\n") {
		t.Errorf("second chunk should reopen the fence, head %q", chunks[1][:8])
	}

	// Stripping the boundary close/reopen pairs restores the original text.
	joined := strings.Join(chunks, "")
	for i := 0; i < len(chunks)-1; i++ {
		if strings.HasSuffix(chunks[i], "\n```") && strings.HasPrefix(chunks[i+1], "```\n") {
			joined = strings.Replace(joined, "\n```"+"```\n", "", 1)
		}
	}
	if joined != text {
		t.Error("stripping boundary fences does not restore the original")
	}
}

func TestSplitMessageBalancedFenceNotReopened(t *testing.T) {
	text := "```\ncode\n```\n" + strings.Repeat("plain text ", 30)
	chunks := SplitMessage(text, 50)
	for i := 1; i < len(chunks); i++ {
		if strings.HasPrefix(chunks[i], "```\n") && !strings.HasSuffix(chunks[i-1], "\n```") {
			t.Errorf("chunk %d reopens a fence that was never closed", i)
		}
	}
	if strings.Join(chunks, "") != text {
		// The fence closes within the first chunk, so nothing is inserted.
		t.Error("chunks with balanced fences should reassemble verbatim")
	}
}
