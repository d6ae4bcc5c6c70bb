package gateway

import "strings"

const codeFence = "```"

// SplitMessage cuts text into chunks of at most max bytes, preferring a
// newline and then a space as the split point. When a chunk would end inside
// a fenced code block the fence is closed at the chunk boundary and reopened
// at the start of the next chunk, so every chunk renders as balanced
// markdown. Concatenating the chunks minus those boundary fences restores
// the original text.
func SplitMessage(text string, max int) []string {
	if max <= 0 || len(text) <= max {
		return []string{text}
	}

	const (
		closeAtEnd  = "\n```"
		openAtStart = "```\n"
	)

	var chunks []string
	open := false
	rest := text
	for rest != "" {
		prefix := ""
		if open {
			prefix = openAtStart
		}
		budget := max - len(prefix)
		if len(rest) <= budget {
			chunks = append(chunks, prefix+rest)
			break
		}

		cut := splitPoint(rest, budget)
		if leavesFenceOpen(open, rest[:cut]) {
			// Reserve room for the closing fence.
			cut = splitPoint(rest, budget-len(closeAtEnd))
		}
		body := rest[:cut]
		chunk := prefix + body
		if leavesFenceOpen(open, body) {
			chunk += closeAtEnd
			open = true
		} else {
			open = false
		}
		chunks = append(chunks, chunk)
		rest = rest[cut:]
	}
	return chunks
}

// splitPoint returns the cut index for the next chunk, at most n bytes in.
func splitPoint(s string, n int) int {
	if n < 1 {
		n = 1
	}
	if len(s) <= n {
		return len(s)
	}
	window := s[:n]
	if i := strings.LastIndexByte(window, '\n'); i > 0 {
		return i + 1
	}
	if i := strings.LastIndexByte(window, ' '); i > 0 {
		return i + 1
	}
	// Hard cut, backed off to a rune boundary.
	for n > 1 && s[n]&0xC0 == 0x80 {
		n--
	}
	return n
}

// leavesFenceOpen reports whether appending body flips or keeps the
// open-code-block state such that the chunk ends inside a fence.
func leavesFenceOpen(open bool, body string) bool {
	if strings.Count(body, codeFence)%2 == 1 {
		return !open
	}
	return open
}
