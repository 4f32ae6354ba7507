package llm

import "strings"

const (
	thinkingOpenTag  = "<thinking>"
	thinkingCloseTag = "</thinking>"
)

// SplitResult separates model output into reasoning and visible text.
type SplitResult struct {
	// Thinking holds the contents of the thinking blocks, joined by
	// newlines when more than one block is present.
	Thinking string

	// Visible is the raw text with thinking blocks removed.
	Visible string

	// Unterminated reports that the text ended inside an open thinking
	// block. Its partial content is still included in Thinking.
	Unterminated bool
}

// SplitThinking extracts <thinking> blocks from raw model output. Tag
// matching is case-insensitive. A close tag always pairs with the
// nearest preceding open tag; thinking blocks do not nest. Text after
// an unmatched open tag counts as thinking, and a trailing partial
// open tag is stripped from the visible text.
func SplitThinking(raw string) SplitResult {
	lower := strings.ToLower(raw)

	var blocks []string
	var visible strings.Builder
	res := SplitResult{}

	pos := 0
	for {
		open := strings.Index(lower[pos:], thinkingOpenTag)
		if open < 0 {
			break
		}
		open += pos

		bodyStart := open + len(thinkingOpenTag)
		close := strings.Index(lower[bodyStart:], thinkingCloseTag)
		if close < 0 {
			// Unterminated block: everything after the open tag is
			// reasoning, nothing more is visible. A trailing partial
			// close tag is held back so the output stays a prefix of
			// what the completed text would produce.
			visible.WriteString(raw[pos:open])
			body := raw[bodyStart:]
			if cut := partialTagIndex(lower[bodyStart:], thinkingCloseTag); cut >= 0 {
				body = body[:cut]
			}
			blocks = append(blocks, body)
			res.Unterminated = true
			pos = len(raw)
			break
		}
		close += bodyStart

		visible.WriteString(raw[pos:open])
		blocks = append(blocks, raw[bodyStart:close])
		pos = close + len(thinkingCloseTag)
	}

	tail := raw[pos:]
	if !res.Unterminated {
		// Strip a trailing partial open tag, e.g. "<thinki" cut off by
		// the stream.
		if cut := partialTagIndex(lower[pos:], thinkingOpenTag); cut >= 0 {
			tail = tail[:cut]
			res.Unterminated = true
		}
		visible.WriteString(tail)
	}

	res.Thinking = strings.Join(blocks, "\n")
	res.Visible = visible.String()
	return res
}

// partialTagIndex returns the index where a proper prefix of tag runs
// to the end of s, or -1.
func partialTagIndex(s, tag string) int {
	for n := len(tag) - 1; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return len(s) - n
		}
	}
	return -1
}
