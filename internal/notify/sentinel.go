// Package notify implements the sentinel-marker scanner: at-most-once
// extraction of a phase-result block from agent stdout, delivered to SSE
// subscribers and to chat.
package notify

import "strings"

// ChatByteCap is the hard cap on a chat notification's body, in bytes.
const ChatByteCap = 2000

// truncatedPrefixLen is the byte offset at which the trailing ellipsis is
// appended when a body exceeds ChatByteCap: 1997 kept bytes + 3-byte "…" =
// exactly 2000 bytes.
const truncatedPrefixLen = ChatByteCap - 3

// Scanner extracts the body between a begin/end marker pair from a stream of
// stdout lines. It fires at most once: once Found is true, Feed is a no-op.
type Scanner struct {
	beginMarker string
	endMarker   string
	blockCap    int

	inBlock bool
	found   bool
	buf     strings.Builder
	result  string
}

// NewScanner builds a Scanner for the given begin/end markers. blockCap
// bounds how many bytes of block body are retained; 0 means unbounded.
func NewScanner(beginMarker, endMarker string, blockCap int) *Scanner {
	return &Scanner{beginMarker: beginMarker, endMarker: endMarker, blockCap: blockCap}
}

// Feed processes one line of agent stdout.
func (s *Scanner) Feed(line string) {
	if s.found {
		return
	}
	if s.inBlock {
		if strings.Contains(line, s.endMarker) {
			s.found = true
			s.result = s.buf.String()
			return
		}
		if s.blockCap <= 0 || s.buf.Len() < s.blockCap {
			s.buf.WriteString(line)
			s.buf.WriteString("\n")
		}
		return
	}
	if strings.Contains(line, s.beginMarker) {
		s.inBlock = true
	}
}

// Found reports whether the end marker has fired.
func (s *Scanner) Found() bool {
	return s.found
}

// Result returns the committed block body. Only meaningful once Found is
// true.
func (s *Scanner) Result() string {
	return s.result
}

// ExtractPhaseResult is the post-run fallback run once over the full agent
// output when the streaming scanner never fired. It reuses the same
// begin/end marker semantics over the whole text, line by line.
func ExtractPhaseResult(beginMarker, endMarker, fullOutput string, blockCap int) (string, bool) {
	scanner := NewScanner(beginMarker, endMarker, blockCap)
	for _, line := range strings.Split(fullOutput, "\n") {
		scanner.Feed(line)
		if scanner.Found() {
			return scanner.Result(), true
		}
	}
	return "", false
}

// TruncateForChat caps body at ChatByteCap bytes. Bodies of exactly
// ChatByteCap bytes or fewer are returned unchanged; longer bodies are cut
// to the first 1997 bytes with a trailing 3-byte "…" appended, for an exact
// 2000-byte total.
func TruncateForChat(body string) string {
	if len(body) <= ChatByteCap {
		return body
	}
	return body[:truncatedPrefixLen] + "…"
}
