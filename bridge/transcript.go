package bridge

import "strings"

// maxTranscriptDeltas caps how many text deltas accumulate before a chunk
// is flushed even without sentence-ending punctuation.
const maxTranscriptDeltas = 5

// transcriptCollector folds streaming text deltas into sentence-bounded
// chunks. Not safe for concurrent use; callers hold the call's text lock.
type transcriptCollector struct {
	parts  []string
	deltas int
}

// add appends one delta and reports a finished chunk when the text ends a
// sentence or the delta ceiling is hit.
func (t *transcriptCollector) add(text string) (string, bool) {
	t.parts = append(t.parts, text)
	t.deltas++
	if t.deltas >= maxTranscriptDeltas || endsSentence(text) {
		return t.take()
	}
	return "", false
}

// take drains whatever has accumulated, flushed or not.
func (t *transcriptCollector) take() (string, bool) {
	if len(t.parts) == 0 {
		return "", false
	}
	chunk := strings.TrimSpace(strings.Join(t.parts, ""))
	t.parts = t.parts[:0]
	t.deltas = 0
	if chunk == "" {
		return "", false
	}
	return chunk, true
}

func endsSentence(text string) bool {
	trimmed := strings.TrimRight(text, " \t\n\"')")
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
