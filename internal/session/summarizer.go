package session

import (
	"context"
	"strings"

	"github.com/huaquanghan/agent-memory-server/pkg/types"
)

// ExtractiveSummarizer condenses messages without a language model by
// keeping the leading sentence of each message. It is the fallback when
// no external summarizer is configured.
type ExtractiveSummarizer struct {
	// MaxSentenceRunes caps how much of each message survives.
	MaxSentenceRunes int
}

func NewExtractiveSummarizer() *ExtractiveSummarizer {
	return &ExtractiveSummarizer{MaxSentenceRunes: 240}
}

func (s *ExtractiveSummarizer) Summarize(_ context.Context, messages []types.Message, priorContext string) (string, error) {
	var b strings.Builder
	if priorContext != "" {
		b.WriteString(priorContext)
	}
	for _, m := range messages {
		line := firstSentence(m.Content, s.MaxSentenceRunes)
		if line == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(line)
	}
	return b.String(), nil
}

func firstSentence(s string, maxRunes int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".!?\n"); i >= 0 {
		s = strings.TrimSpace(s[:i+1])
	}
	runes := []rune(s)
	if len(runes) > maxRunes {
		s = string(runes[:maxRunes])
	}
	return strings.TrimSuffix(s, "\n")
}
