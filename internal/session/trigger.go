package session

import (
	"context"
	"math"

	"github.com/huaquanghan/agent-memory-server/pkg/types"
)

// Condense brings wm's messages under budget by summarizing a prefix of the
// oldest messages into the running context. The swap of messages and
// context is applied atomically to wm only after the summarizer returns;
// a failed call leaves wm untouched. Deterministic given the same input
// and summarizer response.
func Condense(ctx context.Context, sum Summarizer, wm *types.WorkingMemory, budget int) error {
	for EstimateWorkingMemoryTokens(*wm) > budget && len(wm.Messages) > 1 {
		cut := condensationCut(*wm, budget)
		if cut == 0 {
			return nil
		}
		prefix := wm.Messages[:cut]
		remainder := wm.Messages[cut:]

		condensed, err := sum.Summarize(ctx, prefix, wm.Context)
		if err != nil {
			return err
		}

		wm.Messages = remainder
		wm.Context = condensed
		wm.TokenEstimate = EstimateWorkingMemoryTokens(*wm)
	}
	return nil
}

// condensationCut picks the shortest prefix of oldest messages whose
// removal brings the remainder (plus the current context) under budget.
// The most recent message is always kept.
func condensationCut(wm types.WorkingMemory, budget int) int {
	overhead := estimateTokens(wm.Context)
	remaining := 0
	for _, m := range wm.Messages {
		remaining += messageTokens(m)
	}
	cut := 0
	for cut < len(wm.Messages)-1 && overhead+remaining > budget {
		remaining -= messageTokens(wm.Messages[cut])
		cut++
	}
	return cut
}

// EstimateWorkingMemoryTokens approximates the context-window footprint of
// the session's messages and running summary.
func EstimateWorkingMemoryTokens(wm types.WorkingMemory) int {
	total := estimateTokens(wm.Context)
	for _, m := range wm.Messages {
		total += messageTokens(m)
	}
	return total
}

func messageTokens(m types.Message) int {
	return estimateTokens(m.Role) + estimateTokens(m.Content)
}

// estimateTokens is a rough runes/4 approximation for prompt budgeting.
func estimateTokens(s string) int {
	runes := len([]rune(s))
	if runes == 0 {
		return 0
	}
	t := int(math.Ceil(float64(runes) / 4.0))
	if t < 1 {
		return 1
	}
	return t
}
