package core

import "github.com/project-ishtar/ishtar/internal/store"

const DefaultSummarizationThreshold = 75000

// Ledger decides how an exchange is accounted for and when a conversation's
// history should be rolled up into a summary.
type Ledger struct {
	Threshold int64
}

func NewLedger(threshold int64) Ledger {
	if threshold <= 0 {
		threshold = DefaultSummarizationThreshold
	}
	return Ledger{Threshold: threshold}
}

// PromptTurnTokens is the share of the reported prompt tokens that belongs
// to the new user turn rather than to the history sent with it.
func (Ledger) PromptTurnTokens(historyTokens int, u Usage) int {
	return max(0, u.PromptTokens-historyTokens)
}

// ExchangeTokens is the cost of the new user turn plus the model's reply.
func (l Ledger) ExchangeTokens(historyTokens int, u Usage) int {
	return l.PromptTurnTokens(historyTokens, u) + max(0, u.Output())
}

// ShouldSummarize reports whether the window just submitted plus the
// exchange reaches the threshold. Single-turn conversations never summarize.
func (l Ledger) ShouldSummarize(settings store.ChatSettings, historyTokens int, u Usage) bool {
	if !settings.EnableMultiTurn {
		return false
	}
	return int64(historyTokens)+int64(l.ExchangeTokens(historyTokens, u)) >= l.Threshold
}

// Increments returns the amounts to add to the conversation counters. They
// are never negative, so counters never decrease.
func (Ledger) Increments(u Usage) (input, output int64) {
	return int64(max(0, u.PromptTokens)), int64(max(0, u.Output()))
}
