package chat

import (
	"fmt"
	"strings"
)

// DefaultHistoryLimit is the number of question/answer pairs kept per session.
const DefaultHistoryLimit = 5

type Turn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// History is a bounded FIFO of conversation turns. It is not safe for
// concurrent use; sessions own their history.
type History struct {
	limit int
	turns []Turn
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit}
}

// Add appends a turn and evicts the oldest ones beyond the limit.
func (h *History) Add(question, answer string) {
	h.turns = append(h.turns, Turn{Question: question, Answer: answer})
	if over := len(h.turns) - h.limit; over > 0 {
		h.turns = append(h.turns[:0:0], h.turns[over:]...)
	}
}

// Entries returns a copy of the stored turns, oldest first.
func (h *History) Entries() []Turn {
	if h == nil {
		return nil
	}
	return append([]Turn(nil), h.turns...)
}

func (h *History) Len() int {
	if h == nil {
		return 0
	}
	return len(h.turns)
}

func (h *History) Limit() int {
	if h == nil {
		return DefaultHistoryLimit
	}
	return h.limit
}

func (h *History) Clear() {
	h.turns = nil
}

// FormatHistory renders turns as "Q: ...\nA: ..." blocks in order.
func FormatHistory(turns []Turn) string {
	parts := make([]string, len(turns))
	for i, turn := range turns {
		parts[i] = fmt.Sprintf("Q: %s\nA: %s", turn.Question, turn.Answer)
	}
	return strings.Join(parts, "\n")
}
