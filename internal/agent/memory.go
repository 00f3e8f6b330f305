package agent

import (
	"math"
	"sync"

	"threadsage/internal/domain"
)

const (
	defaultMemoryMessages = 20
	defaultMemoryTokens   = 4000
	// Fraction of maxMessages kept when the transcript exceeds the token budget.
	tokenOverflowKeep = 0.7
)

// Memory is a bounded conversation transcript. Turns are removed oldest
// first; nothing is removed except by truncation or Clear.
type Memory struct {
	mu          sync.Mutex
	turns       []domain.Turn
	maxMessages int
	maxTokens   int
}

func NewMemory(maxMessages, maxTokens int) *Memory {
	if maxMessages <= 0 {
		maxMessages = defaultMemoryMessages
	}
	if maxTokens <= 0 {
		maxTokens = defaultMemoryTokens
	}
	return &Memory{maxMessages: maxMessages, maxTokens: maxTokens}
}

// Load truncates the stored transcript and returns a copy of it.
func (m *Memory) Load() []domain.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.truncate()
	out := make([]domain.Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// Save appends the user and assistant turns, skipping empty text.
func (m *Memory) Save(user, assistant string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user != "" {
		m.turns = append(m.turns, domain.Turn{Role: domain.RoleUser, Text: user})
	}
	if assistant != "" {
		m.turns = append(m.turns, domain.Turn{Role: domain.RoleAssistant, Text: assistant})
	}
	m.truncate()
}

func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns)
}

// truncate enforces len <= maxMessages, then, if the estimate exceeds
// maxTokens, keeps the ceil(maxMessages*0.7) most recent turns. It runs once
// per Save and once per Load, so the stored transcript never grows past the
// message bound between loads. Caller holds mu.
func (m *Memory) truncate() {
	if len(m.turns) > m.maxMessages {
		m.turns = dropOldest(m.turns, m.maxMessages)
	}
	if estimateTurnTokens(m.turns) > m.maxTokens {
		keep := int(math.Ceil(float64(m.maxMessages) * tokenOverflowKeep))
		if len(m.turns) > keep {
			m.turns = dropOldest(m.turns, keep)
		}
	}
}

// dropOldest returns the last n turns in a fresh slice so the dropped
// prefix can be collected.
func dropOldest(turns []domain.Turn, n int) []domain.Turn {
	out := make([]domain.Turn, n)
	copy(out, turns[len(turns)-n:])
	return out
}

// estimateTurnTokens approximates tokens as the transcript length over four.
func estimateTurnTokens(turns []domain.Turn) int {
	chars := 0
	for _, t := range turns {
		chars += len(t.Text)
	}
	return chars / 4
}
