package httpapi

import (
	"strings"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/llm"
)

// History is the process-wide conversation used by the chat endpoint. It is
// shared by every caller.
type History struct {
	mu       sync.Mutex
	messages []llm.Message
}

// AddUser drops empty turns and consecutive turns from the same role, appends
// text as a user turn unless it repeats the last one, and returns a copy of
// the resulting history.
func (h *History) AddUser(text string) []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	clean := make([]llm.Message, 0, len(h.messages)+1)
	lastRole := ""
	for _, msg := range h.messages {
		if msg.Role == lastRole || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		clean = append(clean, msg)
		lastRole = msg.Role
	}
	if n := len(clean); n == 0 || clean[n-1].Role != llm.RoleUser || clean[n-1].Content != text {
		clean = append(clean, llm.Message{Role: llm.RoleUser, Content: text})
	}
	h.messages = clean
	return append([]llm.Message(nil), clean...)
}

func (h *History) AddAssistant(text string) {
	h.mu.Lock()
	h.messages = append(h.messages, llm.Message{Role: llm.RoleAssistant, Content: text})
	h.mu.Unlock()
}

// Restart clears the history and seeds it with a single user turn.
func (h *History) Restart(text string) []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = []llm.Message{{Role: llm.RoleUser, Content: text}}
	return append([]llm.Message(nil), h.messages...)
}

func (h *History) Reset() {
	h.mu.Lock()
	h.messages = nil
	h.mu.Unlock()
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// tail returns at most the last n messages; n <= 0 keeps everything.
func tail(messages []llm.Message, n int) []llm.Message {
	if n <= 0 || len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}
