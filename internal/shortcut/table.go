// Package shortcut answers trivial utterances with canned replies so the
// pipeline can skip the chat service.
package shortcut

import (
	"strings"
	"unicode/utf8"
)

// maxFuzzyRunes is the longest normalized input for which the substring
// fallback is attempted.
const maxFuzzyRunes = 3

type Phrase struct {
	Key   string
	Reply string
}

// Table is read-only after construction and safe for concurrent use.
type Table struct {
	phrases []Phrase
	exact   map[string]string
}

func New(phrases []Phrase) *Table {
	t := &Table{
		phrases: make([]Phrase, 0, len(phrases)),
		exact:   make(map[string]string, len(phrases)),
	}
	for _, p := range phrases {
		key := Normalize(p.Key)
		if key == "" {
			continue
		}
		if _, dup := t.exact[key]; dup {
			continue
		}
		t.phrases = append(t.phrases, Phrase{Key: key, Reply: p.Reply})
		t.exact[key] = p.Reply
	}
	return t
}

// Default returns the built-in greeting table.
func Default() *Table {
	return New(defaultPhrases)
}

func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Lookup resolves input to a canned reply. Exact matches win; inputs of at
// most three characters also accept the first phrase, in table order, whose
// key contains the input or is contained in it.
func (t *Table) Lookup(input string) (string, bool) {
	if t == nil {
		return "", false
	}
	normalized := Normalize(input)
	if normalized == "" {
		return "", false
	}
	if reply, ok := t.exact[normalized]; ok {
		return reply, true
	}
	if utf8.RuneCountInString(normalized) > maxFuzzyRunes {
		return "", false
	}
	for _, p := range t.phrases {
		if strings.Contains(p.Key, normalized) || strings.Contains(normalized, p.Key) {
			return p.Reply, true
		}
	}
	return "", false
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.phrases)
}

var defaultPhrases = []Phrase{
	{"hello", "Hello! How can I help you today?"},
	{"hi", "Hi there! What can I do for you?"},
	{"hey", "Hey! What can I do for you?"},
	{"good morning", "Good morning! How can I assist you today?"},
	{"good afternoon", "Good afternoon! What can I help you with?"},
	{"good evening", "Good evening! How may I help you?"},
	{"thank you", "You're welcome! Is there anything else I can help with?"},
	{"thanks", "You're welcome! Let me know if you need anything else."},
	{"bye", "Goodbye! Have a great day!"},
	{"goodbye", "Goodbye! Take care!"},
	{"how are you", "I'm doing well, thank you for asking! How can I help you?"},
	{"what is your name", "I'm your AI assistant! How can I help you today?"},
	{"help", "I'm here to help! What would you like to know?"},
	{"yes", "Great! How can I assist you further?"},
	{"no", "No problem! Is there anything else I can help with?"},
	{"ok", "Perfect! Let me know if you need anything else."},
	{"okay", "Sounds good! What else can I help you with?"},
}
