package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"conversation-agent/internal/domain"
)

// compactedPair is one summarized exchange returned by the compaction prompt.
type compactedPair struct {
	User      string
	Assistant string
}

const (
	compactedUserKey      = "user"
	compactedAssistantKey = "assistant"
)

// buildPromptMessages lays out the persona, the prior turns and the new text
// in the order the completion service expects.
func buildPromptMessages(persona string, history []domain.Turn, text string) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: strings.TrimSpace(persona)},
	}
	messages = append(messages, historyMessages(history)...)
	messages = append(messages, domain.ChatMessage{
		Role:    domain.RoleUser,
		Content: text,
	})
	return messages
}

func historyMessages(history []domain.Turn) []domain.ChatMessage {
	var out []domain.ChatMessage
	for _, t := range history {
		out = append(out, historyToPromptMessages(t)...)
	}
	return out
}

// historyToPromptMessages always emits the user's text. The assistant entry is
// only emitted for replies the user actually received.
func historyToPromptMessages(t domain.Turn) []domain.ChatMessage {
	messages := []domain.ChatMessage{{Role: domain.RoleUser, Content: t.Text}}
	if t.Replied() {
		messages = append(messages, domain.ChatMessage{
			Role:    domain.RoleAssistant,
			Content: t.Response,
		})
	}
	return messages
}

func compactionInstruction(targetChars int) string {
	return strings.Join([]string{
		fmt.Sprintf("Shorten and rewrite the conversation above so that its total length does not exceed %d characters.", targetChars),
		"The output must be a valid JSON array containing one or more exchanges in the following shape.",
		"Do not output anything other than the JSON.",
		"",
		`[{"user": "<summary of what the user said>", "assistant": "<summary of what the assistant said>"}]`,
	}, "\n")
}

// parseCompacted accepts exactly one non-empty JSON array of objects carrying
// string "user" and "assistant" keys and nothing else. Keys match
// case-sensitively and may not repeat.
func parseCompacted(raw string) ([]compactedPair, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("usecase: decode compacted history: empty response")
	}
	var elems []json.RawMessage
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(&elems); err != nil {
		return nil, fmt.Errorf("usecase: decode compacted history: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("usecase: decode compacted history: multiple JSON values")
		}
		return nil, fmt.Errorf("usecase: decode compacted history trailing data: %w", err)
	}
	if len(elems) == 0 {
		return nil, errors.New("usecase: compacted history is empty")
	}
	out := make([]compactedPair, 0, len(elems))
	for i, elem := range elems {
		pair, err := parseCompactedPair(elem)
		if err != nil {
			return nil, fmt.Errorf("usecase: compacted history entry %d: %w", i, err)
		}
		out = append(out, pair)
	}
	return out, nil
}

func parseCompactedPair(elem json.RawMessage) (compactedPair, error) {
	dec := json.NewDecoder(bytes.NewReader(elem))
	tok, err := dec.Token()
	if err != nil {
		return compactedPair{}, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return compactedPair{}, errors.New("not an object")
	}

	values := make(map[string]string, 2)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return compactedPair{}, err
		}
		key, _ := tok.(string)
		if key != compactedUserKey && key != compactedAssistantKey {
			return compactedPair{}, fmt.Errorf("unexpected key %q", key)
		}
		if _, dup := values[key]; dup {
			return compactedPair{}, fmt.Errorf("duplicate key %q", key)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return compactedPair{}, err
		}
		if len(value) == 0 || value[0] != '"' {
			return compactedPair{}, fmt.Errorf("key %q is not a string", key)
		}
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return compactedPair{}, err
		}
		values[key] = s
	}
	if _, err := dec.Token(); err != nil {
		return compactedPair{}, err
	}

	user, okUser := values[compactedUserKey]
	assistant, okAssistant := values[compactedAssistantKey]
	if !okUser || !okAssistant {
		return compactedPair{}, errors.New("missing user or assistant")
	}
	return compactedPair{User: user, Assistant: assistant}, nil
}
