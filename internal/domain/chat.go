package domain

// Chat roles understood by the completion service.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the provider-agnostic role-tagged text shape used by the
// pipeline, the compaction engine and the completion client.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
