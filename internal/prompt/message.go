package prompt

import "strings"

// Role tags a message with its speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged entry of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Human returns a human-role message.
func Human(content string) Message {
	return Message{Role: RoleHuman, Content: content}
}

// Assistant returns an assistant-role message.
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Format renders messages as markdown, one "## role" section each.
func Format(msgs []Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## ")
		b.WriteString(string(m.Role))
		b.WriteString("\n\n")
		b.WriteString(m.Content)
	}
	return b.String()
}
