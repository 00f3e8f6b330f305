package agent

import (
	"fmt"
	"strings"
	"time"

	"threadsage/internal/domain"
)

const basePrompt = `You are threadsage, an assistant that lives in a Slack workspace.
You answer questions using the workspace's own conversations.

## Tools
- search_messages: keyword search over recent messages of the channels in scope
- get_channel_history: read the latest messages of one channel
- get_thread: read every reply of a thread

## Guidelines
- Look things up before answering questions about what was said or decided.
- Cite the channel (#name) and, where useful, the message timestamp.
- If the channels in scope do not contain the answer, say so plainly.
- Keep answers short and formatted for Slack (mrkdwn, no tables).`

// PromptBuilder assembles the message list sent to the model.
type PromptBuilder struct {
	systemPromptExtra string
	now               func() time.Time
}

func NewPromptBuilder(systemPromptExtra string) *PromptBuilder {
	return &PromptBuilder{systemPromptExtra: systemPromptExtra, now: time.Now}
}

func (p *PromptBuilder) SystemPrompt() string {
	var sb strings.Builder
	sb.WriteString(basePrompt)
	fmt.Fprintf(&sb, "\n\nCurrent time: %s", p.now().UTC().Format("2006-01-02 15:04 MST (Monday)"))
	if extra := strings.TrimSpace(p.systemPromptExtra); extra != "" {
		sb.WriteString("\n\n")
		sb.WriteString(extra)
	}
	return sb.String()
}

// BuildMessages returns system prompt, prior turns, then the user message
// prefixed by the channel context block.
func (p *PromptBuilder) BuildMessages(history []domain.Turn, channelContext, query string) []domain.Message {
	messages := make([]domain.Message, 0, len(history)+2)
	messages = append(messages, domain.Message{Role: "system", Content: p.SystemPrompt()})
	for _, t := range history {
		messages = append(messages, domain.Message{Role: t.Role, Content: t.Text})
	}
	content := query
	if channelContext != "" {
		content = channelContext + "\n\n" + query
	}
	messages = append(messages, domain.Message{Role: "user", Content: content})
	return messages
}

// ChannelContext renders the channels in scope. Channels listed in
// inaccessible are marked with the reason they could not be joined.
func ChannelContext(channels []domain.ChannelInfo, inaccessible map[string]domain.WorkspaceErrorCode) string {
	if len(channels) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Channels in scope:")
	for _, ch := range channels {
		name := "#" + ch.Name
		switch {
		case ch.IsIM:
			name = "direct message"
		case ch.Name == "":
			name = "#" + ch.ID
		}
		fmt.Fprintf(&sb, "\n- %s (id: %s)", name, ch.ID)
		if ch.Purpose != "" {
			fmt.Fprintf(&sb, " purpose: %s.", ch.Purpose)
		}
		if ch.Topic != "" {
			fmt.Fprintf(&sb, " topic: %s.", ch.Topic)
		}
		if code, ok := inaccessible[ch.ID]; ok {
			fmt.Fprintf(&sb, " [inaccessible: %s]", code)
		}
	}
	return sb.String()
}
