package tool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"threadsage/internal/domain"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	searchScanLimit     = 200
	defaultSearchLimit  = 20
	maxToolOutput       = 12000
)

// NewWorkspaceRegistry returns a registry holding the workspace tools, scoped
// to channels. Searches without an explicit channel cover every scoped channel.
func NewWorkspaceRegistry(ws domain.Workspace, channels []string, logger *slog.Logger) *Registry {
	reg := NewRegistry(logger)
	reg.Register(&SearchMessagesTool{ws: ws, channels: channels, logger: logger})
	reg.Register(&ChannelHistoryTool{ws: ws})
	reg.Register(&ThreadTool{ws: ws})
	return reg
}

// SearchMessagesTool finds messages containing every keyword of a query.
type SearchMessagesTool struct {
	ws       domain.Workspace
	channels []string
	logger   *slog.Logger
}

func (t *SearchMessagesTool) Name() string { return "search_messages" }
func (t *SearchMessagesTool) Description() string {
	return "Search recent channel messages for keywords. Returns matching messages with channel and timestamp. Searches all channels in scope unless one is given."
}
func (t *SearchMessagesTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"query":   {Type: "string", Description: "Keywords to look for (all must appear)"},
			"channel": {Type: "string", Description: "Optional channel ID or name to restrict the search"},
			"limit":   {Type: "integer", Description: "Maximum number of matches (default 20)"},
		},
		[]string{"query"},
	)
}

func (t *SearchMessagesTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query := strings.TrimSpace(ArgsString(args, "query"))
	if query == "" {
		return "", fmt.Errorf("missing argument: query")
	}
	terms := strings.Fields(strings.ToLower(query))
	limit := ArgsInt(args, "limit", defaultSearchLimit)

	channels := t.channels
	if name := ArgsString(args, "channel"); name != "" {
		ch, err := t.ws.ResolveChannel(ctx, name)
		if err != nil {
			return "", fmt.Errorf("resolve channel %s: %w", name, err)
		}
		channels = []string{ch.ID}
	}
	if len(channels) == 0 {
		return "No channels are in scope for this search.", nil
	}

	var sb strings.Builder
	matches := 0
	for _, id := range channels {
		msgs, err := t.ws.FetchHistory(ctx, id, domain.HistoryOptions{Limit: searchScanLimit})
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if t.logger != nil {
				t.logger.Warn("search skipped channel", "channel", id, "err", err)
			}
			fmt.Fprintf(&sb, "(channel %s could not be read: %s)\n", id, domain.WorkspaceErrorCodeOf(err))
			continue
		}
		for _, m := range msgs {
			if !containsAll(strings.ToLower(m.Text), terms) {
				continue
			}
			fmt.Fprintf(&sb, "#%s %s\n", id, formatMessage(m))
			matches++
			if matches >= limit {
				return truncate(sb.String()), nil
			}
		}
	}
	if matches == 0 {
		sb.WriteString(fmt.Sprintf("No messages matched %q.", query))
	}
	return truncate(sb.String()), nil
}

// ChannelHistoryTool returns the most recent messages of one channel.
type ChannelHistoryTool struct {
	ws domain.Workspace
}

func (t *ChannelHistoryTool) Name() string { return "get_channel_history" }
func (t *ChannelHistoryTool) Description() string {
	return "Read the most recent messages of a channel, oldest first."
}
func (t *ChannelHistoryTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"channel": {Type: "string", Description: "Channel ID or name"},
			"limit":   {Type: "integer", Description: "Number of messages (default 50, max 200)"},
			"oldest":  {Type: "string", Description: "Only messages after this timestamp"},
		},
		[]string{"channel"},
	)
}

func (t *ChannelHistoryTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	name := ArgsString(args, "channel")
	if name == "" {
		return "", fmt.Errorf("missing argument: channel")
	}
	ch, err := t.ws.ResolveChannel(ctx, name)
	if err != nil {
		return "", fmt.Errorf("resolve channel %s: %w", name, err)
	}
	limit := min(ArgsInt(args, "limit", defaultHistoryLimit), maxHistoryLimit)

	msgs, err := t.ws.FetchHistory(ctx, ch.ID, domain.HistoryOptions{
		Limit:  limit,
		Oldest: ArgsString(args, "oldest"),
	})
	if err != nil {
		return "", fmt.Errorf("history %s: %w", ch.ID, err)
	}
	if len(msgs) == 0 {
		return fmt.Sprintf("#%s has no messages in range.", ch.Name), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Messages in #%s (%s):\n", ch.Name, ch.ID)
	// history arrives newest first
	for i := len(msgs) - 1; i >= 0; i-- {
		sb.WriteString(formatMessage(msgs[i]))
		sb.WriteByte('\n')
	}
	return truncate(sb.String()), nil
}

// ThreadTool returns every message of a thread.
type ThreadTool struct {
	ws domain.Workspace
}

func (t *ThreadTool) Name() string { return "get_thread" }
func (t *ThreadTool) Description() string {
	return "Read all replies of a thread given its channel and parent message timestamp."
}
func (t *ThreadTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"channel":   {Type: "string", Description: "Channel ID or name"},
			"thread_ts": {Type: "string", Description: "Timestamp of the thread's parent message"},
		},
		[]string{"channel", "thread_ts"},
	)
}

func (t *ThreadTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	name := ArgsString(args, "channel")
	threadTS := ArgsString(args, "thread_ts")
	if name == "" || threadTS == "" {
		return "", fmt.Errorf("missing argument: channel and thread_ts are required")
	}
	ch, err := t.ws.ResolveChannel(ctx, name)
	if err != nil {
		return "", fmt.Errorf("resolve channel %s: %w", name, err)
	}
	msgs, err := t.ws.FetchThread(ctx, ch.ID, threadTS)
	if err != nil {
		return "", fmt.Errorf("thread %s/%s: %w", ch.ID, threadTS, err)
	}
	if len(msgs) == 0 {
		return "Thread not found or empty.", nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Thread %s in #%s:\n", threadTS, ch.Name)
	for _, m := range msgs {
		sb.WriteString(formatMessage(m))
		sb.WriteByte('\n')
	}
	return truncate(sb.String()), nil
}

func formatMessage(m domain.WorkspaceMessage) string {
	author := m.User
	if author == "" && m.BotID != "" {
		author = "bot:" + m.BotID
	}
	if author == "" {
		author = "unknown"
	}
	return fmt.Sprintf("[%s] %s: %s", m.TS, author, m.Text)
}

func containsAll(text string, terms []string) bool {
	for _, term := range terms {
		if !strings.Contains(text, term) {
			return false
		}
	}
	return true
}

func truncate(s string) string {
	if len(s) <= maxToolOutput {
		return s
	}
	return s[:maxToolOutput] + "\n... (output truncated)"
}
