package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"threadsage/internal/domain"
)

var extractedSeq atomic.Int64

// toolCallsFromContent parses tool calls that a model wrote into its text
// instead of the structured tool_calls field. Accepted shapes:
//   - a bare object: {"name":"search_messages","arguments":{...}}
//   - an array of such objects
//   - either of the above inside a ```json fence
//   - either of the above surrounded by prose
//
// Only calls naming one of known are returned; an answer that merely
// contains JSON is left alone.
func toolCallsFromContent(content string, known map[string]bool) []domain.ToolCall {
	content = strings.TrimSpace(content)
	if content == "" || len(known) == 0 {
		return nil
	}

	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) >= 3 && strings.HasPrefix(lines[len(lines)-1], "```") {
			content = strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}

	calls := parseToolJSON(content)
	if len(calls) == 0 {
		if start, end := findJSONBounds(content); start >= 0 && end > start {
			calls = parseToolJSON(content[start:end])
		}
	}

	var out []domain.ToolCall
	for _, c := range calls {
		if known[c.Name] {
			out = append(out, c)
		}
	}
	return out
}

// findJSONBounds locates the first top-level JSON object or array in s and
// returns [start, end). (-1, -1) when there is none.
func findJSONBounds(s string) (int, int) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return -1, -1
	}

	openChar := s[start]
	closeChar := byte('}')
	if openChar == '[' {
		closeChar = ']'
	}

	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if ch == '\\' {
				i++
				continue
			}
			if ch == '"' {
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case openChar:
			depth++
		case closeChar:
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}

type rawToolCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	Arguments  map[string]any `json:"arguments"`
}

func parseToolJSON(raw string) []domain.ToolCall {
	var single rawToolCall
	if err := json.Unmarshal([]byte(raw), &single); err != nil {
		_ = json.Unmarshal([]byte(sanitizeJSONEscapes(raw)), &single)
	}
	if single.Name != "" {
		return []domain.ToolCall{single.toCall()}
	}

	var multi []rawToolCall
	if err := json.Unmarshal([]byte(raw), &multi); err != nil {
		_ = json.Unmarshal([]byte(sanitizeJSONEscapes(raw)), &multi)
	}
	var calls []domain.ToolCall
	for _, tc := range multi {
		if tc.Name == "" {
			continue
		}
		calls = append(calls, tc.toCall())
	}
	return calls
}

func (r rawToolCall) toCall() domain.ToolCall {
	return domain.ToolCall{
		ID:        fmt.Sprintf("extracted_%d", extractedSeq.Add(1)),
		Name:      normalizeToolName(r.Name),
		Arguments: coalesce(r.Parameters, r.Arguments),
	}
}

// normalizeToolName maps the spellings models commonly produce onto the
// registered names.
func normalizeToolName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	switch strings.NewReplacer("-", "", "_", "", " ", "").Replace(n) {
	case "searchmessages", "search", "messagesearch":
		return "search_messages"
	case "getchannelhistory", "channelhistory", "history":
		return "get_channel_history"
	case "getthread", "thread", "threadreplies":
		return "get_thread"
	}
	return name
}

// stripRolePrefix removes a leaked "assistant" role label from the start of
// content.
func stripRolePrefix(content string) string {
	prefixes := []string{
		"assistant\n",
		"Assistant\n",
		"assistant:\n",
		"Assistant:\n",
		"assistant: ",
		"Assistant: ",
	}
	for _, p := range prefixes {
		if strings.HasPrefix(content, p) {
			return strings.TrimSpace(content[len(p):])
		}
	}
	return content
}

func coalesce(a, b map[string]any) map[string]any {
	if a != nil {
		return a
	}
	if b != nil {
		return b
	}
	return make(map[string]any)
}

// sanitizeJSONEscapes drops the backslash of escapes JSON does not allow
// (for example \% or \Y).
func sanitizeJSONEscapes(s string) string {
	var buf strings.Builder
	buf.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' && (i == 0 || s[i-1] != '\\') {
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if inString && ch == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				buf.WriteByte(ch)
			default:
				continue
			}
		} else {
			buf.WriteByte(ch)
		}
	}
	return buf.String()
}
