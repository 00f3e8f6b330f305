package domain

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one entry of a conversation transcript.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// QueryContext is everything the orchestrator needs to answer one question.
type QueryContext struct {
	Query            string        `json:"query"`
	TargetChannelIDs []string      `json:"targetChannelIds"`
	Channels         []ChannelInfo `json:"channels,omitempty"`
	PriorTurns       []Turn        `json:"priorTurns,omitempty"`
	UserID           string        `json:"userId,omitempty"`
	ChannelID        string        `json:"channelId,omitempty"`
	ThreadTS         string        `json:"threadTs,omitempty"`
}

type QueryOptions struct {
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type QueryUsage struct {
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalTokens      int     `json:"totalTokens"`
	CostUSD          float64 `json:"costUsd"`
	Estimated        bool    `json:"estimated"`
}

type TraceEntry struct {
	Step   string    `json:"step"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

type QueryResult struct {
	QueryID       string        `json:"queryId"`
	Response      string        `json:"response"`
	Usage         QueryUsage    `json:"usage"`
	ToolCallCount int           `json:"toolCallCount"`
	Provider      string        `json:"provider"`
	Model         string        `json:"model"`
	Trace         []TraceEntry  `json:"trace,omitempty"`
	Duration      time.Duration `json:"durationNs"`
}

// StreamChunk is one element of a streamed answer. The final chunk has Done
// set and carries Usage, or carries Err.
type StreamChunk struct {
	Content string      `json:"content,omitempty"`
	Done    bool        `json:"done,omitempty"`
	Usage   *QueryUsage `json:"usage,omitempty"`
	Err     error       `json:"-"`
}
