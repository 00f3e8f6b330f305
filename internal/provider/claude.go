package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"threadsage/internal/domain"
)

const (
	claudeDefaultModel = "claude-3-5-sonnet-20241022"
	defaultMaxTokens   = 4096
	defaultHTTPTimeout = 120 * time.Second
	defaultMaxRetries  = 2
)

// Claude implements domain.Provider for the Anthropic Messages API.
type Claude struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

type ClaudeConfig struct {
	APIKey string
	// APIBase overrides the API endpoint, mostly for tests and proxies.
	APIBase    string
	Model      string
	MaxRetries int
	Logger     *slog.Logger
}

// NewClaude creates a new Claude provider.
func NewClaude(cfg ClaudeConfig) *Claude {
	if cfg.Model == "" {
		cfg.Model = claudeDefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(SharedHTTPClient(defaultHTTPTimeout)),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	return &Claude{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
		logger: cfg.Logger,
	}
}

func (c *Claude) Name() string         { return NameAnthropic }
func (c *Claude) DefaultModel() string { return c.model }

// Validate lists a single model, which requires a valid key but costs nothing.
func (c *Claude) Validate(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)}); err != nil {
		return fmt.Errorf("anthropic: %w", err)
	}
	return nil
}

func (c *Claude) ListModels(ctx context.Context) ([]string, error) {
	var models []string
	iter := c.client.Models.ListAutoPaging(ctx, anthropic.ModelListParams{})
	for iter.Next() {
		models = append(models, iter.Current().ID)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("anthropic list models: %w", err)
	}
	return models, nil
}

func (c *Claude) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	start := time.Now()
	params := c.buildParams(req)

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}

	resp := &domain.ChatResponse{
		FinishReason: claudeFinishReason(msg.StopReason),
		Usage:        claudeUsage(msg.Usage.InputTokens, msg.Usage.OutputTokens),
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					c.logger.Warn("unparseable tool input", "tool", block.Name, "err", err)
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, domain.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	resp.Content = text.String()
	return resp, nil
}

func (c *Claude) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	stream := c.client.Messages.NewStreaming(ctx, c.buildParams(req))
	defer stream.Close()

	var acc anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return fmt.Errorf("anthropic stream: %w", err)
		}
		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
		if !ok || text.Text == "" {
			continue
		}
		select {
		case out <- domain.StreamEvent{Type: domain.StreamToken, Content: text.Text}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}

	usage := claudeUsage(acc.Usage.InputTokens, acc.Usage.OutputTokens)
	select {
	case out <- domain.StreamEvent{Type: domain.StreamDone, Usage: &usage}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// buildParams converts a chat request into Messages API parameters. System
// messages go to the system field; consecutive tool results are merged into a
// single user turn as the API requires.
func (c *Claude) buildParams(req domain.ChatRequest) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	lastWasToolResult := false
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
			lastWasToolResult = false

		case "tool":
			block := anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)
			if lastWasToolResult {
				last := &params.Messages[len(params.Messages)-1]
				last.Content = append(last.Content, block)
			} else {
				params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
			}
			lastWasToolResult = true

		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) > 0 {
				params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
			}
			lastWasToolResult = false

		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			lastWasToolResult = false
		}
	}

	for _, t := range req.Tools {
		schema := anthropic.ToolInputSchemaParam{Properties: t.Parameters["properties"]}
		schema.Required = requiredFields(t.Parameters)
		tool := anthropic.ToolUnionParamOfTool(schema, t.Name)
		tool.OfTool.Description = anthropic.String(t.Description)
		params.Tools = append(params.Tools, tool)
	}
	return params
}

func requiredFields(params map[string]any) []string {
	switch req := params["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func claudeFinishReason(r anthropic.StopReason) string {
	switch r {
	case anthropic.StopReasonToolUse:
		return "tool_calls"
	case anthropic.StopReasonMaxTokens:
		return "length"
	}
	return "stop"
}

func claudeUsage(in, out int64) domain.Usage {
	return domain.Usage{
		PromptTokens:     int(in),
		CompletionTokens: int(out),
		TotalTokens:      int(in + out),
	}
}
