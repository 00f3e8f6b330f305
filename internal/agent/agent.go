package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"threadsage/internal/domain"
	"threadsage/internal/metrics"
	"threadsage/internal/tool"
)

const (
	defaultMaxIterations    = 5
	defaultLLMMaxTokens     = 4096
	defaultTemperature      = 0.7
	defaultMaxParallelTools = 4
	emptyAnswer             = "I looked, but I don't have anything to add."
)

// Request is one question put to an agent.
type Request struct {
	Query string
	// ChannelContext is prepended to the query in the user message.
	ChannelContext string
	// Tools may be nil, in which case the model answers without tools.
	Tools *tool.Registry
}

// Result is the outcome of one invocation.
type Result struct {
	Content    string
	Usage      domain.Usage
	ToolCalls  int
	Iterations int
	Trace      []domain.TraceEntry
}

// Agent binds a provider and model to a conversation memory and runs the
// tool loop. One agent may serve concurrent invocations.
type Agent struct {
	id            string
	providerName  string
	model         string
	provider      domain.Provider
	memory        *Memory
	prompt        *PromptBuilder
	limiter       *RateLimiter
	logger        *slog.Logger
	maxIterations int
	maxTokens     int
	temperature   float64

	inflight atomic.Int32
	lastUsed atomic.Int64 // unix nanos
	now      func() time.Time
}

// Options configures a new Agent.
type Options struct {
	ProviderName  string
	Model         string
	Provider      domain.Provider
	Memory        *Memory
	Prompt        *PromptBuilder
	Limiter       *RateLimiter
	Logger        *slog.Logger
	MaxIterations int
	MaxTokens     int
	Temperature   float64
	Now           func() time.Time
}

func New(opts Options) (*Agent, error) {
	if opts.Provider == nil {
		return nil, errors.New("provider is nil")
	}
	if opts.Model == "" {
		opts.Model = opts.Provider.DefaultModel()
	}
	if opts.Model == "" {
		return nil, errors.New("no model configured")
	}
	if opts.ProviderName == "" {
		opts.ProviderName = opts.Provider.Name()
	}
	if opts.Memory == nil {
		opts.Memory = NewMemory(defaultMemoryMessages, defaultMemoryTokens)
	}
	if opts.Prompt == nil {
		opts.Prompt = NewPromptBuilder("")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultLLMMaxTokens
	}
	if opts.Temperature <= 0 {
		opts.Temperature = defaultTemperature
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &Agent{
		id:            uuid.NewString(),
		providerName:  opts.ProviderName,
		model:         opts.Model,
		provider:      opts.Provider,
		memory:        opts.Memory,
		prompt:        opts.Prompt,
		limiter:       opts.Limiter,
		maxIterations: opts.MaxIterations,
		maxTokens:     opts.MaxTokens,
		temperature:   opts.Temperature,
		now:           opts.Now,
	}
	a.logger = opts.Logger.With("agent", a.id, "provider", a.providerName, "model", a.model)
	a.touch()
	return a, nil
}

func (a *Agent) ID() string       { return a.id }
func (a *Agent) Provider() string { return a.providerName }
func (a *Agent) Model() string    { return a.model }
func (a *Agent) Memory() *Memory  { return a.memory }

// InFlight reports how many invocations are running.
func (a *Agent) InFlight() int { return int(a.inflight.Load()) }

// LastUsed is the later of the last cache hit and the last finished invocation.
func (a *Agent) LastUsed() time.Time { return time.Unix(0, a.lastUsed.Load()) }

func (a *Agent) touch() { a.lastUsed.Store(a.now().UnixNano()) }

func (a *Agent) begin() func() {
	a.inflight.Add(1)
	return func() {
		a.inflight.Add(-1)
		a.touch()
	}
}

// Invoke runs the tool loop: call the model, execute any tool calls, feed the
// results back, until the model answers or the iteration budget is spent.
// The exchange is saved to memory only on success.
func (a *Agent) Invoke(ctx context.Context, req Request) (*Result, error) {
	defer a.begin()()

	messages := a.prompt.BuildMessages(a.memory.Load(), req.ChannelContext, req.Query)

	var (
		toolDefs []domain.ToolDefinition
		known    map[string]bool
	)
	if req.Tools != nil {
		toolDefs = req.Tools.Definitions()
		known = make(map[string]bool, len(toolDefs))
		for _, d := range toolDefs {
			known[d.Name] = true
		}
	}

	res := &Result{}
	final := ""
	answered := false
	for iteration := 0; iteration < a.maxIterations; iteration++ {
		res.Iterations++
		resp, err := a.chat(ctx, messages, toolDefs)
		if err != nil {
			return nil, err
		}
		res.Usage.Add(resp.Usage)

		if !resp.HasToolCalls() && known != nil {
			if extracted := toolCallsFromContent(resp.Content, known); len(extracted) > 0 {
				a.logger.Info("extracted tool calls from content text", "count", len(extracted))
				resp.ToolCalls = extracted
				resp.Content = ""
			}
		}

		if !resp.HasToolCalls() {
			final = resp.Content
			answered = true
			break
		}

		messages = append(messages, domain.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, r := range a.executeTools(ctx, req.Tools, resp.ToolCalls) {
			res.ToolCalls++
			res.Trace = append(res.Trace, domain.TraceEntry{Step: "tool_call", Detail: r.call.Name, At: a.now()})
			messages = append(messages, domain.Message{
				Role:       "tool",
				Content:    r.output,
				ToolCallID: r.call.ID,
				ToolName:   r.call.Name,
			})
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if !answered {
		// Iteration budget spent: one last call without tools forces a text answer.
		a.logger.Warn("tool loop exhausted, requesting final answer", "iterations", res.Iterations)
		messages = append(messages, domain.Message{
			Role:    "user",
			Content: "Answer now using what you have gathered so far. Do not call any more tools.",
		})
		resp, err := a.chat(ctx, messages, nil)
		if err != nil {
			return nil, err
		}
		res.Usage.Add(resp.Usage)
		final = resp.Content
	}

	final = strings.TrimSpace(stripRolePrefix(final))
	if final == "" {
		final = emptyAnswer
	}
	res.Content = final
	a.memory.Save(req.Query, final)
	return res, nil
}

// Stream answers in a single model pass without tools, calling onToken for
// every text delta. The exchange is saved to memory when the stream completes.
func (a *Agent) Stream(ctx context.Context, req Request, onToken func(string)) (*Result, error) {
	defer a.begin()()

	messages := a.prompt.BuildMessages(a.memory.Load(), req.ChannelContext, req.Query)
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	metrics.ProviderRequests(a.providerName).Inc()

	events := make(chan domain.StreamEvent, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.provider.ChatStream(ctx, a.chatRequest(messages, nil), events)
		close(events)
	}()

	var (
		sb    strings.Builder
		usage domain.Usage
	)
	for evt := range events {
		switch evt.Type {
		case domain.StreamToken:
			sb.WriteString(evt.Content)
			if onToken != nil {
				onToken(evt.Content)
			}
		case domain.StreamDone:
			if evt.Usage != nil {
				usage = *evt.Usage
			}
		}
	}
	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("llm stream: %w", err)
	}
	a.recordTokens(usage)

	content := strings.TrimSpace(sb.String())
	a.memory.Save(req.Query, content)
	return &Result{Content: content, Usage: usage, Iterations: 1}, nil
}

func (a *Agent) chatRequest(messages []domain.Message, tools []domain.ToolDefinition) domain.ChatRequest {
	return domain.ChatRequest{
		Messages:    messages,
		Tools:       tools,
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
	}
}

func (a *Agent) chat(ctx context.Context, messages []domain.Message, tools []domain.ToolDefinition) (*domain.ChatResponse, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	metrics.ProviderRequests(a.providerName).Inc()

	start := a.now()
	resp, err := a.provider.Chat(ctx, a.chatRequest(messages, tools))
	if err != nil {
		return nil, fmt.Errorf("llm chat: %w", err)
	}
	resp.LatencyMs = a.now().Sub(start).Milliseconds()
	a.recordTokens(resp.Usage)
	a.logger.Debug("llm call completed",
		"latency_ms", resp.LatencyMs,
		"tool_calls", len(resp.ToolCalls),
		"finish", resp.FinishReason,
	)
	return resp, nil
}

func (a *Agent) recordTokens(u domain.Usage) {
	if !u.Reported() {
		return
	}
	metrics.ProviderTokens(a.providerName, "prompt").Add(int64(u.PromptTokens))
	metrics.ProviderTokens(a.providerName, "completion").Add(int64(u.CompletionTokens))
}

type toolResult struct {
	call   domain.ToolCall
	output string
}

// executeTools runs calls with bounded parallelism and returns results in
// call order. Tool failures become text the model can read.
func (a *Agent) executeTools(ctx context.Context, reg *tool.Registry, calls []domain.ToolCall) []toolResult {
	results := make([]toolResult, len(calls))
	sem := make(chan struct{}, defaultMaxParallelTools)
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, tc domain.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			out, err := a.executeTool(ctx, reg, tc)
			if err != nil {
				out = fmt.Sprintf("Error executing tool %s: %s", tc.Name, err.Error())
			}
			results[idx] = toolResult{call: tc, output: out}
		}(i, tc)
	}
	wg.Wait()
	return results
}

func (a *Agent) executeTool(ctx context.Context, reg *tool.Registry, tc domain.ToolCall) (string, error) {
	if reg == nil {
		return "", fmt.Errorf("no tools available")
	}
	if a.logger.Enabled(ctx, slog.LevelDebug) {
		if argsJSON, err := json.Marshal(tc.Arguments); err == nil {
			a.logger.Debug("executing tool", "tool", tc.Name, "args", string(argsJSON))
		}
	}
	out, err := reg.Execute(ctx, tc.Name, tc.Arguments)
	if err != nil {
		a.logger.Warn("tool failed", "tool", tc.Name, "err", err)
		return "", err
	}
	return out, nil
}
