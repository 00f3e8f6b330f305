package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"threadsage/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider returns its responses in order; the last one repeats.
type scriptedProvider struct {
	name      string
	model     string
	responses []*domain.ChatResponse
	tokens    []string
	chatErr   error
	// block, when set, makes Chat wait for it or for ctx.
	block chan struct{}

	mu       sync.Mutex
	requests []domain.ChatRequest
}

func (p *scriptedProvider) Name() string         { return p.name }
func (p *scriptedProvider) DefaultModel() string { return p.model }

func (p *scriptedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	n := len(p.requests)
	p.mu.Unlock()

	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.chatErr != nil {
		return nil, p.chatErr
	}
	if len(p.responses) == 0 {
		return &domain.ChatResponse{Content: "ok", FinishReason: "stop"}, nil
	}
	resp := *p.responses[min(n, len(p.responses))-1]
	return &resp, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.chatErr != nil {
		return p.chatErr
	}
	for _, tok := range p.tokens {
		select {
		case out <- domain.StreamEvent{Type: domain.StreamToken, Content: tok}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	out <- domain.StreamEvent{Type: domain.StreamDone, Usage: &domain.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}}
	return nil
}

func (p *scriptedProvider) Validate(ctx context.Context) error { return nil }

func (p *scriptedProvider) ListModels(ctx context.Context) ([]string, error) {
	return []string{p.model}, nil
}

func (p *scriptedProvider) calls() []domain.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ChatRequest(nil), p.requests...)
}

// echoTool returns its "text" argument.
type echoTool struct {
	name string
	err  error
}

func (e *echoTool) Name() string        { return e.name }
func (e *echoTool) Description() string { return "echo" }
func (e *echoTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (e *echoTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	s, _ := args["text"].(string)
	return "echo:" + s, nil
}

var errBoom = errors.New("boom")
