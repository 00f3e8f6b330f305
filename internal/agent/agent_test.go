package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"threadsage/internal/domain"
	"threadsage/internal/tool"
)

func newTestAgent(t *testing.T, p *scriptedProvider, maxIterations int) *Agent {
	t.Helper()
	a, err := New(Options{
		Provider:      p,
		Memory:        NewMemory(20, 4000),
		Logger:        testLogger(),
		MaxIterations: maxIterations,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func echoRegistry(tools ...domain.Tool) *tool.Registry {
	reg := tool.NewRegistry(testLogger())
	for _, tl := range tools {
		reg.Register(tl)
	}
	return reg
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without a provider")
	}
	if _, err := New(Options{Provider: &scriptedProvider{name: "p"}}); err == nil {
		t.Fatal("expected error without any model")
	}
	a, err := New(Options{Provider: &scriptedProvider{name: "p", model: "m1"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Model() != "m1" || a.Provider() != "p" || a.ID() == "" {
		t.Fatalf("unexpected agent: %s %s %s", a.Model(), a.Provider(), a.ID())
	}
}

func TestInvoke_DirectAnswer(t *testing.T) {
	p := &scriptedProvider{name: "p", model: "m", responses: []*domain.ChatResponse{
		{Content: "The deploy is Friday.", Usage: domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
	}}
	a := newTestAgent(t, p, 5)

	res, err := a.Invoke(context.Background(), Request{Query: "when is the deploy?", ChannelContext: "Channels in scope:"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Content != "The deploy is Friday." || res.ToolCalls != 0 || res.Iterations != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Usage.TotalTokens != 15 {
		t.Fatalf("usage = %+v", res.Usage)
	}

	reqs := p.calls()
	if len(reqs) != 1 || reqs[0].Model != "m" || len(reqs[0].Tools) != 0 {
		t.Fatalf("unexpected requests: %+v", reqs)
	}

	turns := a.Memory().Load()
	if len(turns) != 2 || turns[0].Text != "when is the deploy?" || turns[1].Text != "The deploy is Friday." {
		t.Fatalf("memory = %+v", turns)
	}
}

func TestInvoke_ToolLoop(t *testing.T) {
	p := &scriptedProvider{name: "p", model: "m", responses: []*domain.ChatResponse{
		{ToolCalls: []domain.ToolCall{
			{ID: "t1", Name: "echo", Arguments: map[string]any{"text": "a"}},
			{ID: "t2", Name: "echo", Arguments: map[string]any{"text": "b"}},
		}, Usage: domain.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}},
		{Content: "done", Usage: domain.Usage{PromptTokens: 20, CompletionTokens: 3, TotalTokens: 23}},
	}}
	a := newTestAgent(t, p, 5)

	res, err := a.Invoke(context.Background(), Request{Query: "q", Tools: echoRegistry(&echoTool{name: "echo"})})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Content != "done" || res.ToolCalls != 2 || res.Iterations != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Usage.PromptTokens != 30 || res.Usage.CompletionTokens != 5 {
		t.Fatalf("usage not summed: %+v", res.Usage)
	}
	if len(res.Trace) != 2 || res.Trace[0].Step != "tool_call" || res.Trace[0].Detail != "echo" {
		t.Fatalf("trace = %+v", res.Trace)
	}

	second := p.calls()[1].Messages
	n := len(second)
	if second[n-3].Role != "assistant" || len(second[n-3].ToolCalls) != 2 {
		t.Fatalf("assistant tool call message missing: %+v", second[n-3])
	}
	if second[n-2].ToolCallID != "t1" || second[n-2].Content != "echo:a" {
		t.Fatalf("first tool result = %+v", second[n-2])
	}
	if second[n-1].ToolCallID != "t2" || second[n-1].Content != "echo:b" {
		t.Fatalf("second tool result = %+v", second[n-1])
	}
}

func TestInvoke_ToolErrorFedBack(t *testing.T) {
	p := &scriptedProvider{name: "p", model: "m", responses: []*domain.ChatResponse{
		{ToolCalls: []domain.ToolCall{{ID: "t1", Name: "broken"}}},
		{Content: "could not read it"},
	}}
	a := newTestAgent(t, p, 5)

	res, err := a.Invoke(context.Background(), Request{Query: "q", Tools: echoRegistry(&echoTool{name: "broken", err: errBoom})})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Content != "could not read it" {
		t.Fatalf("content = %q", res.Content)
	}
	msgs := p.calls()[1].Messages
	if got := msgs[len(msgs)-1].Content; !strings.Contains(got, "Error executing tool broken: boom") {
		t.Fatalf("tool error not fed back: %q", got)
	}
}

func TestInvoke_ContentEmbeddedToolCall(t *testing.T) {
	p := &scriptedProvider{name: "p", model: "m", responses: []*domain.ChatResponse{
		{Content: `{"name": "echo", "arguments": {"text": "x"}}`},
		{Content: "assistant: final"},
	}}
	a := newTestAgent(t, p, 5)

	res, err := a.Invoke(context.Background(), Request{Query: "q", Tools: echoRegistry(&echoTool{name: "echo"})})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.ToolCalls != 1 || res.Content != "final" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInvoke_IterationBudgetForcesFinalAnswer(t *testing.T) {
	loop := &domain.ChatResponse{ToolCalls: []domain.ToolCall{{ID: "t", Name: "echo"}}}
	p := &scriptedProvider{name: "p", model: "m", responses: []*domain.ChatResponse{loop, loop, {Content: "summary"}}}
	a := newTestAgent(t, p, 2)

	res, err := a.Invoke(context.Background(), Request{Query: "q", Tools: echoRegistry(&echoTool{name: "echo"})})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Content != "summary" || res.ToolCalls != 2 || res.Iterations != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	reqs := p.calls()
	if len(reqs) != 3 || len(reqs[2].Tools) != 0 {
		t.Fatalf("final call must be made without tools: %d calls", len(reqs))
	}
}

func TestInvoke_EmptyAnswerPlaceholder(t *testing.T) {
	p := &scriptedProvider{name: "p", model: "m", responses: []*domain.ChatResponse{{Content: "  "}}}
	a := newTestAgent(t, p, 5)
	res, err := a.Invoke(context.Background(), Request{Query: "q"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Content != emptyAnswer {
		t.Fatalf("content = %q", res.Content)
	}
}

func TestInvoke_ProviderErrorLeavesMemory(t *testing.T) {
	p := &scriptedProvider{name: "p", model: "m", chatErr: errBoom}
	a := newTestAgent(t, p, 5)
	if _, err := a.Invoke(context.Background(), Request{Query: "q"}); !errors.Is(err, errBoom) {
		t.Fatalf("err = %v", err)
	}
	if a.Memory().Len() != 0 {
		t.Fatal("failed invocation must not be remembered")
	}
	if a.InFlight() != 0 {
		t.Fatal("in-flight counter leaked")
	}
}

func TestInvoke_PriorTurnsSent(t *testing.T) {
	p := &scriptedProvider{name: "p", model: "m"}
	a := newTestAgent(t, p, 5)
	a.Memory().Save("first", "one")

	if _, err := a.Invoke(context.Background(), Request{Query: "second"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	msgs := p.calls()[0].Messages
	if len(msgs) != 4 || msgs[1].Content != "first" || msgs[2].Content != "one" || msgs[3].Content != "second" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestInvoke_InFlightAndCancellation(t *testing.T) {
	p := &scriptedProvider{name: "p", model: "m", block: make(chan struct{})}
	a := newTestAgent(t, p, 5)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var invokeErr error
	go func() {
		defer wg.Done()
		_, invokeErr = a.Invoke(ctx, Request{Query: "q"})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for a.InFlight() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("invocation never started")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	wg.Wait()
	if !errors.Is(invokeErr, context.Canceled) {
		t.Fatalf("err = %v", invokeErr)
	}
	if a.InFlight() != 0 {
		t.Fatal("in-flight counter leaked")
	}
}

func TestStream(t *testing.T) {
	p := &scriptedProvider{name: "p", model: "m", tokens: []string{"Hel", "lo", "!"}}
	a := newTestAgent(t, p, 5)

	var got []string
	res, err := a.Stream(context.Background(), Request{Query: "hi"}, func(tok string) { got = append(got, tok) })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if strings.Join(got, "|") != "Hel|lo|!" || res.Content != "Hello!" {
		t.Fatalf("tokens = %v, content = %q", got, res.Content)
	}
	if res.Usage.TotalTokens != 10 {
		t.Fatalf("usage = %+v", res.Usage)
	}
	if turns := a.Memory().Load(); len(turns) != 2 || turns[1].Text != "Hello!" {
		t.Fatalf("memory = %+v", turns)
	}
}

func TestStream_Error(t *testing.T) {
	p := &scriptedProvider{name: "p", model: "m", chatErr: errBoom}
	a := newTestAgent(t, p, 5)
	if _, err := a.Stream(context.Background(), Request{Query: "hi"}, nil); !errors.Is(err, errBoom) {
		t.Fatalf("err = %v", err)
	}
	if a.Memory().Len() != 0 {
		t.Fatal("failed stream must not be remembered")
	}
}
