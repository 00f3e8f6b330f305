package provider

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"

	"threadsage/internal/config"
	"threadsage/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider is a scripted domain.Provider.
type fakeProvider struct {
	name        string
	model       string
	validateErr error
	models      []string
	validated   atomic.Int32
}

func (f *fakeProvider) Name() string         { return f.name }
func (f *fakeProvider) DefaultModel() string { return f.model }

func (f *fakeProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return &domain.ChatResponse{Content: "ok", FinishReason: "stop"}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	out <- domain.StreamEvent{Type: domain.StreamDone}
	return nil
}

func (f *fakeProvider) Validate(ctx context.Context) error {
	f.validated.Add(1)
	return f.validateErr
}

func (f *fakeProvider) ListModels(ctx context.Context) ([]string, error) {
	return f.models, nil
}

// fakeConstructor returns a Constructor that always yields p.
func fakeConstructor(p *fakeProvider) Constructor {
	return func(name string, pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error) {
		return p, nil
	}
}
