package channel

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"threadsage/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type postedMessage struct {
	Channel, ThreadTS, Text string
}

// fakeWorkspace is an in-memory domain.Workspace.
type fakeWorkspace struct {
	mu        sync.Mutex
	channels  map[string]domain.ChannelInfo
	threads   map[string][]domain.WorkspaceMessage
	threadErr error
	postErr   error
	posted    []postedMessage
}

func newFakeWorkspace() *fakeWorkspace {
	return &fakeWorkspace{
		channels: map[string]domain.ChannelInfo{
			"C1": {ID: "C1", Name: "general", Purpose: "Company-wide", Topic: "Announcements"},
			"C2": {ID: "C2", Name: "engineering"},
			"D1": {ID: "D1", IsIM: true},
		},
		threads: make(map[string][]domain.WorkspaceMessage),
	}
}

func (f *fakeWorkspace) ResolveChannel(ctx context.Context, idOrName string) (*domain.ChannelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[idOrName]; ok {
		return &ch, nil
	}
	for _, ch := range f.channels {
		if ch.Name == idOrName {
			c := ch
			return &c, nil
		}
	}
	return nil, &domain.WorkspaceError{Op: "resolve", ChannelID: idOrName, Code: domain.CodeChannelNotFound, Err: os.ErrNotExist}
}

func (f *fakeWorkspace) EnsureAccess(ctx context.Context, ids []string) domain.AccessResult {
	return domain.AccessResult{Joined: ids, Failed: map[string]domain.WorkspaceErrorCode{}}
}

func (f *fakeWorkspace) FetchHistory(ctx context.Context, id string, opts domain.HistoryOptions) ([]domain.WorkspaceMessage, error) {
	return nil, nil
}

func (f *fakeWorkspace) FetchThread(ctx context.Context, id, threadTS string) ([]domain.WorkspaceMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.threadErr != nil {
		return nil, f.threadErr
	}
	return f.threads[id+"/"+threadTS], nil
}

func (f *fakeWorkspace) PostMessage(ctx context.Context, id, threadTS, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return f.postErr
	}
	f.posted = append(f.posted, postedMessage{Channel: id, ThreadTS: threadTS, Text: text})
	return nil
}

func (f *fakeWorkspace) Posted() []postedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]postedMessage(nil), f.posted...)
}

// fakeQuerier records queries and returns a canned answer.
type fakeQuerier struct {
	mu       sync.Mutex
	response string
	err      error
	queries  []*domain.QueryContext
}

func (q *fakeQuerier) ProcessQuery(ctx context.Context, qc *domain.QueryContext, opts domain.QueryOptions) (*domain.QueryResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queries = append(q.queries, qc)
	if q.err != nil {
		return nil, q.err
	}
	return &domain.QueryResult{QueryID: "q-1", Response: q.response, Provider: "fake", Model: "fake-1"}, nil
}

func (q *fakeQuerier) Queries() []*domain.QueryContext {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*domain.QueryContext(nil), q.queries...)
}
