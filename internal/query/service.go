// Package query runs questions against the cached agents under a global
// concurrency cap and a per-query deadline, and accounts for their usage.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"threadsage/internal/agent"
	"threadsage/internal/domain"
	"threadsage/internal/metrics"
	"threadsage/internal/provider"
	"threadsage/internal/store"
	"threadsage/internal/tool"
)

const (
	defaultMaxConcurrent = 5
	defaultTimeout       = 60 * time.Second
	// Prompt-side overhead added to estimates for the system prompt and tools.
	estimatePromptOverhead = 200
	streamBuffer           = 32
	ledgerWriteTimeout     = 5 * time.Second
)

// Recorder persists finished queries.
type Recorder interface {
	Record(ctx context.Context, rec store.UsageRecord) error
}

// Config configures a Service.
type Config struct {
	MaxConcurrent int
	Timeout       time.Duration
	Registry      *provider.Registry
	Agents        *agent.Cache
	// Workspace is optional; without it queries run without channel access
	// or workspace tools.
	Workspace domain.Workspace
	// Ledger is optional.
	Ledger Recorder
	Logger *slog.Logger
	Now    func() time.Time
}

// Service is the query orchestrator.
type Service struct {
	max       int
	timeout   time.Duration
	registry  *provider.Registry
	agents    *agent.Cache
	workspace domain.Workspace
	ledger    Recorder
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer

	mu       sync.Mutex
	inFlight map[string]time.Time

	sessMu   sync.Mutex
	sessions map[string]*agent.Memory
}

func NewService(cfg Config) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		max:       cfg.MaxConcurrent,
		timeout:   cfg.Timeout,
		registry:  cfg.Registry,
		agents:    cfg.Agents,
		workspace: cfg.Workspace,
		ledger:    cfg.Ledger,
		logger:    cfg.Logger,
		now:       cfg.Now,
		tracer:    otel.Tracer("threadsage/query"),
		inFlight:  make(map[string]time.Time),
		sessions:  make(map[string]*agent.Memory),
	}
}

// InFlight returns the number of queries currently admitted.
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *Service) admit() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inFlight) >= s.max {
		metrics.QueriesRejected.Inc()
		return "", fmt.Errorf("%w (%d running)", domain.ErrQueryLimitExceeded, len(s.inFlight))
	}
	id := uuid.NewString()
	s.inFlight[id] = s.now()
	metrics.QueriesTotal.Inc()
	metrics.InFlightQueries.Set(int64(len(s.inFlight)))
	return id, nil
}

func (s *Service) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
	metrics.InFlightQueries.Set(int64(len(s.inFlight)))
}

// prepared is everything resolved before the agent runs.
type prepared struct {
	id        string
	started   time.Time
	handle    provider.Handle
	model     string
	agent     *agent.Agent
	request   agent.Request
	trace     []domain.TraceEntry
	sessionID string
	channelID string
}

func (p *prepared) step(at time.Time, step, detail string) {
	p.trace = append(p.trace, domain.TraceEntry{Step: step, Detail: detail, At: at})
}

// prepare resolves provider, model, channel access and agent for an
// admitted query.
func (s *Service) prepare(ctx context.Context, id string, qc *domain.QueryContext, opts domain.QueryOptions, withTools bool) (*prepared, error) {
	p := &prepared{id: id, started: s.now(), sessionID: opts.SessionID, channelID: qc.ChannelID}
	p.step(p.started, "admitted", id)

	if s.registry == nil {
		return p, fmt.Errorf("%w: no registry", domain.ErrProviderUnavailable)
	}
	h, err := s.registry.Handle(opts.Provider)
	if err != nil {
		return p, err
	}
	p.handle = h
	p.model = opts.Model
	if p.model == "" {
		p.model = s.registry.DefaultModelFor(h.Name)
	}
	p.step(s.now(), "provider", h.Name+":"+p.model)

	channels, accessible, failed := s.ensureAccess(ctx, qc, p)

	var session *agent.Memory
	if opts.SessionID != "" {
		session = s.session(opts.SessionID)
	}
	ag, err := s.agents.Get(h, p.model, session)
	if err != nil {
		return p, err
	}
	p.agent = ag
	p.model = ag.Model()

	p.request = agent.Request{
		Query:          qc.Query,
		ChannelContext: agent.ChannelContext(channels, failed),
	}
	if withTools && s.workspace != nil && len(accessible) > 0 {
		p.request.Tools = tool.NewWorkspaceRegistry(s.workspace, accessible, s.logger)
	}
	return p, nil
}

// ensureAccess joins the target channels. Failures are traced and the
// channels marked inaccessible; they never abort the query.
func (s *Service) ensureAccess(ctx context.Context, qc *domain.QueryContext, p *prepared) ([]domain.ChannelInfo, []string, map[string]domain.WorkspaceErrorCode) {
	channels := slices.Clone(qc.Channels)
	if s.workspace == nil || len(qc.TargetChannelIDs) == 0 {
		return channels, nil, nil
	}

	for _, id := range qc.TargetChannelIDs {
		if slices.ContainsFunc(channels, func(c domain.ChannelInfo) bool { return c.ID == id }) {
			continue
		}
		info, err := s.workspace.ResolveChannel(ctx, id)
		if err != nil {
			channels = append(channels, domain.ChannelInfo{ID: id})
			continue
		}
		channels = append(channels, *info)
	}

	res := s.workspace.EnsureAccess(ctx, qc.TargetChannelIDs)
	var accessible []string
	for _, id := range qc.TargetChannelIDs {
		if code, ok := res.Failed[id]; ok {
			p.step(s.now(), "access_failed", fmt.Sprintf("%s: %s", id, code))
			continue
		}
		accessible = append(accessible, id)
	}
	p.step(s.now(), "access", fmt.Sprintf("%d accessible, %d failed", len(accessible), len(res.Failed)))
	return channels, accessible, res.Failed
}

func (s *Service) session(id string) *agent.Memory {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	m, ok := s.sessions[id]
	if !ok {
		m = s.agents.NewMemory()
		s.sessions[id] = m
	}
	return m
}

// ProcessQuery answers qc. It fails fast with ErrQueryLimitExceeded when the
// concurrency cap is reached and with a *QueryTimeoutError when the answer
// does not arrive within the query timeout.
func (s *Service) ProcessQuery(ctx context.Context, qc *domain.QueryContext, opts domain.QueryOptions) (*domain.QueryResult, error) {
	id, err := s.admit()
	if err != nil {
		s.logger.Warn("query rejected", "err", err)
		return nil, err
	}
	defer s.release(id)

	ctx, span := s.tracer.Start(ctx, "query.process", trace.WithAttributes(
		attribute.String("query.id", id),
		attribute.Int("query.targets", len(qc.TargetChannelIDs)),
	))
	defer span.End()

	p, err := s.prepare(ctx, id, qc, opts, true)
	if err != nil {
		s.finishFailed(ctx, span, p, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("llm.provider", p.handle.Name), attribute.String("llm.model", p.model))

	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		res *agent.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.agent.Invoke(qctx, p.request)
		done <- outcome{res, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-qctx.Done():
		out.err = qctx.Err()
	}
	if out.err != nil {
		err := s.mapDeadline(ctx, qctx, id, out.err)
		s.finishFailed(ctx, span, p, err)
		return nil, err
	}

	usage := s.usage(out.res.Usage, qc.Query, out.res.Content, p)
	p.trace = append(p.trace, out.res.Trace...)
	p.step(s.now(), "completed", fmt.Sprintf("%d tool calls", out.res.ToolCalls))

	result := &domain.QueryResult{
		QueryID:       id,
		Response:      out.res.Content,
		Usage:         usage,
		ToolCallCount: out.res.ToolCalls,
		Provider:      p.handle.Name,
		Model:         p.model,
		Trace:         p.trace,
		Duration:      s.now().Sub(p.started),
	}
	s.finishOK(ctx, span, p, usage, out.res.ToolCalls, result.Duration)
	return result, nil
}

// StreamQuery admits the query synchronously and then streams the answer.
// The channel yields content chunks followed by exactly one terminal chunk
// carrying Done and Usage, or Err. The concurrency slot is held until the
// channel is closed. Streamed answers are produced in a single model pass
// without workspace tools.
func (s *Service) StreamQuery(ctx context.Context, qc *domain.QueryContext, opts domain.QueryOptions) (<-chan domain.StreamChunk, error) {
	id, err := s.admit()
	if err != nil {
		s.logger.Warn("stream query rejected", "err", err)
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "query.stream", trace.WithAttributes(attribute.String("query.id", id)))
	p, err := s.prepare(ctx, id, qc, opts, false)
	if err != nil {
		s.finishFailed(ctx, span, p, err)
		span.End()
		s.release(id)
		return nil, err
	}

	out := make(chan domain.StreamChunk, streamBuffer)
	go func() {
		defer close(out)
		defer s.release(id)
		defer span.End()

		qctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		res, err := p.agent.Stream(qctx, p.request, func(tok string) {
			select {
			case out <- domain.StreamChunk{Content: tok}:
			case <-qctx.Done():
			}
		})
		if err == nil && qctx.Err() != nil {
			err = qctx.Err()
		}
		if err != nil {
			err = s.mapDeadline(ctx, qctx, id, err)
			s.finishFailed(ctx, span, p, err)
			s.send(ctx, out, domain.StreamChunk{Err: err})
			return
		}

		usage := s.usage(res.Usage, qc.Query, res.Content, p)
		s.finishOK(ctx, span, p, usage, 0, s.now().Sub(p.started))
		s.send(ctx, out, domain.StreamChunk{Done: true, Usage: &usage})
	}()
	return out, nil
}

// send delivers the terminal chunk unless the consumer has gone away.
func (s *Service) send(ctx context.Context, out chan<- domain.StreamChunk, c domain.StreamChunk) {
	select {
	case out <- c:
	case <-ctx.Done():
	}
}

// mapDeadline turns expiry of the query's own deadline into a
// *QueryTimeoutError. When the caller's context ended first, its error is
// returned instead and no query timeout is counted.
func (s *Service) mapDeadline(ctx, qctx context.Context, id string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("query %s: %w", id, cerr)
	}
	if errors.Is(qctx.Err(), context.DeadlineExceeded) {
		metrics.QueryTimeouts.Inc()
		return &domain.QueryTimeoutError{QueryID: id, Timeout: s.timeout}
	}
	return err
}

// usage prefers provider-reported counts and otherwise estimates them.
func (s *Service) usage(reported domain.Usage, query, response string, p *prepared) domain.QueryUsage {
	u := reported
	estimated := false
	if !u.Reported() {
		u = EstimateUsage(query, response)
		estimated = true
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return domain.QueryUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		CostUSD:          s.registry.CalculateCost(u, p.model, p.handle.Name),
		Estimated:        estimated,
	}
}

// EstimateUsage approximates token counts at four characters per token,
// plus a fixed prompt overhead.
func EstimateUsage(query, response string) domain.Usage {
	prompt := ceilDiv(utf8.RuneCountInString(query), 4) + estimatePromptOverhead
	completion := ceilDiv(utf8.RuneCountInString(response), 4)
	return domain.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func ceilDiv(n, d int) int {
	return (n + d - 1) / d
}

func (s *Service) finishOK(ctx context.Context, span trace.Span, p *prepared, usage domain.QueryUsage, toolCalls int, elapsed time.Duration) {
	metrics.QueryLatency.Observe(elapsed.Seconds())
	span.SetAttributes(
		attribute.Int("llm.tokens.prompt", usage.PromptTokens),
		attribute.Int("llm.tokens.completion", usage.CompletionTokens),
		attribute.Float64("llm.cost_usd", usage.CostUSD),
		attribute.Int("query.tool_calls", toolCalls),
	)
	s.logger.Info("query completed",
		"query_id", p.id,
		"provider", p.handle.Name,
		"model", p.model,
		"tokens", usage.TotalTokens,
		"estimated", usage.Estimated,
		"cost_usd", usage.CostUSD,
		"tool_calls", toolCalls,
		"elapsed", elapsed,
	)
	s.record(ctx, store.UsageRecord{
		QueryID:          p.id,
		Provider:         p.handle.Name,
		Model:            p.model,
		SessionID:        p.sessionID,
		ChannelID:        p.channelID,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		CostUSD:          usage.CostUSD,
		Estimated:        usage.Estimated,
		ToolCalls:        toolCalls,
		Duration:         elapsed,
		Status:           store.StatusOK,
	})
}

func (s *Service) finishFailed(ctx context.Context, span trace.Span, p *prepared, err error) {
	elapsed := s.now().Sub(p.started)
	metrics.QueryLatency.Observe(elapsed.Seconds())
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Error("query failed", "query_id", p.id, "provider", p.handle.Name, "elapsed", elapsed, "err", err)

	if p.handle.Name == "" {
		// Nothing reached a provider; there is no usage to record.
		return
	}
	status := store.StatusError
	if errors.Is(err, domain.ErrQueryTimeout) {
		status = store.StatusTimeout
	}
	s.record(ctx, store.UsageRecord{
		QueryID:   p.id,
		Provider:  p.handle.Name,
		Model:     p.model,
		SessionID: p.sessionID,
		ChannelID: p.channelID,
		Duration:  elapsed,
		Status:    status,
		Error:     err.Error(),
	})
}

func (s *Service) record(ctx context.Context, rec store.UsageRecord) {
	if s.ledger == nil {
		return
	}
	rec.CreatedAt = s.now()
	// The query context may already be cancelled or expired.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()
	if err := s.ledger.Record(wctx, rec); err != nil {
		s.logger.Warn("usage not recorded", "query_id", rec.QueryID, "err", err)
	}
}

// ProviderInfo describes one validated provider.
type ProviderInfo struct {
	Name         string `json:"name"`
	DefaultModel string `json:"defaultModel"`
	Current      bool   `json:"current"`
}

// AvailableProviders lists validated providers in name order.
func (s *Service) AvailableProviders() []ProviderInfo {
	if s.registry == nil {
		return nil
	}
	current := s.registry.CurrentName()
	names := s.registry.Available()
	out := make([]ProviderInfo, 0, len(names))
	for _, name := range names {
		out = append(out, ProviderInfo{
			Name:         name,
			DefaultModel: s.registry.DefaultModelFor(name),
			Current:      name == current,
		})
	}
	return out
}

// ProviderModels lists the models of a validated provider; empty name means
// the current one.
func (s *Service) ProviderModels(ctx context.Context, name string) ([]string, error) {
	if s.registry == nil {
		return nil, domain.ErrProviderUnavailable
	}
	return s.registry.Models(ctx, name)
}

// SetProvider changes the default provider.
func (s *Service) SetProvider(name string) error {
	if s.registry == nil {
		return domain.ErrProviderUnavailable
	}
	return s.registry.SetCurrent(name)
}

// CurrentProvider returns the default provider name, empty when degraded.
func (s *Service) CurrentProvider() string {
	if s.registry == nil {
		return ""
	}
	return s.registry.CurrentName()
}

// ClearMemory forgets every conversation: the shared memories of cached
// agents and all session memories.
func (s *Service) ClearMemory() {
	s.agents.ClearMemory()
	s.sessMu.Lock()
	n := len(s.sessions)
	for _, m := range s.sessions {
		m.Clear()
	}
	s.sessions = make(map[string]*agent.Memory)
	s.sessMu.Unlock()
	s.logger.Info("conversation memory cleared", "sessions", n)
}
