package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"threadsage/internal/config"
	"threadsage/internal/domain"
	"threadsage/internal/metrics"
)

const maxEventBody = 1 << 20 // 1MB

// Envelope types sent by the platform.
const (
	TypeURLVerification = "url_verification"
	TypeEventCallback   = "event_callback"
	TypeAppRateLimited  = "app_rate_limited"
)

// Envelope is the outer JSON document of an inbound event request.
type Envelope struct {
	Type      string          `json:"type"`
	Token     string          `json:"token,omitempty"`
	Challenge string          `json:"challenge,omitempty"`
	TeamID    string          `json:"team_id,omitempty"`
	APIAppID  string          `json:"api_app_id,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	EventTime int64           `json:"event_time,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`

	// Raw is the request body the envelope was decoded from.
	Raw []byte `json:"-"`
}

// EventHandler processes one authenticated, de-duplicated event callback.
// It runs off the request goroutine and must honour ctx cancellation.
type EventHandler func(ctx context.Context, env Envelope) error

// Deduplicator reports whether an event was already seen, recording it if not.
type Deduplicator interface {
	IsDuplicate(teamID, eventID string) bool
}

// GatewayConfig configures the event gateway.
type GatewayConfig struct {
	Webhook       config.WebhookConfig
	SigningSecret string
	Dedupe        Deduplicator
	Handler       EventHandler
	Logger        *slog.Logger
	// Now overrides the clock used for signature checks.
	Now func() time.Time
}

// Gateway accepts platform events over HTTP. It acknowledges within the
// request and runs the handler asynchronously under a processing deadline.
type Gateway struct {
	cfg     config.WebhookConfig
	secret  string
	dedupe  Deduplicator
	handler EventHandler
	logger  *slog.Logger
	now     func() time.Time
	stats   *Stats
	wg      sync.WaitGroup
}

// NewGateway creates the gateway. Handler may be nil, in which case accepted
// callbacks are acknowledged and dropped.
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gateway{
		cfg:     cfg.Webhook,
		secret:  cfg.SigningSecret,
		dedupe:  cfg.Dedupe,
		handler: cfg.Handler,
		logger:  cfg.Logger,
		now:     cfg.Now,
		stats:   newStats(),
	}
}

// Stats returns the gateway's live counters.
func (g *Gateway) Stats() *Stats { return g.stats }

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("event handler panic", "panic", rec)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cannot read body"})
		return
	}
	defer r.Body.Close()

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		g.logger.Warn("invalid event payload", "err", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	env.Raw = body

	switch env.Type {
	case TypeURLVerification:
		g.logger.Info("url verification challenge received")
		writeJSON(w, http.StatusOK, map[string]string{"challenge": env.Challenge})

	case TypeAppRateLimited:
		g.logger.Warn("platform reports app rate limited", "team_id", env.TeamID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case TypeEventCallback:
		g.handleCallback(w, r, env)

	default:
		g.logger.Debug("ignoring envelope", "type", env.Type)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

func (g *Gateway) handleCallback(w http.ResponseWriter, r *http.Request, env Envelope) {
	if g.cfg.SignatureValidation {
		sig := headerOr(r, HeaderSignature, HeaderSlackSignature)
		ts := headerOr(r, HeaderTimestamp, HeaderSlackTimestamp)
		if !VerifySignature(env.Raw, sig, ts, g.secret, g.now()) {
			metrics.SignatureFailed.Inc()
			g.logger.Warn("rejecting event", "event_id", env.EventID, "err", domain.ErrSignatureInvalid)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			return
		}
	}

	innerType := innerEventType(env.Event)
	g.stats.recordEvent(innerType)
	metrics.EventsTotal.Inc()

	if g.dedupe != nil && g.dedupe.IsDuplicate(env.TeamID, env.EventID) {
		g.stats.recordDuplicate()
		metrics.EventsDuplicate.Inc()
		g.logger.Debug("duplicate event", "team_id", env.TeamID, "event_id", env.EventID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	if g.handler == nil {
		return
	}
	g.wg.Add(1)
	go g.process(env, innerType)
}

// process runs the handler under the processing deadline. When the deadline
// fires first the handler's context is cancelled and its result discarded.
func (g *Gateway) process(env Envelope, innerType string) {
	defer g.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.ProcessingTimeout())
	defer cancel()

	ctx, span := otel.Tracer("threadsage/channel").Start(ctx, "gateway.process")
	span.SetAttributes(
		attribute.String("event.id", env.EventID),
		attribute.String("event.type", innerType),
		attribute.String("team.id", env.TeamID),
	)
	defer span.End()

	start := g.now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("handler panic: %v", rec)
			}
		}()
		done <- g.handler(ctx, env)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("%w after %s", domain.ErrProcessingTimeout, g.cfg.ProcessingTimeout())
	}

	elapsed := g.now().Sub(start)
	metrics.EventLatency.Observe(elapsed.Seconds())
	if err != nil {
		g.stats.recordFailure(elapsed)
		metrics.EventsFailed.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.Error("event processing failed",
			"event_id", env.EventID,
			"type", innerType,
			"elapsed", elapsed,
			"err", err,
		)
		return
	}
	g.stats.recordSuccess(elapsed)
	g.logger.Debug("event processed", "event_id", env.EventID, "elapsed", elapsed)
}

// Shutdown waits for in-flight pipelines or until ctx is done.
func (g *Gateway) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway shutdown: %w", ctx.Err())
	}
}

func headerOr(r *http.Request, primary, alias string) string {
	if v := r.Header.Get(primary); v != "" {
		return v
	}
	return r.Header.Get(alias)
}

func innerEventType(raw json.RawMessage) string {
	var inner struct {
		Type string `json:"type"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &inner) != nil || inner.Type == "" {
		return "unknown"
	}
	return inner.Type
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
