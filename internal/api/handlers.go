package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"threadsage/internal/config"
	"threadsage/internal/domain"
	"threadsage/internal/store"
)

const (
	maxRequestBody     = 1 << 20
	defaultUsageWindow = 24 * time.Hour
	defaultRecentLimit = 20
	maxRecentLimit     = 500
)

type handlers struct {
	queries  Querier
	usage    UsageReader
	settings *config.Config
	origins  []string
	logger   *slog.Logger
}

// queryRequest is the body of the query endpoints and the WebSocket
// query message.
type queryRequest struct {
	Query      string   `json:"query"`
	ChannelIDs []string `json:"channelIds,omitempty"`
	Provider   string   `json:"provider,omitempty"`
	Model      string   `json:"model,omitempty"`
	SessionID  string   `json:"sessionId,omitempty"`
}

func (q queryRequest) validate() error {
	if strings.TrimSpace(q.Query) == "" {
		return errors.New("query is required")
	}
	return nil
}

func (q queryRequest) context() *domain.QueryContext {
	return &domain.QueryContext{Query: strings.TrimSpace(q.Query), TargetChannelIDs: q.ChannelIDs}
}

func (q queryRequest) options() domain.QueryOptions {
	return domain.QueryOptions{Provider: q.Provider, Model: q.Model, SessionID: q.SessionID}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *handlers) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.queries.ProcessQuery(r.Context(), req.context(), req.options())
	if err != nil {
		respondQueryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// queryStream answers as server-sent events: one "chunk" event per content
// delta and a final "done" or "error" event.
func (h *handlers) queryStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	var req queryRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	chunks, err := h.queries.StreamQuery(r.Context(), req.context(), req.options())
	if err != nil {
		respondQueryError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for c := range chunks {
		event, payload := streamEvent(c)
		data, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		if _, err := w.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n")); err != nil {
			h.logger.Debug("stream client went away", "err", err)
			// Keep draining so the query can release its slot.
			continue
		}
		flusher.Flush()
	}
}

// streamMessage is the wire form of one stream chunk.
type streamMessage struct {
	Type    string             `json:"type"`
	Content string             `json:"content,omitempty"`
	Usage   *domain.QueryUsage `json:"usage,omitempty"`
	Error   string             `json:"error,omitempty"`
	Status  int                `json:"status,omitempty"`
}

func streamEvent(c domain.StreamChunk) (string, streamMessage) {
	switch {
	case c.Err != nil:
		return "error", streamMessage{Type: "error", Error: c.Err.Error(), Status: statusFor(c.Err)}
	case c.Done:
		return "done", streamMessage{Type: "done", Usage: c.Usage}
	default:
		return "chunk", streamMessage{Type: "chunk", Content: c.Content}
	}
}

func (h *handlers) listProviders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"current":   h.queries.CurrentProvider(),
		"providers": h.queries.AvailableProviders(),
	})
}

func (h *handlers) providerModels(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	models, err := h.queries.ProviderModels(r.Context(), name)
	if err != nil {
		respondQueryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"provider": name, "models": models})
}

func (h *handlers) setProvider(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Provider string `json:"provider"`
	}
	if err := decodeBody(w, r, &body); err != nil || body.Provider == "" {
		respondError(w, http.StatusBadRequest, "body must be {\"provider\": \"<name>\"}")
		return
	}
	if err := h.queries.SetProvider(body.Provider); err != nil {
		respondQueryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"current": h.queries.CurrentProvider()})
}

func (h *handlers) clearMemory(w http.ResponseWriter, r *http.Request) {
	h.queries.ClearMemory()
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// usageReport returns the ledger summary for the window given by ?since=
// (a duration such as 24h, or an RFC 3339 time) plus the latest records.
func (h *handlers) usageReport(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		respondError(w, http.StatusNotFound, "usage ledger disabled")
		return
	}
	since, err := parseSince(r.URL.Query().Get("since"), time.Now())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}

	summary, err := h.usage.Summary(r.Context(), since)
	if err != nil {
		h.logger.Error("usage summary failed", "err", err)
		respondError(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	recent := []store.UsageRecord{}
	if limit > 0 {
		if recent, err = h.usage.Recent(r.Context(), limit); err != nil {
			h.logger.Error("recent usage failed", "err", err)
			respondError(w, http.StatusInternalServerError, "recent usage failed")
			return
		}
	}
	if summary == nil {
		summary = []store.UsageSummary{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"since":    since.UTC().Format(time.RFC3339),
		"summary":  summary,
		"recent":   recent,
		"inFlight": h.queries.InFlight(),
	})
}

func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return now.Add(-defaultUsageWindow), nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("since must be a duration (24h) or an RFC 3339 time")
	}
	return t, nil
}

func (h *handlers) showConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, config.Sanitize(h.settings))
}

// statusFor maps query errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrQueryLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrQueryTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrAgentCreationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondQueryError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	respondError(w, status, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
