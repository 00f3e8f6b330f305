package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"threadsage/internal/config"
	"threadsage/internal/dedupe"
)

var testNow = time.Unix(1700000000, 0)

func testWebhookConfig() config.WebhookConfig {
	return config.Defaults().Webhook
}

// countingDedupe wraps a real cache and counts lookups.
type countingDedupe struct {
	calls atomic.Int32
	cache *dedupe.Cache
}

func (c *countingDedupe) IsDuplicate(teamID, eventID string) bool {
	c.calls.Add(1)
	return c.cache.IsDuplicate(teamID, eventID)
}

func newCountingDedupe(t *testing.T) *countingDedupe {
	t.Helper()
	c := dedupe.New(dedupe.Config{Now: func() time.Time { return testNow }})
	t.Cleanup(c.Close)
	return &countingDedupe{cache: c}
}

func newTestGateway(t *testing.T, cfg config.WebhookConfig, d Deduplicator, h EventHandler) *Gateway {
	t.Helper()
	return NewGateway(GatewayConfig{
		Webhook:       cfg,
		SigningSecret: testSecret,
		Dedupe:        d,
		Handler:       h,
		Logger:        testLogger(),
		Now:           func() time.Time { return testNow },
	})
}

func signedRequest(body string, at time.Time) *http.Request {
	ts := strconv.FormatInt(at.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, ComputeSignature([]byte(body), ts, testSecret))
	return req
}

func callbackBody(eventID string) string {
	return `{"type":"event_callback","team_id":"T1","event_id":"` + eventID + `",` +
		`"event":{"type":"app_mention","user":"U1","text":"<@UBOT> hi","ts":"1.0","channel":"C1"}}`
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestGateway_URLVerification(t *testing.T) {
	d := newCountingDedupe(t)
	g := newTestGateway(t, testWebhookConfig(), d, nil)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events",
		strings.NewReader(`{"type":"url_verification","challenge":"abc123"}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decodeStatus(t, rec)["challenge"]; got != "abc123" {
		t.Fatalf("expected challenge echo, got %q", got)
	}
	if d.calls.Load() != 0 {
		t.Fatal("url verification must not touch the duplicate filter")
	}
}

func TestGateway_InvalidJSON(t *testing.T) {
	g := newTestGateway(t, testWebhookConfig(), nil, nil)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events", strings.NewReader("{nope")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGateway_MethodNotAllowed(t *testing.T) {
	g := newTestGateway(t, testWebhookConfig(), nil, nil)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestGateway_AppRateLimitedAndUnknown(t *testing.T) {
	g := newTestGateway(t, testWebhookConfig(), nil, nil)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events",
		strings.NewReader(`{"type":"app_rate_limited","team_id":"T1"}`)))
	if rec.Code != http.StatusOK || decodeStatus(t, rec)["status"] != "ok" {
		t.Fatalf("unexpected rate-limited response %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(`{"type":"something_new"}`)))
	if rec.Code != http.StatusOK || decodeStatus(t, rec)["status"] != "ignored" {
		t.Fatalf("unexpected unknown-type response %d %s", rec.Code, rec.Body.String())
	}
}

func TestGateway_RejectsBadSignature(t *testing.T) {
	var calls atomic.Int32
	g := newTestGateway(t, testWebhookConfig(), nil, func(ctx context.Context, env Envelope) error {
		calls.Add(1)
		return nil
	})

	req := signedRequest(callbackBody("Ev1"), testNow)
	req.Header.Set(HeaderSignature, "v0=deadbeef")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	stale := signedRequest(callbackBody("Ev2"), testNow.Add(-10*time.Minute))
	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, stale)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for stale timestamp, got %d", rec.Code)
	}

	if err := g.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 {
		t.Fatal("handler must not run for rejected requests")
	}
}

func TestGateway_AcceptsSlackHeaderAliases(t *testing.T) {
	g := newTestGateway(t, testWebhookConfig(), nil, nil)

	body := callbackBody("Ev1")
	ts := strconv.FormatInt(testNow.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	req.Header.Set(HeaderSlackTimestamp, ts)
	req.Header.Set(HeaderSlackSignature, ComputeSignature([]byte(body), ts, testSecret))

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGateway_SignatureValidationDisabled(t *testing.T) {
	cfg := testWebhookConfig()
	cfg.SignatureValidation = false
	g := newTestGateway(t, cfg, nil, nil)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(callbackBody("Ev1"))))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without signature when validation disabled, got %d", rec.Code)
	}
}

func TestGateway_BackToBackDuplicate(t *testing.T) {
	var calls atomic.Int32
	g := newTestGateway(t, testWebhookConfig(), newCountingDedupe(t), func(ctx context.Context, env Envelope) error {
		calls.Add(1)
		return nil
	})

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, signedRequest(callbackBody("Ev1"), testNow))
	if decodeStatus(t, rec)["status"] != "ok" {
		t.Fatalf("first delivery should be accepted: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, signedRequest(callbackBody("Ev1"), testNow))
	if rec.Code != http.StatusOK || decodeStatus(t, rec)["status"] != "duplicate" {
		t.Fatalf("second delivery should be a duplicate: %d %s", rec.Code, rec.Body.String())
	}

	if err := g.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("handler should run once, ran %d times", calls.Load())
	}
	snap := g.Stats().Snapshot()
	if snap.DuplicateCount != 1 || snap.TotalEvents != 2 || snap.ByType["app_mention"] != 2 {
		t.Fatalf("unexpected stats %+v", snap)
	}
}

func TestGateway_AcksBeforeProcessing(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	g := newTestGateway(t, testWebhookConfig(), nil, func(ctx context.Context, env Envelope) error {
		close(started)
		<-release
		return nil
	})

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, signedRequest(callbackBody("Ev1"), testNow))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected immediate 200, got %d", rec.Code)
	}
	<-started
	close(release)

	if err := g.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if g.Stats().Snapshot().SuccessCount != 1 {
		t.Fatal("expected one successful pipeline")
	}
}

func TestGateway_ProcessingTimeout(t *testing.T) {
	cfg := testWebhookConfig()
	cfg.ProcessingTimeoutMs = 20

	cancelled := make(chan struct{})
	g := newTestGateway(t, cfg, nil, func(ctx context.Context, env Envelope) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, signedRequest(callbackBody("Ev1"), testNow))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	if err := g.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("handler context should be cancelled on timeout")
	}
	if g.Stats().Snapshot().FailureCount != 1 {
		t.Fatalf("timeout should count as failure: %+v", g.Stats().Snapshot())
	}
}

func TestGateway_HandlerErrorAndPanicCounted(t *testing.T) {
	var n atomic.Int32
	g := newTestGateway(t, testWebhookConfig(), nil, func(ctx context.Context, env Envelope) error {
		if n.Add(1) == 1 {
			return errors.New("boom")
		}
		panic("kaboom")
	})

	for _, id := range []string{"Ev1", "Ev2"} {
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, signedRequest(callbackBody(id), testNow))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}
	if err := g.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := g.Stats().Snapshot().FailureCount; got != 2 {
		t.Fatalf("expected 2 failures, got %d", got)
	}
}

func TestGateway_ShutdownHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	g := newTestGateway(t, testWebhookConfig(), nil, func(ctx context.Context, env Envelope) error {
		<-release
		return nil
	})

	g.ServeHTTP(httptest.NewRecorder(), signedRequest(callbackBody("Ev1"), testNow))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := g.Shutdown(ctx); err == nil {
		t.Fatal("expected shutdown to give up when context expires")
	}
}

func TestGateway_ConcurrentDeliveries(t *testing.T) {
	var calls atomic.Int32
	g := newTestGateway(t, testWebhookConfig(), newCountingDedupe(t), func(ctx context.Context, env Envelope) error {
		calls.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.ServeHTTP(httptest.NewRecorder(), signedRequest(callbackBody("Ev-same"), testNow))
		}()
	}
	wg.Wait()
	if err := g.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one pipeline, got %d", calls.Load())
	}
}

func TestHealth_Status(t *testing.T) {
	tests := []struct {
		name              string
		success, failures int
		want              string
	}{
		{"no traffic", 0, 0, StatusHealthy},
		{"all good", 10, 0, StatusHealthy},
		{"ten percent", 9, 1, StatusHealthy},
		{"degraded", 8, 2, StatusDegraded},
		{"half", 5, 5, StatusDegraded},
		{"unhealthy", 4, 6, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStats()
			for i := 0; i < tt.success; i++ {
				s.recordSuccess(10 * time.Millisecond)
			}
			for i := 0; i < tt.failures; i++ {
				s.recordFailure(30 * time.Millisecond)
			}
			h := s.Health()
			if h.Status != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, h.Status)
			}
			if h.EventsProcessed != int64(tt.success) || h.EventsFailed != int64(tt.failures) {
				t.Fatalf("unexpected counts %+v", h)
			}
		})
	}
}

func TestHealthHandler(t *testing.T) {
	g := newTestGateway(t, testWebhookConfig(), nil, nil)
	g.stats.recordSuccess(20 * time.Millisecond)
	g.stats.recordSuccess(40 * time.Millisecond)
	g.stats.recordDuplicate()

	rec := httptest.NewRecorder()
	g.HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report HealthReport
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusHealthy || report.AverageProcessingTimeMs != 30 || report.DuplicateEventsBlocked != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestSplitMessage_Short(t *testing.T) {
	if chunks := splitMessage("short message", 100); len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}
}

func TestSplitMessage_Long(t *testing.T) {
	long := strings.Repeat("word ", 100)
	chunks := splitMessage(long, 50)
	if len(chunks) < 2 {
		t.Errorf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 50 {
			t.Errorf("chunk %d too long: %d", i, len(c))
		}
	}
	if strings.Join(chunks, "") != long {
		t.Error("chunks should reassemble to the original")
	}
}

func TestSplitMessage_PrefersNewlines(t *testing.T) {
	msg := strings.Repeat("a", 40) + "\n" + strings.Repeat("b", 40)
	chunks := splitMessage(msg, 50)
	if len(chunks) != 2 || !strings.HasSuffix(chunks[0], "\n") {
		t.Fatalf("expected split at newline, got %q", chunks)
	}
}

func TestSplitMessage_Multibyte(t *testing.T) {
	msg := "a" + strings.Repeat("é", 3000)
	chunks := splitMessage(msg, 4000)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 4000 {
			t.Errorf("chunk %d too long: %d", i, len(c))
		}
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d (len %d) is invalid UTF-8", i, len(c))
		}
	}
	if strings.Join(chunks, "") != msg {
		t.Error("chunks should reassemble to the original")
	}
}
