package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aio/gateway/internal/domain"
	"github.com/aio/gateway/internal/ports"
)

type fakeLogSink struct {
	mu             sync.Mutex
	requestRecords []ports.RequestLogRecord
	attemptRecords []ports.AttemptLogRecord
}

func newFakeLogSink() *fakeLogSink {
	return &fakeLogSink{}
}

func (s *fakeLogSink) EnqueueRequestLog(ctx context.Context, rec ports.RequestLogRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestRecords = append(s.requestRecords, rec)
	return true
}

func (s *fakeLogSink) EnqueueAttemptLog(ctx context.Context, rec ports.AttemptLogRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attemptRecords = append(s.attemptRecords, rec)
	return true
}

func (s *fakeLogSink) attempts() []ports.AttemptLogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ports.AttemptLogRecord, len(s.attemptRecords))
	copy(out, s.attemptRecords)
	return out
}

type fakeStore struct {
	providers []*domain.Provider
}

func (f *fakeStore) EnabledProviders(cliKey string) []*domain.Provider { return f.providers }
func (f *fakeStore) ActiveSortMode(cliKey string) (*domain.SortMode, bool) {
	return nil, false
}
func (f *fakeStore) ProviderByID(id int64) (*domain.Provider, bool) {
	for _, p := range f.providers {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

type fakeGate struct {
	mu        sync.Mutex
	failures  map[int64]int
	successes map[int64]int
	cooldowns map[int64]int64
	opens     map[int64]int64
}

func newFakeGate() *fakeGate {
	return &fakeGate{
		failures:  map[int64]int{},
		successes: map[int64]int{},
		cooldowns: map[int64]int64{},
		opens:     map[int64]int64{},
	}
}

func (g *fakeGate) ShouldAllow(providerID int64, now time.Time) (bool, int64, int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if until, ok := g.opens[providerID]; ok && now.Unix() < until {
		return false, until, 0
	}
	if until, ok := g.cooldowns[providerID]; ok && now.Unix() < until {
		return false, 0, until
	}
	return true, 0, 0
}
func (g *fakeGate) RecordFailure(providerID int64, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[providerID]++
}
func (g *fakeGate) RecordSuccess(providerID int64, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.successes[providerID]++
}
func (g *fakeGate) TriggerCooldown(providerID int64, now time.Time, seconds int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cooldowns[providerID] = now.Unix() + seconds
}

func newRequestContext(t *testing.T, method, path string) (*http.Request, *domain.RequestContext) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(`{"model":"gpt-4"}`))
	rc := domain.NewRequestContext("trace-1", "codex", method, path, "", map[string][]string{})
	return req, rc
}

func TestForwarder_SuccessStreamsThroughAndRecordsSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"usage":{"prompt_tokens":1,"completion_tokens":2}}`))
	}))
	defer upstream.Close()

	u, _ := url.Parse(upstream.URL)
	store := &fakeStore{providers: []*domain.Provider{{ID: 1, CliKey: "codex", Name: "p1", BaseURL: "http://" + u.Host}}}
	gate := newFakeGate()

	fw := New(store, gate, nil, nil, nil, Config{})

	req, rc := newRequestContext(t, http.MethodPost, "/v1/responses")
	rc.ForwardedPath = "/v1/responses"
	w := httptest.NewRecorder()

	fw.Handle(context.Background(), w, req, rc)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gate.successes[1] != 1 {
		t.Errorf("expected one recorded success, got %d", gate.successes[1])
	}
	if len(rc.Attempts) != 1 || rc.Attempts[0].OutcomeText != "success" {
		t.Errorf("unexpected attempts: %+v", rc.Attempts)
	}
}

func TestForwarder_SwitchesProviderOn401(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid credentials"}}`))
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer good.Close()

	badHost, _ := url.Parse(bad.URL)
	goodHost, _ := url.Parse(good.URL)

	store := &fakeStore{providers: []*domain.Provider{
		{ID: 1, CliKey: "codex", Name: "bad", BaseURL: "http://" + badHost.Host},
		{ID: 2, CliKey: "codex", Name: "good", BaseURL: "http://" + goodHost.Host},
	}}
	gate := newFakeGate()
	fw := New(store, gate, nil, nil, nil, Config{})

	req, rc := newRequestContext(t, http.MethodPost, "/v1/responses")
	rc.ForwardedPath = "/v1/responses"
	w := httptest.NewRecorder()

	fw.Handle(context.Background(), w, req, rc)

	if w.Code != http.StatusOK {
		t.Fatalf("expected eventual 200 from the second provider, got %d", w.Code)
	}
	if gate.failures[1] == 0 {
		t.Errorf("expected provider 1 to be recorded as failed")
	}
	if gate.successes[2] != 1 {
		t.Errorf("expected provider 2 to be recorded as succeeded")
	}
}

// TestForwarder_EnqueuesAttemptLogForEveryAttempt ensures every attempt
// the forwarder records — failing or succeeding — is mirrored onto the
// attempt-log sink (SPEC_FULL §4.9), not just appended to the in-memory
// rc.Attempts slice used for the client-facing error body.
func TestForwarder_EnqueuesAttemptLogForEveryAttempt(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid credentials"}}`))
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer good.Close()

	badHost, _ := url.Parse(bad.URL)
	goodHost, _ := url.Parse(good.URL)

	store := &fakeStore{providers: []*domain.Provider{
		{ID: 1, CliKey: "codex", Name: "bad", BaseURL: "http://" + badHost.Host},
		{ID: 2, CliKey: "codex", Name: "good", BaseURL: "http://" + goodHost.Host},
	}}
	gate := newFakeGate()
	sink := newFakeLogSink()
	fw := New(store, gate, nil, nil, sink, Config{})

	req, rc := newRequestContext(t, http.MethodPost, "/v1/responses")
	rc.ForwardedPath = "/v1/responses"
	w := httptest.NewRecorder()

	fw.Handle(context.Background(), w, req, rc)

	attempts := sink.attempts()
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempt-log records, got %d", len(attempts))
	}
	if attempts[0].ProviderID != 1 || attempts[0].Status != http.StatusUnauthorized {
		t.Errorf("expected first attempt-log record for provider 1/401, got %+v", attempts[0])
	}
	if attempts[1].ProviderID != 2 || attempts[1].Status != http.StatusOK {
		t.Errorf("expected second attempt-log record for provider 2/200, got %+v", attempts[1])
	}
	if attempts[0].TraceID != rc.TraceID || attempts[1].TraceID != rc.TraceID {
		t.Errorf("expected both attempt-log records to carry the request's trace id")
	}
}

func TestForwarder_NoProvidersReturns503(t *testing.T) {
	store := &fakeStore{providers: nil}
	gate := newFakeGate()
	fw := New(store, gate, nil, nil, nil, Config{})

	req, rc := newRequestContext(t, http.MethodPost, "/v1/responses")
	rc.ForwardedPath = "/v1/responses"
	w := httptest.NewRecorder()

	fw.Handle(context.Background(), w, req, rc)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "GW_NO_AVAILABLE_PROVIDER") {
		t.Errorf("expected error code in body, got %s", w.Body.String())
	}
}

func TestForwarder_WarmupShortCircuitsWithoutTouchingProviders(t *testing.T) {
	store := &fakeStore{providers: []*domain.Provider{{ID: 1, CliKey: "claude", Name: "p1", BaseURL: "http://example.invalid"}}}
	gate := newFakeGate()
	fw := New(store, gate, nil, nil, nil, Config{})

	body := `{"messages":[{"role":"user","content":[{"type":"text","text":"warmup","cache_control":{"type":"ephemeral"}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rc := domain.NewRequestContext("trace-2", "claude", http.MethodPost, "/v1/messages", "", map[string][]string{})
	w := httptest.NewRecorder()

	fw.Handle(context.Background(), w, req, rc)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 warmup response, got %d", w.Code)
	}
	if gate.failures[1] != 0 || gate.successes[1] != 0 {
		t.Errorf("warmup must never touch the circuit gate")
	}
	if !strings.Contains(w.Body.String(), "msg_aio_trace-2") {
		t.Errorf("expected synthetic message id in body, got %s", w.Body.String())
	}
}

// TestForwarder_AllCircuitsOpenReturns503WithRetryAfter covers scenario 3:
// every candidate provider is Open with the same open_until, so the
// gateway must surface GW_NO_AVAILABLE_PROVIDER with a Retry-After header
// derived from the earliest open_until rather than attempting a send.
func TestForwarder_AllCircuitsOpenReturns503WithRetryAfter(t *testing.T) {
	store := &fakeStore{providers: []*domain.Provider{
		{ID: 1, CliKey: "codex", Name: "a", BaseURL: "http://a.invalid"},
		{ID: 2, CliKey: "codex", Name: "b", BaseURL: "http://b.invalid"},
	}}
	gate := newFakeGate()
	now := time.Now()
	gate.opens[1] = now.Add(60 * time.Second).Unix()
	gate.opens[2] = now.Add(60 * time.Second).Unix()
	fw := New(store, gate, nil, nil, nil, Config{})

	req, rc := newRequestContext(t, http.MethodPost, "/v1/responses")
	rc.ForwardedPath = "/v1/responses"
	w := httptest.NewRecorder()

	fw.Handle(context.Background(), w, req, rc)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "GW_NO_AVAILABLE_PROVIDER") {
		t.Errorf("expected GW_NO_AVAILABLE_PROVIDER in body, got %s", w.Body.String())
	}
	retryAfter := w.Header().Get("Retry-After")
	if retryAfter == "" || retryAfter == "0" {
		t.Errorf("expected a positive Retry-After header, got %q", retryAfter)
	}
}

// TestForwarder_RectifierRetriesSameProviderThenSucceeds covers scenario 5:
// an upstream 400 carrying an invalid-thinking-signature message triggers
// the rectifier, which strips the offending blocks before the same
// provider is retried, masked from the client as a single successful
// response with two recorded attempts.
func TestForwarder_RectifierRetriesSameProviderThenSucceeds(t *testing.T) {
	var calls int
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"Invalid ` + "`signature`" + ` in ` + "`thinking`" + ` block"}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer provider.Close()

	host, _ := url.Parse(provider.URL)
	store := &fakeStore{providers: []*domain.Provider{
		{ID: 1, CliKey: "claude", Name: "p1", BaseURL: "http://" + host.Host},
	}}
	gate := newFakeGate()
	fw := New(store, gate, nil, nil, nil, Config{})

	body := `{"messages":[{"role":"assistant","content":[{"type":"thinking","thinking":"x","signature":"bad"},{"type":"tool_use"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rc := domain.NewRequestContext("trace-3", "claude", http.MethodPost, "/v1/messages", "", map[string][]string{})
	rc.ForwardedPath = "/v1/messages"
	w := httptest.NewRecorder()

	fw.Handle(context.Background(), w, req, rc)

	if w.Code != http.StatusOK {
		t.Fatalf("expected the retried attempt to succeed with 200, got %d", w.Code)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 upstream calls (original + rectified retry), got %d", calls)
	}
	if len(rc.Attempts) != 2 {
		t.Fatalf("expected 2 recorded attempts, got %d", len(rc.Attempts))
	}
	if gate.failures[1] != 0 {
		t.Errorf("a rectifier-triggered retry must not count as a provider failure, got %d", gate.failures[1])
	}
}
