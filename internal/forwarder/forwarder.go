// Package forwarder implements the failover loop: select a provider, send
// the request, classify the outcome, and either retry, switch providers, or
// abort, streaming a successful response straight through to the client.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aio/gateway/internal/classify"
	"github.com/aio/gateway/internal/constants"
	"github.com/aio/gateway/internal/domain"
	"github.com/aio/gateway/internal/ports"
	"github.com/aio/gateway/internal/rewrite"
	"github.com/aio/gateway/internal/router"
	"github.com/aio/gateway/internal/stream"
	"github.com/aio/gateway/pkg/pool"
)

const maxErrorBodyPeek = 64 * 1024

// CircuitGate is the subset of *circuitbreaker.Breaker the forwarder drives
// directly: gating, and recording the outcome of a completed attempt.
type CircuitGate interface {
	ShouldAllow(providerID int64, now time.Time) (allow bool, openUntil int64, cooldownUntil int64)
	RecordFailure(providerID int64, now time.Time)
	RecordSuccess(providerID int64, now time.Time)
	TriggerCooldown(providerID int64, now time.Time, seconds int64)
}

// SessionBinder records which provider most recently served a session, for
// sticky routing. Implementations are expected to expire bindings after a
// short window.
type SessionBinder interface {
	Bind(cliKey, sessionID string, providerID int64, now time.Time)
}

// Forwarder owns the per-request failover loop. One Forwarder is shared
// across all requests; it holds no per-request state itself.
type Forwarder struct {
	store         ports.ProviderStore
	gate          CircuitGate
	router        *router.Router
	creds         ports.CredentialResolver
	sessions      *rewrite.SessionIDCache
	binder        SessionBinder
	logSink       ports.LogSink
	client        *http.Client
	bufferPool    *pool.Pool[*[]byte]
	maxAttempts   int
	firstByteWait time.Duration
	cooldownAfter time.Duration
}

// Config tunes a Forwarder away from its defaults.
type Config struct {
	MaxAttemptsPerProvider int
	FirstByteTimeout       time.Duration
	CooldownSeconds        int64
}

func New(store ports.ProviderStore, gate CircuitGate, creds ports.CredentialResolver, binder SessionBinder, logSink ports.LogSink, cfg Config) *Forwarder {
	if cfg.MaxAttemptsPerProvider <= 0 {
		cfg.MaxAttemptsPerProvider = constants.DefaultMaxAttemptsPerPro
	}
	if cfg.FirstByteTimeout <= 0 {
		cfg.FirstByteTimeout = constants.DefaultFirstByteTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Forwarder{
		store:         store,
		gate:          gate,
		router:        router.New(store, gate),
		creds:         creds,
		sessions:      rewrite.NewSessionIDCache(constants.DefaultStickyWindow),
		binder:        binder,
		logSink:       logSink,
		client:        &http.Client{Transport: transport},
		bufferPool:    pool.NewLitePool(func() *[]byte { b := make([]byte, 32*1024); return &b }),
		maxAttempts:   cfg.MaxAttemptsPerProvider,
		firstByteWait: cfg.FirstByteTimeout,
		cooldownAfter: time.Duration(cfg.CooldownSeconds) * time.Second,
	}
}

// Handle runs the full per-request algorithm described for the core: build
// context, warmup short-circuit, then the select/send/classify loop until a
// response is streamed, an error body is written, or the client disconnects.
func (f *Forwarder) Handle(ctx context.Context, w http.ResponseWriter, r *http.Request, rc *domain.RequestContext) {
	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		f.writeError(w, rc, http.StatusBadRequest, constants.ErrInternal, "failed to read request body", nil)
		return
	}
	rc.Body = bodyBytes

	if rewrite.IsWarmupRequest(rc.ForwardedPath, bodyBytes) {
		f.writeWarmupResponse(w, rc)
		return
	}

	var parsed map[string]any
	_ = json.Unmarshal(bodyBytes, &parsed)
	rc.JSON = parsed
	if model, ok := parsed["model"].(string); ok {
		rc.RequestedModel = model
	}

	if rc.CliKey == constants.CliKeyCodex {
		f.completeCodexSession(r, rc)
	}

	canonicalBody := bodyBytes
	var pendingRectify bool

	for {
		sel := f.router.Select(rc.CliKey, rc.TriedProviderIDs, time.Now())
		if sel.Provider == nil {
			f.writeNoProviderError(w, rc, sel)
			return
		}
		provider := sel.Provider

		allow, _, _ := f.gate.ShouldAllow(provider.ID, time.Now())
		if !allow {
			rc.MarkTried(provider.ID)
			continue
		}

		switchedToNext := false
		for retryIndex := 0; retryIndex < f.maxAttempts; retryIndex++ {
			attemptBody := canonicalBody
			if pendingRectify {
				if rectified, ok := f.rectify(rc, attemptBody); ok {
					attemptBody = rectified
					canonicalBody = rectified
				}
				pendingRectify = false
			}

			attemptBody, reEncoded := f.applyClaudeModelRemap(provider, rc, attemptBody)
			if reEncoded {
				canonicalBody = attemptBody
			}

			outcome, done := f.sendAttempt(ctx, w, r, rc, provider, retryIndex, attemptBody, reEncoded)
			if done {
				return
			}

			switch outcome.decision {
			case domain.DecisionAbort:
				return
			case domain.DecisionRetrySameProvider:
				if outcome.rectifyTrigger {
					pendingRectify = true
				}
				continue
			case domain.DecisionSwitchProvider:
				f.gate.RecordFailure(provider.ID, time.Now())
				if f.cooldownAfter > 0 {
					f.gate.TriggerCooldown(provider.ID, time.Now(), int64(f.cooldownAfter.Seconds()))
				}
				rc.MarkTried(provider.ID)
				switchedToNext = true
			}
			break
		}

		if !switchedToNext {
			// Every attempt for this provider exhausted retries without an
			// explicit switch decision; exclude it so the next Select call
			// makes progress instead of looping on the same candidate.
			rc.MarkTried(provider.ID)
			f.gate.RecordFailure(provider.ID, time.Now())
		}
	}
}

type attemptOutcome struct {
	decision       domain.ErrorDecision
	rectifyTrigger bool
}

// sendAttempt performs one upstream send and, on a 2xx response, streams it
// through to the client and returns done=true; a client disconnect also
// returns done=true. Any other outcome is recorded as an attempt and its
// classified decision is reported back for the loop to act on —
// sendAttempt never writes an error response itself.
func (f *Forwarder) sendAttempt(ctx context.Context, w http.ResponseWriter, r *http.Request, rc *domain.RequestContext, provider *domain.Provider, retryIndex int, body []byte, reEncoded bool) (attemptOutcome, bool) {
	start := time.Now()

	upstreamReq, err := f.buildUpstreamRequest(ctx, r, provider, rc, body, reEncoded)
	if err != nil {
		return f.recordAttempt(rc, provider, retryIndex, start, 0, classify.TransportError(err), ""), false
	}

	upstreamReq = upstreamReq.WithContext(ctx)

	// upstream_first_byte_timeout bounds only the wait for response
	// headers, not the full streaming duration, so it races the send
	// against a timer rather than cancelling the request context.
	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := f.client.Do(upstreamReq)
		done <- result{resp, err}
	}()

	var resp *http.Response
	select {
	case <-ctx.Done():
		f.recordAttempt(rc, provider, retryIndex, start, 0, classify.ClientAbort(), "client disconnected")
		f.enqueueRequestLog(rc, 0, constants.ErrStreamAborted, nil, true)
		return attemptOutcome{decision: domain.DecisionAbort}, true
	case <-time.After(f.firstByteWait):
		go func() {
			// The send may still complete after we've given up on it;
			// drain and close so its connection doesn't leak.
			if res := <-done; res.resp != nil {
				_ = res.resp.Body.Close()
			}
		}()
		cls := domain.Classification{Category: domain.CategorySystemError, Code: constants.ErrUpstreamTimeout, Decision: domain.DecisionSwitchProvider}
		cls = classify.DegradeRetryToSwitch(cls, retryIndex, f.maxAttempts)
		return f.recordAttempt(rc, provider, retryIndex, start, 0, cls, "first byte timeout"), false
	case res := <-done:
		if res.err != nil {
			if ctx.Err() != nil {
				f.recordAttempt(rc, provider, retryIndex, start, 0, classify.ClientAbort(), "client disconnected")
				f.enqueueRequestLog(rc, 0, constants.ErrStreamAborted, nil, true)
				return attemptOutcome{decision: domain.DecisionAbort}, true
			}
			cls := classify.TransportError(res.err)
			cls = classify.DegradeRetryToSwitch(cls, retryIndex, f.maxAttempts)
			return f.recordAttempt(rc, provider, retryIndex, start, 0, cls, ""), false
		}
		resp = res.resp
	}
	defer resp.Body.Close()

	ttfb := time.Since(start)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		f.streamSuccess(w, r, rc, provider, resp, start, ttfb)
		return attemptOutcome{decision: domain.DecisionAbort}, true
	}

	peeked, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyPeek))
	trigger := detectRectifyTrigger(peeked)

	cls := classify.UpstreamStatus(resp.StatusCode)
	cls = classify.DegradeRetryToSwitch(cls, retryIndex, f.maxAttempts)
	outcome := f.recordAttempt(rc, provider, retryIndex, start, resp.StatusCode, cls, string(peeked))
	outcome.rectifyTrigger = trigger != ""
	return outcome, false
}

func (f *Forwarder) recordAttempt(rc *domain.RequestContext, provider *domain.Provider, retryIndex int, start time.Time, status int, cls domain.Classification, outcomeText string) attemptOutcome {
	if outcomeText == "" {
		outcomeText = cls.Code
	}
	attempt := domain.FailoverAttempt{
		ProviderID:     provider.ID,
		ProviderName:   provider.Name,
		BaseURLDisplay: provider.BaseURL,
		Status:         status,
		ErrorCategory:  string(cls.Category),
		ErrorCode:      cls.Code,
		DurationMS:     time.Since(start).Milliseconds(),
		RetryIndex:     retryIndex,
		OutcomeText:    outcomeText,
	}
	rc.Attempts = append(rc.Attempts, attempt)
	f.enqueueAttemptLog(rc, attempt)
	return attemptOutcome{decision: cls.Decision}
}

// enqueueAttemptLog mirrors a single FailoverAttempt onto the attempt-log
// sink, best-effort — a full or absent sink never blocks or fails the
// request.
func (f *Forwarder) enqueueAttemptLog(rc *domain.RequestContext, attempt domain.FailoverAttempt) {
	if f.logSink == nil {
		return
	}
	f.logSink.EnqueueAttemptLog(context.Background(), ports.AttemptLogRecord{
		TraceID:         rc.TraceID,
		ProviderID:      attempt.ProviderID,
		FailoverAttempt: attempt,
	})
}

// streamSuccess copies the upstream response straight through to the
// client, installing the gunzip adaptor when content-encoding is gzip and
// feeding every chunk through the SSE usage accumulator in parallel.
func (f *Forwarder) streamSuccess(w http.ResponseWriter, r *http.Request, rc *domain.RequestContext, provider *domain.Provider, resp *http.Response, start time.Time, ttfb time.Duration) {
	for key, values := range resp.Header {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.Header().Set(constants.HeaderTraceID, rc.TraceID)
	w.WriteHeader(resp.StatusCode)

	var body io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get(constants.HeaderContentEncoding), "gzip") {
		gz := stream.NewGunzipReader(resp.Body)
		defer gz.Close()
		body = gz
	}

	acc := stream.NewUsageAccumulator()
	tee := io.TeeReader(body, accWriter{acc})

	buf := f.bufferPool.Get()
	defer f.bufferPool.Put(buf)

	_, copyErr := io.CopyBuffer(flushWriter{w}, tee, *buf)

	usage := acc.Finalize()
	attempt := domain.FailoverAttempt{
		ProviderID:     provider.ID,
		ProviderName:   provider.Name,
		BaseURLDisplay: provider.BaseURL,
		Status:         resp.StatusCode,
		DurationMS:     time.Since(start).Milliseconds(),
		TTFBMS:         ttfb.Milliseconds(),
		OutcomeText:    "success",
	}
	rc.Attempts = append(rc.Attempts, attempt)
	f.enqueueAttemptLog(rc, attempt)

	f.gate.RecordSuccess(provider.ID, time.Now())
	if rc.ExtractedSession != "" && f.binder != nil {
		f.binder.Bind(rc.CliKey, rc.ExtractedSession, provider.ID, time.Now())
	}

	f.enqueueRequestLog(rc, resp.StatusCode, "", &usage, copyErr != nil && !errors.Is(copyErr, context.Canceled))
}

// accWriter feeds every chunk copied to the client into the SSE usage
// accumulator without buffering the whole stream.
type accWriter struct{ acc *stream.UsageAccumulator }

func (a accWriter) Write(p []byte) (int, error) {
	_ = a.acc.Consume(bytes.NewReader(p))
	return len(p), nil
}

// flushWriter flushes after every write so SSE chunks reach the client as
// they arrive instead of waiting on Go's default buffering.
type flushWriter struct{ w http.ResponseWriter }

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return n, err
}

func (f *Forwarder) buildUpstreamRequest(ctx context.Context, r *http.Request, provider *domain.Provider, rc *domain.RequestContext, body []byte, reEncoded bool) (*http.Request, error) {
	targetURL := provider.BaseURL + rc.ForwardedPath
	if rc.Query != "" {
		targetURL += "?" + rc.Query
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, rc.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	for key, values := range rc.Headers {
		if isHopByHop(key) || strings.EqualFold(key, constants.HeaderContentLength) {
			continue
		}
		if reEncoded && strings.EqualFold(key, constants.HeaderContentEncoding) {
			continue
		}
		for _, v := range values {
			upstreamReq.Header.Add(key, v)
		}
	}

	if f.creds != nil {
		name, value, err := f.creds.Resolve(ctx, provider.CredentialRef)
		if err == nil && name != "" {
			upstreamReq.Header.Set(name, value)
		}
	}

	return upstreamReq, nil
}

func (f *Forwarder) applyClaudeModelRemap(provider *domain.Provider, rc *domain.RequestContext, body []byte) ([]byte, bool) {
	if provider.CliKey != constants.CliKeyClaude || !provider.HasModelRemap() {
		return body, false
	}

	hasThinking := false
	if rc.JSON != nil {
		if thinking, ok := rc.JSON["thinking"].(map[string]any); ok {
			if t, _ := thinking["type"].(string); t == "enabled" {
				hasThinking = true
			}
		}
	}

	effective, kind := rewrite.EffectiveClaudeModel(provider.ClaudeModels, rc.RequestedModel, hasThinking)
	if effective == rc.RequestedModel || effective == "" {
		return body, false
	}

	rewritten, applied := rewrite.RewriteModelInBody(body, effective)
	if !applied {
		return body, false
	}

	rc.AuditRewrite(rewrite.AuditEntry(provider.ID, provider.Name, rc.RequestedModel, effective, kind, rewrite.LocationBodyJSON, true))
	return rewritten, true
}

func (f *Forwarder) rectify(rc *domain.RequestContext, body []byte) ([]byte, bool) {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body, false
	}
	result := rewrite.RectifyAnthropicRequestMessage(parsed)
	if !result.Applied {
		return body, false
	}
	rewritten, err := rewrite.MarshalBody(parsed)
	if err != nil {
		return body, false
	}
	rc.AuditRewrite(fmt.Sprintf("rectified thinking signature: removed %d thinking, %d redacted, %d signatures",
		result.RemovedThinkingBlocks, result.RemovedRedactedThinkingBlocks, result.RemovedSignatureFields))
	return rewritten, true
}

func (f *Forwarder) completeCodexSession(r *http.Request, rc *domain.RequestContext) {
	if rc.JSON == nil {
		return
	}
	connKey := r.RemoteAddr
	result := rewrite.CompleteCodexSessionIdentifiers(f.sessions, connKey, time.Now(), rc.Headers, rc.JSON)
	if result.Applied {
		rc.ExtractedSession = result.SessionID
		rc.AuditRewrite(fmt.Sprintf("codex session %s (%s)", result.SessionID, result.Action))
	}
}

func detectRectifyTrigger(body []byte) string {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	msg, _ := parsed["message"].(string)
	if msg == "" {
		if errObj, ok := parsed["error"].(map[string]any); ok {
			msg, _ = errObj["message"].(string)
		}
	}
	if msg == "" {
		return ""
	}
	return rewrite.DetectTrigger(msg)
}

// statusForTerminalErrorCode maps the error codes §7 assigns a distinct
// HTTP status after loop exhaustion (as opposed to 4xx passthrough, which
// already carries its own status on the attempt).
func statusForTerminalErrorCode(code string) (int, bool) {
	switch code {
	case constants.ErrUpstream5xx, constants.ErrUpstreamConnect:
		return http.StatusBadGateway, true
	case constants.ErrUpstreamTimeout:
		return http.StatusGatewayTimeout, true
	default:
		return 0, false
	}
}

func isHopByHop(header string) bool {
	for _, h := range constants.HopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

func (f *Forwarder) writeWarmupResponse(w http.ResponseWriter, rc *domain.RequestContext) {
	body := rewrite.BuildWarmupResponseBody(rc.RequestedModel, rc.TraceID)
	w.Header().Set(constants.HeaderContentType, "application/json")
	w.Header().Set(constants.HeaderTraceID, rc.TraceID)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

// writeNoProviderError reports the gateway's own exhaustion unless at least
// one attempt was actually made (loop exhaustion, §7: "on loop exhaustion
// the last classification becomes the response") — in that case the last
// attempt's classification is surfaced instead of a blanket 503, whether
// that was an upstream 4xx (e.g. every provider consistently returned 404
// for this path), a 5xx, a timeout, or a connect failure. A blanket 503
// GW_NO_AVAILABLE_PROVIDER is reserved for the case no provider was ever
// selectable at all — no attempts were made because the router's gate
// denied every candidate up front (scenario 3: every circuit Open).
func (f *Forwarder) writeNoProviderError(w http.ResponseWriter, rc *domain.RequestContext, sel router.Selection) {
	if len(rc.Attempts) > 0 {
		last := rc.Attempts[len(rc.Attempts)-1]
		if last.Status >= 400 && last.Status < 500 {
			f.writeError(w, rc, last.Status, last.ErrorCode, last.OutcomeText, nil)
			return
		}
		if status, ok := statusForTerminalErrorCode(last.ErrorCode); ok {
			f.writeError(w, rc, status, last.ErrorCode, last.OutcomeText, nil)
			return
		}
	}

	var retryAfter *int64
	if sel.EarliestAvailable > 0 {
		wait := sel.EarliestAvailable - time.Now().Unix()
		if wait < 0 {
			wait = 0
		}
		retryAfter = &wait
	}
	f.writeError(w, rc, http.StatusServiceUnavailable, constants.ErrNoAvailableProvider, "no available provider", retryAfter)
}

func (f *Forwarder) writeError(w http.ResponseWriter, rc *domain.RequestContext, status int, code, message string, retryAfter *int64) {
	attempts := make([]domain.AttemptSummary, 0, len(rc.Attempts))
	for _, a := range rc.Attempts {
		attempts = append(attempts, domain.AttemptSummary{
			ProviderID: a.ProviderID,
			Status:     a.Status,
			ErrorCode:  a.ErrorCode,
			DurationMS: a.DurationMS,
			Outcome:    a.OutcomeText,
		})
	}

	resp := domain.ErrorResponse{
		TraceID:           rc.TraceID,
		ErrorCode:         code,
		Message:           message,
		Attempts:          attempts,
		RetryAfterSeconds: retryAfter,
	}

	if retryAfter != nil && *retryAfter > 0 {
		w.Header().Set(constants.HeaderRetryAfter, fmt.Sprintf("%d", *retryAfter))
	}
	w.Header().Set(constants.HeaderContentType, "application/json")
	w.Header().Set(constants.HeaderTraceID, rc.TraceID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)

	f.enqueueRequestLog(rc, status, code, nil, false)
}

func (f *Forwarder) enqueueRequestLog(rc *domain.RequestContext, status int, errorCode string, usage *domain.UsageMetrics, excludedFromStats bool) {
	if f.logSink == nil {
		return
	}
	f.logSink.EnqueueRequestLog(context.Background(), ports.RequestLogRecord{
		CreatedAt:         rc.CreatedAt,
		Usage:             usage,
		TraceID:           rc.TraceID,
		CliKey:            rc.CliKey,
		Method:            rc.Method,
		Path:              rc.ForwardedPath,
		Query:             rc.Query,
		SessionID:         rc.ExtractedSession,
		ErrorCode:         errorCode,
		RequestedModel:    rc.RequestedModel,
		Attempts:          rc.Attempts,
		Status:            status,
		DurationMS:        time.Since(rc.StartInstant).Milliseconds(),
		ExcludedFromStats: excludedFromStats,
	})
}
