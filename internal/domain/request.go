package domain

import "time"

// RequestContext is built once per inbound HTTP request and owned
// exclusively by the forwarder goroutine handling it. Nothing else ever
// mutates it concurrently.
type RequestContext struct {
	CreatedAt         time.Time
	StartInstant      time.Time
	Body              []byte
	JSON              map[string]any
	ExtractedSession  string
	RequestedModel    string
	TraceID           string
	CliKey            string
	Method            string
	ForwardedPath     string
	Query             string
	Headers           map[string][]string
	Attempts          []FailoverAttempt
	SpecialSettings   []string
	TriedProviderIDs  map[int64]struct{}
}

// NewRequestContext seeds a RequestContext with its identity fields. Body
// and JSON are filled in by the forwarder once the body is materialized.
func NewRequestContext(traceID, cliKey, method, path, query string, headers map[string][]string) *RequestContext {
	return &RequestContext{
		TraceID:          traceID,
		CliKey:           cliKey,
		Method:           method,
		ForwardedPath:    path,
		Query:            query,
		Headers:          headers,
		CreatedAt:        time.Now(),
		StartInstant:     time.Now(),
		TriedProviderIDs: make(map[int64]struct{}),
	}
}

// MarkTried records a provider id as excluded from further selection for
// the remainder of this request.
func (rc *RequestContext) MarkTried(id int64) {
	rc.TriedProviderIDs[id] = struct{}{}
}

// AuditRewrite appends a one-line audit entry describing a rewrite that was
// applied to this request.
func (rc *RequestContext) AuditRewrite(entry string) {
	rc.SpecialSettings = append(rc.SpecialSettings, entry)
}

// FailoverAttempt records the outcome of a single send to a single
// provider. Attempts accumulate on RequestContext in strict chronological
// order.
type FailoverAttempt struct {
	Status            int
	DurationMS        int64
	TTFBMS            int64
	ProviderID        int64
	RetryIndex        int
	ProviderName      string
	BaseURLDisplay    string
	ErrorCategory     string
	ErrorCode         string
	OutcomeText       string
}

// UsageMetrics is the best-effort token accounting extracted from a
// response, whether buffered or streamed via SSE.
type UsageMetrics struct {
	InputTokens               *int64
	OutputTokens              *int64
	TotalTokens               *int64
	CacheReadInputTokens      *int64
	CacheCreation5mTokens     *int64
	CacheCreation1hTokens     *int64
	Model                     string
}

// CacheCreationInputTokens derives the combined 5m+1h creation token count,
// returning nil when neither field was observed.
func (u *UsageMetrics) CacheCreationInputTokens() *int64 {
	if u.CacheCreation5mTokens == nil && u.CacheCreation1hTokens == nil {
		return nil
	}
	var total int64
	if u.CacheCreation5mTokens != nil {
		total += *u.CacheCreation5mTokens
	}
	if u.CacheCreation1hTokens != nil {
		total += *u.CacheCreation1hTokens
	}
	return &total
}
