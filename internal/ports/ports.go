// Package ports declares the interfaces the gateway core consumes from or
// exposes to external collaborators (persisted provider store, log
// persistence, CLI-proxy config sync) without depending on their concrete
// implementations.
package ports

import (
	"context"
	"time"

	"github.com/aio/gateway/internal/domain"
)

// ProviderStore gives the router read access to the persisted provider pool
// and active sort modes. The CORE never writes providers itself.
type ProviderStore interface {
	EnabledProviders(cliKey string) []*domain.Provider
	ActiveSortMode(cliKey string) (*domain.SortMode, bool)
	ProviderByID(id int64) (*domain.Provider, bool)
}

// CircuitGate is the subset of the circuit breaker the router needs to
// decide whether a candidate provider may be selected.
type CircuitGate interface {
	ShouldAllow(providerID int64, now time.Time) (allow bool, openUntil int64, cooldownUntil int64)
}

// RequestLogRecord is one row destined for persistent request-log storage.
// Field names mirror the schema contract field-for-field.
type RequestLogRecord struct {
	CreatedAt         time.Time
	Usage             *domain.UsageMetrics
	TraceID           string
	CliKey            string
	Method            string
	Path              string
	Query             string
	SessionID         string
	ErrorCode         string
	RequestedModel    string
	Attempts          []domain.FailoverAttempt
	Status            int
	DurationMS        int64
	TTFBMS            int64
	ExcludedFromStats bool
}

// AttemptLogRecord is one row destined for the per-attempt audit log.
type AttemptLogRecord struct {
	TraceID    string
	ProviderID int64
	domain.FailoverAttempt
}

// LogSink is the best-effort, backpressure-aware destination for request
// and attempt logs. The CORE never opens the backing store itself.
type LogSink interface {
	EnqueueRequestLog(ctx context.Context, rec RequestLogRecord) (enqueued bool)
	EnqueueAttemptLog(ctx context.Context, rec AttemptLogRecord) (enqueued bool)
}

// CLIProxySync is the external collaborator that points each CLI's proxy
// setting at the gateway's local base URL and restores it on shutdown.
type CLIProxySync interface {
	PointAt(ctx context.Context, baseURL string) error
	Restore(ctx context.Context) error
}

// CircuitEmitter is where circuit transition events are drained to, e.g. a
// UI event feed. Draining is best-effort; a full sink drops events.
type CircuitEmitter interface {
	EmitTransition(t domain.Transition)
}

// CredentialResolver turns a provider's stored credential reference into
// the concrete header the forwarder injects on the upstream request. The
// CORE never reads secrets from disk or env itself.
type CredentialResolver interface {
	Resolve(ctx context.Context, credentialRef string) (headerName, headerValue string, err error)
}
