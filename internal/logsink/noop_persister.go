package logsink

import (
	"context"

	"github.com/aio/gateway/internal/logger"
	"github.com/aio/gateway/internal/ports"
)

// NoopPersister logs batches instead of writing them anywhere durable. It's
// the default for a standalone binary; a desktop-shell deployment backs
// Persister with its SQLite request-log tables instead.
type NoopPersister struct {
	log *logger.StyledLogger
}

func NewNoopPersister(log *logger.StyledLogger) *NoopPersister {
	return &NoopPersister{log: log}
}

func (p *NoopPersister) InsertRequestLogs(ctx context.Context, recs []ports.RequestLogRecord) error {
	p.log.Debug("request log batch (not persisted)", "count", len(recs))
	return nil
}

func (p *NoopPersister) InsertAttemptLogs(ctx context.Context, recs []ports.AttemptLogRecord) error {
	p.log.Debug("attempt log batch (not persisted)", "count", len(recs))
	return nil
}
