// Package logsink implements ports.LogSink: two bounded, non-blocking
// channels (request-log, attempt-log) with backpressure that drops rather
// than blocks, drained by background tasks into a persistence store. The
// core never opens that store itself — Persister is the seam a SQLite- or
// other disk-backed implementation plugs into.
package logsink

import (
	"context"
	"sync/atomic"

	"github.com/aio/gateway/internal/logger"
	"github.com/aio/gateway/internal/ports"
)

const (
	defaultChannelSize  = 1024
	defaultBatchSize    = 64
	defaultHighWaterPct = 90
)

// Persister is the external collaborator that durably stores drained log
// batches. A no-op Persister is valid — dropped-on-the-floor logging is an
// explicit non-goal tradeoff, not a bug, when nothing is wired.
type Persister interface {
	InsertRequestLogs(ctx context.Context, recs []ports.RequestLogRecord) error
	InsertAttemptLogs(ctx context.Context, recs []ports.AttemptLogRecord) error
}

// Sink is the bounded-channel implementation of ports.LogSink.
type Sink struct {
	requestCh chan ports.RequestLogRecord
	attemptCh chan ports.AttemptLogRecord
	persister Persister
	log       *logger.StyledLogger

	droppedRequests atomic.Uint64
	droppedAttempts atomic.Uint64
	highWater       int
}

// New constructs a Sink. Start must be called to launch its drain tasks.
func New(persister Persister, log *logger.StyledLogger) *Sink {
	return &Sink{
		requestCh: make(chan ports.RequestLogRecord, defaultChannelSize),
		attemptCh: make(chan ports.AttemptLogRecord, defaultChannelSize),
		persister: persister,
		log:       log,
		highWater: defaultChannelSize * defaultHighWaterPct / 100,
	}
}

// EnqueueRequestLog enqueues rec without blocking. If the channel is full
// past the high-water mark, the record is dropped and a warning logged.
func (s *Sink) EnqueueRequestLog(ctx context.Context, rec ports.RequestLogRecord) bool {
	if len(s.requestCh) >= s.highWater {
		n := s.droppedRequests.Add(1)
		s.log.Warn("request log dropped: channel over high-water mark", "trace_id", rec.TraceID, "total_dropped", n)
		return false
	}
	select {
	case s.requestCh <- rec:
		return true
	default:
		n := s.droppedRequests.Add(1)
		s.log.Warn("request log dropped: channel full", "trace_id", rec.TraceID, "total_dropped", n)
		return false
	}
}

// EnqueueAttemptLog enqueues rec without blocking, with the same
// backpressure policy as EnqueueRequestLog.
func (s *Sink) EnqueueAttemptLog(ctx context.Context, rec ports.AttemptLogRecord) bool {
	if len(s.attemptCh) >= s.highWater {
		n := s.droppedAttempts.Add(1)
		s.log.Warn("attempt log dropped: channel over high-water mark", "trace_id", rec.TraceID, "total_dropped", n)
		return false
	}
	select {
	case s.attemptCh <- rec:
		return true
	default:
		n := s.droppedAttempts.Add(1)
		s.log.Warn("attempt log dropped: channel full", "trace_id", rec.TraceID, "total_dropped", n)
		return false
	}
}

// RunRequestDrain batch-inserts queued request logs until ctx is cancelled,
// flushing whatever remains once it is. It is meant to be launched as the
// gateway's log-drain background task.
func (s *Sink) RunRequestDrain(ctx context.Context) {
	batch := make([]ports.RequestLogRecord, 0, defaultBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.persister.InsertRequestLogs(context.Background(), batch); err != nil {
			s.log.Error("failed to persist request log batch", "error", err, "count", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			s.drainRemaining(&batch, flush)
			return
		case rec := <-s.requestCh:
			batch = append(batch, rec)
			if len(batch) >= defaultBatchSize {
				flush()
			}
		}
	}
}

// RunAttemptDrain mirrors RunRequestDrain for the attempt-log channel. It is
// meant to be launched as the gateway's attempt-log-drain background task.
func (s *Sink) RunAttemptDrain(ctx context.Context) {
	batch := make([]ports.AttemptLogRecord, 0, defaultBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.persister.InsertAttemptLogs(context.Background(), batch); err != nil {
			s.log.Error("failed to persist attempt log batch", "error", err, "count", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			s.drainAttemptsRemaining(&batch, flush)
			return
		case rec := <-s.attemptCh:
			batch = append(batch, rec)
			if len(batch) >= defaultBatchSize {
				flush()
			}
		}
	}
}

func (s *Sink) drainRemaining(batch *[]ports.RequestLogRecord, flush func()) {
	for {
		select {
		case rec := <-s.requestCh:
			*batch = append(*batch, rec)
		default:
			flush()
			return
		}
	}
}

func (s *Sink) drainAttemptsRemaining(batch *[]ports.AttemptLogRecord, flush func()) {
	for {
		select {
		case rec := <-s.attemptCh:
			*batch = append(*batch, rec)
		default:
			flush()
			return
		}
	}
}

// DroppedCounts reports the lifetime dropped-record counts for each channel.
func (s *Sink) DroppedCounts() (requests, attempts uint64) {
	return s.droppedRequests.Load(), s.droppedAttempts.Load()
}
