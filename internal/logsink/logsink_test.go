package logsink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aio/gateway/internal/logger"
	"github.com/aio/gateway/internal/ports"
	"github.com/aio/gateway/theme"
)

func testLogger(t *testing.T) *logger.StyledLogger {
	t.Helper()
	l, cleanup, err := logger.New(&logger.Config{Level: "error", FileOutput: false, PrettyLogs: false})
	if err != nil {
		t.Fatalf("build test logger: %v", err)
	}
	t.Cleanup(cleanup)
	return logger.NewStyledLogger(l, theme.GetTheme("default"))
}

type capturingPersister struct {
	mu       sync.Mutex
	requests []ports.RequestLogRecord
	attempts []ports.AttemptLogRecord
}

func (c *capturingPersister) InsertRequestLogs(ctx context.Context, recs []ports.RequestLogRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, recs...)
	return nil
}

func (c *capturingPersister) InsertAttemptLogs(ctx context.Context, recs []ports.AttemptLogRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, recs...)
	return nil
}

func (c *capturingPersister) count() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests), len(c.attempts)
}

func TestSink_EnqueueAndDrainFlushesOnContextCancel(t *testing.T) {
	persister := &capturingPersister{}
	sink := New(persister, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); sink.RunRequestDrain(ctx) }()
	go func() { defer wg.Done(); sink.RunAttemptDrain(ctx) }()

	if !sink.EnqueueRequestLog(ctx, ports.RequestLogRecord{TraceID: "t1"}) {
		t.Fatalf("expected request log to enqueue")
	}
	if !sink.EnqueueAttemptLog(ctx, ports.AttemptLogRecord{TraceID: "t1"}) {
		t.Fatalf("expected attempt log to enqueue")
	}

	cancel()
	wg.Wait()

	reqs, attempts := persister.count()
	if reqs != 1 {
		t.Errorf("expected 1 persisted request log, got %d", reqs)
	}
	if attempts != 1 {
		t.Errorf("expected 1 persisted attempt log, got %d", attempts)
	}
}

func TestSink_DropsRecordsPastHighWaterMark(t *testing.T) {
	persister := &capturingPersister{}
	sink := New(persister, testLogger(t))

	ctx := context.Background()
	for i := 0; i < defaultChannelSize; i++ {
		sink.EnqueueRequestLog(ctx, ports.RequestLogRecord{TraceID: "flood"})
	}

	dropped, _ := sink.DroppedCounts()
	if dropped == 0 {
		t.Errorf("expected some records to be dropped once the high-water mark is crossed")
	}
}

func TestSink_DroppedCountsStartAtZero(t *testing.T) {
	sink := New(&capturingPersister{}, testLogger(t))
	reqs, attempts := sink.DroppedCounts()
	if reqs != 0 || attempts != 0 {
		t.Errorf("expected zero dropped counts on a fresh sink, got reqs=%d attempts=%d", reqs, attempts)
	}
}

func TestSink_DrainFlushesStragglersAfterCancel(t *testing.T) {
	persister := &capturingPersister{}
	sink := New(persister, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		sink.requestCh <- ports.RequestLogRecord{TraceID: "straggler"}
	}

	done := make(chan struct{})
	go func() {
		sink.RunRequestDrain(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunRequestDrain did not return after context cancellation")
	}

	reqs, _ := persister.count()
	if reqs != 5 {
		t.Errorf("expected straggler records to be flushed on exit, got %d", reqs)
	}
}
