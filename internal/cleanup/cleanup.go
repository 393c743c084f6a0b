// Package cleanup coordinates the gateway's single shutdown sequence:
// stopping the gateway's listener and background tasks, then restoring
// whatever a CLI-proxy sync pointed at the gateway during startup. It
// guards against concurrent or repeated shutdown attempts with a
// three-state latch, mirroring how the gateway's own lifecycle code treats
// Stop as idempotent.
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/aio/gateway/internal/constants"
	"github.com/aio/gateway/internal/logger"
	"github.com/aio/gateway/internal/ports"
)

type state int32

const (
	stateIdle state = iota
	stateRunning
	stateDone
)

// Stopper is the subset of gateway.Manager cleanup drives.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Coordinator runs the shutdown sequence exactly once, regardless of how
// many goroutines call Run concurrently (signal handler, explicit admin
// command, deferred main). Later callers block until the first completes,
// then return immediately.
type Coordinator struct {
	mu    sync.Mutex
	state state
	done  chan struct{}

	gateway Stopper
	proxy   ports.CLIProxySync
	log     *logger.StyledLogger

	restoreTimeout time.Duration
	waitTimeout    time.Duration
}

// New builds a Coordinator. gateway and proxy may be nil — a nil gateway
// skips the stop step, a nil proxy skips the restore step.
func New(gateway Stopper, proxy ports.CLIProxySync, log *logger.StyledLogger) *Coordinator {
	return &Coordinator{
		state:          stateIdle,
		done:           make(chan struct{}),
		gateway:        gateway,
		proxy:          proxy,
		log:            log,
		restoreTimeout: constants.DefaultRestoreTimeout,
		waitTimeout:    constants.DefaultCleanupWait,
	}
}

// Run executes the shutdown sequence on the first call. Concurrent or
// later callers wait up to the coordinator's wait timeout for the first
// call to finish, then return without doing any work themselves.
func (c *Coordinator) Run(ctx context.Context) {
	c.mu.Lock()
	switch c.state {
	case stateDone:
		c.mu.Unlock()
		return
	case stateRunning:
		c.mu.Unlock()
		c.waitForDone()
		return
	}
	c.state = stateRunning
	c.mu.Unlock()

	c.runSequence(ctx)

	c.mu.Lock()
	c.state = stateDone
	c.mu.Unlock()
	close(c.done)
}

func (c *Coordinator) waitForDone() {
	select {
	case <-c.done:
	case <-time.After(c.waitTimeout):
		c.log.Warn("cleanup wait timed out waiting for in-progress shutdown")
	}
}

func (c *Coordinator) runSequence(ctx context.Context) {
	if c.gateway != nil {
		stopCtx, cancel := context.WithTimeout(ctx, constants.DefaultStopTimeout+constants.DefaultAbortGrace)
		if err := c.gateway.Stop(stopCtx); err != nil {
			c.log.Warn("gateway stop returned an error during cleanup", "error", err)
		}
		cancel()
	}

	if c.proxy != nil {
		restoreCtx, cancel := context.WithTimeout(ctx, c.restoreTimeout)
		if err := c.proxy.Restore(restoreCtx); err != nil {
			c.log.Warn("cli proxy restore failed during cleanup", "error", err)
		}
		cancel()
	}
}
