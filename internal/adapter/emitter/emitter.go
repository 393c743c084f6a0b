// Package emitter drains circuit breaker transitions onto a StyledLogger.
// A UI-backed implementation would instead push these onto the desktop
// shell's event feed; the core only needs something that implements
// ports.CircuitEmitter.
package emitter

import (
	"context"

	"github.com/aio/gateway/internal/domain"
	"github.com/aio/gateway/internal/logger"
	"github.com/aio/gateway/pkg/eventbus"
)

// LogEmitter implements ports.CircuitEmitter by logging every transition.
type LogEmitter struct {
	log *logger.StyledLogger
}

func New(log *logger.StyledLogger) *LogEmitter {
	return &LogEmitter{log: log}
}

func (e *LogEmitter) EmitTransition(t domain.Transition) {
	e.log.InfoCircuitTransition("circuit transition", t.ProviderID, t.From, t.To)
}

// Run subscribes to bus and drains transitions into EmitTransition until
// ctx is cancelled. It is meant to be launched as the gateway's
// circuit-emitter background task.
func Run(ctx context.Context, bus *eventbus.EventBus[domain.Transition], e *LogEmitter) {
	ch, cancel := bus.Subscribe(ctx)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ch:
			if !ok {
				return
			}
			e.EmitTransition(t)
		}
	}
}
