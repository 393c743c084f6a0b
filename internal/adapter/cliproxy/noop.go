// Package cliproxy implements ports.CLIProxySync. Actually rewriting each
// CLI's proxy setting (claude/codex/gemini config files) is the desktop
// shell's job; the core only calls PointAt/Restore at the right moments.
// This adapter logs the intent so a standalone binary has an observable
// effect without reaching into another program's config files.
package cliproxy

import (
	"context"

	"github.com/aio/gateway/internal/logger"
)

// Sync is a logging-only ports.CLIProxySync implementation.
type Sync struct {
	log *logger.StyledLogger
}

func New(log *logger.StyledLogger) *Sync {
	return &Sync{log: log}
}

func (s *Sync) PointAt(ctx context.Context, baseURL string) error {
	s.log.Info("CLI proxy sync: point at gateway", "base_url", baseURL)
	return nil
}

func (s *Sync) Restore(ctx context.Context) error {
	s.log.Info("CLI proxy sync: restore original proxy settings")
	return nil
}
