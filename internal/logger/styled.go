// internal/logger/styled.go
package logger

import (
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"

	"github.com/aio/gateway/internal/domain"
	"github.com/aio/gateway/theme"
)

// StyledLogger wraps slog.Logger with theme-aware formatting methods for
// the gateway's own vocabulary: providers, cli_keys, circuit transitions,
// and request traces, in place of the teacher's endpoint-health styling.
type StyledLogger struct {
	logger *slog.Logger
	theme  *theme.Theme
}

// NewStyledLogger creates a new styled logger with the given theme
func NewStyledLogger(logger *slog.Logger, theme *theme.Theme) *StyledLogger {
	return &StyledLogger{
		logger: logger,
		theme:  theme,
	}
}

func (sl *StyledLogger) Debug(msg string, args ...any) {
	sl.logger.Debug(msg, args...)
}

func (sl *StyledLogger) Info(msg string, args ...any) {
	sl.logger.Info(msg, args...)
}

func (sl *StyledLogger) Warn(msg string, args ...any) {
	sl.logger.Warn(msg, args...)
}

func (sl *StyledLogger) Error(msg string, args ...any) {
	sl.logger.Error(msg, args...)
}

func (sl *StyledLogger) InfoWithCount(msg string, count int, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.NewStyle(sl.theme.Secondary).Sprint("(", count, ")"))
	sl.logger.Info(styledMsg, args...)
}

// InfoWithTrace styles a trace id inline, used for request-lifecycle logs.
func (sl *StyledLogger) InfoWithTrace(msg string, traceID string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.NewStyle(sl.theme.Primary).Sprint(traceID))
	sl.logger.Info(styledMsg, args...)
}

// InfoWithProvider styles a provider name inline, used for router/forwarder
// selection and failover logs.
func (sl *StyledLogger) InfoWithProvider(msg string, provider string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.theme.Highlight.Sprint(provider))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) WarnWithProvider(msg string, provider string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.theme.Highlight.Sprint(provider))
	sl.logger.Warn(styledMsg, args...)
}

func (sl *StyledLogger) ErrorWithProvider(msg string, provider string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.theme.Highlight.Sprint(provider))
	sl.logger.Error(styledMsg, args...)
}

// InfoCircuitTransition styles a circuit breaker state change, colouring
// Open red (Danger) and Closed green (Good).
func (sl *StyledLogger) InfoCircuitTransition(msg string, providerID int64, from, to domain.CircuitState, args ...any) {
	var colour pterm.Color
	if to == domain.CircuitOpen {
		colour = sl.theme.Danger
	} else {
		colour = sl.theme.Good
	}
	styledMsg := fmt.Sprintf("%s provider=%s %s -> %s", msg,
		pterm.NewStyle(sl.theme.Secondary).Sprint(providerID),
		from, pterm.NewStyle(colour).Sprint(to))
	sl.logger.Info(styledMsg, args...)
}

// GetUnderlying returns the underlying slog.Logger for cases where direct access is needed
func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

// WithAttrs creates a new StyledLogger with additional structured attributes
func (sl *StyledLogger) WithAttrs(attrs ...slog.Attr) *StyledLogger {
	args := make([]any, 0, len(attrs)*2)
	for _, attr := range attrs {
		args = append(args, attr.Key, attr.Value)
	}

	return &StyledLogger{
		logger: sl.logger.With(args...),
		theme:  sl.theme,
	}
}

// With creates a new StyledLogger with additional key-value pairs
func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{
		logger: sl.logger.With(args...),
		theme:  sl.theme,
	}
}

// NewWithTheme creates both a regular logger and a styled logger
func NewWithTheme(cfg *Config) (*slog.Logger, *StyledLogger, func(), error) {
	logger, cleanup, err := New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	appTheme := theme.GetTheme(cfg.Theme)
	styledLogger := NewStyledLogger(logger, appTheme)

	return logger, styledLogger, cleanup, nil
}
