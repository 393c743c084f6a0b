// Package classify maps transport errors and upstream HTTP status codes to
// the {category, code, decision} triple the forwarder uses to decide
// whether to retry the same provider, switch providers, or abort.
package classify

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/aio/gateway/internal/constants"
	"github.com/aio/gateway/internal/domain"
)

// TransportError classifies a failed send attempt that never reached an
// upstream status code (timeout, connection refused, DNS failure, ...).
func TransportError(err error) domain.Classification {
	if err == nil {
		return domain.Classification{Category: domain.CategorySystemError, Code: constants.ErrInternal, Decision: domain.DecisionSwitchProvider}
	}

	if isTimeout(err) {
		return domain.Classification{Category: domain.CategorySystemError, Code: constants.ErrUpstreamTimeout, Decision: domain.DecisionSwitchProvider}
	}
	if isConnectFailure(err) {
		return domain.Classification{Category: domain.CategorySystemError, Code: constants.ErrUpstreamConnect, Decision: domain.DecisionSwitchProvider}
	}
	return domain.Classification{Category: domain.CategorySystemError, Code: constants.ErrInternal, Decision: domain.DecisionAbort}
}

// UpstreamStatus classifies a received upstream HTTP status code.
func UpstreamStatus(status int) domain.Classification {
	switch {
	case status >= 500 && status <= 599:
		return domain.Classification{Category: domain.CategoryProviderError, Code: constants.ErrUpstream5xx, Decision: domain.DecisionRetrySameProvider}
	case status == 401 || status == 403:
		return domain.Classification{Category: domain.CategoryProviderError, Code: constants.ErrUpstream4xx, Decision: domain.DecisionSwitchProvider}
	case status == 402:
		return domain.Classification{Category: domain.CategoryProviderError, Code: constants.ErrUpstream4xx, Decision: domain.DecisionSwitchProvider}
	case status == 404:
		return domain.Classification{Category: domain.CategoryResourceNotFound, Code: constants.ErrUpstream4xx, Decision: domain.DecisionSwitchProvider}
	case status == 408 || status == 429:
		return domain.Classification{Category: domain.CategoryProviderError, Code: constants.ErrUpstream4xx, Decision: domain.DecisionRetrySameProvider}
	case status >= 400 && status <= 499:
		return domain.Classification{Category: domain.CategoryProviderError, Code: constants.ErrUpstream4xx, Decision: domain.DecisionRetrySameProvider}
	default:
		return domain.Classification{Category: domain.CategoryProviderError, Code: constants.ErrInternal, Decision: domain.DecisionAbort}
	}
}

// ClientAbort classifies a request ended by client disconnect, never
// attributable to the provider.
func ClientAbort() domain.Classification {
	return domain.Classification{Category: domain.CategoryClientAbort, Code: constants.ErrStreamAborted, Decision: domain.DecisionAbort}
}

// DegradeRetryToSwitch converts a RetrySameProvider decision into
// SwitchProvider once max_attempts_per_provider has been exhausted for this
// attempt sequence.
func DegradeRetryToSwitch(c domain.Classification, retryIndex, maxAttemptsPerProvider int) domain.Classification {
	if c.Decision == domain.DecisionRetrySameProvider && retryIndex >= maxAttemptsPerProvider {
		c.Decision = domain.DecisionSwitchProvider
	}
	return c
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout") ||
		strings.Contains(strings.ToLower(err.Error()), "i/o timeout") ||
		strings.Contains(strings.ToLower(err.Error()), "deadline exceeded")
}

var connectFailurePatterns = []string{
	"connection refused",
	"no such host",
	"network is unreachable",
	"no route to host",
	"dial tcp",
}

func isConnectFailure(err error) bool {
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EHOSTUNREACH:
			return true
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, p := range connectFailurePatterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}
