package classify

import (
	"errors"
	"testing"

	"github.com/aio/gateway/internal/constants"
	"github.com/aio/gateway/internal/domain"
)

func TestUpstreamStatus_Table(t *testing.T) {
	cases := []struct {
		status   int
		code     string
		decision domain.ErrorDecision
	}{
		{500, constants.ErrUpstream5xx, domain.DecisionRetrySameProvider},
		{503, constants.ErrUpstream5xx, domain.DecisionRetrySameProvider},
		{401, constants.ErrUpstream4xx, domain.DecisionSwitchProvider},
		{403, constants.ErrUpstream4xx, domain.DecisionSwitchProvider},
		{402, constants.ErrUpstream4xx, domain.DecisionSwitchProvider},
		{404, constants.ErrUpstream4xx, domain.DecisionSwitchProvider},
		{408, constants.ErrUpstream4xx, domain.DecisionRetrySameProvider},
		{429, constants.ErrUpstream4xx, domain.DecisionRetrySameProvider},
		{422, constants.ErrUpstream4xx, domain.DecisionRetrySameProvider},
	}

	for _, c := range cases {
		got := UpstreamStatus(c.status)
		if got.Code != c.code || got.Decision != c.decision {
			t.Errorf("status %d: got {%s %v}, want {%s %v}", c.status, got.Code, got.Decision, c.code, c.decision)
		}
	}
}

func TestUpstreamStatus_404IsResourceNotFound(t *testing.T) {
	got := UpstreamStatus(404)
	if got.Category != domain.CategoryResourceNotFound {
		t.Errorf("expected ResourceNotFound category, got %v", got.Category)
	}
}

func TestTransportError_Timeout(t *testing.T) {
	got := TransportError(errors.New("context deadline exceeded: i/o timeout"))
	if got.Code != constants.ErrUpstreamTimeout {
		t.Errorf("expected timeout classification, got %s", got.Code)
	}
}

func TestTransportError_ConnectionRefused(t *testing.T) {
	got := TransportError(errors.New("dial tcp 127.0.0.1:9: connection refused"))
	if got.Code != constants.ErrUpstreamConnect {
		t.Errorf("expected connect-failed classification, got %s", got.Code)
	}
}

func TestDegradeRetryToSwitch(t *testing.T) {
	c := domain.Classification{Decision: domain.DecisionRetrySameProvider}
	degraded := DegradeRetryToSwitch(c, 2, 2)
	if degraded.Decision != domain.DecisionSwitchProvider {
		t.Fatalf("expected degrade to switch once exhausted, got %v", degraded.Decision)
	}

	notYet := DegradeRetryToSwitch(c, 1, 2)
	if notYet.Decision != domain.DecisionRetrySameProvider {
		t.Fatalf("expected retry preserved before exhaustion, got %v", notYet.Decision)
	}
}
