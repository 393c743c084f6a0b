package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aio/gateway/internal/domain"
	"github.com/aio/gateway/internal/logger"
	"github.com/aio/gateway/theme"
)

type recordingForwarder struct {
	rc *domain.RequestContext
}

func (f *recordingForwarder) Handle(ctx context.Context, w http.ResponseWriter, r *http.Request, rc *domain.RequestContext) {
	f.rc = rc
	w.WriteHeader(http.StatusOK)
}

func testLogger(t *testing.T) *logger.StyledLogger {
	t.Helper()
	l, cleanup, err := logger.New(&logger.Config{Level: "error", FileOutput: false, PrettyLogs: false})
	if err != nil {
		t.Fatalf("build test logger: %v", err)
	}
	t.Cleanup(cleanup)
	return logger.NewStyledLogger(l, theme.GetTheme("default"))
}

func TestRouter_BannerAndHealth(t *testing.T) {
	h := New(&recordingForwarder{}, testLogger(t))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("banner: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", w.Code)
	}
}

func TestRouter_V1RoutePreservesPrefixAndDefaultsToCodex(t *testing.T) {
	fwd := &recordingForwarder{}
	h := New(fwd, testLogger(t))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/responses", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if fwd.rc.CliKey != "codex" {
		t.Errorf("expected cli_key codex, got %s", fwd.rc.CliKey)
	}
	if fwd.rc.ForwardedPath != "/v1/responses" {
		t.Errorf("expected forwarded path to keep /v1 prefix, got %s", fwd.rc.ForwardedPath)
	}
}

func TestRouter_GenericRouteStripsCliKeySegment(t *testing.T) {
	fwd := &recordingForwarder{}
	h := New(fwd, testLogger(t))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/claude/v1/messages", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if fwd.rc.CliKey != "claude" {
		t.Errorf("expected cli_key claude, got %s", fwd.rc.CliKey)
	}
	if fwd.rc.ForwardedPath != "/v1/messages" {
		t.Errorf("expected cli_key segment stripped, got %s", fwd.rc.ForwardedPath)
	}
}

func TestRouter_UnknownCliKeyIs404(t *testing.T) {
	fwd := &recordingForwarder{}
	h := New(fwd, testLogger(t))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/notareal-cli/x", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown cli_key, got %d", w.Code)
	}
	if fwd.rc != nil {
		t.Errorf("forwarder must not be invoked for an unknown cli_key")
	}
}
