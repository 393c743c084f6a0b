// Package httpapi surfaces the gateway's HTTP ingress: the static banner,
// health check, and the two forwarding route shapes (the codex-default
// "/v1" alias and the general "/<cli_key>/*" form), building a
// domain.RequestContext per request and handing it to the forwarder.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aio/gateway/internal/constants"
	"github.com/aio/gateway/internal/domain"
	"github.com/aio/gateway/internal/logger"
	"github.com/aio/gateway/internal/version"
)

// Handler is the subset of *forwarder.Forwarder the router drives.
type Handler interface {
	Handle(ctx context.Context, w http.ResponseWriter, r *http.Request, rc *domain.RequestContext)
}

var validCliKeys = map[string]bool{
	constants.CliKeyClaude: true,
	constants.CliKeyCodex:  true,
	constants.CliKeyGemini: true,
}

// New builds the gateway's top-level http.Handler.
func New(forwarder Handler, log *logger.StyledLogger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", bannerHandler)
	mux.HandleFunc("GET /health", healthHandler)

	codexHandler := forwardHandlerFor(forwarder, log, constants.CliKeyCodex, true)
	mux.HandleFunc("/v1", codexHandler)
	mux.HandleFunc("/v1/{path...}", codexHandler)

	mux.HandleFunc("/{cliKey}", genericForwardHandler(forwarder, log))
	mux.HandleFunc("/{cliKey}/{path...}", genericForwardHandler(forwarder, log))

	return mux
}

func bannerHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(constants.HeaderContentType, "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(constants.AppName + " gateway is running\n"))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(constants.HeaderContentType, "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"app":     constants.AppName,
		"version": version.Version,
		"ts":      time.Now().Unix(),
	})
}

// genericForwardHandler validates {cliKey} against the known families and
// delegates to forwardHandlerFor; an unknown cli_key is a 404 rather than a
// forward attempt.
func genericForwardHandler(forwarder Handler, log *logger.StyledLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cliKey := r.PathValue("cliKey")
		if !validCliKeys[cliKey] {
			http.NotFound(w, r)
			return
		}
		forwardHandlerFor(forwarder, log, cliKey, false)(w, r)
	}
}

// forwardHandlerFor returns a handler that builds a RequestContext for the
// given cli_key and hands it to the forwarder. preserveV1Prefix keeps the
// literal leading "/v1" on the forwarded path for the codex default route;
// the general "/<cli_key>/*path" route strips the cli_key segment instead.
func forwardHandlerFor(forwarder Handler, log *logger.StyledLogger, cliKey string, preserveV1Prefix bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traceID := uuid.New().String()

		path := r.PathValue("path")
		var forwardedPath string
		if preserveV1Prefix {
			forwardedPath = "/v1"
			if path != "" {
				forwardedPath += "/" + path
			}
		} else {
			if path == "" {
				forwardedPath = "/"
			} else {
				forwardedPath = "/" + path
			}
		}

		headers := make(map[string][]string, len(r.Header))
		for k, v := range r.Header {
			headers[k] = v
		}

		rc := domain.NewRequestContext(traceID, cliKey, r.Method, forwardedPath, r.URL.RawQuery, headers)
		log.Debug("request received", "trace_id", traceID, "cli_key", cliKey, "method", r.Method, "path", forwardedPath)

		forwarder.Handle(r.Context(), w, r, rc)
	}
}
