package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/lead_agent/internal/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Service is the scheduler surface exposed over HTTP.
type Service interface {
	StartRun(ctx context.Context, req scheduler.StartRunRequest) (*scheduler.StartRunResult, error)
	OnQueueDone(ctx context.Context, done scheduler.QueueDone) (*scheduler.QueueDoneResult, error)
	CancelRun(ctx context.Context) (*scheduler.CancelResult, error)
	RunSummary(ctx context.Context) (scheduler.RunSummary, error)
	Reconcile(ctx context.Context) (*scheduler.ReconcileResult, error)
	CancelIsolated(ctx context.Context, groupID string) error
	CancelAllIsolated(ctx context.Context) (int, error)
	ListIsolated(ctx context.Context) (map[string]scheduler.IsolatedGroup, error)
	PoolState(ctx context.Context) (*scheduler.Pool, error)
	GroupPayload(ctx context.Context, provider, groupID string) (*scheduler.GroupPayload, error)
}

// NewServer builds the router. events, when non-nil, is served as the SSE
// feed at /api/v1/events.
func NewServer(svc Service, events http.Handler) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Lead Agent Scheduler API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	if events != nil {
		router.Get("/api/v1/events", events.ServeHTTP)
	}

	registerRunHandlers(api, svc)
	registerIsolatedHandlers(api, svc)
	registerMiscHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *scheduler.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case scheduler.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case scheduler.CodeRunInProgress:
			return huma.Error409Conflict(coded.Message)
		case scheduler.CodeNotFound:
			return huma.Error404NotFound(coded.Message)
		case scheduler.CodeBrowserUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
