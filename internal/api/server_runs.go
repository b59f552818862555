package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/lead_agent/internal/browserapi"
	"github.com/dgnsrekt/lead_agent/internal/scheduler"
)

type startRunBody struct {
	Providers         []string         `json:"providers" doc:"Provider names; unknown names are skipped"`
	Leads             []scheduler.Lead `json:"leads" doc:"Leads to quote; every provider receives the full list"`
	ParallelTabs      int              `json:"parallelTabs,omitempty" doc:"Tabs per provider, clamped to the configured bounds"`
	MinimizeWindow    *bool            `json:"minimizeWindow,omitempty" doc:"Run in a minimized window (default true)"`
	CloseOnFinish     bool             `json:"closeOnFinish,omitempty" doc:"Close the automation window when the run completes"`
	Isolated          bool             `json:"isolated,omitempty" doc:"Run a single lead as an isolated group"`
	UseExistingWindow bool             `json:"useExistingWindow,omitempty" doc:"Open the isolated tab in the automation window"`
}

func (b startRunBody) request() scheduler.StartRunRequest {
	opts := scheduler.DefaultRunOptions()
	if b.MinimizeWindow != nil {
		opts.MinimizeWindow = *b.MinimizeWindow
	}
	opts.CloseOnFinish = b.CloseOnFinish
	opts.Isolated = b.Isolated
	opts.UseExistingWindow = b.UseExistingWindow
	return scheduler.StartRunRequest{
		Providers:    b.Providers,
		Leads:        b.Leads,
		ParallelTabs: b.ParallelTabs,
		Options:      opts,
	}
}

type queueDoneBody struct {
	Provider string `json:"provider,omitempty" doc:"Provider the group belongs to"`
	GroupID  string `json:"group_id" doc:"Finished group"`
	TabID    string `json:"tab_id,omitempty" doc:"Tab that processed the group"`
}

func registerRunHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "start-run", Method: http.MethodPost, Path: "/api/v1/runs", Summary: "Start a run or an isolated single-lead group", Tags: []string{"Runs"}},
		func(ctx context.Context, input *struct{ Body startRunBody }) (*struct{ Body *scheduler.StartRunResult }, error) {
			res, err := svc.StartRun(ctx, input.Body.request())
			if err != nil {
				return nil, mapErr(err)
			}
			return &struct{ Body *scheduler.StartRunResult }{Body: res}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-run", Method: http.MethodGet, Path: "/api/v1/runs/current", Summary: "Progress of the current run", Tags: []string{"Runs"}},
		func(ctx context.Context, input *struct{}) (*struct{ Body scheduler.RunSummary }, error) {
			summary, err := svc.RunSummary(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &struct{ Body scheduler.RunSummary }{Body: summary}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "cancel-run", Method: http.MethodDelete, Path: "/api/v1/runs/current", Summary: "Cancel the run and every isolated group", Tags: []string{"Runs"}},
		func(ctx context.Context, input *struct{}) (*struct{ Body *scheduler.CancelResult }, error) {
			res, err := svc.CancelRun(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &struct{ Body *scheduler.CancelResult }{Body: res}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "reconcile-run", Method: http.MethodPost, Path: "/api/v1/runs/current/reconcile", Summary: "Re-check the live session and refill idle tabs", Tags: []string{"Runs"}},
		func(ctx context.Context, input *struct{}) (*struct{ Body *scheduler.ReconcileResult }, error) {
			res, err := svc.Reconcile(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &struct{ Body *scheduler.ReconcileResult }{Body: res}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "queue-done", Method: http.MethodPost, Path: "/api/v1/queue-done", Summary: "Report a finished group", Tags: []string{"Runs"}},
		func(ctx context.Context, input *struct{ Body queueDoneBody }) (*struct{ Body *scheduler.QueueDoneResult }, error) {
			res, err := svc.OnQueueDone(ctx, scheduler.QueueDone{
				Provider: input.Body.Provider,
				GroupID:  input.Body.GroupID,
				TabID:    browserapi.TabID(input.Body.TabID),
			})
			if err != nil {
				return nil, mapErr(err)
			}
			return &struct{ Body *scheduler.QueueDoneResult }{Body: res}, nil
		})
}
