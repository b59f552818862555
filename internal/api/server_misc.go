package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/lead_agent/internal/scheduler"
)

func registerMiscHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type poolOutput struct {
		Body struct {
			Pool *scheduler.Pool `json:"pool"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "get-pool", Method: http.MethodGet, Path: "/api/v1/pool", Summary: "Automation window and its tabs", Tags: []string{"Pool"}},
		func(ctx context.Context, input *struct{}) (*poolOutput, error) {
			pool, err := svc.PoolState(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &poolOutput{}
			out.Body.Pool = pool
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-group", Method: http.MethodGet, Path: "/api/v1/groups/{provider}/{group_id}", Summary: "Leads and queue state of a group", Tags: []string{"Pool"}},
		func(ctx context.Context, input *struct {
			Provider string `path:"provider"`
			GroupID  string `path:"group_id"`
		}) (*struct{ Body *scheduler.GroupPayload }, error) {
			payload, err := svc.GroupPayload(ctx, input.Provider, input.GroupID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &struct{ Body *scheduler.GroupPayload }{Body: payload}, nil
		})
}
