package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/lead_agent/internal/scheduler"
)

type isolatedListOutput struct {
	Body struct {
		Groups map[string]scheduler.IsolatedGroup `json:"groups"`
	}
}

type isolatedCancelOutput struct {
	Body struct {
		Cancelled int `json:"cancelled"`
	}
}

func registerIsolatedHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "list-isolated", Method: http.MethodGet, Path: "/api/v1/isolated", Summary: "List isolated groups", Tags: []string{"Isolated"}},
		func(ctx context.Context, input *struct{}) (*isolatedListOutput, error) {
			groups, err := svc.ListIsolated(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &isolatedListOutput{}
			out.Body.Groups = groups
			if out.Body.Groups == nil {
				out.Body.Groups = map[string]scheduler.IsolatedGroup{}
			}
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "cancel-all-isolated", Method: http.MethodDelete, Path: "/api/v1/isolated", Summary: "Cancel every isolated group", Tags: []string{"Isolated"}},
		func(ctx context.Context, input *struct{}) (*isolatedCancelOutput, error) {
			n, err := svc.CancelAllIsolated(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &isolatedCancelOutput{}
			out.Body.Cancelled = n
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "cancel-isolated", Method: http.MethodDelete, Path: "/api/v1/isolated/{group_id}", Summary: "Cancel one isolated group", Tags: []string{"Isolated"}},
		func(ctx context.Context, input *struct {
			GroupID string `path:"group_id"`
		}) (*isolatedCancelOutput, error) {
			if err := svc.CancelIsolated(ctx, input.GroupID); err != nil {
				return nil, mapErr(err)
			}
			out := &isolatedCancelOutput{}
			out.Body.Cancelled = 1
			return out, nil
		})
}
