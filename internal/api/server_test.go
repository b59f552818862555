package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/lead_agent/internal/browserapi"
	"github.com/dgnsrekt/lead_agent/internal/kvstore"
	"github.com/dgnsrekt/lead_agent/internal/providers"
	"github.com/dgnsrekt/lead_agent/internal/scheduler"
)

type testServer struct {
	handler http.Handler
	browser *browserapi.Fake
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	p, err := providers.NewURLProvider("swisslife", "https://quote.example.com/swisslife", "")
	if err != nil {
		t.Fatalf("NewURLProvider() = %v", err)
	}
	settings := scheduler.DefaultSettings()
	settings.RetryDelay = time.Millisecond
	settings.CompletedGrace = time.Hour
	settings.CancelledGrace = time.Hour

	b := browserapi.NewFake()
	o := scheduler.NewOrchestrator(kvstore.NewMemory(), b, providers.NewRegistry(p), settings)
	t.Cleanup(o.Focus.Stop)

	events := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("stream"))
	})
	return &testServer{handler: NewServer(o, events), browser: b}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func leadsBody(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"id": "L" + string(rune('1'+i)), "name": "Lead"}
	}
	return out
}

func TestStartRunDefaultsToMinimizedWindow(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/runs", map[string]any{
		"providers":    []string{"swisslife"},
		"leads":        leadsBody(3),
		"parallelTabs": 2,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/v1/runs status = %d; body = %s", rec.Code, rec.Body.String())
	}

	var res scheduler.StartRunResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.RunID == "" || res.Capacity != 2 || len(res.Dispatched) != 2 {
		t.Fatalf("StartRun response = %+v", res)
	}
	windows := s.browser.WindowIDs()
	if len(windows) != 1 || s.browser.WindowState(windows[0]) != browserapi.WindowStateMinimized {
		t.Fatalf("windows = %v; want one minimized window", windows)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/runs", map[string]any{
		"providers": []string{"swisslife"},
		"leads":     leadsBody(1),
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second POST status = %d; want 409", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/groups/swisslife/"+res.Dispatched[0].GroupID, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"queueState"`) {
		t.Fatalf("GET group status = %d; body = %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, "/api/v1/queue-done", map[string]any{
		"provider": "swisslife",
		"group_id": res.Dispatched[0].GroupID,
		"tab_id":   string(res.Dispatched[0].TabID),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("queue-done status = %d; body = %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/api/v1/runs/current", nil)
	var summary scheduler.RunSummary
	json.Unmarshal(rec.Body.Bytes(), &summary)
	if !summary.Active || summary.Progress.Processed != 2 || summary.Progress.Total != 3 {
		t.Fatalf("summary = %+v", summary)
	}

	rec = s.do(t, http.MethodDelete, "/api/v1/runs/current", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), res.RunID) {
		t.Fatalf("DELETE run status = %d; body = %s", rec.Code, rec.Body.String())
	}
	if got := s.browser.WindowIDs(); len(got) != 0 {
		t.Fatalf("windows after cancel = %v", got)
	}
}

func TestStartRunExplicitlyVisible(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/runs", map[string]any{
		"providers":      []string{"swisslife"},
		"leads":          leadsBody(1),
		"minimizeWindow": false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	windows := s.browser.WindowIDs()
	if len(windows) != 1 || s.browser.WindowState(windows[0]) != browserapi.WindowStateNormal {
		t.Fatalf("window state = %q; want normal", s.browser.WindowState(windows[0]))
	}
}

func TestErrorStatusCodes(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown provider", http.MethodPost, "/api/v1/runs", map[string]any{"providers": []string{"nope"}, "leads": leadsBody(1)}, http.StatusBadRequest},
		{"empty leads", http.MethodPost, "/api/v1/runs", map[string]any{"providers": []string{"swisslife"}, "leads": []any{}}, http.StatusBadRequest},
		{"empty group id", http.MethodPost, "/api/v1/queue-done", map[string]any{"group_id": ""}, http.StatusBadRequest},
		{"missing group", http.MethodGet, "/api/v1/groups/swisslife/none", nil, http.StatusNotFound},
		{"missing isolated group", http.MethodDelete, "/api/v1/isolated/none", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := s.do(t, tt.method, tt.path, tt.body); rec.Code != tt.want {
				t.Fatalf("%s %s status = %d; want %d; body = %s", tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestBrowserUnavailableIsBadGateway(t *testing.T) {
	s := newTestServer(t)
	s.browser.FailNext("CreateWindow", 1)
	rec := s.do(t, http.MethodPost, "/api/v1/runs", map[string]any{"providers": []string{"swisslife"}, "leads": leadsBody(2)})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d; want 502; body = %s", rec.Code, rec.Body.String())
	}
}

func TestIsolatedEndpoints(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/runs", map[string]any{
		"providers": []string{"swisslife"},
		"leads":     leadsBody(1),
		"isolated":  true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("isolated start status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var res scheduler.StartRunResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Isolated == nil || res.Isolated.GroupID == "" {
		t.Fatalf("StartRun response = %+v; want isolated result", res)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/isolated", nil)
	if !strings.Contains(rec.Body.String(), res.Isolated.GroupID) {
		t.Fatalf("GET isolated body = %s", rec.Body.String())
	}

	rec = s.do(t, http.MethodDelete, "/api/v1/isolated/"+res.Isolated.GroupID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE isolated status = %d; body = %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodGet, "/api/v1/isolated", nil)
	if strings.Contains(rec.Body.String(), res.Isolated.GroupID) {
		t.Fatalf("group still listed: %s", rec.Body.String())
	}
}

func TestPoolHealthDocsAndEvents(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/pool", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"pool":null`) {
		t.Fatalf("GET pool = %d %s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodGet, "/health", nil); !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("GET /health body = %s", rec.Body.String())
	}
	if rec := s.do(t, http.MethodGet, "/docs", nil); !strings.Contains(rec.Body.String(), "Lead Agent Scheduler API") {
		t.Fatalf("GET /docs did not serve the docs page")
	}
	if rec := s.do(t, http.MethodGet, "/api/v1/events", nil); rec.Body.String() != "stream" {
		t.Fatalf("GET /api/v1/events body = %q", rec.Body.String())
	}
}

func TestMapErr(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&scheduler.CodedError{Code: scheduler.CodeValidation, Message: "bad"}, http.StatusBadRequest},
		{&scheduler.CodedError{Code: scheduler.CodeRunInProgress, Message: "busy"}, http.StatusConflict},
		{&scheduler.CodedError{Code: scheduler.CodeNotFound, Message: "gone"}, http.StatusNotFound},
		{&scheduler.CodedError{Code: scheduler.CodeBrowserUnavailable, Message: "down"}, http.StatusBadGateway},
		{&scheduler.CodedError{Code: scheduler.CodeStorageFailure, Message: "disk"}, http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		var se huma.StatusError
		if !errors.As(mapErr(tt.err), &se) || se.GetStatus() != tt.want {
			t.Fatalf("mapErr(%v) status = %v; want %d", tt.err, se, tt.want)
		}
	}
	if mapErr(nil) != nil {
		t.Fatalf("mapErr(nil) != nil")
	}
}
