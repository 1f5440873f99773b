package httpapi

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/launchpad/internal/api"
	"github.com/Paintersrp/launchpad/internal/engine"
	"github.com/Paintersrp/launchpad/internal/logging"
	"github.com/Paintersrp/launchpad/internal/metrics"
)

type testController struct{}

func (t *testController) Status(stdcontext.Context) (*api.StatusReport, error) {
	return nil, nil
}

func (t *testController) Task(stdcontext.Context, string) (*engine.TaskStatus, error) {
	return nil, nil
}

func (t *testController) Shutdown(stdcontext.Context, string) (*api.ShutdownResult, error) {
	return nil, nil
}

func TestNewServerRejectsTypedNilController(t *testing.T) {
	var ctrl api.Controller = (*testController)(nil)
	_, err := NewServer(Config{Controller: ctrl})
	if err == nil {
		t.Fatalf("expected error when controller is typed nil")
	}
	if !strings.Contains(err.Error(), "testController") {
		t.Fatalf("expected error to describe typed nil controller, got %v", err)
	}
}

func TestNormalizeAddr(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":           DefaultAddr,
		":80":        "127.0.0.1:80",
		"localhost:": "localhost:7663",
		"0.0.0.0:80": "0.0.0.0:80",
		"host:9000":  "host:9000",
		"[::1]:443":  "[::1]:443",
	}

	for input, expected := range tests {
		input, expected := input, expected
		t.Run(fmt.Sprintf("%s->%s", input, expected), func(t *testing.T) {
			t.Parallel()
			if got := NormalizeAddr(input); got != expected {
				t.Fatalf("NormalizeAddr(%q)=%q, want %q", input, got, expected)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	ctrl := &mockController{
		statusFn: func(stdcontext.Context) (*api.StatusReport, error) {
			return &api.StatusReport{
				GroupStatus: engine.GroupStatus{Group: "demo", Tasks: []engine.TaskStatus{{Name: "api", Phase: engine.PhaseRunning}}},
				GeneratedAt: time.Unix(123, 0),
			}, nil
		},
	}
	rec := serve(t, ctrl, http.MethodGet, "/api/v1/status", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed decoding response: %v", err)
	}
	if body["group"] != "demo" {
		t.Fatalf("expected group 'demo', got %v", body["group"])
	}
	tasks, ok := body["tasks"].([]any)
	if !ok || len(tasks) != 1 {
		t.Fatalf("expected one task, got %v", body["tasks"])
	}
	if phase := tasks[0].(map[string]any)["phase"]; phase != "running" {
		t.Fatalf("expected running phase, got %v", phase)
	}
}

func TestHandleStatusError(t *testing.T) {
	ctrl := &mockController{
		statusFn: func(stdcontext.Context) (*api.StatusReport, error) {
			return nil, errors.New("boom")
		},
	}
	rec := serve(t, ctrl, http.MethodGet, "/api/v1/status", "")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.Code != "internal_error" {
		t.Fatalf("expected internal_error code, got %q", body.Code)
	}
}

func TestHandleStatusMethodNotAllowed(t *testing.T) {
	rec := serve(t, &mockController{}, http.MethodPost, "/api/v1/status", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.Code != "method_not_allowed" {
		t.Fatalf("expected method_not_allowed code, got %q", body.Code)
	}
}

func TestHandleTaskUnknown(t *testing.T) {
	ctrl := &mockController{
		taskFn: func(_ stdcontext.Context, name string) (*engine.TaskStatus, error) {
			if name != "ghost" {
				t.Errorf("unexpected task %q", name)
			}
			return nil, api.ErrUnknownTask
		},
	}
	rec := serve(t, ctrl, http.MethodGet, "/api/v1/tasks/ghost", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.Code != "unknown_task" {
		t.Fatalf("expected unknown_task code, got %q", body.Code)
	}
	details, ok := body.Details.(map[string]any)
	if !ok {
		t.Fatalf("expected map details, got %T", body.Details)
	}
	if details["task"] != "ghost" {
		t.Fatalf("expected task key in details, got %v", details)
	}
	if _, ok := details["timestamp"]; !ok {
		t.Fatalf("expected timestamp key in details")
	}
}

func TestHandleShutdown(t *testing.T) {
	var reasons []string
	ctrl := &mockController{
		shutdownFn: func(_ stdcontext.Context, reason string) (*api.ShutdownResult, error) {
			reasons = append(reasons, reason)
			return &api.ShutdownResult{Accepted: len(reasons) == 1, Cause: engine.CauseExternal, Origin: reasons[0]}, nil
		},
	}
	server := newTestServer(t, ctrl)

	for i, want := range []bool{true, false} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/shutdown", strings.NewReader(`{"reason":"deploy"}`))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i, rec.Code)
		}
		var body api.ShutdownResult
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if body.Accepted != want {
			t.Fatalf("request %d: accepted=%v, want %v", i, body.Accepted, want)
		}
	}
	if reasons[0] != "deploy" {
		t.Fatalf("expected reason to be forwarded, got %q", reasons[0])
	}
}

func TestHandleShutdownEmptyBody(t *testing.T) {
	var got string
	ctrl := &mockController{
		shutdownFn: func(_ stdcontext.Context, reason string) (*api.ShutdownResult, error) {
			got = reason
			return &api.ShutdownResult{Accepted: true}, nil
		},
	}
	rec := serve(t, ctrl, http.MethodPost, "/api/v1/shutdown", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if got != "" {
		t.Fatalf("expected empty reason, got %q", got)
	}
}

func TestHandleShutdownBadBody(t *testing.T) {
	rec := serve(t, &mockController{}, http.MethodPost, "/api/v1/shutdown", "{")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleShutdownAfterFinish(t *testing.T) {
	ctrl := &mockController{
		shutdownFn: func(stdcontext.Context, string) (*api.ShutdownResult, error) {
			return nil, api.ErrLaunchFinished
		},
	}
	rec := serve(t, ctrl, http.MethodPost, "/api/v1/shutdown", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	rec := serve(t, &mockController{}, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	task := "http_metrics"
	defer metrics.ResetTask(task)
	metrics.EmitBuildInfo()
	metrics.SetTaskRunning(task, true)
	metrics.ObserveStopDuration(task, 200*time.Millisecond)

	rec := serve(t, &mockController{}, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics endpoint, got %d", rec.Code)
	}
	body := rec.Body.String()
	expected := fmt.Sprintf("launchpad_task_running{task=\"%s\"} 1", task)
	if !strings.Contains(body, expected) {
		t.Fatalf("expected body to contain %q, got:\n%s", expected, body)
	}
	if !strings.Contains(body, fmt.Sprintf("launchpad_task_stop_duration_seconds_count{task=\"%s\"} 1", task)) {
		t.Fatalf("expected stop duration count for task %q, got:\n%s", task, body)
	}
	if !strings.Contains(body, "launchpad_build_info{") {
		t.Fatalf("expected metrics output to include build info, got:\n%s", body)
	}
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server, err := NewServer(Config{Controller: &mockController{}, Listener: listener, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := stdcontext.WithCancel(stdcontext.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Run(ctx) }()

	resp, err := http.Get("http://" + server.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}

type mockController struct {
	statusFn   func(stdcontext.Context) (*api.StatusReport, error)
	taskFn     func(stdcontext.Context, string) (*engine.TaskStatus, error)
	shutdownFn func(stdcontext.Context, string) (*api.ShutdownResult, error)
}

func (m *mockController) Status(ctx stdcontext.Context) (*api.StatusReport, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx)
	}
	return &api.StatusReport{}, nil
}

func (m *mockController) Task(ctx stdcontext.Context, name string) (*engine.TaskStatus, error) {
	if m.taskFn != nil {
		return m.taskFn(ctx, name)
	}
	return &engine.TaskStatus{Name: name}, nil
}

func (m *mockController) Shutdown(ctx stdcontext.Context, reason string) (*api.ShutdownResult, error) {
	if m.shutdownFn != nil {
		return m.shutdownFn(ctx, reason)
	}
	return &api.ShutdownResult{Accepted: true}, nil
}

func newTestServer(t *testing.T, ctrl api.Controller) *Server {
	t.Helper()
	server, err := NewServer(Config{Controller: ctrl, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("failed creating server: %v", err)
	}
	return server
}

func serve(t *testing.T, ctrl api.Controller, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	server := newTestServer(t, ctrl)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}
