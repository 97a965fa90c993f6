package sandbox

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// fakeService records the last request body per route and serves canned
// replies.
type fakeService struct {
	mu      chan struct{}
	last    map[string]map[string]any
	replies map[string]any
}

func newFakeService() *fakeService {
	return &fakeService{
		mu:      make(chan struct{}, 1),
		last:    make(map[string]map[string]any),
		replies: make(map[string]any),
	}
}

func (s *fakeService) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		json.Unmarshal(body, &req)
		s.mu <- struct{}{}
		s.last[r.URL.Path] = req
		reply := s.replies[r.URL.Path]
		<-s.mu
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(reply)
	})
}

func (s *fakeService) lastRequest(route string) map[string]any {
	s.mu <- struct{}{}
	defer func() { <-s.mu }()
	return s.last[route]
}

func newTestClient(t *testing.T, svc *fakeService, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, opts...)
}

func TestRunPythonCode(t *testing.T) {
	svc := newFakeService()
	svc.replies["/execute"] = ExecResult{Success: true, Output: "42\n", ExecutionTime: 0.1}
	c := newTestClient(t, svc, WithWorkdir("/work"))

	res, err := c.RunPythonCode(context.Background(), "print(42)", 0)
	if err != nil {
		t.Fatalf("RunPythonCode: %v", err)
	}
	if !res.Success || res.Output != "42\n" {
		t.Errorf("result = %+v", res)
	}

	req := svc.lastRequest("/execute")
	if req["kind"] != "python_code" {
		t.Errorf("kind = %v", req["kind"])
	}
	if req["code"] != "print(42)" {
		t.Errorf("code = %v", req["code"])
	}
	if req["workdir"] != "/work" {
		t.Errorf("workdir = %v", req["workdir"])
	}
	if req["timeout_seconds"] != DefaultExecTimeout.Seconds() {
		t.Errorf("timeout_seconds = %v", req["timeout_seconds"])
	}
}

func TestRunShellCommandFailure(t *testing.T) {
	svc := newFakeService()
	svc.replies["/execute"] = ExecResult{Success: false, Error: "exit status 2", ReturnCode: 2}
	c := newTestClient(t, svc)

	res, err := c.RunShellCommand(context.Background(), "false", 0)
	if err != nil {
		t.Fatalf("RunShellCommand: %v", err)
	}
	if res.Success || res.ReturnCode != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestFileOperations(t *testing.T) {
	svc := newFakeService()
	c := newTestClient(t, svc)
	ctx := context.Background()

	svc.replies["/files"] = opResult{Success: true}
	if err := c.SaveFile(ctx, "a.txt", "hello"); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	req := svc.lastRequest("/files")
	if req["op"] != "save" || req["path"] != "a.txt" || req["content"] != "hello" {
		t.Errorf("save request = %v", req)
	}

	svc.replies["/files"] = opResult{Success: true, Output: "hello"}
	got, err := c.ReadFile(ctx, "a.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got != "hello" {
		t.Errorf("ReadFile() = %q", got)
	}

	svc.replies["/files"] = opResult{Success: true, Entries: []string{"a.txt", "b.txt"}}
	entries, err := c.ListFiles(ctx, ".", true)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(entries) != 2 || entries[0] != "a.txt" {
		t.Errorf("ListFiles() = %v", entries)
	}
	if req := svc.lastRequest("/files"); req["recursive"] != true {
		t.Errorf("recursive = %v", req["recursive"])
	}

	svc.replies["/files"] = opResult{Success: true, Exists: true}
	exists, err := c.FileExists(ctx, "a.txt")
	if err != nil || !exists {
		t.Errorf("FileExists() = %v, %v", exists, err)
	}

	svc.replies["/files"] = opResult{Success: false, Error: "no such file"}
	if _, err := c.ReadFile(ctx, "missing.txt"); err == nil {
		t.Error("ReadFile(missing) succeeded, want error")
	}
}

func TestEnvironmentVariables(t *testing.T) {
	svc := newFakeService()
	c := newTestClient(t, svc)
	ctx := context.Background()

	svc.replies["/env"] = opResult{Success: true}
	if err := c.SetEnvironmentVariable(ctx, "KEY", "value"); err != nil {
		t.Fatalf("SetEnvironmentVariable: %v", err)
	}
	if req := svc.lastRequest("/env"); req["op"] != "set" || req["key"] != "KEY" || req["value"] != "value" {
		t.Errorf("set request = %v", req)
	}

	svc.replies["/env"] = opResult{Success: true, Output: "value"}
	got, err := c.GetEnvironmentVariable(ctx, "KEY")
	if err != nil {
		t.Fatalf("GetEnvironmentVariable: %v", err)
	}
	if got != "value" {
		t.Errorf("GetEnvironmentVariable() = %q", got)
	}
}

func TestPackages(t *testing.T) {
	svc := newFakeService()
	c := newTestClient(t, svc)
	ctx := context.Background()

	svc.replies["/packages"] = ExecResult{Success: true, Output: "installed requests-2.31.0"}
	res, err := c.InstallPipPackage(ctx, "requests", "2.31.0")
	if err != nil {
		t.Fatalf("InstallPipPackage: %v", err)
	}
	if !res.Success {
		t.Errorf("result = %+v", res)
	}
	if req := svc.lastRequest("/packages"); req["name"] != "requests" || req["version"] != "2.31.0" {
		t.Errorf("install request = %v", req)
	}

	svc.replies["/packages"] = opResult{Success: true, Entries: []string{"pip", "requests"}}
	pkgs, err := c.ListInstalledPackages(ctx)
	if err != nil {
		t.Fatalf("ListInstalledPackages: %v", err)
	}
	if len(pkgs) != 2 {
		t.Errorf("packages = %v", pkgs)
	}

	svc.replies["/packages"] = opResult{Success: true, Exists: true}
	installed, err := c.CheckPackageInstalled(ctx, "requests")
	if err != nil || !installed {
		t.Errorf("CheckPackageInstalled() = %v, %v", installed, err)
	}
}

func TestServerErrorSurfacesAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend exploded", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL)
	if _, err := c.RunPythonCode(context.Background(), "print(1)", 0); err == nil {
		t.Error("expected error on HTTP 500")
	}
}
