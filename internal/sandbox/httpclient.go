package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client talks to a remote sandbox service exposing execute, files, packages
// and env routes. All requests are JSON over POST.
type Client struct {
	baseURL string
	workdir string
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithWorkdir sets the working directory sent with execution requests.
func WithWorkdir(dir string) ClientOption {
	return func(c *Client) { c.workdir = dir }
}

// WithHTTPClient substitutes the transport.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithRequestTimeout bounds one backend request; execution requests extend
// it by the execution timeout.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a sandbox client for the given service base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "sandbox")
	return c
}

type execRequest struct {
	Kind           string   `json:"kind"`
	Code           string   `json:"code,omitempty"`
	Path           string   `json:"path,omitempty"`
	Command        string   `json:"command,omitempty"`
	Args           []string `json:"args,omitempty"`
	TimeoutSeconds float64  `json:"timeout_seconds,omitempty"`
	Workdir        string   `json:"workdir,omitempty"`
}

type fileRequest struct {
	Op        string `json:"op"`
	Path      string `json:"path,omitempty"`
	Content   string `json:"content,omitempty"`
	Src       string `json:"src,omitempty"`
	Dst       string `json:"dst,omitempty"`
	Recursive bool   `json:"recursive,omitempty"`
}

type packageRequest struct {
	Op      string `json:"op"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

type envRequest struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// opResult is the generic service reply for non-execution operations.
type opResult struct {
	Success bool     `json:"success"`
	Output  string   `json:"output,omitempty"`
	Entries []string `json:"entries,omitempty"`
	Exists  bool     `json:"exists,omitempty"`
	Error   string   `json:"error,omitempty"`
}

func (c *Client) post(ctx context.Context, route string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal sandbox request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+route, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sandbox request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read sandbox response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sandbox service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode sandbox response: %w", err)
	}
	return nil
}

func (c *Client) execute(ctx context.Context, req execRequest, timeout time.Duration) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	req.TimeoutSeconds = timeout.Seconds()
	req.Workdir = c.workdir

	ctx, cancel := context.WithTimeout(ctx, c.timeout+timeout)
	defer cancel()

	var result ExecResult
	if err := c.post(ctx, "/execute", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) RunPythonCode(ctx context.Context, code string, timeout time.Duration) (*ExecResult, error) {
	return c.execute(ctx, execRequest{Kind: "python_code", Code: code}, timeout)
}

func (c *Client) RunPythonFile(ctx context.Context, path string, args []string, timeout time.Duration) (*ExecResult, error) {
	return c.execute(ctx, execRequest{Kind: "python_file", Path: path, Args: args}, timeout)
}

func (c *Client) RunShellCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	return c.execute(ctx, execRequest{Kind: "shell", Command: command}, timeout)
}

func (c *Client) fileOp(ctx context.Context, req fileRequest) (*opResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result opResult
	if err := c.post(ctx, "/files", req, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("sandbox %s failed: %s", req.Op, result.Error)
	}
	return &result, nil
}

func (c *Client) SaveFile(ctx context.Context, path, content string) error {
	_, err := c.fileOp(ctx, fileRequest{Op: "save", Path: path, Content: content})
	return err
}

func (c *Client) ReadFile(ctx context.Context, path string) (string, error) {
	result, err := c.fileOp(ctx, fileRequest{Op: "read", Path: path})
	if err != nil {
		return "", err
	}
	return result.Output, nil
}

func (c *Client) DeleteFile(ctx context.Context, path string) error {
	_, err := c.fileOp(ctx, fileRequest{Op: "delete", Path: path})
	return err
}

func (c *Client) ListFiles(ctx context.Context, path string, recursive bool) ([]string, error) {
	result, err := c.fileOp(ctx, fileRequest{Op: "list", Path: path, Recursive: recursive})
	if err != nil {
		return nil, err
	}
	return result.Entries, nil
}

func (c *Client) FileExists(ctx context.Context, path string) (bool, error) {
	result, err := c.fileOp(ctx, fileRequest{Op: "exists", Path: path})
	if err != nil {
		return false, err
	}
	return result.Exists, nil
}

func (c *Client) CopyFile(ctx context.Context, src, dst string) error {
	_, err := c.fileOp(ctx, fileRequest{Op: "copy", Src: src, Dst: dst})
	return err
}

func (c *Client) MoveFile(ctx context.Context, src, dst string) error {
	_, err := c.fileOp(ctx, fileRequest{Op: "move", Src: src, Dst: dst})
	return err
}

func (c *Client) InstallPipPackage(ctx context.Context, pkg, version string) (*ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout+DefaultExecTimeout)
	defer cancel()

	var result ExecResult
	err := c.post(ctx, "/packages", packageRequest{Op: "install", Name: pkg, Version: version}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ListInstalledPackages(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result opResult
	if err := c.post(ctx, "/packages", packageRequest{Op: "list"}, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("sandbox list packages failed: %s", result.Error)
	}
	return result.Entries, nil
}

func (c *Client) CheckPackageInstalled(ctx context.Context, pkg string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result opResult
	if err := c.post(ctx, "/packages", packageRequest{Op: "check", Name: pkg}, &result); err != nil {
		return false, err
	}
	if !result.Success {
		return false, fmt.Errorf("sandbox check package failed: %s", result.Error)
	}
	return result.Exists, nil
}

func (c *Client) envOp(ctx context.Context, req envRequest) (*opResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result opResult
	if err := c.post(ctx, "/env", req, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("sandbox env %s failed: %s", req.Op, result.Error)
	}
	return &result, nil
}

func (c *Client) SetEnvironmentVariable(ctx context.Context, key, value string) error {
	_, err := c.envOp(ctx, envRequest{Op: "set", Key: key, Value: value})
	return err
}

func (c *Client) GetEnvironmentVariable(ctx context.Context, key string) (string, error) {
	result, err := c.envOp(ctx, envRequest{Op: "get", Key: key})
	if err != nil {
		return "", err
	}
	return result.Output, nil
}

var _ Sandbox = (*Client)(nil)
