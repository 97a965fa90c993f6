// Package sandbox adapts an execution backend into agent tools. The backend
// is a capability object; where it runs (local process, container, remote
// service) is configuration, not code.
package sandbox

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultExecTimeout bounds code execution when the caller sets none.
const DefaultExecTimeout = 60 * time.Second

// ExecResult is the outcome of running code or a command.
type ExecResult struct {
	Success       bool    `json:"success"`
	Output        string  `json:"output"`
	Error         string  `json:"error,omitempty"`
	ExecutionTime float64 `json:"execution_time"`
	ReturnCode    int     `json:"return_code"`
}

// Sandbox is the capability surface the tool adapter consumes.
type Sandbox interface {
	RunPythonCode(ctx context.Context, code string, timeout time.Duration) (*ExecResult, error)
	RunPythonFile(ctx context.Context, path string, args []string, timeout time.Duration) (*ExecResult, error)
	RunShellCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)

	SaveFile(ctx context.Context, path, content string) error
	ReadFile(ctx context.Context, path string) (string, error)
	DeleteFile(ctx context.Context, path string) error
	ListFiles(ctx context.Context, path string, recursive bool) ([]string, error)
	FileExists(ctx context.Context, path string) (bool, error)
	CopyFile(ctx context.Context, src, dst string) error
	MoveFile(ctx context.Context, src, dst string) error

	InstallPipPackage(ctx context.Context, pkg, version string) (*ExecResult, error)
	ListInstalledPackages(ctx context.Context) ([]string, error)
	CheckPackageInstalled(ctx context.Context, pkg string) (bool, error)

	SetEnvironmentVariable(ctx context.Context, key, value string) error
	GetEnvironmentVariable(ctx context.Context, key string) (string, error)
}
