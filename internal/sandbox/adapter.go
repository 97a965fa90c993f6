package sandbox

import (
	"context"
	"time"

	"github.com/opencmit/alphora/internal/tools"
	"github.com/opencmit/alphora/pkg/models"
)

// Tool names registered by the adapter.
const (
	ToolRunPythonCode         = "run_python_code"
	ToolRunPythonFile         = "run_python_file"
	ToolRunShellCommand       = "run_shell_command"
	ToolSaveFile              = "save_file"
	ToolReadFile              = "read_file"
	ToolDeleteFile            = "delete_file"
	ToolListFiles             = "list_files"
	ToolFileExists            = "file_exists"
	ToolCopyFile              = "copy_file"
	ToolMoveFile              = "move_file"
	ToolInstallPipPackage     = "install_pip_package"
	ToolListPackages          = "list_installed_packages"
	ToolCheckPackageInstalled = "check_package_installed"
	ToolSetEnvVar             = "set_environment_variable"
	ToolGetEnvVar             = "get_environment_variable"
)

// execToolTimeout is the executor-side bound for execution tools; the
// backend enforces the caller's own timeout inside it.
const execToolTimeout = 10 * time.Minute

type runCodeParams struct {
	Code    string  `json:"code" jsonschema:"description=Python source to execute"`
	Timeout float64 `json:"timeout,omitempty" jsonschema:"description=Execution timeout in seconds"`
}

type runFileParams struct {
	Path    string   `json:"path" jsonschema:"description=Path of the Python file inside the sandbox"`
	Args    []string `json:"args,omitempty" jsonschema:"description=Command-line arguments"`
	Timeout float64  `json:"timeout,omitempty" jsonschema:"description=Execution timeout in seconds"`
}

type runShellParams struct {
	Command string  `json:"command" jsonschema:"description=Shell command line to run"`
	Timeout float64 `json:"timeout,omitempty" jsonschema:"description=Execution timeout in seconds"`
}

type saveFileParams struct {
	Path    string `json:"path" jsonschema:"description=Destination path inside the sandbox"`
	Content string `json:"content" jsonschema:"description=File content to write"`
}

type pathParams struct {
	Path string `json:"path" jsonschema:"description=Path inside the sandbox"`
}

type listFilesParams struct {
	Path      string `json:"path,omitempty" jsonschema:"description=Directory to list; defaults to the workdir"`
	Recursive bool   `json:"recursive,omitempty" jsonschema:"description=Recurse into subdirectories"`
}

type srcDstParams struct {
	Src string `json:"src" jsonschema:"description=Source path"`
	Dst string `json:"dst" jsonschema:"description=Destination path"`
}

type installParams struct {
	Package string `json:"package" jsonschema:"description=Pip package name"`
	Version string `json:"version,omitempty" jsonschema:"description=Exact version to install"`
}

type packageParams struct {
	Package string `json:"package" jsonschema:"description=Pip package name"`
}

type setEnvParams struct {
	Key   string `json:"key" jsonschema:"description=Environment variable name"`
	Value string `json:"value" jsonschema:"description=Value to set"`
}

type getEnvParams struct {
	Key string `json:"key" jsonschema:"description=Environment variable name"`
}

// RegisterTools adds the sandbox tool surface to the registry, backed by the
// given capability object. Handlers fold backend failures into the returned
// payload so the model always sees {success, output, error}.
func RegisterTools(reg *tools.Registry, sb Sandbox) error {
	type entry struct {
		build   func() (*models.ToolDescriptor, error)
		timeout time.Duration
	}

	specs := []entry{
		{timeout: execToolTimeout, build: func() (*models.ToolDescriptor, error) {
			return tools.NewTool(ToolRunPythonCode, "Execute Python code in the sandbox and return its output.",
				func(ctx context.Context, p runCodeParams) (any, error) {
					return execPayload(sb.RunPythonCode(ctx, p.Code, seconds(p.Timeout))), nil
				})
		}},
		{timeout: execToolTimeout, build: func() (*models.ToolDescriptor, error) {
			return tools.NewTool(ToolRunPythonFile, "Execute a Python file already present in the sandbox.",
				func(ctx context.Context, p runFileParams) (any, error) {
					return execPayload(sb.RunPythonFile(ctx, p.Path, p.Args, seconds(p.Timeout))), nil
				})
		}},
		{timeout: execToolTimeout, build: func() (*models.ToolDescriptor, error) {
			return tools.NewTool(ToolRunShellCommand, "Run a shell command in the sandbox and return its output.",
				func(ctx context.Context, p runShellParams) (any, error) {
					return execPayload(sb.RunShellCommand(ctx, p.Command, seconds(p.Timeout))), nil
				})
		}},
		{build: func() (*models.ToolDescriptor, error) {
			return tools.NewTool(ToolSaveFile, "Write a file inside the sandbox, creating parent directories.",
				func(ctx context.Context, p saveFileParams) (any, error) {
					return statusPayload(sb.SaveFile(ctx, p.Path, p.Content)), nil
				})
		}},
		{build: func() (*models.ToolDescriptor, error) {
			return tools.NewTool(ToolReadFile, "Read a file from the sandbox.",
				func(ctx context.Context, p pathParams) (any, error) {
					return outputPayload(sb.ReadFile(ctx, p.Path)), nil
				})
		}},
		{build: func() (*models.ToolDescriptor, error) {
			return tools.NewTool(ToolDeleteFile, "Delete a file from the sandbox.",
				func(ctx context.Context, p pathParams) (any, error) {
					return statusPayload(sb.DeleteFile(ctx, p.Path)), nil
				})
		}},
		{build: func() (*models.ToolDescriptor, error) {
			return tools.NewTool(ToolListFiles, "List files under a sandbox directory.",
				func(ctx context.Context, p listFilesParams) (any, error) {
					entries, err := sb.ListFiles(ctx, p.Path, p.Recursive)
					if err != nil {
						return failure(err), nil
					}
					return success(entries), nil
				})
		}},
		{build: func() (*models.ToolDescriptor, error) {
			return tools.NewTool(ToolFileExists, "Check whether a sandbox path exists.",
				func(ctx context.Context, p pathParams) (any, error) {
					exists, err := sb.FileExists(ctx, p.Path)
					if err != nil {
						return failure(err), nil
					}
					return success(exists), nil
				})
		}},
		{build: func() (*models.ToolDescriptor, error) {
			return tools.NewTool(ToolCopyFile, "Copy a file inside the sandbox.",
				func(ctx context.Context, p srcDstParams) (any, error) {
					return statusPayload(sb.CopyFile(ctx, p.Src, p.Dst)), nil
				})
		}},
		{build: func() (*models.ToolDescriptor, error) {
			return tools.NewTool(ToolMoveFile, "Move or rename a file inside the sandbox.",
				func(ctx context.Context, p srcDstParams) (any, error) {
					return statusPayload(sb.MoveFile(ctx, p.Src, p.Dst)), nil
				})
		}},
		{timeout: execToolTimeout, build: func() (*models.ToolDescriptor, error) {
			return tools.NewTool(ToolInstallPipPackage, "Install a pip package into the sandbox environment.",
				func(ctx context.Context, p installParams) (any, error) {
					return execPayload(sb.InstallPipPackage(ctx, p.Package, p.Version)), nil
				})
		}},
		{build: func() (*models.ToolDescriptor, error) {
			return tools.NewTool(ToolListPackages, "List the pip packages installed in the sandbox.",
				func(ctx context.Context, _ struct{}) (any, error) {
					pkgs, err := sb.ListInstalledPackages(ctx)
					if err != nil {
						return failure(err), nil
					}
					return success(pkgs), nil
				})
		}},
		{build: func() (*models.ToolDescriptor, error) {
			return tools.NewTool(ToolCheckPackageInstalled, "Check whether a pip package is installed in the sandbox.",
				func(ctx context.Context, p packageParams) (any, error) {
					installed, err := sb.CheckPackageInstalled(ctx, p.Package)
					if err != nil {
						return failure(err), nil
					}
					return success(installed), nil
				})
		}},
		{build: func() (*models.ToolDescriptor, error) {
			return tools.NewTool(ToolSetEnvVar, "Set an environment variable in the sandbox.",
				func(ctx context.Context, p setEnvParams) (any, error) {
					return statusPayload(sb.SetEnvironmentVariable(ctx, p.Key, p.Value)), nil
				})
		}},
		{build: func() (*models.ToolDescriptor, error) {
			return tools.NewTool(ToolGetEnvVar, "Read an environment variable from the sandbox.",
				func(ctx context.Context, p getEnvParams) (any, error) {
					return outputPayload(sb.GetEnvironmentVariable(ctx, p.Key)), nil
				})
		}},
	}

	for _, spec := range specs {
		desc, err := spec.build()
		if err != nil {
			return err
		}
		if spec.timeout > 0 {
			desc.Timeout = spec.timeout
		}
		if err := reg.Register(desc); err != nil {
			return err
		}
	}
	return nil
}

func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// execPayload renders an execution outcome as the wire payload.
func execPayload(res *ExecResult, err error) map[string]any {
	if err != nil {
		return failure(err)
	}
	return map[string]any{
		"success":        res.Success,
		"output":         res.Output,
		"error":          res.Error,
		"execution_time": res.ExecutionTime,
		"return_code":    res.ReturnCode,
	}
}

func statusPayload(err error) map[string]any {
	if err != nil {
		return failure(err)
	}
	return success("")
}

func outputPayload(output string, err error) map[string]any {
	if err != nil {
		return failure(err)
	}
	return success(output)
}

func success(output any) map[string]any {
	return map[string]any{"success": true, "output": output, "error": ""}
}

func failure(err error) map[string]any {
	return map[string]any{"success": false, "output": "", "error": err.Error()}
}
