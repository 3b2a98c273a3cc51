// Package runner executes sandbox jobs in fresh child processes. A
// configurable harness (jailer) applies namespaces and rlimits in
// production; bypass mode runs the interpreter directly for
// development.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/moduly/moduly/cmd/sandbox/scheduler"
	"github.com/moduly/moduly/common/config"
	"github.com/moduly/moduly/common/logger"
)

// Error type tokens carried on the wire in error_type.
const (
	ErrorTypeRuntime = "runtime"
	ErrorTypeSandbox = "sandbox"
	ErrorTypeTimeout = "timeout"
)

const stderrTailBytes = 2 << 10

// Runner launches one child process per job.
type Runner struct {
	harness       []string
	workDir       string
	memoryLimitMB int
	log           *logger.Logger
}

// New creates a process runner from sandbox config.
func New(cfg config.SandboxConfig, log *logger.Logger) *Runner {
	return &Runner{
		harness:       cfg.HarnessCommand,
		workDir:       cfg.WorkDir,
		memoryLimitMB: cfg.DefaultMemoryMB,
		log:           log,
	}
}

// childOutput is the single JSON object the child writes to stdout.
type childOutput struct {
	Success bool                   `json:"success"`
	Result  map[string]interface{} `json:"result,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Execute implements scheduler.Executor. Every failure mode maps to a
// typed result; the scheduler never sees an error value.
func (r *Runner) Execute(ctx context.Context, job *scheduler.Job) *scheduler.Result {
	start := time.Now()

	dir, err := os.MkdirTemp(r.workDir, "sbx-")
	if err != nil {
		return sandboxFailure(start, fmt.Sprintf("create work dir: %v", err))
	}
	defer os.RemoveAll(dir)

	inputsPath := filepath.Join(dir, "inputs.json")
	inputs, err := json.Marshal(job.Inputs)
	if err != nil {
		return sandboxFailure(start, fmt.Sprintf("encode inputs: %v", err))
	}
	if err := os.WriteFile(inputsPath, inputs, 0o400); err != nil {
		return sandboxFailure(start, fmt.Sprintf("write inputs: %v", err))
	}

	codePath := filepath.Join(dir, "main.py")
	if err := os.WriteFile(codePath, []byte(job.Code), 0o400); err != nil {
		return sandboxFailure(start, fmt.Sprintf("write code: %v", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	argv := r.argv(codePath)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"SANDBOX_INPUTS="+inputsPath,
		"SANDBOX_MEMORY_MB="+strconv.Itoa(r.memoryLimitMB),
		"SANDBOX_CPU_SECONDS="+strconv.Itoa(int(job.Timeout.Seconds())),
		"SANDBOX_ENABLE_NETWORK="+strconv.FormatBool(job.EnableNetwork),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return &scheduler.Result{
			Success:         false,
			Error:           fmt.Sprintf("execution timed out after %s", job.Timeout),
			ErrorType:       ErrorTypeTimeout,
			ExecutionTimeMS: float64(elapsed.Milliseconds()),
		}
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		if runErr != nil {
			return sandboxFailure(start,
				fmt.Sprintf("process failed with no output: %v: %s", runErr, tail(stderr.String())))
		}
		return sandboxFailure(start, "process produced no output")
	}

	var parsed childOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return &scheduler.Result{
			Success:         false,
			Error:           fmt.Sprintf("output is not a JSON object: %s", tail(out)),
			ErrorType:       ErrorTypeRuntime,
			ExecutionTimeMS: float64(elapsed.Milliseconds()),
			MemoryUsedMB:    peakMemoryMB(cmd),
		}
	}

	result := &scheduler.Result{
		Success:         parsed.Success,
		Result:          parsed.Result,
		ExecutionTimeMS: float64(elapsed.Milliseconds()),
		MemoryUsedMB:    peakMemoryMB(cmd),
	}
	if !parsed.Success {
		result.Error = parsed.Error
		result.ErrorType = ErrorTypeRuntime
	}
	return result
}

// argv builds the child command line. The harness prefix receives the
// code path as its final argument; bypass mode invokes the interpreter
// directly.
func (r *Runner) argv(codePath string) []string {
	if len(r.harness) > 0 {
		return append(append([]string{}, r.harness...), codePath)
	}
	return []string{"python3", codePath}
}

func sandboxFailure(start time.Time, msg string) *scheduler.Result {
	return &scheduler.Result{
		Success:         false,
		Error:           msg,
		ErrorType:       ErrorTypeSandbox,
		ExecutionTimeMS: float64(time.Since(start).Milliseconds()),
	}
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTailBytes {
		s = s[len(s)-stderrTailBytes:]
	}
	return s
}

// peakMemoryMB reads the child's max RSS when the platform reports it.
func peakMemoryMB(cmd *exec.Cmd) float64 {
	if cmd.ProcessState == nil {
		return 0
	}
	usage, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage)
	if !ok || usage == nil {
		return 0
	}
	// Maxrss is KiB on Linux.
	return float64(usage.Maxrss) / 1024
}
