// Package jobs runs the external document-generation programs and recovers
// their results.
package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Spec describes one subprocess invocation.
type Spec struct {
	Name    string // job kind, used for logs and metrics
	Program string
	Args    []string
	Dir     string
	Env     map[string]string
	Stdin   string
	Timeout time.Duration // overrides the runner default when > 0
}

// String renders the command line for logs.
func (s Spec) String() string {
	parts := append([]string{s.Program}, s.Args...)
	for i, p := range parts {
		if strings.ContainsAny(p, " \t\"") {
			parts[i] = fmt.Sprintf("%q", p)
		}
	}
	return strings.Join(parts, " ")
}

// Result is the captured outcome of a finished process.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Started  time.Time
	Duration time.Duration
}

// Runner executes job specs. Run returns a *Error for any failure the user
// should hear about.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// ExecRunner runs jobs as local subprocesses.
type ExecRunner struct {
	// Timeout bounds every job without its own. Zero means no bound.
	Timeout time.Duration
	// Env is merged over the process environment for every job.
	Env    map[string]string
	Logger *zap.Logger
}

// Run starts spec.Program and waits for it. The process runs in its own
// process group; cancellation or timeout kills the whole group.
func (r *ExecRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	if spec.Program == "" {
		return Result{}, fmt.Errorf("jobs: %s: program is required", spec.Name)
	}
	log := r.logger().With(zap.String("job", spec.Name))

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.Timeout
	}
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Program, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), r.Env, spec.Env)
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Use a process group so the kill reaches python's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 10 * time.Second

	res := Result{Started: time.Now(), ExitCode: -1}
	log.Debug("starting job", zap.String("cmd", spec.String()), zap.String("dir", spec.Dir))

	err := cmd.Run()
	res.Duration = time.Since(res.Started)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err == nil {
		log.Info("job finished", zap.Duration("took", res.Duration))
		return res, nil
	}

	jerr := &Error{Job: spec.Name, ExitCode: res.ExitCode, Err: err}
	var exitErr *exec.ExitError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		jerr.Reason = ReasonTimeout
		jerr.Message = Truncate(fmt.Sprintf("timed out after %s", timeout), MaxMessageLen)
	case ctx.Err() != nil:
		jerr.Reason = ReasonCanceled
		jerr.Message = "canceled"
	case errors.As(err, &exitErr):
		jerr.Reason = ReasonExit
		jerr.Message = Truncate(failureText(spec, err, res.Stderr), MaxMessageLen)
	default:
		jerr.Reason = ReasonStart
		jerr.Message = Truncate(err.Error(), MaxMessageLen)
	}
	log.Warn("job failed",
		zap.String("reason", string(jerr.Reason)),
		zap.Int("exit_code", res.ExitCode),
		zap.String("stderr", Truncate(res.Stderr, 2000)),
		zap.Error(err))
	return res, jerr
}

func (r *ExecRunner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// failureText mirrors a shell's "Command failed" report: the command, the
// exit status and stderr.
func failureText(spec Spec, err error, stderr string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Command failed: %s (%v)", spec.String(), err)
	if s := strings.TrimSpace(stderr); s != "" {
		b.WriteString("\n")
		b.WriteString(s)
	}
	return b.String()
}

// mergeEnv overlays override maps on base, later maps winning. Output is
// deterministic so logs and tests are stable.
func mergeEnv(base []string, overrides ...map[string]string) []string {
	merged := map[string]string{}
	var order []string
	for _, kv := range base {
		k, v, _ := strings.Cut(kv, "=")
		if _, ok := merged[k]; !ok {
			order = append(order, k)
		}
		merged[k] = v
	}
	var extra []string
	for _, o := range overrides {
		for k, v := range o {
			if _, ok := merged[k]; !ok {
				extra = append(extra, k)
			}
			merged[k] = v
		}
	}
	sort.Strings(extra)
	out := make([]string, 0, len(merged))
	seen := map[string]bool{}
	for _, k := range append(order, extra...) {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k+"="+merged[k])
	}
	return out
}
