package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"forgebuild/internal/config"
	"forgebuild/internal/logging"
)

// HostRunner executes requests as host subprocesses. It is the degraded
// strategy for machines without a Docker daemon: same timeout and exit-code
// contract, none of the filesystem or network isolation.
type HostRunner struct {
	cfg config.AppConfig
	log *zap.Logger
}

// NewHostRunner creates a host subprocess runner.
func NewHostRunner(cfg config.AppConfig) *HostRunner {
	return &HostRunner{cfg: cfg, log: logging.L().Named("sandbox.host")}
}

// Execute runs the command under bash in the project directory. The process
// is killed at the deadline and reported as exit 124.
func (h *HostRunner) Execute(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = h.cfg.SandboxTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if req.InstallDeps {
		h.log.Warn("dependency install skipped on host strategy",
			zap.String("workdir", req.WorkDir))
	}

	cmd := exec.CommandContext(execCtx, "bash", "-c", req.Command)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), flattenEnv(req.Env)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: maxOutputBytes}

	started := time.Now()
	err := cmd.Run()

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
		Strategy: "host",
	}

	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = 124
	case err == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return nil, err
		}
	}

	recordRun(res)
	return res, nil
}

// Close is a no-op for the host strategy.
func (h *HostRunner) Close() error { return nil }

func (h *HostRunner) Strategy() string { return "host" }
