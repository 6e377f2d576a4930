// Package sandbox executes generated projects in isolation: a Docker
// container when a daemon is reachable, a host subprocess otherwise. Both
// strategies return the same Result shape so callers never branch on the
// backend.
package sandbox

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"forgebuild/internal/config"
	"forgebuild/internal/logging"
	"forgebuild/internal/metrics"
)

// Request describes one run cycle of a project.
type Request struct {
	// Command is a shell command executed in the project root, typically
	// "python main.py" plus CLI arguments.
	Command string
	// WorkDir is the project directory on the host.
	WorkDir string
	Timeout time.Duration
	Env     map[string]string
	// InstallDeps bakes requirements.txt (when present) into the image
	// the command runs on. Only the container strategy honors it;
	// installing generated dependencies on the host is never acceptable.
	InstallDeps bool
}

// Result is the observable outcome of one run. A timed-out run reports
// ExitCode 124 with TimedOut set.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
	Strategy string
}

// Combined returns stdout and stderr joined, for classifiers that look at
// everything the program printed.
func (r *Result) Combined() string {
	if r.Stdout == "" {
		return r.Stderr
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runner executes one request. Implementations must honor the request
// timeout by killing the workload and reporting exit code 124.
type Runner interface {
	Execute(ctx context.Context, req Request) (*Result, error)
	Strategy() string
	Close() error
}

// NewRunner returns the preferred runner for this host: Docker when the
// daemon answers, the host subprocess strategy otherwise.
func NewRunner(cfg config.AppConfig) Runner {
	log := logging.L().Named("sandbox")
	if cfg.PreferContainer {
		r, err := NewDockerRunner(cfg)
		if err == nil {
			log.Info("using docker sandbox", zap.String("image", cfg.SandboxImage))
			return r
		}
		log.Warn("docker unavailable, falling back to host sandbox", zap.Error(err))
	}
	return NewHostRunner(cfg)
}

func recordRun(res *Result) {
	status := "completed"
	switch {
	case res.TimedOut:
		status = "timeout"
	case res.ExitCode != 0:
		status = "failed"
	}
	m := metrics.Get()
	m.SandboxRunsTotal.WithLabelValues(res.Strategy, status).Inc()
	m.SandboxRunDuration.WithLabelValues(res.Strategy).Observe(res.Duration.Seconds())
}

// limitedWriter caps captured output so a runaway print loop cannot exhaust
// memory; excess bytes are acknowledged and dropped.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.limit <= 0 {
		return lw.w.Write(p)
	}
	if lw.written >= lw.limit {
		return len(p), nil
	}
	remaining := lw.limit - lw.written
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return n, err
	}
	return len(p), nil
}
