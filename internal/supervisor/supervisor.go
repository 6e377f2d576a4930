// Package supervisor drives the verify-diagnose-patch loop over a generated
// project until it runs cleanly or the cycle budget is spent.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"forgebuild/internal/ai"
	"forgebuild/internal/config"
	"forgebuild/internal/logging"
	"forgebuild/internal/manifest"
	"forgebuild/internal/metrics"
	"forgebuild/internal/sandbox"
	"forgebuild/internal/validate"
)

// State names each phase of the build loop.
type State string

const (
	StatePlanning   State = "PLANNING"
	StateValidating State = "VALIDATING"
	StateRunning    State = "RUNNING"
	StateDiagnosing State = "DIAGNOSING"
	StatePatching   State = "PATCHING"
	StateSucceeded  State = "SUCCEEDED"
	StateExhausted  State = "EXHAUSTED"
)

// LLM is the completion surface the supervisor needs. *ai.Router satisfies
// it.
type LLM interface {
	Ask(ctx context.Context, model, system, user string) (string, error)
}

// Event is one observable step of a build, streamed to subscribers.
type Event struct {
	BuildID string    `json:"build_id"`
	State   State     `json:"state"`
	Cycle   int       `json:"cycle"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Cycle records what one fix cycle did.
type Cycle struct {
	Number      int                  `json:"number"`
	Violations  []validate.Violation `json:"violations,omitempty"`
	Run         *sandbox.Result      `json:"run,omitempty"`
	Verdict     string               `json:"verdict,omitempty"`
	ErrorBrief  string               `json:"error_brief,omitempty"`
	Diagnosis   *Diagnosis           `json:"diagnosis,omitempty"`
	PatchedFile string               `json:"patched_file,omitempty"`
	Abandoned   bool                 `json:"abandoned,omitempty"`
}

// Report is the full outcome of one build run.
type Report struct {
	BuildID    string                     `json:"build_id"`
	FinalState State                      `json:"final_state"`
	Cycles     []Cycle                    `json:"cycles"`
	Cost       map[string]ai.ModelUsage   `json:"cost"`
	TotalCost  float64                    `json:"total_cost"`
	Duration   time.Duration              `json:"duration"`
	Pivoted    bool                       `json:"pivoted"`
}

// RunInput is everything a build run needs.
type RunInput struct {
	BuildID    string
	ProjectDir string            // working directory; created if absent
	Files      map[string]string // relative path -> content
	RunCommand string            // defaults to "python main.py"
}

// Supervisor owns one build's loop. Construct a fresh one per build so the
// ledger and cycle history never leak across runs.
type Supervisor struct {
	llm      LLM
	runner   sandbox.Runner
	builder  *manifest.Builder
	classify Classifier
	ledger   *ai.CostLedger
	cfg      config.AppConfig
	log      *zap.Logger
	emit     func(Event)
	pivoted  bool
}

// New builds a Supervisor. emit may be nil; ledger may be nil when cost
// tracking is handled elsewhere.
func New(llm LLM, runner sandbox.Runner, ledger *ai.CostLedger, cfg config.AppConfig, emit func(Event)) *Supervisor {
	return &Supervisor{
		llm:      llm,
		runner:   runner,
		builder:  manifest.NewBuilder(),
		classify: NewMarkerClassifier(),
		ledger:   ledger,
		cfg:      cfg,
		log:      logging.L().Named("supervisor"),
		emit:     emit,
	}
}

// SetClassifier swaps the run-output classifier.
func (s *Supervisor) SetClassifier(c Classifier) {
	if c != nil {
		s.classify = c
	}
}

// Run drives the loop to a terminal state. The returned Report is non-nil
// even on error so callers can persist partial history; the error is non-nil
// only for fatal conditions (auth failure, canceled context, broken setup).
func (s *Supervisor) Run(ctx context.Context, in RunInput) (*Report, error) {
	started := time.Now()
	report := &Report{BuildID: in.BuildID, FinalState: StateExhausted}

	runCmd := in.RunCommand
	if runCmd == "" {
		runCmd = "python main.py"
	}

	if err := s.materialize(in.ProjectDir, in.Files); err != nil {
		return report, fmt.Errorf("materialize project: %w", err)
	}

	s.event(in.BuildID, StatePlanning, 0, fmt.Sprintf("build started, %d files, max %d cycles", len(in.Files), s.cfg.MaxFixCycles))

	defer func() {
		report.Duration = time.Since(started)
		report.Pivoted = s.pivoted
		if s.ledger != nil {
			report.Cost = s.ledger.Snapshot()
			report.TotalCost = s.ledger.TotalCost()
		}
		metrics.Get().BuildsTotal.WithLabelValues(string(report.FinalState)).Inc()
		metrics.Get().BuildCycles.Observe(float64(len(report.Cycles)))
	}()

	for n := 1; n <= s.cfg.MaxFixCycles; n++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		cycle := Cycle{Number: n}

		// VALIDATING: static checks run before anything executes; a
		// violation is patched without consulting the diagnosis model.
		s.event(in.BuildID, StateValidating, n, "static validation")
		idx := s.builder.Build(in.Files)
		violations := validate.Check(idx)
		for _, v := range violations {
			metrics.Get().ValidationViolations.WithLabelValues(string(v.Kind)).Inc()
		}
		if len(violations) > 0 {
			cycle.Violations = violations
			diag := synthesizeDiagnosis(violations[0])
			cycle.Diagnosis = diag
			s.log.Info("static violation, patching without diagnosis",
				zap.String("build", in.BuildID),
				zap.Int("cycle", n),
				zap.String("violation", violations[0].String()))

			if err := s.applyPatch(ctx, in, diag, &cycle); err != nil {
				cycle.Abandoned = true
				report.Cycles = append(report.Cycles, cycle)
				if isFatal(err) {
					return report, err
				}
				s.saveErrorLog(in.ProjectDir, n, violations[0].String())
				continue
			}
			report.Cycles = append(report.Cycles, cycle)
			s.saveErrorLog(in.ProjectDir, n, violations[0].String())
			continue
		}

		// RUNNING
		s.event(in.BuildID, StateRunning, n, runCmd)
		res, err := s.runner.Execute(ctx, sandbox.Request{
			Command:     runCmd,
			WorkDir:     in.ProjectDir,
			Timeout:     s.cfg.SandboxTimeout,
			InstallDeps: true,
		})
		if err != nil {
			report.Cycles = append(report.Cycles, cycle)
			return report, fmt.Errorf("sandbox execute: %w", err)
		}
		cycle.Run = res

		verdict := s.classify.Classify(res)
		cycle.Verdict = verdict.String()
		if verdict.Succeeded() {
			report.Cycles = append(report.Cycles, cycle)
			report.FinalState = StateSucceeded
			s.event(in.BuildID, StateSucceeded, n, verdict.String())
			return report, nil
		}

		// DIAGNOSING
		errSummary := extractError(res, verdict)
		cycle.ErrorBrief = firstLine(errSummary)
		s.event(in.BuildID, StateDiagnosing, n, cycle.ErrorBrief)
		s.saveErrorLog(in.ProjectDir, n, errSummary+"\n\nstdout:\n"+res.Stdout+"\n\nstderr:\n"+res.Stderr)

		diag, err := s.diagnose(ctx, in, errSummary, res.ExitCode)
		if err != nil {
			cycle.Abandoned = true
			report.Cycles = append(report.Cycles, cycle)
			if isFatal(err) {
				return report, err
			}
			s.log.Warn("diagnosis failed, cycle abandoned",
				zap.String("build", in.BuildID), zap.Int("cycle", n), zap.Error(err))
			continue
		}
		cycle.Diagnosis = diag

		// PATCHING
		if err := s.applyPatch(ctx, in, diag, &cycle); err != nil {
			cycle.Abandoned = true
			report.Cycles = append(report.Cycles, cycle)
			if isFatal(err) {
				return report, err
			}
			s.log.Warn("patch failed, cycle abandoned",
				zap.String("build", in.BuildID), zap.Int("cycle", n), zap.Error(err))
			continue
		}
		report.Cycles = append(report.Cycles, cycle)
	}

	s.event(in.BuildID, StateExhausted, len(report.Cycles), "cycle budget spent")
	s.saveCrashTrail(in.ProjectDir, report)
	return report, nil
}

// diagnose asks the (possibly pivoted) diagnosis model for a structured
// Diagnosis and refuses answers naming files outside the project.
func (s *Supervisor) diagnose(ctx context.Context, in RunInput, errSummary string, exitCode int) (*Diagnosis, error) {
	model := s.pickModel(s.cfg.DiagnosisModel)
	raw, err := s.llm.Ask(ctx, model, diagnosisSystemPrompt, diagnosisUserPrompt(errSummary, in.Files, exitCode))
	if err != nil {
		return nil, err
	}
	diag, err := parseDiagnosis(raw)
	if err != nil {
		return nil, err
	}
	if _, ok := in.Files[diag.FixFile]; !ok {
		return nil, fmt.Errorf("diagnosis names unknown file %q", diag.FixFile)
	}
	return diag, nil
}

// applyPatch asks for a complete replacement file and commits it to the
// session set and to disk.
func (s *Supervisor) applyPatch(ctx context.Context, in RunInput, diag *Diagnosis, cycle *Cycle) error {
	s.event(in.BuildID, StatePatching, cycle.Number, diag.FixFile)

	current, ok := in.Files[diag.FixFile]
	if !ok {
		return fmt.Errorf("patch target %q not in project", diag.FixFile)
	}

	model := s.pickModel(s.cfg.PatchModel)
	patched, err := s.llm.Ask(ctx, model, patchSystemPrompt, patchUserPrompt(diag, current))
	if err != nil {
		return err
	}
	if strings.TrimSpace(patched) == "" {
		return fmt.Errorf("patch model returned empty file")
	}

	in.Files[diag.FixFile] = patched
	if err := writeProjectFile(in.ProjectDir, diag.FixFile, patched); err != nil {
		return err
	}
	cycle.PatchedFile = diag.FixFile
	return nil
}

// pickModel pivots to the cheaper model once the session budget trips.
func (s *Supervisor) pickModel(preferred string) string {
	if s.ledger != nil && s.ledger.Exceeded() && s.cfg.PivotModel != "" && s.cfg.PivotModel != preferred {
		s.pivoted = true
		s.log.Warn("session budget exceeded, pivoting model",
			zap.String("from", preferred), zap.String("to", s.cfg.PivotModel),
			zap.Float64("spent", s.ledger.TotalCost()))
		return s.cfg.PivotModel
	}
	return preferred
}

func (s *Supervisor) event(buildID string, state State, cycle int, msg string) {
	if s.emit != nil {
		s.emit(Event{BuildID: buildID, State: state, Cycle: cycle, Message: msg, Time: time.Now()})
	}
}

func (s *Supervisor) materialize(dir string, files map[string]string) error {
	for rel, content := range files {
		if err := writeProjectFile(dir, rel, content); err != nil {
			return err
		}
	}
	return nil
}

func writeProjectFile(dir, rel, content string) error {
	clean := filepath.Clean(rel)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return fmt.Errorf("invalid project path %q", rel)
	}
	target := filepath.Join(dir, clean)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, []byte(content), 0o644)
}

// saveErrorLog leaves an error_cycle_N.log next to the project so a human
// can retrace what each cycle saw.
func (s *Supervisor) saveErrorLog(dir string, cycle int, content string) {
	path := filepath.Join(dir, fmt.Sprintf("error_cycle_%d.log", cycle))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		s.log.Warn("could not write cycle log", zap.String("path", path), zap.Error(err))
	}
}

// saveCrashTrail summarizes an exhausted run into crash_report.log.
func (s *Supervisor) saveCrashTrail(dir string, report *Report) {
	var b strings.Builder
	fmt.Fprintf(&b, "build %s exhausted after %d cycles\n", report.BuildID, len(report.Cycles))
	for _, c := range report.Cycles {
		fmt.Fprintf(&b, "cycle %d: verdict=%s patched=%s abandoned=%v\n",
			c.Number, c.Verdict, c.PatchedFile, c.Abandoned)
		if c.ErrorBrief != "" {
			fmt.Fprintf(&b, "  %s\n", c.ErrorBrief)
		}
	}
	path := filepath.Join(dir, "crash_report.log")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		s.log.Warn("could not write crash trail", zap.String("path", path), zap.Error(err))
	}
}

func isFatal(err error) bool {
	return errors.Is(err, ai.ErrAuthFailure) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
