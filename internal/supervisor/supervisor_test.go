package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"forgebuild/internal/ai"
	"forgebuild/internal/config"
	"forgebuild/internal/sandbox"
)

type fakeLLM struct {
	replies []string
	errs    []error
	calls   []string // user prompts, for assertions
	models  []string
}

func (f *fakeLLM) Ask(ctx context.Context, model, system, user string) (string, error) {
	f.calls = append(f.calls, user)
	f.models = append(f.models, model)
	i := len(f.calls) - 1
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	var reply string
	if i < len(f.replies) {
		reply = f.replies[i]
	}
	return reply, err
}

type fakeRunner struct {
	results []*sandbox.Result
	n       int
}

func (f *fakeRunner) Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	if f.n >= len(f.results) {
		return &sandbox.Result{ExitCode: 0, Strategy: "fake"}, nil
	}
	r := f.results[f.n]
	f.n++
	return r, nil
}

func (f *fakeRunner) Close() error { return nil }

func (f *fakeRunner) Strategy() string { return "fake" }

func testConfig() config.AppConfig {
	cfg := config.Load()
	cfg.MaxFixCycles = 3
	cfg.SandboxTimeout = time.Second
	return cfg
}

func newSupervisor(llm LLM, runner sandbox.Runner) *Supervisor {
	return New(llm, runner, ai.NewCostLedger(0), testConfig(), nil)
}

func TestRunSucceedsFirstCycle(t *testing.T) {
	llm := &fakeLLM{}
	runner := &fakeRunner{results: []*sandbox.Result{{Stdout: "done", ExitCode: 0, Strategy: "fake"}}}
	s := newSupervisor(llm, runner)

	report, err := s.Run(context.Background(), RunInput{
		BuildID:    "b1",
		ProjectDir: t.TempDir(),
		Files:      map[string]string{"main.py": "print('done')\n"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.FinalState != StateSucceeded {
		t.Fatalf("final state = %s", report.FinalState)
	}
	if len(report.Cycles) != 1 || report.Cycles[0].Verdict != "pass" {
		t.Fatalf("cycles = %+v", report.Cycles)
	}
	if len(llm.calls) != 0 {
		t.Fatalf("clean run must not consult the model: %d calls", len(llm.calls))
	}
}

func TestRunUsageMessageCountsAsSuccess(t *testing.T) {
	runner := &fakeRunner{results: []*sandbox.Result{{
		Stderr:   "usage: tool.py [-h] path\ntool.py: error: the following arguments are required: path",
		ExitCode: 2,
		Strategy: "fake",
	}}}
	s := newSupervisor(&fakeLLM{}, runner)

	report, err := s.Run(context.Background(), RunInput{
		BuildID:    "b2",
		ProjectDir: t.TempDir(),
		Files:      map[string]string{"tool.py": "import argparse\n"},
		RunCommand: "python tool.py",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.FinalState != StateSucceeded || report.Cycles[0].Verdict != "usage_message" {
		t.Fatalf("report = %+v", report)
	}
}

func TestRunStaticViolationPatchedWithoutDiagnosis(t *testing.T) {
	// Cycle 1: the gate finds the broken import and the model is asked only
	// for a patch. Cycle 2: clean run.
	llm := &fakeLLM{replies: []string{"from utils import helper\n\nhelper()\n"}}
	runner := &fakeRunner{results: []*sandbox.Result{{ExitCode: 0, Strategy: "fake"}}}
	s := newSupervisor(llm, runner)

	dir := t.TempDir()
	report, err := s.Run(context.Background(), RunInput{
		BuildID:    "b3",
		ProjectDir: dir,
		Files: map[string]string{
			"utils.py": "def helper():\n    pass\n",
			"main.py":  "from utils import process_data\n\nprocess_data()\n",
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.FinalState != StateSucceeded {
		t.Fatalf("final state = %s", report.FinalState)
	}
	if len(report.Cycles) != 2 {
		t.Fatalf("expected 2 cycles, got %d", len(report.Cycles))
	}
	c1 := report.Cycles[0]
	if len(c1.Violations) == 0 || c1.PatchedFile != "main.py" {
		t.Fatalf("cycle 1 = %+v", c1)
	}
	if len(llm.calls) != 1 {
		t.Fatalf("expected exactly one model call (the patch), got %d", len(llm.calls))
	}
	// The patch landed on disk too.
	onDisk, err := os.ReadFile(filepath.Join(dir, "main.py"))
	if err != nil || !strings.Contains(string(onDisk), "helper") {
		t.Fatalf("patch not persisted: %v %q", err, onDisk)
	}
}

func TestRunDiagnosePatchThenPass(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		`{"root_cause":"bad key","fix_file":"main.py","fix_instruction":"use get"}`,
		"print('fixed')\n",
	}}
	runner := &fakeRunner{results: []*sandbox.Result{
		{Stderr: "Traceback (most recent call last):\nKeyError: 'x'", ExitCode: 1, Strategy: "fake"},
		{Stdout: "fixed", ExitCode: 0, Strategy: "fake"},
	}}
	s := newSupervisor(llm, runner)

	report, err := s.Run(context.Background(), RunInput{
		BuildID:    "b4",
		ProjectDir: t.TempDir(),
		Files:      map[string]string{"main.py": "d = {}\nprint(d['x'])\n"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.FinalState != StateSucceeded || len(report.Cycles) != 2 {
		t.Fatalf("report = %+v", report)
	}
	if report.Cycles[0].Diagnosis == nil || report.Cycles[0].PatchedFile != "main.py" {
		t.Fatalf("cycle 1 = %+v", report.Cycles[0])
	}
}

func TestRunBudgetPivotIsRecorded(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		`{"root_cause":"bad key","fix_file":"main.py","fix_instruction":"use get"}`,
		"print('fixed')\n",
	}}
	runner := &fakeRunner{results: []*sandbox.Result{
		{Stderr: "Traceback (most recent call last):\nKeyError: 'x'", ExitCode: 1, Strategy: "fake"},
		{Stdout: "fixed", ExitCode: 0, Strategy: "fake"},
	}}

	ledger := ai.NewCostLedger(0.0001)
	ledger.Record("o1-preview", ai.Usage{InputTokens: 100_000, OutputTokens: 100_000})
	if !ledger.Exceeded() {
		t.Fatal("ledger must be over budget before the run")
	}
	cfg := testConfig()
	cfg.PivotModel = "gpt-4o-mini"
	s := New(llm, runner, ledger, cfg, nil)

	report, err := s.Run(context.Background(), RunInput{
		BuildID:    "b-pivot",
		ProjectDir: t.TempDir(),
		Files:      map[string]string{"main.py": "d = {}\nprint(d['x'])\n"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.FinalState != StateSucceeded {
		t.Fatalf("final state = %s", report.FinalState)
	}
	if !report.Pivoted {
		t.Fatal("report must record the budget pivot")
	}
	for i, m := range llm.models {
		if m != cfg.PivotModel {
			t.Fatalf("call %d used %q, want pivot model %q", i, m, cfg.PivotModel)
		}
	}
}

func TestRunUnparseableDiagnosisAbandonsCycle(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		"I really couldn't say.",
		"I really couldn't say.",
		"I really couldn't say.",
	}}
	fail := &sandbox.Result{Stderr: "Traceback\nValueError", ExitCode: 1, Strategy: "fake"}
	runner := &fakeRunner{results: []*sandbox.Result{fail, fail, fail}}
	s := newSupervisor(llm, runner)

	report, err := s.Run(context.Background(), RunInput{
		BuildID:    "b5",
		ProjectDir: t.TempDir(),
		Files:      map[string]string{"main.py": "raise ValueError\n"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.FinalState != StateExhausted {
		t.Fatalf("final state = %s", report.FinalState)
	}
	for _, c := range report.Cycles {
		if !c.Abandoned {
			t.Fatalf("cycle %d should be abandoned: %+v", c.Number, c)
		}
	}
}

func TestRunAuthFailureIsFatal(t *testing.T) {
	llm := &fakeLLM{errs: []error{fmt.Errorf("diagnose: %w", ai.ErrAuthFailure)}}
	runner := &fakeRunner{results: []*sandbox.Result{
		{Stderr: "Traceback\nKeyError", ExitCode: 1, Strategy: "fake"},
	}}
	s := newSupervisor(llm, runner)

	report, err := s.Run(context.Background(), RunInput{
		BuildID:    "b6",
		ProjectDir: t.TempDir(),
		Files:      map[string]string{"main.py": "x\n"},
	})
	if !errors.Is(err, ai.ErrAuthFailure) {
		t.Fatalf("want ErrAuthFailure, got %v", err)
	}
	if report == nil || len(report.Cycles) != 1 {
		t.Fatalf("partial report expected: %+v", report)
	}
}

func TestRunExhaustionWritesCrashTrail(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		`{"root_cause":"a","fix_file":"main.py","fix_instruction":"b"}`, "attempt1\n",
		`{"root_cause":"a","fix_file":"main.py","fix_instruction":"b"}`, "attempt2\n",
		`{"root_cause":"a","fix_file":"main.py","fix_instruction":"b"}`, "attempt3\n",
	}}
	fail := &sandbox.Result{Stderr: "Traceback\nKeyError", ExitCode: 1, Strategy: "fake"}
	runner := &fakeRunner{results: []*sandbox.Result{fail, fail, fail}}
	s := newSupervisor(llm, runner)

	dir := t.TempDir()
	report, err := s.Run(context.Background(), RunInput{
		BuildID:    "b7",
		ProjectDir: dir,
		Files:      map[string]string{"main.py": "x\n"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.FinalState != StateExhausted || len(report.Cycles) != 3 {
		t.Fatalf("report = %+v", report)
	}
	if _, err := os.Stat(filepath.Join(dir, "crash_report.log")); err != nil {
		t.Fatalf("crash trail missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "error_cycle_1.log")); err != nil {
		t.Fatalf("cycle log missing: %v", err)
	}
}

func TestRunEmitsEvents(t *testing.T) {
	var states []State
	runner := &fakeRunner{results: []*sandbox.Result{{ExitCode: 0, Strategy: "fake"}}}
	s := New(&fakeLLM{}, runner, nil, testConfig(), func(e Event) {
		states = append(states, e.State)
	})

	if _, err := s.Run(context.Background(), RunInput{
		BuildID:    "b8",
		ProjectDir: t.TempDir(),
		Files:      map[string]string{"main.py": "print(1)\n"},
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []State{StatePlanning, StateValidating, StateRunning, StateSucceeded}
	if len(states) != len(want) {
		t.Fatalf("states = %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func TestRunRejectsDiagnosisForUnknownFile(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		`{"root_cause":"a","fix_file":"ghost.py","fix_instruction":"b"}`,
	}}
	runner := &fakeRunner{results: []*sandbox.Result{
		{Stderr: "Traceback\nKeyError", ExitCode: 1, Strategy: "fake"},
	}}
	cfg := testConfig()
	cfg.MaxFixCycles = 1
	s := New(llm, runner, nil, cfg, nil)

	report, err := s.Run(context.Background(), RunInput{
		BuildID:    "b9",
		ProjectDir: t.TempDir(),
		Files:      map[string]string{"main.py": "x\n"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.FinalState != StateExhausted || !report.Cycles[0].Abandoned {
		t.Fatalf("report = %+v", report)
	}
}

func TestMaterializeRejectsEscapingPaths(t *testing.T) {
	s := newSupervisor(&fakeLLM{}, &fakeRunner{})
	_, err := s.Run(context.Background(), RunInput{
		BuildID:    "b10",
		ProjectDir: t.TempDir(),
		Files:      map[string]string{"../evil.py": "x\n"},
	})
	if err == nil {
		t.Fatal("path escaping the project dir must be rejected")
	}
}
