package supervisor

import (
	"strings"
	"testing"

	"forgebuild/internal/sandbox"
)

func TestMarkerClassifier(t *testing.T) {
	t.Parallel()

	c := NewMarkerClassifier()
	cases := []struct {
		name string
		res  sandbox.Result
		want Verdict
	}{
		{
			name: "clean exit",
			res:  sandbox.Result{Stdout: "processed 10 records", ExitCode: 0},
			want: VerdictPass,
		},
		{
			name: "argparse usage with exit 2",
			res: sandbox.Result{
				Stderr:   "usage: app.py [-h] input\napp.py: error: the following arguments are required: input",
				ExitCode: 2,
			},
			want: VerdictUsageMessage,
		},
		{
			name: "usage text plus traceback is a failure",
			res: sandbox.Result{
				Stderr:   "usage: app.py\nTraceback (most recent call last):\n  ValueError",
				ExitCode: 1,
			},
			want: VerdictFailure,
		},
		{
			name: "clean exit but error in output",
			res:  sandbox.Result{Stdout: "ERROR: connection refused", ExitCode: 0},
			want: VerdictFailure,
		},
		{
			name: "nonzero exit",
			res:  sandbox.Result{Stderr: "KeyError: 'name'", ExitCode: 1},
			want: VerdictFailure,
		},
		{
			name: "timeout with output",
			res:  sandbox.Result{Stdout: "step 1\nstep 2", TimedOut: true, ExitCode: 124},
			want: VerdictTimeout,
		},
		{
			name: "timeout with no output is a hang",
			res:  sandbox.Result{TimedOut: true, ExitCode: 124},
			want: VerdictHang,
		},
		{
			name: "timeout with whitespace only is a hang",
			res:  sandbox.Result{Stdout: "  \n ", TimedOut: true, ExitCode: 124},
			want: VerdictHang,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := c.Classify(&tc.res); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestVerdictSucceeded(t *testing.T) {
	t.Parallel()

	if !VerdictPass.Succeeded() || !VerdictUsageMessage.Succeeded() {
		t.Fatal("pass and usage must end the loop")
	}
	if VerdictFailure.Succeeded() || VerdictTimeout.Succeeded() || VerdictHang.Succeeded() {
		t.Fatal("failures must not end the loop")
	}
}

func TestExtractErrorTraceback(t *testing.T) {
	t.Parallel()

	res := &sandbox.Result{
		Stdout:   "some output",
		Stderr:   "noise\nTraceback (most recent call last):\n  File \"main.py\", line 3\nKeyError: 'x'",
		ExitCode: 1,
	}
	got := extractError(res, VerdictFailure)
	if !strings.HasPrefix(got, "Traceback") {
		t.Fatalf("should start at the traceback: %q", got)
	}
	if !strings.Contains(got, "KeyError") {
		t.Fatalf("traceback tail lost: %q", got)
	}
}

func TestExtractErrorHang(t *testing.T) {
	t.Parallel()

	got := extractError(&sandbox.Result{TimedOut: true}, VerdictHang)
	if !strings.Contains(got, "ZOMBIE HANG DETECTED") {
		t.Fatalf("hang marker missing: %q", got)
	}
}

func TestExtractErrorMarkerLines(t *testing.T) {
	t.Parallel()

	res := &sandbox.Result{
		Stdout:   "starting\nERROR: db unreachable\ncontinuing\nwrite failed on disk\n",
		ExitCode: 1,
	}
	got := extractError(res, VerdictFailure)
	if !strings.Contains(got, "db unreachable") || !strings.Contains(got, "write failed") {
		t.Fatalf("marker lines missing: %q", got)
	}
	if strings.Contains(got, "continuing") {
		t.Fatalf("non-marker line included: %q", got)
	}
}

func TestExtractErrorFallsBackToTail(t *testing.T) {
	t.Parallel()

	res := &sandbox.Result{Stdout: "a\nb\nc\nd\ne\nf\ng", ExitCode: 1}
	got := extractError(res, VerdictFailure)
	if strings.Contains(got, "a\n") || !strings.Contains(got, "g") {
		t.Fatalf("expected last 5 lines, got %q", got)
	}
}
