package supervisor

import (
	"strings"

	"forgebuild/internal/sandbox"
)

// Verdict is the classification of one run cycle's output.
type Verdict int

const (
	// VerdictPass means the program ran and exited cleanly.
	VerdictPass Verdict = iota
	// VerdictUsageMessage means the program printed CLI usage help. A tool
	// that explains its arguments is working, not broken, so this counts
	// as a pass.
	VerdictUsageMessage
	// VerdictFailure means the run needs diagnosis.
	VerdictFailure
	// VerdictTimeout means the run was killed at the deadline with output.
	VerdictTimeout
	// VerdictHang means the run was killed at the deadline having printed
	// nothing, the signature of a blocked or spinning process.
	VerdictHang
)

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictUsageMessage:
		return "usage_message"
	case VerdictTimeout:
		return "timeout"
	case VerdictHang:
		return "hang"
	default:
		return "failure"
	}
}

// Succeeded reports whether the verdict ends the fix loop.
func (v Verdict) Succeeded() bool {
	return v == VerdictPass || v == VerdictUsageMessage
}

// Classifier turns a sandbox result into a Verdict. The default marker
// implementation can be swapped for a smarter one without touching the
// supervisor loop.
type Classifier interface {
	Classify(res *sandbox.Result) Verdict
}

// MarkerClassifier classifies by scanning output for marker substrings.
type MarkerClassifier struct {
	UsageMarkers []string
	ErrorMarkers []string
}

// NewMarkerClassifier returns the default marker set, tuned for Python
// argparse programs.
func NewMarkerClassifier() *MarkerClassifier {
	return &MarkerClassifier{
		UsageMarkers: []string{
			"usage:",
			"positional arguments",
			"too few arguments",
			"the following arguments are required",
			"expected one argument",
			"expected at least",
		},
		ErrorMarkers: []string{
			"error",
			"exception",
			"traceback",
			"failed",
			"critical",
		},
	}
}

// Classify applies the marker rules. A usage message only counts when no
// traceback accompanies it: argparse complaining is fine, argparse crashing
// is not.
func (c *MarkerClassifier) Classify(res *sandbox.Result) Verdict {
	combined := res.Combined()
	lower := strings.ToLower(combined)

	if res.TimedOut {
		if strings.TrimSpace(combined) == "" {
			return VerdictHang
		}
		return VerdictTimeout
	}

	if c.isUsage(lower) {
		return VerdictUsageMessage
	}

	if res.ExitCode == 0 && !c.hasErrorMarker(lower) {
		return VerdictPass
	}
	return VerdictFailure
}

func (c *MarkerClassifier) isUsage(lower string) bool {
	if strings.Contains(lower, "traceback") {
		return false
	}
	for _, m := range c.UsageMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func (c *MarkerClassifier) hasErrorMarker(lower string) bool {
	for _, m := range c.ErrorMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
