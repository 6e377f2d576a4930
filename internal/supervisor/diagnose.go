package supervisor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"forgebuild/internal/sandbox"
	"forgebuild/internal/validate"
)

// Diagnosis is the structured answer the diagnosis model must produce: what
// went wrong, which file to rewrite, and how.
type Diagnosis struct {
	RootCause      string `json:"root_cause"`
	FixFile        string `json:"fix_file"`
	FixInstruction string `json:"fix_instruction"`
}

// parseDiagnosis decodes the model's reply. When the whole reply is not
// valid JSON it retries on the first-{ to last-} span, the usual shape of a
// model that wrapped its answer in prose.
func parseDiagnosis(raw string) (*Diagnosis, error) {
	var d Diagnosis
	if err := json.Unmarshal([]byte(raw), &d); err == nil {
		return validated(&d)
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in diagnosis reply")
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &d); err != nil {
		return nil, fmt.Errorf("diagnosis JSON unparseable: %w", err)
	}
	return validated(&d)
}

func validated(d *Diagnosis) (*Diagnosis, error) {
	if strings.TrimSpace(d.FixFile) == "" {
		return nil, fmt.Errorf("diagnosis names no fix_file")
	}
	d.FixFile = strings.TrimSpace(d.FixFile)
	return d, nil
}

// synthesizeDiagnosis turns a static violation into a Diagnosis directly,
// no model call needed: the gate already knows the file and the fix.
func synthesizeDiagnosis(v validate.Violation) *Diagnosis {
	var instruction string
	switch v.Kind {
	case validate.KindMissingExport:
		instruction = fmt.Sprintf(
			"The import of %q from %s is broken: %s does not export it. "+
				"Rewrite the import to use one of the available names %v, or stop relying on %q.",
			v.Missing, v.Source, v.Source, v.Available, v.Missing)
	case validate.KindMissingImport:
		instruction = fmt.Sprintf(
			"The module %q is imported but does not exist in this project. "+
				"Remove the import or replace it with a module that exists.",
			v.Missing)
	case validate.KindMissingAttr:
		instruction = fmt.Sprintf(
			"config.%s is referenced but %s does not define it. "+
				"Use one of the defined names %v or compute the value locally.",
			v.Missing, v.Source, v.Available)
	default:
		instruction = v.String()
	}
	return &Diagnosis{
		RootCause:      v.String(),
		FixFile:        v.File,
		FixInstruction: instruction,
	}
}

const errorTailLines = 40

// extractError condenses run output into the evidence the diagnosis prompt
// needs: the traceback tail when there is one, otherwise lines carrying
// error markers, otherwise the last few lines of output.
func extractError(res *sandbox.Result, verdict Verdict) string {
	if verdict == VerdictHang {
		return "ZOMBIE HANG DETECTED: the program produced no output and had to be " +
			"killed at the timeout. It is likely blocking on input, stuck in an " +
			"infinite loop, or waiting on a resource that never arrives. Add " +
			"timeouts or remove the blocking wait."
	}

	combined := res.Combined()
	if verdict == VerdictTimeout {
		return "TIMEOUT after partial output. Last output before the kill:\n" +
			tailLines(combined, errorTailLines)
	}

	if idx := strings.LastIndex(combined, "Traceback"); idx >= 0 {
		return tailLines(combined[idx:], errorTailLines)
	}

	markers := []string{"error", "exception", "failed", "critical"}
	var hits []string
	for _, line := range strings.Split(combined, "\n") {
		lower := strings.ToLower(line)
		for _, m := range markers {
			if strings.Contains(lower, m) {
				hits = append(hits, line)
				break
			}
		}
	}
	if len(hits) > 0 {
		if len(hits) > errorTailLines {
			hits = hits[len(hits)-errorTailLines:]
		}
		return strings.Join(hits, "\n")
	}

	return tailLines(combined, 5)
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

const diagnosisSystemPrompt = `You are a senior engineer diagnosing a failed program run.
Reply with a single JSON object and nothing else:
{"root_cause": "...", "fix_file": "<relative path of the one file to rewrite>", "fix_instruction": "..."}
fix_file must be one of the project files listed. Be specific in fix_instruction.`

func diagnosisUserPrompt(errSummary string, files map[string]string, exitCode int) string {
	names := make([]string, 0, len(files))
	for f := range files {
		names = append(names, f)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "The program exited with code %d.\n\nError evidence:\n%s\n\nProject files:\n", exitCode, errSummary)
	for _, n := range names {
		fmt.Fprintf(&b, "- %s\n", n)
	}
	return b.String()
}

const patchSystemPrompt = `You are a senior engineer fixing one file in a Python project.
Apply the fix instruction and output the COMPLETE corrected file.
Output ONLY raw source code. No markdown fences. No commentary.`

func patchUserPrompt(d *Diagnosis, current string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Root cause: %s\n\nFix instruction: %s\n\nCurrent contents of %s:\n%s",
		d.RootCause, d.FixInstruction, d.FixFile, current)
	return b.String()
}
