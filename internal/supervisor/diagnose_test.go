package supervisor

import (
	"strings"
	"testing"

	"forgebuild/internal/validate"
)

func TestParseDiagnosisCleanJSON(t *testing.T) {
	t.Parallel()

	d, err := parseDiagnosis(`{"root_cause":"bad key","fix_file":"main.py","fix_instruction":"use get()"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.FixFile != "main.py" || d.RootCause != "bad key" {
		t.Fatalf("wrong diagnosis: %+v", d)
	}
}

func TestParseDiagnosisWrappedInProse(t *testing.T) {
	t.Parallel()

	raw := "Sure! Here is the diagnosis:\n{\"root_cause\":\"x\",\"fix_file\":\"app.py\",\"fix_instruction\":\"y\"}\nHope that helps."
	d, err := parseDiagnosis(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.FixFile != "app.py" {
		t.Fatalf("wrong fix file: %q", d.FixFile)
	}
}

func TestParseDiagnosisGarbage(t *testing.T) {
	t.Parallel()

	if _, err := parseDiagnosis("I cannot determine the problem."); err == nil {
		t.Fatal("garbage must not parse")
	}
	if _, err := parseDiagnosis(`{"root_cause":"x","fix_instruction":"y"}`); err == nil {
		t.Fatal("missing fix_file must be rejected")
	}
}

func TestSynthesizeDiagnosisMissingExport(t *testing.T) {
	t.Parallel()

	d := synthesizeDiagnosis(validate.Violation{
		File:      "main.py",
		Line:      1,
		Kind:      validate.KindMissingExport,
		Missing:   "process_data",
		Source:    "utils.py",
		Available: []string{"helper"},
	})
	if d.FixFile != "main.py" {
		t.Fatalf("fix file = %q", d.FixFile)
	}
	if !strings.Contains(d.FixInstruction, "process_data") || !strings.Contains(d.FixInstruction, "helper") {
		t.Fatalf("instruction missing names: %q", d.FixInstruction)
	}
}

func TestDiagnosisPromptListsFiles(t *testing.T) {
	t.Parallel()

	prompt := diagnosisUserPrompt("KeyError", map[string]string{"b.py": "", "a.py": ""}, 1)
	ai := strings.Index(prompt, "- a.py")
	bi := strings.Index(prompt, "- b.py")
	if ai < 0 || bi < 0 || ai > bi {
		t.Fatalf("files not listed in order: %q", prompt)
	}
	if !strings.Contains(prompt, "exited with code 1") {
		t.Fatalf("exit code missing: %q", prompt)
	}
}
