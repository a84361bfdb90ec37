package forum

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/oasisrun/agentplatform/pkg/models"
)

func TestParseScheduleFullPlan(t *testing.T) {
	yaml := `
version: 1
repeat: true
plan:
  - expert: creative
  - manual:
      content: "please focus on cost"
      reply_to: 2
  - parallel:
      - expert: data
      - critical
  - all_experts: true
`
	s, err := ParseSchedule(yaml)
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}
	if !s.Repeat {
		t.Error("Repeat = false, want true")
	}
	if len(s.Steps) != 4 {
		t.Fatalf("len(Steps) = %d, want 4", len(s.Steps))
	}

	if s.Steps[0].Type != models.StepExpert || s.Steps[0].ExpertNames[0] != "creative" {
		t.Errorf("step 0 = %+v", s.Steps[0])
	}

	manual := s.Steps[1]
	if manual.Type != models.StepManual || manual.ManualContent != "please focus on cost" {
		t.Errorf("step 1 = %+v", manual)
	}
	if manual.ManualAuthor != "moderator" {
		t.Errorf("manual author = %q, want default moderator", manual.ManualAuthor)
	}
	if manual.ManualReplyTo == nil || *manual.ManualReplyTo != 2 {
		t.Errorf("manual reply_to = %v, want 2", manual.ManualReplyTo)
	}

	par := s.Steps[2]
	if par.Type != models.StepParallel || len(par.ExpertNames) != 2 {
		t.Fatalf("step 2 = %+v", par)
	}
	if par.ExpertNames[0] != "data" || par.ExpertNames[1] != "critical" {
		t.Errorf("parallel names = %v", par.ExpertNames)
	}

	if s.Steps[3].Type != models.StepAllExperts {
		t.Errorf("step 3 = %+v", s.Steps[3])
	}
}

func TestParseScheduleErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"not yaml", ":\n  - ["},
		{"missing plan", "repeat: true"},
		{"empty step", "plan:\n  - {}"},
		{"manual without content", "plan:\n  - manual:\n      author: mod"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseSchedule(tc.yaml); err == nil {
				t.Errorf("ParseSchedule(%q) succeeded, want error", tc.yaml)
			}
		})
	}
}

func TestLoadScheduleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte("plan:\n  - expert: data\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadScheduleFile(path)
	if err != nil {
		t.Fatalf("LoadScheduleFile: %v", err)
	}
	if len(s.Steps) != 1 || s.Steps[0].Type != models.StepExpert {
		t.Errorf("steps = %+v", s.Steps)
	}

	if _, err := LoadScheduleFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file: want error")
	}
}
