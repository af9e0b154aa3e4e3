package examprep

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseCategoryConfig(t *testing.T) {
	cfg, err := ParseCategoryConfig([]byte(`
name: nursing
provider: gemini
max_batch_size: 2
call_timeout: 90s
min_explanation_length: 25
`))
	if err != nil {
		t.Fatalf("ParseCategoryConfig: %v", err)
	}
	if cfg.Name != "nursing" || cfg.MaxBatchSize != 2 || cfg.MinExplanationLength != 25 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.CallTimeout != 90*time.Second {
		t.Errorf("call timeout = %s, want 90s", cfg.CallTimeout)
	}
	if cfg.Model != "gemini-1.5-flash" {
		t.Errorf("model = %q, want the gemini default", cfg.Model)
	}
	if cfg.QuestionPattern != DefaultCategoryConfig().QuestionPattern {
		t.Error("question pattern not defaulted")
	}
}

func TestParseCategoryConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad pattern":    `question_pattern: "(\\d+"`,
		"negative rps":   `requests_per_second: -1`,
		"backoff order":  "base_backoff: 10s\nmax_backoff: 1s",
		"tiny prompt":    `max_prompt_chars: 100`,
		"provider":       `provider: local`,
		"negative batch": `max_batch_size: -2`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseCategoryConfig([]byte(doc)); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
	if _, err := ParseCategoryConfig([]byte("max_batch_size: [")); err == nil {
		t.Error("malformed YAML accepted")
	}
}

func TestLoadCategoryConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "law.yaml")
	if err := os.WriteFile(path, []byte("name: law\nchoice_pattern: '(?m)^\\s*([1-5])\\)'\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadCategoryConfig(path)
	if err != nil {
		t.Fatalf("LoadCategoryConfig: %v", err)
	}
	p, err := cfg.Patterns()
	if err != nil {
		t.Fatalf("Patterns: %v", err)
	}
	if n := len(p.Choice.FindAllString("1) yes\n2) no\n", -1)); n != 2 {
		t.Errorf("choice pattern matched %d markers, want 2", n)
	}
	if _, err := LoadCategoryConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestParseExamID(t *testing.T) {
	tests := []struct {
		in   string
		want ExamID
	}{
		{"nursing-2023-spring-1", ExamID{Category: "nursing", Year: 2023, Season: "spring", Shift: "1"}},
		{"med-lab-2024-fall", ExamID{Category: "med-lab", Year: 2024, Season: "fall"}},
		{"law-2022", ExamID{Category: "law", Year: 2022}},
	}
	for _, tt := range tests {
		got, err := ParseExamID(tt.in)
		if err != nil {
			t.Errorf("ParseExamID(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseExamID(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
		if got.String() != tt.in {
			t.Errorf("String() = %q, want %q", got.String(), tt.in)
		}
	}
	for _, bad := range []string{"", "nursing", "2023-spring", "nursing-23-spring"} {
		if _, err := ParseExamID(bad); err == nil {
			t.Errorf("ParseExamID(%q) succeeded", bad)
		}
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("EXAMPREP_DB", " /var/lib/examprep.db ")
	t.Setenv("EXAMPREP_LOCK_TTL_SECONDS", "120")
	t.Setenv("PORT", "")
	env := LoadEnv()
	if env.DBPath != "/var/lib/examprep.db" {
		t.Errorf("DBPath = %q", env.DBPath)
	}
	if env.LockTTLSeconds != 120 {
		t.Errorf("LockTTLSeconds = %d", env.LockTTLSeconds)
	}
	if env.Port != "8180" {
		t.Errorf("Port = %q, want default", env.Port)
	}

	t.Setenv("EXAMPREP_LOCK_TTL_SECONDS", "soon")
	if got := LoadEnv().LockTTLSeconds; got != 600 {
		t.Errorf("unparsable TTL = %d, want default 600", got)
	}
}
