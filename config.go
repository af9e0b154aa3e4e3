package examprep

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CategoryConfig holds the per-exam-category knobs for ingestion.
// Zero values are replaced by DefaultCategoryConfig's values in WithDefaults.
type CategoryConfig struct {
	Name                 string        `yaml:"name"`
	QuestionPattern      string        `yaml:"question_pattern"`
	ChoicePattern        string        `yaml:"choice_pattern"`
	MinExplanationLength int           `yaml:"min_explanation_length"`
	Provider             string        `yaml:"provider"` // "openai" or "gemini"
	Model                string        `yaml:"model"`
	MaxBatchSize         int           `yaml:"max_batch_size"`
	Concurrency          int           `yaml:"concurrency"`
	RequestsPerSecond    float64       `yaml:"requests_per_second"`
	CallTimeout          time.Duration `yaml:"call_timeout"`
	MaxAttempts          int           `yaml:"max_attempts"`
	BaseBackoff          time.Duration `yaml:"base_backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	MaxPromptChars       int           `yaml:"max_prompt_chars"`
}

// DefaultCategoryConfig matches numbered questions ("12." or "12)") and lettered choices ("A." "(b)" "c)").
func DefaultCategoryConfig() CategoryConfig {
	return CategoryConfig{
		Name:                 "default",
		QuestionPattern:      `^[ \t]*(\d{1,3})[.)](?:[ \t]+|$)`,
		ChoicePattern:        `(?m)^[ \t]*\(?([A-Fa-f])[.)][ \t]+`,
		MinExplanationLength: 40,
		Provider:             "openai",
		Model:                "gpt-4o",
		MaxBatchSize:         4,
		Concurrency:          4,
		RequestsPerSecond:    2,
		CallTimeout:          60 * time.Second,
		MaxAttempts:          3,
		BaseBackoff:          time.Second,
		MaxBackoff:           30 * time.Second,
		MaxPromptChars:       12000,
	}
}

// WithDefaults fills zero fields from DefaultCategoryConfig.
func (c CategoryConfig) WithDefaults() CategoryConfig {
	d := DefaultCategoryConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.QuestionPattern == "" {
		c.QuestionPattern = d.QuestionPattern
	}
	if c.ChoicePattern == "" {
		c.ChoicePattern = d.ChoicePattern
	}
	if c.MinExplanationLength == 0 {
		c.MinExplanationLength = d.MinExplanationLength
	}
	if c.Provider == "" {
		c.Provider = d.Provider
	}
	if c.Model == "" {
		c.Model = d.Model
		if c.Provider == "gemini" {
			c.Model = "gemini-1.5-flash"
		}
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.Concurrency == 0 {
		c.Concurrency = d.Concurrency
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = d.RequestsPerSecond
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxPromptChars == 0 {
		c.MaxPromptChars = d.MaxPromptChars
	}
	return c
}

// Validate checks limits and compiles both patterns.
func (c CategoryConfig) Validate() error {
	if _, err := c.Patterns(); err != nil {
		return err
	}
	switch {
	case c.MinExplanationLength < 0:
		return fmt.Errorf("%w: min_explanation_length %d is negative", ErrInvalidConfig, c.MinExplanationLength)
	case c.MaxBatchSize < 1:
		return fmt.Errorf("%w: max_batch_size must be at least 1", ErrInvalidConfig)
	case c.Concurrency < 1:
		return fmt.Errorf("%w: concurrency must be at least 1", ErrInvalidConfig)
	case c.RequestsPerSecond < 0:
		return fmt.Errorf("%w: requests_per_second is negative", ErrInvalidConfig)
	case c.CallTimeout <= 0:
		return fmt.Errorf("%w: call_timeout must be positive", ErrInvalidConfig)
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidConfig)
	case c.BaseBackoff < 0 || c.MaxBackoff < c.BaseBackoff:
		return fmt.Errorf("%w: backoff bounds [%s, %s]", ErrInvalidConfig, c.BaseBackoff, c.MaxBackoff)
	case c.MaxPromptChars < 500:
		return fmt.Errorf("%w: max_prompt_chars %d is below 500", ErrInvalidConfig, c.MaxPromptChars)
	}
	switch c.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, c.Provider)
	}
	return nil
}

// Patterns compiles the segmentation patterns. The question pattern is always matched per line.
func (c CategoryConfig) Patterns() (PatternSet, error) {
	qp := c.QuestionPattern
	if !strings.HasPrefix(qp, "(?m)") {
		qp = "(?m)" + qp
	}
	q, err := regexp.Compile(qp)
	if err != nil {
		return PatternSet{}, fmt.Errorf("%w: question_pattern: %v", ErrInvalidConfig, err)
	}
	ch, err := regexp.Compile(c.ChoicePattern)
	if err != nil {
		return PatternSet{}, fmt.Errorf("%w: choice_pattern: %v", ErrInvalidConfig, err)
	}
	return PatternSet{Question: q, Choice: ch}, nil
}

// LoadCategoryConfig reads a YAML category file, applies defaults and validates it.
func LoadCategoryConfig(path string) (CategoryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CategoryConfig{}, fmt.Errorf("failed to read category config: %w", err)
	}
	return ParseCategoryConfig(data)
}

// ParseCategoryConfig is LoadCategoryConfig for in-memory YAML.
func ParseCategoryConfig(data []byte) (CategoryConfig, error) {
	var cfg CategoryConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return CategoryConfig{}, fmt.Errorf("failed to parse category config: %w", err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return CategoryConfig{}, err
	}
	return cfg, nil
}

// envString returns the trimmed value of name or def when unset.
func envString(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

func envInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// Env holds the process-level settings taken from the environment.
type Env struct {
	OpenAIKey  string
	GeminiKey  string
	DBPath     string
	RedisAddr  string
	SessionKey string
	Port       string
	LogMode    string
	// LockTTLSeconds bounds how long a crashed ingestion can hold a Redis exam lock.
	LockTTLSeconds int
}

// LoadEnv reads EXAMPREP_* and provider key variables.
func LoadEnv() Env {
	return Env{
		OpenAIKey:      envString("OPENAI_API_KEY", ""),
		GeminiKey:      envString("GEMINI_API_KEY", ""),
		DBPath:         envString("EXAMPREP_DB", "./examprep.db"),
		RedisAddr:      envString("EXAMPREP_REDIS_ADDR", ""),
		SessionKey:     envString("EXAMPREP_SESSION_KEY", ""),
		Port:           envString("PORT", "8180"),
		LogMode:        envString("EXAMPREP_LOG_MODE", "development"),
		LockTTLSeconds: envInt("EXAMPREP_LOCK_TTL_SECONDS", 600),
	}
}
