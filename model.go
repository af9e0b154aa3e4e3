package examprep

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Model is a generative model that turns one prompt into raw text.
// Implementations classify their failures as *ModelError where possible.
type Model interface {
	Extract(ctx context.Context, prompt string) (ModelResponse, error)
}

// ModelResponse is the provider's answer to one Extract call.
type ModelResponse struct {
	Text       string
	TokensUsed int // 0 when the provider does not report usage
	StatusCode int
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, prompt string) (ModelResponse, error)

func (f ModelFunc) Extract(ctx context.Context, prompt string) (ModelResponse, error) {
	return f(ctx, prompt)
}

// extractionSystemPrompt is shared by every provider.
const extractionSystemPrompt = "You transcribe scanned multiple-choice exam papers into structured data. " +
	"Copy question text and choices exactly as printed; do not invent questions, choices or answers. " +
	"When the paper gives no explanation, write a short one only if the correct answer is certain."

// questionsSchema is the JSON schema of the extraction payload.
var questionsSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"questions": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"qNo": map[string]interface{}{
						"type":        "integer",
						"description": "The question number printed on the paper",
					},
					"prompt": map[string]interface{}{
						"type":        "string",
						"description": "The question stem",
					},
					"choices": map[string]interface{}{
						"type":                 "object",
						"additionalProperties": map[string]interface{}{"type": "string"},
						"description":          "Answer choices keyed by their printed label, in printed order",
					},
					"answer": map[string]interface{}{
						"type":        "string",
						"description": "Label of the correct choice",
					},
					"explanation": map[string]interface{}{
						"type":        "string",
						"description": "Why the answer is correct",
					},
				},
				"required": []string{"qNo", "prompt", "choices", "answer"},
			},
		},
	},
	"required": []string{"questions"},
}

// classifyTransportError maps context and network timeouts to ErrModelTimeout.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	var me *ModelError
	if errors.As(err, &me) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ModelError{Kind: ErrModelTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ModelError{Kind: ErrModelTimeout, Err: err}
	}
	return err
}

var retryHintPattern = regexp.MustCompile(`(?i)(?:try again|retry) in (\d+(?:\.\d+)?(?:ms|s|m))\b`)

// retryAfter reads a quota retry hint from a Retry-After header (seconds or
// HTTP date) or from a "try again in 20s" phrase in msg. Zero means no hint.
func retryAfter(h http.Header, msg string) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}
	if m := retryHintPattern.FindStringSubmatch(msg); m != nil {
		if d, err := time.ParseDuration(m[1]); err == nil && d > 0 {
			return d
		}
	}
	return 0
}

// classifyStatus maps an HTTP status to a model error kind, or nil when the status is not classified.
func classifyStatus(code int) error {
	switch {
	case code == 429:
		return ErrModelQuotaExceeded
	case code == 408 || code == 504 || code == 503 || code == 502 || code == 500:
		return ErrModelTimeout
	}
	return nil
}

// NewProviderModel builds the model named by cfg.Provider. The returned close
// func releases provider resources and is never nil.
func NewProviderModel(ctx context.Context, cfg CategoryConfig, env Env) (Model, func() error, error) {
	switch cfg.Provider {
	case "openai":
		if env.OpenAIKey == "" {
			return nil, nil, fmt.Errorf("%w: OPENAI_API_KEY is required for provider openai", ErrInvalidConfig)
		}
		return NewOpenAIModel(env.OpenAIKey, cfg.Model), func() error { return nil }, nil
	case "gemini":
		if env.GeminiKey == "" {
			return nil, nil, fmt.Errorf("%w: GEMINI_API_KEY is required for provider gemini", ErrInvalidConfig)
		}
		m, err := NewGeminiModel(ctx, env.GeminiKey, cfg.Model)
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
}
