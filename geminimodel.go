package examprep

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GeminiModel extracts questions with a Gemini model in JSON response mode.
type GeminiModel struct {
	client *genai.Client
	model  *genai.GenerativeModel
	name   string
}

// NewGeminiModel creates a Gemini-backed model. Call Close when done.
func NewGeminiModel(ctx context.Context, apiKey, name string) (*GeminiModel, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if name == "" {
		name = "gemini-1.5-flash"
	}
	model := client.GenerativeModel(name)
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = genai.NewUserContent(genai.Text(extractionSystemPrompt +
		" Respond with a JSON object of the form {\"questions\": [{\"qNo\", \"prompt\", \"choices\", \"answer\", \"explanation\"}]}."))
	return &GeminiModel{client: client, model: model, name: name}, nil
}

func (m *GeminiModel) Close() error {
	return m.client.Close()
}

func (m *GeminiModel) Extract(ctx context.Context, prompt string) (ModelResponse, error) {
	VerboseLog("gemini extract: model=%s prompt_chars=%d", m.name, len(prompt))

	resp, err := m.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		err = classifyGeminiError(err)
		var me *ModelError
		if errors.As(err, &me) && me.StatusCode != 0 {
			return ModelResponse{StatusCode: me.StatusCode}, err
		}
		return ModelResponse{StatusCode: geminiStatus(err)}, err
	}
	out := ModelResponse{StatusCode: 200}
	if resp.UsageMetadata != nil {
		out.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	if len(resp.Candidates) == 0 {
		return out, fmt.Errorf("no response from %s", m.name)
	}
	cand := resp.Candidates[0]
	var sb strings.Builder
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
	}
	out.Text = sb.String()
	return out, nil
}

func geminiStatus(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	switch status.Code(err) {
	case codes.ResourceExhausted:
		return 429
	case codes.DeadlineExceeded:
		return 504
	case codes.Unavailable:
		return 503
	}
	return 0
}

// classifyGeminiError maps client errors to ModelError. The client reports a
// blocked prompt or a safety-stopped candidate as *genai.BlockedError.
func classifyGeminiError(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return &ModelError{Kind: ErrModelRefusal, StatusCode: 200, Err: err}
	}
	code := geminiStatus(err)
	kind := classifyStatus(code)
	if kind == nil {
		return classifyTransportError(err)
	}
	me := &ModelError{Kind: kind, StatusCode: code, Err: err}
	if kind == ErrModelQuotaExceeded {
		me.RetryAfter = geminiRetryAfter(err)
	}
	return me
}

// geminiRetryAfter reads the Retry-After header, a google.rpc.RetryInfo
// detail, or a "retry in 30s" phrase, in that order.
func geminiRetryAfter(err error) time.Duration {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return retryAfter(nil, err.Error())
	}
	if d := retryAfter(gerr.Header, ""); d > 0 {
		return d
	}
	for _, detail := range gerr.Details {
		m, ok := detail.(map[string]interface{})
		if !ok {
			continue
		}
		if s, ok := m["retryDelay"].(string); ok {
			if d, err := time.ParseDuration(s); err == nil && d > 0 {
				return d
			}
		}
	}
	return retryAfter(nil, gerr.Error())
}
