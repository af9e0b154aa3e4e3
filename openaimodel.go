package examprep

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIModel extracts questions through a forced tool call.
type OpenAIModel struct {
	client *openai.Client
	model  string
}

// NewOpenAIModel creates a model backed by the OpenAI chat completions API.
func NewOpenAIModel(apiKey, model string) *OpenAIModel {
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIModel{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// Extract sends prompt and returns the tool-call arguments (or plain content) verbatim.
func (m *OpenAIModel) Extract(ctx context.Context, prompt string) (ModelResponse, error) {
	VerboseLog("openai extract: model=%s prompt_chars=%d", m.model, len(prompt))

	resp, err := m.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: m.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: extractionSystemPrompt,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
			Tools: []openai.Tool{
				{
					Type: openai.ToolTypeFunction,
					Function: &openai.FunctionDefinition{
						Name:        "submit_questions",
						Description: "Submit the questions transcribed from the exam text",
						Parameters:  questionsSchema,
					},
				},
			},
			ToolChoice: openai.ToolChoice{
				Type: openai.ToolTypeFunction,
				Function: openai.ToolFunction{
					Name: "submit_questions",
				},
			},
		},
	)
	if err != nil {
		return ModelResponse{StatusCode: openAIStatus(err)}, classifyOpenAIError(err)
	}

	if len(resp.Choices) == 0 {
		return ModelResponse{StatusCode: 200}, fmt.Errorf("no response from %s", m.model)
	}
	out := ModelResponse{TokensUsed: resp.Usage.TotalTokens, StatusCode: 200}

	choice := resp.Choices[0]
	if choice.Message.Refusal != "" || choice.FinishReason == openai.FinishReasonContentFilter {
		return out, &ModelError{Kind: ErrModelRefusal, StatusCode: 200, Err: errors.New(choice.Message.Refusal)}
	}
	if len(choice.Message.ToolCalls) > 0 {
		out.Text = choice.Message.ToolCalls[0].Function.Arguments
	} else {
		out.Text = choice.Message.Content
	}
	return out, nil
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// classifyOpenAIError maps client errors to ModelError. The client drops
// response headers, so a quota hint comes only from the error message.
func classifyOpenAIError(err error) error {
	code := openAIStatus(err)
	kind := classifyStatus(code)
	if kind == nil {
		return classifyTransportError(err)
	}
	me := &ModelError{Kind: kind, StatusCode: code, Err: err}
	if kind == ErrModelQuotaExceeded {
		me.RetryAfter = retryAfter(nil, err.Error())
	}
	return me
}
