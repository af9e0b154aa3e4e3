package examprep

import (
	"errors"
	"fmt"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

func TestClassifyOpenAIError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		want  error
		retry time.Duration
	}{
		{
			name:  "rate limit",
			err:   &openai.APIError{HTTPStatusCode: 429, Message: "Rate limit reached for gpt-4o. Please try again in 20s."},
			want:  ErrModelQuotaExceeded,
			retry: 20 * time.Second,
		},
		{
			name: "rate limit in ms",
			err: fmt.Errorf("create completion: %w",
				&openai.APIError{HTTPStatusCode: 429, Message: "Please try again in 350ms."}),
			want:  ErrModelQuotaExceeded,
			retry: 350 * time.Millisecond,
		},
		{
			name: "quota without hint",
			err:  &openai.APIError{HTTPStatusCode: 429, Message: "You exceeded your current quota"},
			want: ErrModelQuotaExceeded,
		},
		{
			name: "overloaded",
			err:  &openai.APIError{HTTPStatusCode: 503},
			want: ErrModelTimeout,
		},
		{
			name: "request error",
			err:  &openai.RequestError{HTTPStatusCode: 500, Err: errors.New("internal")},
			want: ErrModelTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyOpenAIError(tt.err)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var me *ModelError
			if !errors.As(err, &me) {
				t.Fatalf("err = %T, want *ModelError", err)
			}
			if me.RetryAfter != tt.retry {
				t.Errorf("retry after = %s, want %s", me.RetryAfter, tt.retry)
			}
		})
	}

	plain := errors.New("connection reset")
	if err := classifyOpenAIError(plain); err != plain {
		t.Errorf("unclassified error rewritten to %v", err)
	}
}
