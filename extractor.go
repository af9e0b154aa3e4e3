package examprep

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ClientConfig bounds one ExtractionClient.
type ClientConfig struct {
	MaxBatchSize   int
	CallTimeout    time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	MaxPromptChars int
}

// ClientConfig derives the client limits from a category.
func (c CategoryConfig) ClientConfig() ClientConfig {
	return ClientConfig{
		MaxBatchSize:   c.MaxBatchSize,
		CallTimeout:    c.CallTimeout,
		MaxAttempts:    c.MaxAttempts,
		BaseBackoff:    c.BaseBackoff,
		MaxBackoff:     c.MaxBackoff,
		MaxPromptChars: c.MaxPromptChars,
	}
}

// Extraction is the outcome of sending one batch of blocks to the model.
type Extraction struct {
	Blocks      []CandidateBlock
	Prompt      string
	Raw         string
	Latency     time.Duration // summed over attempts
	Attempts    int
	TokensUsed  int
	StatusCode  int
	QuotaSignal bool
	// Retryable is set when the batch failed only because every attempt timed out.
	Retryable bool
	Err       error
}

// ExtractionClient sends candidate blocks to a Model under a shared Limiter,
// with a per-call timeout and bounded exponential backoff on timeouts.
type ExtractionClient struct {
	model   Model
	limiter Limiter
	cfg     ClientConfig
	log     *Logger
}

// NewExtractionClient wires a model to the limiter shared by every caller of that model.
func NewExtractionClient(model Model, limiter Limiter, cfg ClientConfig, log *Logger) *ExtractionClient {
	if cfg.MaxBatchSize < 1 {
		cfg.MaxBatchSize = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = time.Minute
	}
	return &ExtractionClient{model: model, limiter: limiter, cfg: cfg, log: orNop(log)}
}

// ExtractBatch sends blocks as one prompt. Per-block failures are reported in
// Extraction.Err; the returned error is non-nil only for caller mistakes.
func (c *ExtractionClient) ExtractBatch(ctx context.Context, blocks []CandidateBlock, runLog *RunLog) (*Extraction, error) {
	if len(blocks) == 0 {
		return nil, errors.New("no blocks to extract")
	}
	if len(blocks) > c.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d blocks, limit %d", ErrBatchTooLarge, len(blocks), c.cfg.MaxBatchSize)
	}

	ex := &Extraction{Blocks: blocks, Prompt: c.BuildPrompt(blocks)}
	if runLog != nil {
		runLog.LogLLMRequest(blockSpan(blocks), ex.Prompt)
	}

attempts:
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		ex.Attempts = attempt
		resp, err := c.call(ctx, ex.Prompt, ex)
		if err == nil {
			ex.Raw = resp.Text
			ex.Err = nil
			ex.Retryable = false
			if runLog != nil {
				runLog.LogLLMResponse(blockSpan(blocks), resp.Text)
			}
			return ex, nil
		}
		ex.Err = err
		if ctx.Err() != nil {
			ex.Err = ctx.Err()
			return ex, nil
		}

		var me *ModelError
		switch {
		case errors.Is(err, ErrModelTimeout):
			ex.Retryable = true
			backoff := c.backoff(attempt)
			if errors.As(err, &me) && me.RetryAfter > backoff {
				backoff = me.RetryAfter
			}
			c.log.Warn("model call timed out",
				"blocks", blockSpan(blocks), "attempt", attempt, "max_attempts", c.cfg.MaxAttempts, "backoff", backoff)
			if attempt < c.cfg.MaxAttempts {
				c.limiter.Pause(backoff)
			}
			continue
		case errors.Is(err, ErrModelQuotaExceeded):
			ex.QuotaSignal = true
			ex.Retryable = false
			pause := c.cfg.MaxBackoff
			if errors.As(err, &me) && me.RetryAfter > 0 {
				pause = me.RetryAfter
			}
			c.limiter.Pause(pause)
			c.log.Error("model quota exceeded", "blocks", blockSpan(blocks), "status", ex.StatusCode)
		case errors.Is(err, ErrModelRefusal):
			ex.Retryable = false
			c.log.Warn("model refused block", "blocks", blockSpan(blocks), "error", err)
		default:
			ex.Retryable = false
			c.log.Error("model call failed", "blocks", blockSpan(blocks), "error", err)
		}
		break attempts
	}
	if runLog != nil {
		runLog.Logf("Blocks %s: extraction failed after %d attempt(s): %v\n", blockSpan(blocks), ex.Attempts, ex.Err)
	}
	return ex, nil
}

func (c *ExtractionClient) call(ctx context.Context, prompt string, ex *Extraction) (ModelResponse, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return ModelResponse{}, err
	}
	defer c.limiter.Release()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.model.Extract(callCtx, prompt)
	ex.Latency += time.Since(start)
	ex.TokensUsed += resp.TokensUsed
	ex.StatusCode = resp.StatusCode
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return resp, &ModelError{Kind: ErrModelTimeout, StatusCode: resp.StatusCode, Err: err}
		}
		return resp, classifyTransportError(err)
	}
	return resp, nil
}

// backoff doubles BaseBackoff per attempt, capped at MaxBackoff.
func (c *ExtractionClient) backoff(attempt int) time.Duration {
	base := c.cfg.BaseBackoff
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	sleep := base
	for i := 1; i < attempt; i++ {
		sleep *= 2
		if c.cfg.MaxBackoff > 0 && sleep >= c.cfg.MaxBackoff {
			return c.cfg.MaxBackoff
		}
	}
	return sleep
}

const truncatedMarker = "\n[... truncated]"

// BuildPrompt renders blocks into one prompt no longer than MaxPromptChars bytes.
func (c *ExtractionClient) BuildPrompt(blocks []CandidateBlock) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Transcribe the multiple-choice questions in the %d exam block(s) below.\n\n", len(blocks)))
	sb.WriteString("Requirements:\n")
	sb.WriteString("- Return one entry per question, using the printed question number as qNo\n")
	sb.WriteString("- Key choices by their printed label (A, B, C, ...) in printed order\n")
	sb.WriteString("- answer must be one of the choice labels\n")
	sb.WriteString("- Include the explanation when the paper prints one\n")
	sb.WriteString("- Ignore page headers, footers and running titles\n\n")

	header := sb.Len()
	budget := c.cfg.MaxPromptChars - header
	if c.cfg.MaxPromptChars <= 0 {
		budget = 1 << 30
	}
	per := budget / len(blocks)
	for i, b := range blocks {
		title := fmt.Sprintf("=== Block %d (marker %d, offsets %d-%d) ===\n", i+1, b.Number, b.Start, b.End)
		room := per - len(title) - 1
		sb.WriteString(title)
		sb.WriteString(truncateText(strings.TrimSpace(b.Text), room))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// truncateText cuts s to at most max bytes on a rune boundary, marking the cut.
func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - len(truncatedMarker)
	if cut <= 0 {
		return ""
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedMarker
}

func blockSpan(blocks []CandidateBlock) string {
	if len(blocks) == 0 {
		return "-"
	}
	return fmt.Sprintf("%d-%d", blocks[0].Start, blocks[len(blocks)-1].End)
}
