// Package llm provides the language model service client. All calls are
// bounded by a per-call timeout and retried a fixed number of times;
// callers treat the service as idempotent.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"engramd/internal/config"
	"engramd/internal/logging"
	"engramd/internal/types"
)

// GenAIClient implements types.LLMClient over the Gemini API.
type GenAIClient struct {
	client     *genai.Client
	model      string
	timeout    time.Duration
	maxRetries int
}

var _ types.LLMClient = (*GenAIClient)(nil)

// NewGenAIClient creates a Gemini-backed LLM client.
func NewGenAIClient(ctx context.Context, cfg config.LLMConfig) (*GenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("LLM API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("create GenAI client: %w", err)
	}
	return &GenAIClient{
		client:     client,
		model:      model,
		timeout:    timeout,
		maxRetries: cfg.MaxRetries,
	}, nil
}

// Complete returns a single completion for the prompt.
func (c *GenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	samples, err := c.Generate(ctx, prompt, 1)
	if err != nil {
		return "", err
	}
	if len(samples) == 0 {
		return "", fmt.Errorf("empty completion")
	}
	return samples[0], nil
}

// Generate returns up to sampleCount completions for the same prompt.
// Each attempt is bounded by the configured timeout; transient failures
// are retried with exponential backoff.
func (c *GenAIClient) Generate(ctx context.Context, prompt string, sampleCount int) ([]string, error) {
	if sampleCount <= 0 {
		sampleCount = 1
	}
	log := logging.Get(logging.CategoryAPI)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<attempt) * 100 * time.Millisecond
			if backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			log.Debugw("retrying LLM call", "attempt", attempt+1, "error", lastErr)
		}

		samples, err := c.generateOnce(ctx, prompt, sampleCount)
		if err == nil {
			return samples, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", c.maxRetries+1, lastErr)
}

func (c *GenAIClient) generateOnce(ctx context.Context, prompt string, sampleCount int) ([]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(callCtx, c.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			CandidateCount: int32(sampleCount),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}

	var samples []string
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		var b strings.Builder
		for _, part := range cand.Content.Parts {
			if part != nil && part.Text != "" {
				b.WriteString(part.Text)
			}
		}
		if text := strings.TrimSpace(b.String()); text != "" {
			samples = append(samples, text)
		}
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("no usable candidates in response")
	}

	logging.Get(logging.CategoryAPI).Debugw("LLM call completed",
		"model", c.model, "samples", len(samples), "elapsed", time.Since(start))
	return samples, nil
}
