// Package genai talks to an external OpenAI-compatible content generation
// service. The service is treated as an untrusted, fallible black box: this
// package only moves prompts out and raw text back, and every failure mode
// (unreachable endpoint, timeout, empty completion) surfaces as a plain error
// for the validation pipeline to absorb.
package genai

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Generator produces raw text for a generation prompt. Implemented by Client
// and by test stubs.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new generation client.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Generate sends the prompt and returns the raw completion text without any
// parsing or cleanup. Callers bound the call with a context deadline.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You are a question-bank author. Respond with strictly parseable JSON only, no commentary, no code fences."},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("generation API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("generation returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Ping verifies the endpoint is reachable and the configured model usable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("generation endpoint unreachable: %w", err)
	}
	return nil
}
