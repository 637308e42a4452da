// Package generation drives the text-generation backend through its
// OpenAI-compatible chat API and builds the prompts sent to it.
package generation

import (
	"context"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = "You are an expert exam-question author. You write " +
	"multiple-choice questions that are grounded strictly in the study " +
	"material you are given, with exactly four answer options each."

// Client wraps an OpenAI-compatible API client for question generation.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a generation client. baseURL may point at any OpenAI-compatible
// endpoint, including Ollama's /v1.
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

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Generate sends one batch prompt and returns the raw response text. The
// output is free-form from the backend's point of view; the caller's parser
// is responsible for recovering structure from it.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("generation API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("generation backend returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("generation response", "model", c.model, "chars", len(raw))
	return raw, nil
}
