// Package service implements hybrid retrieval and incremental KB sync.
package service

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// TextGenerator runs a single-turn completion with the retrieval
// service's own key. Query expansion and reranking both ride on it.
type TextGenerator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// OpenAIGenerator is the production TextGenerator.
type OpenAIGenerator struct {
	client openai.Client
	model  string
}

// NewOpenAIGenerator creates a generator bound to one small model.
func NewOpenAIGenerator(apiKey, baseURL, model string) *OpenAIGenerator {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIGenerator{client: openai.NewClient(opts...), model: model}
}

// Generate returns the completion text.
func (g *OpenAIGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(prompt))

	completion, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(g.model),
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("empty completion")
	}
	return completion.Choices[0].Message.Content, nil
}
