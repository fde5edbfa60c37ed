package provider

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIGenerator implements Generator on the OpenAI chat completion API.
type OpenAIGenerator struct {
	client *openai.Client

	// MaxTokens bounds each reply; phone turns should stay short.
	MaxTokens int
}

func NewOpenAIGenerator(apiKey string) *OpenAIGenerator {
	if apiKey == "" {
		return &OpenAIGenerator{}
	}
	return &OpenAIGenerator{client: openai.NewClient(apiKey), MaxTokens: 250}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, model, systemInstruction string, turns []Turn) (Generation, error) {
	if g.client == nil {
		return Generation{}, ErrNotConfigured
	}
	if model == "" {
		model = openai.GPT4oMini
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemInstruction,
	})
	for _, t := range turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    mapRole(t.Role),
			Content: t.Text,
		})
	}

	maxTokens := g.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 250
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return Generation{}, fmt.Errorf("openai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Generation{}, fmt.Errorf("openai generate: empty response")
	}

	out := Generation{Text: strings.TrimSpace(resp.Choices[0].Message.Content)}
	if resp.Usage.TotalTokens > 0 {
		out.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

func mapRole(role string) string {
	switch role {
	case "assistant", "agent":
		return openai.ChatMessageRoleAssistant
	case "tool":
		// Tool results are replayed as system context; the envelope protocol
		// does not use native tool-call messages.
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}
