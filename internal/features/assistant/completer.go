package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"serotonyl.ru/assistant-bot/internal/config"
)

// Completer — внешняя модель. onChunk получает каждый новый кусок ответа.
// Возвращает полный текст ответа.
type Completer interface {
	Complete(ctx context.Context, prompt string, onChunk func(chunk string)) (string, error)
}

// OpenAICompleter ходит в OpenAI-совместимое API со стримингом.
type OpenAICompleter struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

// NewOpenAICompleter создаёт клиента по настройкам LLM_*.
func NewOpenAICompleter(cfg *config.Config) *OpenAICompleter {
	clientCfg := openai.DefaultConfig(cfg.LLMAPIKey)
	if cfg.LLMBaseURL != "" {
		clientCfg.BaseURL = cfg.LLMBaseURL
	}
	return &OpenAICompleter{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        cfg.LLMModel,
		systemPrompt: cfg.AssistantSystemPrompt,
	}
}

func (c *OpenAICompleter) Complete(ctx context.Context, prompt string, onChunk func(chunk string)) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if c.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: c.systemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return "", fmt.Errorf("ошибка запроса к модели: %w", err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), fmt.Errorf("обрыв стрима модели: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		chunk := resp.Choices[0].Delta.Content
		if chunk == "" {
			continue
		}
		sb.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}
}
