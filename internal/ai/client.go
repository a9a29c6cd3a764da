// Package ai talks to an OpenAI-compatible inference service and supplies
// canned fallback replies when the service is unavailable.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"tg_ai_relay_bot/internal/config"
	"tg_ai_relay_bot/internal/domain"
	"tg_ai_relay_bot/internal/logging"
)

// MaxReplyRunes caps how much of a model reply is relayed back to the chat.
const MaxReplyRunes = 2000

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// newChatCompleter builds the underlying API client; overridable in tests.
var newChatCompleter = func(cfg config.Config) chatCompleter {
	clientCfg := openai.DefaultConfig(cfg.AIAPIKey)
	if cfg.AIBaseURL != "" {
		clientCfg.BaseURL = cfg.AIBaseURL
	}

	return openai.NewClientWithConfig(clientCfg)
}

// Client wraps the inference service behind a per-call timeout.
type Client struct {
	api     chatCompleter
	model   string
	timeout time.Duration
	logger  *logrus.Entry
}

// NewClient constructs an inference client from the resolved configuration.
func NewClient(cfg config.Config, logger *logrus.Entry) *Client {
	if logger == nil {
		logger = logging.Logger()
	}

	timeout := cfg.AITimeout
	if timeout <= 0 {
		timeout = config.DefaultAITimeout
	}

	model := cfg.AIModel
	if model == "" {
		model = config.DefaultAIModel
	}

	return &Client{
		api:     newChatCompleter(cfg),
		model:   model,
		timeout: timeout,
		logger:  logger,
	}
}

// Infer sends the prompt with its conversation history and returns the model
// reply, truncated to MaxReplyRunes. The call is bounded by the configured
// timeout regardless of the parent context.
func (c *Client) Infer(ctx context.Context, prompt string, history []domain.ConversationEntry) (string, error) {
	if c == nil || c.api == nil {
		return "", errors.New("inference client is not initialized")
	}
	if ctx == nil {
		return "", errors.New("context is required")
	}
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("prompt is empty")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	for _, entry := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    apiRole(entry.Role),
			Content: entry.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	started := time.Now()
	resp, err := c.api.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		c.logger.WithFields(logging.Fields{
			"event":      "inference_failed",
			"model":      c.model,
			"elapsed_ms": time.Since(started).Milliseconds(),
			"error":      err.Error(),
		}).Warn("inference call failed")
		return "", fmt.Errorf("inference: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("inference: empty response")
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", errors.New("inference: empty response")
	}

	if runes := []rune(reply); len(runes) > MaxReplyRunes {
		reply = string(runes[:MaxReplyRunes])
	}

	return reply, nil
}

func apiRole(role string) string {
	if role == domain.SpeakerAssistant {
		return openai.ChatMessageRoleAssistant
	}

	return openai.ChatMessageRoleUser
}
