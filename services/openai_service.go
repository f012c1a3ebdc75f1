package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"chatstate/models"

	"github.com/sashabaranov/go-openai"
)

const (
	defaultChatModel   = "gpt-4o-mini"
	recentHistoryLimit = 10
)

var ErrEmptyCompletion = errors.New("completion returned no choices")

// Responder produces the agent's reply. history is oldest first and ends with the
// user message being answered.
type Responder interface {
	Reply(ctx context.Context, agentName string, history []models.StoredMessage) (string, error)
}

type OpenAIResponder struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIResponder builds a responder on the chat completions API. An empty
// baseURL keeps the public endpoint.
func NewOpenAIResponder(apiKey, baseURL, model string, logger *slog.Logger) *OpenAIResponder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = defaultChatModel
	}
	return &OpenAIResponder{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger.With("component", "openai_responder"),
	}
}

func (r *OpenAIResponder) Reply(ctx context.Context, agentName string, history []models.StoredMessage) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    r.model,
		Messages: completionMessages(agentName, history),
	}

	r.logger.Debug("requesting completion", "agent", agentName, "messages", len(req.Messages))
	resp, err := r.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

// completionMessages keeps the system prompt plus the most recent turns.
func completionMessages(agentName string, history []models.StoredMessage) []openai.ChatCompletionMessage {
	if len(history) > recentHistoryLimit {
		history = history[len(history)-recentHistoryLimit:]
	}

	// 過去の会話を参考に回答させる
	messages := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: fmt.Sprintf("あなたは %s です。過去の会話を参考に、ユーザーの質問に答えてください。", agentName),
	}}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Sender == models.SenderBot {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}
	return messages
}

// EchoResponder answers without a model. Used when no API key is configured.
type EchoResponder struct{}

func (EchoResponder) Reply(_ context.Context, agentName string, history []models.StoredMessage) (string, error) {
	if len(history) == 0 {
		return "", errors.New("nothing to reply to")
	}
	last := strings.TrimSpace(history[len(history)-1].Text)
	return fmt.Sprintf("[%s] %s", agentName, last), nil
}
