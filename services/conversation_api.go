package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chatstate/models"

	"github.com/go-resty/resty/v2"
)

// ErrMalformedResponse is returned when the remote store answers with a body
// that cannot be turned into the expected shape.
var ErrMalformedResponse = errors.New("malformed response")

// APIError is a non-success status from the remote store.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote store returned status %d: %s", e.StatusCode, e.Body)
}

// ConversationAPI is the remote conversation store as seen by the client.
type ConversationAPI interface {
	GetConversation(ctx context.Context, conversationID string) (*models.ConversationHistory, error)
	ListAgentConversations(ctx context.Context, agentName string) ([]models.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	SendAgentMessage(ctx context.Context, agentName string, req models.ChatRequest) (*models.ChatResponse, error)
}

// ConversationClient talks to the remote store over HTTP.
type ConversationClient struct {
	client *resty.Client
}

func NewConversationClient(baseURL string, timeout time.Duration) *ConversationClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	return &ConversationClient{client: client}
}

func (c *ConversationClient) GetConversation(ctx context.Context, conversationID string) (*models.ConversationHistory, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", conversationID).
		Get("/api/conversations/{id}")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}

	var history models.ConversationHistory
	if err := json.Unmarshal(resp.Body(), &history); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if history.Messages == nil {
		return nil, fmt.Errorf("%w: history has no messages field", ErrMalformedResponse)
	}
	return &history, nil
}

func (c *ConversationClient) ListAgentConversations(ctx context.Context, agentName string) ([]models.Conversation, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("agent", agentName).
		Get("/api/agents/{agent}/conversations")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}

	var conversations []models.Conversation
	if err := json.Unmarshal(resp.Body(), &conversations); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	return conversations, nil
}

func (c *ConversationClient) DeleteConversation(ctx context.Context, conversationID string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", conversationID).
		Delete("/api/conversations/{id}")
	return checkResponse(resp, err)
}

func (c *ConversationClient) SendAgentMessage(ctx context.Context, agentName string, req models.ChatRequest) (*models.ChatResponse, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetPathParam("agent", agentName).
		SetBody(req).
		Post("/api/agents/{agent}/chat")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}

	var reply models.ChatResponse
	if err := json.Unmarshal(resp.Body(), &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if reply.ConversationID == "" {
		return nil, fmt.Errorf("%w: reply has no conversation_id", ErrMalformedResponse)
	}
	return &reply, nil
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		return &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}
