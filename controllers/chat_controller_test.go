package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatstate/models"
	"chatstate/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingResponder struct{}

func (failingResponder) Reply(context.Context, string, []models.StoredMessage) (string, error) {
	return "", errors.New("model unavailable")
}

func newTestEngine(t *testing.T, responder services.Responder) (*gin.Engine, *services.MemoryRepository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := services.NewMemoryRepository()
	cc := NewConversationController(repo, responder, slog.New(slog.NewTextHandler(io.Discard, nil)))

	r := gin.New()
	r.GET("/", cc.Health)
	r.GET("/api/agents/:agent_name/conversations", cc.GetAgentConversations)
	r.POST("/api/agents/:agent_name/chat", cc.HandleAgentChat)
	r.GET("/api/conversations/:id", cc.GetConversationHistory)
	r.DELETE("/api/conversations/:id", cc.DeleteConversation)
	return r, repo
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleAgentChat_CreatesAndContinues(t *testing.T) {
	r, _ := newTestEngine(t, services.EchoResponder{})

	w := do(r, http.MethodPost, "/api/agents/pumps/chat", `{"message":"seal leaks"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var first models.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Equal(t, "[pumps] seal leaks", first.Response)
	assert.NotEmpty(t, first.ConversationID)

	w = do(r, http.MethodPost, "/api/agents/pumps/chat", `{"message":"still leaks","conversation_id":"`+first.ConversationID+`"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/api/conversations/"+first.ConversationID, "")
	require.Equal(t, http.StatusOK, w.Code)

	var history models.ConversationHistory
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.NotNil(t, history.Conversation)
	assert.Equal(t, "seal leaks", history.Conversation.Title)
	assert.Equal(t, 4, history.Conversation.MessageCount)
	require.Len(t, history.Messages, 4)
	assert.Equal(t, models.SenderUser, history.Messages[2].Sender)
	assert.Equal(t, "still leaks", history.Messages[2].Text)
	assert.Equal(t, models.SenderBot, history.Messages[3].Sender)
}

func TestHandleAgentChat_Validation(t *testing.T) {
	r, _ := newTestEngine(t, services.EchoResponder{})

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/agents/pumps/chat", `{"message":"   "}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/agents/pumps/chat", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/api/agents/pumps/chat", `{"message":"hi","conversation_id":"nope"}`).Code)
}

func TestHandleAgentChat_ResponderFailure(t *testing.T) {
	r, _ := newTestEngine(t, failingResponder{})

	w := do(r, http.MethodPost, "/api/agents/pumps/chat", `{"message":"hi"}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Failed to generate reply"}`, w.Body.String())
}

func TestGetAgentConversations(t *testing.T) {
	r, repo := newTestEngine(t, services.EchoResponder{})

	w := do(r, http.MethodGet, "/api/agents/pumps/conversations", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	_, err := repo.CreateConversation(context.Background(), "pumps", "first")
	require.NoError(t, err)

	w = do(r, http.MethodGet, "/api/agents/pumps/conversations", "")
	var list []models.Conversation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "first", list[0].Title)
	assert.Equal(t, "pumps", list[0].AgentName)
}

func TestGetConversationHistory_EmptyAndMissing(t *testing.T) {
	r, repo := newTestEngine(t, services.EchoResponder{})
	conv, err := repo.CreateConversation(context.Background(), "pumps", "first")
	require.NoError(t, err)

	w := do(r, http.MethodGet, "/api/conversations/"+conv.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"messages":[]`)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/conversations/missing", "").Code)
}

func TestDeleteConversation(t *testing.T) {
	r, repo := newTestEngine(t, services.EchoResponder{})
	conv, err := repo.CreateConversation(context.Background(), "pumps", "first")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, do(r, http.MethodDelete, "/api/conversations/"+conv.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodDelete, "/api/conversations/"+conv.ID, "").Code)
}

func TestHealth(t *testing.T) {
	r, _ := newTestEngine(t, services.EchoResponder{})
	w := do(r, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
