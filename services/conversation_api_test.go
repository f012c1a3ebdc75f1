package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatstate/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *ConversationClient {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewConversationClient(srv.URL, 5*time.Second)
}

func TestConversationClient_GetConversation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "c 1", r.PathValue("id"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"conversation": {"id": "c 1", "agent_name": "pumps", "title": "Seal", "created_at": "2025-03-01T10:00:00", "updated_at": "2025-03-01T10:05:00", "message_count": 1},
			"messages": [{"id": "m1", "text": "hi", "sender": "user", "timestamp": "2025-03-01T10:00:00.5", "agent_name": "pumps", "conversation_id": "c 1"}]
		}`))
	})
	client := newTestClient(t, mux)

	history, err := client.GetConversation(context.Background(), "c 1")

	require.NoError(t, err)
	require.NotNil(t, history.Conversation)
	assert.Equal(t, "pumps", history.Conversation.AgentName)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, models.StoredMessage{
		ID:             "m1",
		Text:           "hi",
		Sender:         models.SenderUser,
		Timestamp:      "2025-03-01T10:00:00.5",
		AgentName:      "pumps",
		ConversationID: "c 1",
	}, history.Messages[0])
}

func TestConversationClient_GetConversation_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"Conversation 'missing' not found"}`, http.StatusNotFound)
	})
	client := newTestClient(t, mux)

	_, err := client.GetConversation(context.Background(), "missing")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "not found")
}

func TestConversationClient_GetConversation_Malformed(t *testing.T) {
	bodies := map[string]string{
		"not json":         `<html>proxy error</html>`,
		"missing messages": `{"conversation": {"id": "c1"}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			})
			client := newTestClient(t, mux)

			_, err := client.GetConversation(context.Background(), "c1")

			assert.ErrorIs(t, err, ErrMalformedResponse)
		})
	}
}

func TestConversationClient_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	url := srv.URL
	srv.Close()
	client := NewConversationClient(url, time.Second)

	_, err := client.GetConversation(context.Background(), "c1")

	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr), "transport failures carry no status")
}

func TestConversationClient_ListAgentConversations(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/agents/{agent}/conversations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pump manuals", r.PathValue("agent"))
		json.NewEncoder(w).Encode([]models.Conversation{
			{ID: "c2", AgentName: "pump manuals", Title: "Impeller"},
			{ID: "c1", AgentName: "pump manuals", Title: "Seal"},
		})
	})
	client := newTestClient(t, mux)

	conversations, err := client.ListAgentConversations(context.Background(), "pump manuals")

	require.NoError(t, err)
	require.Len(t, conversations, 2)
	assert.Equal(t, "c2", conversations[0].ID)
}

func TestConversationClient_ListAgentConversations_NullIsEmpty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/agents/{agent}/conversations", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`null`))
	})
	client := newTestClient(t, mux)

	conversations, err := client.ListAgentConversations(context.Background(), "pumps")

	require.NoError(t, err)
	assert.NotNil(t, conversations)
	assert.Empty(t, conversations)
}

func TestConversationClient_DeleteConversation(t *testing.T) {
	var deleted string
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		deleted = r.PathValue("id")
		if deleted == "missing" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	client := newTestClient(t, mux)

	require.NoError(t, client.DeleteConversation(context.Background(), "c1"))
	assert.Equal(t, "c1", deleted)

	err := client.DeleteConversation(context.Background(), "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestConversationClient_SendAgentMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/agents/{agent}/chat", func(w http.ResponseWriter, r *http.Request) {
		var req models.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, models.ChatRequest{Message: "hello"}, req)
		json.NewEncoder(w).Encode(models.ChatResponse{Response: "hi", ConversationID: "c9"})
	})
	client := newTestClient(t, mux)

	reply, err := client.SendAgentMessage(context.Background(), "pumps", models.ChatRequest{Message: "hello"})

	require.NoError(t, err)
	assert.Equal(t, "hi", reply.Response)
	assert.Equal(t, "c9", reply.ConversationID)
}

func TestConversationClient_SendAgentMessage_MissingConversationID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/agents/{agent}/chat", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response": "hi"}`))
	})
	client := newTestClient(t, mux)

	_, err := client.SendAgentMessage(context.Background(), "pumps", models.ChatRequest{Message: "hello"})

	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestRemapHistory_RejectsBadEntries(t *testing.T) {
	good := models.StoredMessage{ID: "m1", Text: "x", Sender: models.SenderBot, Timestamp: "2025-03-01T10:00:00Z"}

	noID := good
	noID.ID = ""
	badSender := good
	badSender.Sender = "assistant"
	badTime := good
	badTime.Timestamp = ""

	for name, m := range map[string]models.StoredMessage{"no id": noID, "bad sender": badSender, "bad time": badTime} {
		t.Run(name, func(t *testing.T) {
			_, err := RemapHistory([]models.StoredMessage{good, m})
			assert.ErrorIs(t, err, ErrMalformedResponse)
		})
	}

	msgs, err := RemapHistory([]models.StoredMessage{good})
	require.NoError(t, err)
	assert.Equal(t, "m1", msgs[0].ID)

	empty, err := RemapHistory([]models.StoredMessage{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}
