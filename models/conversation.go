package models

// Conversation is the summary record the remote store keeps for one chat session.
// Timestamps stay in their wire form; the client never does arithmetic on them.
type Conversation struct {
	ID           string `json:"id"`
	AgentName    string `json:"agent_name"`
	Title        string `json:"title"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	MessageCount int    `json:"message_count"`
}

// ConversationHistory is the body of GET /api/conversations/{id}.
type ConversationHistory struct {
	Conversation *Conversation   `json:"conversation,omitempty"`
	Messages     []StoredMessage `json:"messages"`
}

// ChatRequest is the body of POST /api/agents/{agent}/chat.
type ChatRequest struct {
	Message        string `json:"message" binding:"required"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatResponse is the bot reply returned by the chat endpoint.
type ChatResponse struct {
	Response       string                   `json:"response"`
	Sources        []map[string]interface{} `json:"sources"`
	ChunksFound    int                      `json:"chunks_found"`
	ConversationID string                   `json:"conversation_id"`
}
