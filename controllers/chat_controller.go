package controllers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"chatstate/models"
	"chatstate/services"

	"github.com/gin-gonic/gin"
)

type ConversationController struct {
	repo      services.ConversationRepository
	responder services.Responder
	logger    *slog.Logger
}

func NewConversationController(repo services.ConversationRepository, responder services.Responder, logger *slog.Logger) *ConversationController {
	return &ConversationController{
		repo:      repo,
		responder: responder,
		logger:    logger.With("component", "conversation_controller"),
	}
}

func (cc *ConversationController) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (cc *ConversationController) GetAgentConversations(c *gin.Context) {
	agentName := c.Param("agent_name")

	conversations, err := cc.repo.ListAgentConversations(c.Request.Context(), agentName)
	if err != nil {
		cc.fail(c, err, "Failed to fetch conversations")
		return
	}
	c.JSON(http.StatusOK, conversations)
}

func (cc *ConversationController) GetConversationHistory(c *gin.Context) {
	conversationID := c.Param("id")

	history, err := cc.repo.GetConversationHistory(c.Request.Context(), conversationID)
	if err != nil {
		cc.fail(c, err, "Failed to fetch conversation")
		return
	}
	// 空の履歴も [] で返す
	if history.Messages == nil {
		history.Messages = []models.StoredMessage{}
	}
	c.JSON(http.StatusOK, history)
}

func (cc *ConversationController) DeleteConversation(c *gin.Context) {
	conversationID := c.Param("id")

	if err := cc.repo.DeleteConversation(c.Request.Context(), conversationID); err != nil {
		cc.fail(c, err, "Failed to delete conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Conversation '%s' deleted successfully", conversationID)})
}

func (cc *ConversationController) HandleAgentChat(c *gin.Context) {
	agentName := c.Param("agent_name")

	var request models.ChatRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	ctx := c.Request.Context()
	conversationID := request.ConversationID
	if conversationID == "" {
		conv, err := cc.repo.CreateConversation(ctx, agentName, request.Message)
		if err != nil {
			cc.fail(c, err, "Failed to create conversation")
			return
		}
		conversationID = conv.ID
	}

	// ユーザーからのメッセージを保存
	if _, err := cc.repo.AddMessage(ctx, conversationID, request.Message, models.SenderUser, agentName); err != nil {
		cc.fail(c, err, "Failed to save user message")
		return
	}

	history, err := cc.repo.GetConversationHistory(ctx, conversationID)
	if err != nil {
		cc.fail(c, err, "Failed to fetch conversation")
		return
	}

	replyText, err := cc.responder.Reply(ctx, agentName, history.Messages)
	if err != nil {
		cc.fail(c, err, "Failed to generate reply")
		return
	}

	// 返信を保存
	if _, err := cc.repo.AddMessage(ctx, conversationID, replyText, models.SenderBot, agentName); err != nil {
		cc.fail(c, err, "Failed to save bot reply")
		return
	}

	c.JSON(http.StatusOK, models.ChatResponse{
		Response:       replyText,
		Sources:        []map[string]interface{}{},
		ChunksFound:    0,
		ConversationID: conversationID,
	})
}

// fail maps repository errors onto status codes. Unknown conversations are 404.
func (cc *ConversationController) fail(c *gin.Context, err error, msg string) {
	if errors.Is(err, services.ErrConversationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	cc.logger.Error(msg, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
