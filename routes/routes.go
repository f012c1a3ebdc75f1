package routes

import (
	"log/slog"

	"chatstate/controllers"
	"chatstate/middlewares"

	"github.com/gin-gonic/gin"
)

func SetupRouter(cc *controllers.ConversationController, allowedOrigins []string, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middlewares.Logger(logger))
	r.Use(middlewares.CORS(allowedOrigins))

	r.GET("/", cc.Health)

	api := r.Group("/api")
	{
		// エージェントごとの会話一覧
		api.GET("/agents/:agent_name/conversations", cc.GetAgentConversations)
		// チャットメッセージ送信
		api.POST("/agents/:agent_name/chat", cc.HandleAgentChat)

		api.GET("/conversations/:id", cc.GetConversationHistory)
		api.DELETE("/conversations/:id", cc.DeleteConversation)
	}

	return r
}
