package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter configura el router de Gin con middlewares, endpoints del chatbot y el canal persistente.
func NewRouter(
	logger *zap.Logger,
	chatbotH *ChatbotHandler,
	verifier TokenVerifier,
	socket gin.HandlerFunc,
) *gin.Engine {
	r := gin.New()

	r.Use(zapLoggerMiddleware(logger), gin.Recovery())

	api := r.Group("/api/chatbot")
	api.POST("/stream", chatbotH.Stream)

	rest := api.Group("", jsonContentTypeMiddleware())
	rest.POST("/conversation", chatbotH.StartConversation)
	rest.POST("/message", chatbotH.SendMessage)
	rest.GET("/history", chatbotH.History)
	rest.POST("/webhook", chatbotH.Webhook)
	rest.GET("/status", JWTAuthMiddleware(verifier), chatbotH.Status)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if socket != nil {
		r.GET("/ws", socket)
	}

	return r
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// jsonContentTypeMiddleware fuerza Content-Type: application/json en responses.
func jsonContentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "application/json")
		c.Next()
	}
}
