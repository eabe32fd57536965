package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chat-relay/internal/chatbot"
	"chat-relay/internal/domain"
	"chat-relay/internal/repository"
	"chat-relay/internal/service"
)

const (
	signatureHeader = "X-Chatbot-Signature"
	proxyErrorFrame = "data: {\"type\":\"error\",\"message\":\"Proxy error\"}\n\n"
	streamBufSize   = 4096
)

// Upstream es la parte del cliente de chatbot-node que exponen los endpoints.
type Upstream interface {
	IsConfigured() bool
	OpenStream(ctx context.Context, req chatbot.ChatRequest) (*http.Response, error)
	GetTenantConfig(ctx context.Context) (*domain.TenantConfig, error)
	GetChatStats(ctx context.Context) (*domain.ChatStatistics, error)
	VerifyWebhookSignature(payload []byte, signature string) bool
}

type MessageSender interface {
	SendMessage(ctx context.Context, input service.SendMessageInput) (service.SendMessageResult, error)
}

type Conversations interface {
	GetOrCreate(ctx context.Context, shopID, identity, name string) (domain.Conversation, error)
	Get(ctx context.Context, id string) (domain.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit, page int) (domain.HistoryPage, error)
}

// ChatbotHandler atiende los endpoints HTTP del chatbot: proxy SSE, mensaje regular,
// historial, estado y webhook.
type ChatbotHandler struct {
	logger   *zap.Logger
	upstream Upstream
	chat     MessageSender
	history  Conversations
	settings repository.SettingRepository
	limiter  service.ChatRateLimiter
}

func NewChatbotHandler(
	logger *zap.Logger,
	upstream Upstream,
	chat MessageSender,
	history Conversations,
	settings repository.SettingRepository,
	limiter service.ChatRateLimiter,
) *ChatbotHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatbotHandler{
		logger:   logger,
		upstream: upstream,
		chat:     chat,
		history:  history,
		settings: settings,
		limiter:  limiter,
	}
}

func (h *ChatbotHandler) allow(key string) bool {
	return h.limiter == nil || h.limiter.Allow(key)
}

// Stream maneja POST /api/chatbot/stream: pipe transparente del SSE de chatbot-node.
func (h *ChatbotHandler) Stream(c *gin.Context) {
	var req struct {
		Message        string `json:"message"`
		UserID         string `json:"userId"`
		UserRole       string `json:"userRole"`
		ShopID         string `json:"shopId"`
		ConversationID string `json:"conversationId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" || strings.TrimSpace(req.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message and userId are required"})
		return
	}
	if h.upstream == nil || !h.upstream.IsConfigured() {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Chatbot server not configured"})
		return
	}
	if !h.allow(req.UserID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many messages"})
		return
	}
	role := strings.TrimSpace(req.UserRole)
	if role == "" {
		role = "visitor"
	}

	resp, err := h.upstream.OpenStream(c.Request.Context(), chatbot.ChatRequest{
		ShopID:         strings.TrimSpace(req.ShopID),
		Message:        domain.TruncateContent(req.Message),
		UserID:         req.UserID,
		UserRole:       role,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		h.logger.Error("stream proxy upstream failed", zap.Error(err))
		status := http.StatusBadGateway
		if errors.Is(err, chatbot.ErrNotConfigured) {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"error": "Upstream chat error"})
		return
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || resp.Body == nil {
		h.logger.Warn("stream proxy upstream status", zap.Int("status", resp.StatusCode))
		status := resp.StatusCode
		if status < 400 {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": "Upstream chat error"})
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream; charset=utf-8")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	buf := make([]byte, streamBufSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := c.Writer.Write(buf[:n]); err != nil {
				h.logger.Debug("stream proxy client gone", zap.Error(err))
				return
			}
			c.Writer.Flush()
		}
		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			h.logger.Error("stream proxy error", zap.Error(readErr))
			_, _ = io.WriteString(c.Writer, proxyErrorFrame)
			c.Writer.Flush()
			return
		}
	}
}

// SendMessage maneja POST /api/chatbot/message, el camino regular no incremental.
func (h *ChatbotHandler) SendMessage(c *gin.Context) {
	var req struct {
		ShopID         string `json:"shop_id"`
		ConversationID string `json:"conversation_id"`
		Message        string `json:"message"`
		CustomerEmail  string `json:"customer_email"`
		CustomerName   string `json:"customer_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid send message request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	key := firstNonEmpty(req.ConversationID, req.CustomerEmail, req.ShopID, c.ClientIP())
	if !h.allow(key) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many messages"})
		return
	}

	result, err := h.chat.SendMessage(c.Request.Context(), service.SendMessageInput{
		ShopID:         req.ShopID,
		ConversationID: req.ConversationID,
		Content:        domain.TruncateContent(req.Message),
		CustomerEmail:  req.CustomerEmail,
		CustomerName:   req.CustomerName,
	})
	if err != nil {
		status, msg := errorStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("send message failed", zap.String("shop_id", req.ShopID), zap.Error(err))
		}
		c.JSON(status, gin.H{"success": false, "error": msg})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

// StartConversation maneja POST /api/chatbot/conversation: devuelve la conversación activa
// del cliente o crea una nueva.
func (h *ChatbotHandler) StartConversation(c *gin.Context) {
	var req struct {
		ShopID        string `json:"shop_id" binding:"required"`
		CustomerEmail string `json:"customer_email"`
		CustomerName  string `json:"customer_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid start conversation request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request"})
		return
	}
	conv, err := h.history.GetOrCreate(c.Request.Context(), req.ShopID, req.CustomerEmail, req.CustomerName)
	if err != nil {
		h.logger.Error("get or create conversation failed", zap.String("shop_id", req.ShopID), zap.Error(err))
		status, msg := errorStatus(err)
		c.JSON(status, gin.H{"success": false, "error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": conv})
}

// History maneja GET /api/chatbot/history.
func (h *ChatbotHandler) History(c *gin.Context) {
	id := strings.TrimSpace(c.Query("conversation_id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Conversation ID is required"})
		return
	}
	limit := queryInt(c, "limit", service.DefaultHistoryLimit)
	page := queryInt(c, "page", 1)

	conv, err := h.history.Get(c.Request.Context(), id)
	if err != nil {
		status, msg := errorStatus(err)
		c.JSON(status, gin.H{"success": false, "error": msg})
		return
	}
	result, err := h.history.ListMessages(c.Request.Context(), id, limit, page)
	if err != nil {
		h.logger.Error("list messages failed", zap.String("conversation_id", id), zap.Error(err))
		status, msg := errorStatus(err)
		c.JSON(status, gin.H{"success": false, "error": msg})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"conversation": conv,
			"messages":     result.Messages,
			"hasMore":      result.HasMore,
			"total":        result.Total,
		},
	})
}

// Status maneja GET /api/chatbot/status: configuración local más datos del tenant.
func (h *ChatbotHandler) Status(c *gin.Context) {
	shopID := strings.TrimSpace(c.Query("shop_id"))
	if shopID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Shop ID is required"})
		return
	}
	if claims, ok := GetAuthClaims(c); ok && claims.ShopID != shopID {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "forbidden"})
		return
	}

	ctx := c.Request.Context()
	setting, err := h.settings.GetByShopID(ctx, shopID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusOK, gin.H{"success": false, "data": nil, "message": "Chatbot not configured for this shop"})
			return
		}
		h.logger.Error("get chatbot setting failed", zap.String("shop_id", shopID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to get chatbot status"})
		return
	}

	if h.upstream == nil || !h.upstream.IsConfigured() {
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Chatbot-node not configured",
			"data":    gin.H{"setting": setting, "tenantConfig": nil, "chatStats": nil},
		})
		return
	}

	var (
		tenant *domain.TenantConfig
		stats  *domain.ChatStatistics
		g      errgroup.Group
	)
	// Ambas consultas son opcionales: un fallo deja su campo en null.
	g.Go(func() error {
		var err error
		if tenant, err = h.upstream.GetTenantConfig(ctx); err != nil {
			h.logger.Warn("get tenant config failed", zap.String("shop_id", shopID), zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if stats, err = h.upstream.GetChatStats(ctx); err != nil {
			h.logger.Warn("get chat stats failed", zap.String("shop_id", shopID), zap.Error(err))
		}
		return nil
	})
	_ = g.Wait()

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    gin.H{"setting": setting, "tenantConfig": tenant, "chatStats": stats},
	})
}

// Webhook maneja POST /api/chatbot/webhook firmado con HMAC-SHA256.
func (h *ChatbotHandler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if h.upstream == nil || !h.upstream.VerifyWebhookSignature(payload, c.GetHeader(signatureHeader)) {
		h.logger.Warn("webhook signature rejected", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var event struct {
		Event  string `json:"event"`
		ShopID string `json:"shopId"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	h.logger.Info("webhook received", zap.String("event", event.Event), zap.String("shop_id", event.ShopID))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrConversationNotFound):
		return http.StatusNotFound, "Conversation not found"
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests, "too many messages"
	case errors.Is(err, service.ErrNotConfigured):
		return http.StatusInternalServerError, "Chatbot not configured"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
