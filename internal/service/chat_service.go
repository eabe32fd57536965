package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"chat-relay/internal/domain"
	"chat-relay/internal/repository"
)

// BotResponder obtiene una respuesta completa (no streaming) del bot de una tienda.
type BotResponder interface {
	ChatReply(ctx context.Context, shop domain.ShopInfo, content string) (string, bool)
}

// ChatService atiende el camino de mensaje regular usado como fallback HTTP.
type ChatService struct {
	logger        *zap.Logger
	conversations *ConversationService
	settings      repository.SettingRepository
	responder     BotResponder
}

type SendMessageInput struct {
	ShopID         string
	ConversationID string
	Content        string
	CustomerEmail  string
	CustomerName   string
}

type SendMessageResult struct {
	ConversationID string    `json:"conversation_id"`
	UserMessage    string    `json:"user_message"`
	BotResponse    string    `json:"bot_response"`
	Timestamp      time.Time `json:"timestamp"`
	Error          string    `json:"error,omitempty"`
}

func NewChatService(logger *zap.Logger, conversations *ConversationService, settings repository.SettingRepository, responder BotResponder) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		logger:        logger,
		conversations: conversations,
		settings:      settings,
		responder:     responder,
	}
}

// SendMessage persiste el mensaje del usuario, pide la respuesta al bot y persiste la respuesta.
// Si el bot no contesta se guarda y devuelve domain.FallbackReply.
func (s *ChatService) SendMessage(ctx context.Context, input SendMessageInput) (SendMessageResult, error) {
	if s == nil || s.conversations == nil {
		return SendMessageResult{}, ErrNotConfigured
	}
	shopID := strings.TrimSpace(input.ShopID)
	content := strings.TrimSpace(input.Content)
	if shopID == "" || content == "" {
		return SendMessageResult{}, fmt.Errorf("%w: shop id and message content are required", ErrValidation)
	}

	shop, err := s.shopInfo(ctx, shopID)
	if err != nil {
		return SendMessageResult{}, err
	}

	var conv domain.Conversation
	if id := strings.TrimSpace(input.ConversationID); id != "" {
		conv, err = s.conversations.Get(ctx, id)
		if err == nil && conv.ShopID != shopID {
			err = ErrConversationNotFound
		}
	} else {
		conv, err = s.conversations.GetOrCreate(ctx, shopID, input.CustomerEmail, input.CustomerName)
	}
	if err != nil {
		return SendMessageResult{}, err
	}

	userMsg, err := s.conversations.Append(ctx, conv.ID, domain.RoleUser, content)
	if err != nil {
		return SendMessageResult{}, err
	}

	result := SendMessageResult{
		ConversationID: conv.ID,
		UserMessage:    userMsg.Content,
	}
	reply, ok := "", false
	if s.responder != nil {
		reply, ok = s.responder.ChatReply(ctx, shop, userMsg.Content)
	}
	if !ok || strings.TrimSpace(reply) == "" {
		s.logger.Warn("bot reply unavailable, using fallback",
			zap.String("shop_id", shopID),
			zap.String("conversation_id", conv.ID),
		)
		reply = domain.FallbackReply
		result.Error = "Bot temporarily unavailable"
	}

	botMsg, err := s.conversations.Append(ctx, conv.ID, domain.RoleAssistant, reply)
	if err != nil {
		return SendMessageResult{}, err
	}
	result.BotResponse = botMsg.Content
	result.Timestamp = botMsg.CreatedAt
	return result, nil
}

func (s *ChatService) shopInfo(ctx context.Context, shopID string) (domain.ShopInfo, error) {
	if s.settings == nil {
		return domain.ShopInfo{}, ErrNotConfigured
	}
	setting, err := s.settings.GetByShopID(ctx, shopID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ShopInfo{}, ErrNotConfigured
		}
		return domain.ShopInfo{}, err
	}
	if strings.TrimSpace(setting.BotID) == "" {
		return domain.ShopInfo{}, ErrNotConfigured
	}
	name := setting.ShopName
	if name == "" {
		name = shopID
	}
	return domain.ShopInfo{ID: shopID, Name: name}, nil
}
