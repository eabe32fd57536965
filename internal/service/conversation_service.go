package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"chat-relay/internal/domain"
	"chat-relay/internal/repository"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
	AnonymousIdentity   = "anonymous@customer.com"
)

// ConversationService es el almacén de conversaciones y mensajes.
type ConversationService struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	now           func() time.Time

	locksMu sync.Mutex
	locks   map[string]*identityLock
}

func NewConversationService(conversations repository.ConversationRepository, messages repository.MessageRepository) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		messages:      messages,
		now:           func() time.Time { return time.Now().UTC() },
		locks:         make(map[string]*identityLock),
	}
}

// GetOrCreate devuelve la conversación activa de identity en shopID o crea una nueva.
func (s *ConversationService) GetOrCreate(ctx context.Context, shopID, identity, name string) (domain.Conversation, error) {
	shopID = strings.TrimSpace(shopID)
	identity = strings.ToLower(strings.TrimSpace(identity))
	if shopID == "" {
		return domain.Conversation{}, fmt.Errorf("%w: shop id is required", ErrValidation)
	}
	if identity == "" {
		identity = AnonymousIdentity
	}

	unlock := s.lockIdentity(shopID + "|" + identity)
	defer unlock()

	conv, err := s.conversations.GetActive(ctx, shopID, identity)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Conversation{}, err
	}

	now := s.now()
	conv = domain.Conversation{
		ID:            "conv_" + uuid.NewString(),
		ShopID:        shopID,
		CustomerEmail: identity,
		CustomerName:  strings.TrimSpace(name),
		Status:        domain.ConversationActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.conversations.Create(ctx, conv); err != nil {
		if errors.Is(err, repository.ErrActiveConversationExists) {
			return s.conversations.GetActive(ctx, shopID, identity)
		}
		return domain.Conversation{}, err
	}
	return conv, nil
}

func (s *ConversationService) Get(ctx context.Context, id string) (domain.Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Conversation{}, fmt.Errorf("%w: conversation id is required", ErrValidation)
	}
	conv, err := s.conversations.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Conversation{}, ErrConversationNotFound
		}
		return domain.Conversation{}, err
	}
	return conv, nil
}

// Append agrega un mensaje a la conversación. El contenido se recorta a domain.MaxMessageRunes.
func (s *ConversationService) Append(ctx context.Context, conversationID string, role domain.Role, content string) (domain.Message, error) {
	if !role.Valid() {
		return domain.Message{}, fmt.Errorf("%w: invalid role %q", ErrValidation, role)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, fmt.Errorf("%w: content is required", ErrValidation)
	}
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return domain.Message{}, err
	}

	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		ShopID:         conv.ShopID,
		Role:           role,
		Content:        domain.TruncateContent(content),
		CreatedAt:      s.now(),
	}
	if err := s.messages.Append(ctx, msg); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Message{}, ErrConversationNotFound
		}
		return domain.Message{}, err
	}
	return msg, nil
}

// ListMessages devuelve la página solicitada (base 1) del más antiguo al más reciente.
func (s *ConversationService) ListMessages(ctx context.Context, conversationID string, limit, page int) (domain.HistoryPage, error) {
	if _, err := s.Get(ctx, conversationID); err != nil {
		return domain.HistoryPage{}, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	total, err := s.messages.CountByConversation(ctx, conversationID)
	if err != nil {
		return domain.HistoryPage{}, err
	}
	msgs, err := s.messages.ListByConversation(ctx, conversationID, limit, offset)
	if err != nil {
		return domain.HistoryPage{}, err
	}
	return domain.HistoryPage{
		Messages: msgs,
		HasMore:  offset+len(msgs) < total,
		Total:    total,
	}, nil
}

func (s *ConversationService) Close(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return s.conversations.UpdateStatus(ctx, id, domain.ConversationClosed)
}

// identityLock serializa GetOrCreate por identidad; refs cuenta quién lo espera o lo tiene.
type identityLock struct {
	mu   sync.Mutex
	refs int
}

func (s *ConversationService) lockIdentity(key string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &identityLock{}
		s.locks[key] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.locksMu.Unlock()
	}
}
