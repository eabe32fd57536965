package service

import (
	"context"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"

	"chat-relay/internal/domain"
	"chat-relay/internal/repository"
)

type mockConversationRepo struct {
	mu          sync.Mutex
	items       map[string]domain.Conversation
	createErr   error
	createCalls int
	// conflictWith se devuelve desde GetActive después de un Create con conflicto.
	conflictWith *domain.Conversation
}

func newMockConversationRepo() *mockConversationRepo {
	return &mockConversationRepo{items: make(map[string]domain.Conversation)}
}

func (m *mockConversationRepo) Create(_ context.Context, conv domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErr != nil {
		return m.createErr
	}
	m.items[conv.ID] = conv
	return nil
}

func (m *mockConversationRepo) GetByID(_ context.Context, id string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.items[id]
	if !ok {
		return domain.Conversation{}, pgx.ErrNoRows
	}
	return conv, nil
}

func (m *mockConversationRepo) GetActive(_ context.Context, shopID, email string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createCalls > 0 && m.conflictWith != nil {
		return *m.conflictWith, nil
	}
	for _, conv := range m.items {
		if conv.ShopID == shopID && conv.CustomerEmail == email && conv.Status == domain.ConversationActive {
			return conv, nil
		}
	}
	return domain.Conversation{}, pgx.ErrNoRows
}

func (m *mockConversationRepo) UpdateStatus(_ context.Context, id string, status domain.ConversationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.items[id]
	if !ok {
		return pgx.ErrNoRows
	}
	conv.Status = status
	m.items[id] = conv
	return nil
}

type mockMessageRepo struct {
	mu    sync.Mutex
	items []domain.Message
	err   error
}

func (m *mockMessageRepo) Append(_ context.Context, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.items = append(m.items, msg)
	return nil
}

func (m *mockMessageRepo) ListByConversation(_ context.Context, conversationID string, limit, offset int) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Message
	for _, msg := range m.items {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if offset >= len(out) {
		return []domain.Message{}, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

func (m *mockMessageRepo) CountByConversation(_ context.Context, conversationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.items {
		if msg.ConversationID == conversationID {
			n++
		}
	}
	return n, nil
}

type mockSettingRepo struct {
	items map[string]domain.ChatbotSetting
}

func (m *mockSettingRepo) GetByShopID(_ context.Context, shopID string) (domain.ChatbotSetting, error) {
	s, ok := m.items[shopID]
	if !ok {
		return domain.ChatbotSetting{}, pgx.ErrNoRows
	}
	return s, nil
}

func (m *mockSettingRepo) Upsert(_ context.Context, setting domain.ChatbotSetting) error {
	if m.items == nil {
		m.items = make(map[string]domain.ChatbotSetting)
	}
	m.items[setting.ShopID] = setting
	return nil
}

type mockResponder struct {
	reply    string
	ok       bool
	lastShop domain.ShopInfo
	lastText string
}

func (m *mockResponder) ChatReply(_ context.Context, shop domain.ShopInfo, content string) (string, bool) {
	m.lastShop = shop
	m.lastText = content
	return m.reply, m.ok
}

var (
	_ repository.ConversationRepository = (*mockConversationRepo)(nil)
	_ repository.MessageRepository      = (*mockMessageRepo)(nil)
	_ repository.SettingRepository      = (*mockSettingRepo)(nil)
)
