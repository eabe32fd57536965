package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"chat-relay/internal/domain"
)

func newTestChatService(responder BotResponder, settings *mockSettingRepo) (*ChatService, *mockMessageRepo) {
	msgs := &mockMessageRepo{}
	conversations := NewConversationService(newMockConversationRepo(), msgs)
	return NewChatService(zap.NewNop(), conversations, settings, responder), msgs
}

func configuredSettings() *mockSettingRepo {
	return &mockSettingRepo{items: map[string]domain.ChatbotSetting{
		"shop-1": {ShopID: "shop-1", ShopName: "Tienda", BotID: "bot-1"},
	}}
}

func TestChatService_SendMessageHappyPath(t *testing.T) {
	responder := &mockResponder{reply: "Hola, ¿en qué te ayudo?", ok: true}
	svc, msgs := newTestChatService(responder, configuredSettings())

	res, err := svc.SendMessage(context.Background(), SendMessageInput{ShopID: "shop-1", Content: " hola "})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.ConversationID == "" || res.UserMessage != "hola" || res.BotResponse != responder.reply {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Error != "" {
		t.Fatalf("expected no error marker, got %q", res.Error)
	}
	if responder.lastShop.Name != "Tienda" || responder.lastText != "hola" {
		t.Fatalf("unexpected responder input: %+v %q", responder.lastShop, responder.lastText)
	}
	if len(msgs.items) != 2 || msgs.items[0].Role != domain.RoleUser || msgs.items[1].Role != domain.RoleAssistant {
		t.Fatalf("expected user then assistant persisted, got %+v", msgs.items)
	}
}

func TestChatService_SendMessageFallback(t *testing.T) {
	svc, msgs := newTestChatService(&mockResponder{ok: false}, configuredSettings())

	res, err := svc.SendMessage(context.Background(), SendMessageInput{ShopID: "shop-1", Content: "hola"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.BotResponse != domain.FallbackReply || res.Error == "" {
		t.Fatalf("expected fallback reply, got %+v", res)
	}
	if len(msgs.items) != 2 || msgs.items[1].Content != domain.FallbackReply {
		t.Fatalf("expected fallback persisted, got %+v", msgs.items)
	}
}

func TestChatService_SendMessageValidation(t *testing.T) {
	svc, msgs := newTestChatService(&mockResponder{ok: true}, configuredSettings())
	_, err := svc.SendMessage(context.Background(), SendMessageInput{ShopID: "shop-1", Content: "  "})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(msgs.items) != 0 {
		t.Fatalf("expected nothing persisted")
	}
}

func TestChatService_SendMessageUnknownConversation(t *testing.T) {
	svc, _ := newTestChatService(&mockResponder{ok: true}, configuredSettings())
	_, err := svc.SendMessage(context.Background(), SendMessageInput{ShopID: "shop-1", ConversationID: "conv_x", Content: "hola"})
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestChatService_SendMessageNotConfigured(t *testing.T) {
	svc, msgs := newTestChatService(&mockResponder{ok: true}, &mockSettingRepo{})
	_, err := svc.SendMessage(context.Background(), SendMessageInput{ShopID: "shop-1", Content: "hola"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if len(msgs.items) != 0 {
		t.Fatalf("nothing should be persisted, got %d messages", len(msgs.items))
	}
}

func TestChatService_SendMessageRejectsOtherShopConversation(t *testing.T) {
	svc, msgs := newTestChatService(&mockResponder{ok: true}, configuredSettings())
	ctx := context.Background()
	conv, err := svc.conversations.GetOrCreate(ctx, "shop-2", "ana@example.com", "Ana")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}

	_, err = svc.SendMessage(ctx, SendMessageInput{ShopID: "shop-1", ConversationID: conv.ID, Content: "hola"})
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	if len(msgs.items) != 0 {
		t.Fatalf("nothing should be persisted, got %d messages", len(msgs.items))
	}
}
