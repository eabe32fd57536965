package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"chat-relay/internal/domain"
	"chat-relay/internal/repository"
)

func TestConversationService_GetOrCreateReusesActive(t *testing.T) {
	svc := NewConversationService(newMockConversationRepo(), &mockMessageRepo{})
	ctx := context.Background()

	first, err := svc.GetOrCreate(ctx, "shop-1", " User@Example.com ", "Ana")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if !strings.HasPrefix(first.ID, "conv_") {
		t.Fatalf("expected conv_ prefix, got %q", first.ID)
	}
	if first.CustomerEmail != "user@example.com" || first.Status != domain.ConversationActive {
		t.Fatalf("unexpected conversation: %+v", first)
	}

	second, err := svc.GetOrCreate(ctx, "shop-1", "user@example.com", "")
	if err != nil {
		t.Fatalf("second get or create: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same active conversation, got %q and %q", first.ID, second.ID)
	}
}

func TestConversationService_IdentityLocksAreReleased(t *testing.T) {
	svc := NewConversationService(newMockConversationRepo(), &mockMessageRepo{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			email := []string{"a@example.com", "b@example.com", "c@example.com"}[i%3]
			if _, err := svc.GetOrCreate(ctx, "shop-1", email, ""); err != nil {
				t.Errorf("get or create: %v", err)
			}
		}(i)
	}
	wg.Wait()

	svc.locksMu.Lock()
	defer svc.locksMu.Unlock()
	if len(svc.locks) != 0 {
		t.Fatalf("expected no identity locks left, got %d", len(svc.locks))
	}
}

func TestConversationService_GetOrCreateAnonymous(t *testing.T) {
	svc := NewConversationService(newMockConversationRepo(), &mockMessageRepo{})
	conv, err := svc.GetOrCreate(context.Background(), "shop-1", "", "")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if conv.CustomerEmail != AnonymousIdentity {
		t.Fatalf("expected anonymous identity, got %q", conv.CustomerEmail)
	}
}

func TestConversationService_GetOrCreateRereadsOnConflict(t *testing.T) {
	existing := domain.Conversation{ID: "conv_existing", ShopID: "shop-1", CustomerEmail: "a@b.c", Status: domain.ConversationActive}
	repo := newMockConversationRepo()
	repo.createErr = repository.ErrActiveConversationExists
	repo.conflictWith = &existing
	svc := NewConversationService(repo, &mockMessageRepo{})

	conv, err := svc.GetOrCreate(context.Background(), "shop-1", "a@b.c", "")
	if err != nil {
		t.Fatalf("expected conflict to be resolved, got %v", err)
	}
	if conv.ID != "conv_existing" {
		t.Fatalf("expected winner conversation, got %q", conv.ID)
	}
}

func TestConversationService_GetNotFound(t *testing.T) {
	svc := NewConversationService(newMockConversationRepo(), &mockMessageRepo{})
	if _, err := svc.Get(context.Background(), "conv_missing"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	if _, err := svc.Get(context.Background(), " "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty id, got %v", err)
	}
}

func TestConversationService_AppendValidatesAndTruncates(t *testing.T) {
	msgs := &mockMessageRepo{}
	svc := NewConversationService(newMockConversationRepo(), msgs)
	ctx := context.Background()
	conv, err := svc.GetOrCreate(ctx, "shop-1", "a@b.c", "")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}

	if _, err := svc.Append(ctx, conv.ID, domain.RoleUser, "   "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty content, got %v", err)
	}
	if _, err := svc.Append(ctx, conv.ID, domain.Role("bot"), "hola"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown role, got %v", err)
	}
	if _, err := svc.Append(ctx, "conv_missing", domain.RoleUser, "hola"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}

	long := strings.Repeat("ñ", domain.MaxMessageRunes+10)
	msg, err := svc.Append(ctx, conv.ID, domain.RoleUser, long)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if utf8.RuneCountInString(msg.Content) != domain.MaxMessageRunes {
		t.Fatalf("expected content truncated to %d runes, got %d", domain.MaxMessageRunes, utf8.RuneCountInString(msg.Content))
	}
	if msg.ID == "" || msg.ShopID != "shop-1" || msg.CreatedAt.IsZero() {
		t.Fatalf("expected defaults to be filled, got %+v", msg)
	}
	if len(msgs.items) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(msgs.items))
	}
}

func TestConversationService_ListMessagesPaging(t *testing.T) {
	svc := NewConversationService(newMockConversationRepo(), &mockMessageRepo{})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	ctx := context.Background()
	conv, err := svc.GetOrCreate(ctx, "shop-1", "a@b.c", "")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	for _, text := range []string{"uno", "dos", "tres"} {
		if _, err := svc.Append(ctx, conv.ID, domain.RoleUser, text); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	page, err := svc.ListMessages(ctx, conv.ID, 2, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Messages) != 2 || !page.HasMore || page.Total != 3 {
		t.Fatalf("unexpected first page: %+v", page)
	}
	if page.Messages[0].Content != "uno" || page.Messages[1].Content != "dos" {
		t.Fatalf("expected oldest first, got %q %q", page.Messages[0].Content, page.Messages[1].Content)
	}

	page, err = svc.ListMessages(ctx, conv.ID, 2, 2)
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(page.Messages) != 1 || page.HasMore {
		t.Fatalf("unexpected second page: %+v", page)
	}
}

func TestConversationService_Close(t *testing.T) {
	repo := newMockConversationRepo()
	svc := NewConversationService(repo, &mockMessageRepo{})
	ctx := context.Background()
	conv, err := svc.GetOrCreate(ctx, "shop-1", "a@b.c", "")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if err := svc.Close(ctx, conv.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	next, err := svc.GetOrCreate(ctx, "shop-1", "a@b.c", "")
	if err != nil {
		t.Fatalf("get or create after close: %v", err)
	}
	if next.ID == conv.ID {
		t.Fatalf("expected a new conversation after close")
	}
}
