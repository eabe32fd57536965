package service

import (
	"testing"
	"time"

	"chat-relay/internal/domain"
)

func TestTokenCache_ValidityHonorsSafetyMargin(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	cache := NewTokenCache()
	cache.now = func() time.Time { return now }

	cache.Set("shop-1", domain.TokenInfo{AccessToken: "a", ExpiresTime: now.UnixMilli() + 101})
	if !cache.IsValid("shop-1") {
		t.Fatalf("expected token 101ms from expiry to be valid")
	}

	cache.Set("shop-1", domain.TokenInfo{AccessToken: "a", ExpiresTime: now.UnixMilli() + 100})
	if cache.IsValid("shop-1") {
		t.Fatalf("expected token inside safety margin to be invalid")
	}

	if cache.IsValid("missing") {
		t.Fatalf("expected missing shop to be invalid")
	}
}

func TestTokenCache_LastWriterWins(t *testing.T) {
	cache := NewTokenCache()
	cache.Set("shop-1", domain.TokenInfo{AccessToken: "first"})
	cache.Set("shop-1", domain.TokenInfo{AccessToken: "second"})

	info, ok := cache.Get("shop-1")
	if !ok || info.AccessToken != "second" {
		t.Fatalf("expected last write to win, got %+v ok=%v", info, ok)
	}
}

func TestTokenCache_DeleteAndClear(t *testing.T) {
	cache := NewTokenCache()
	cache.Set("shop-1", domain.TokenInfo{AccessToken: "a"})
	cache.Set("shop-2", domain.TokenInfo{AccessToken: "b"})

	cache.Delete("shop-1")
	if _, ok := cache.Get("shop-1"); ok {
		t.Fatalf("expected shop-1 deleted")
	}
	cache.Clear()
	if _, ok := cache.Get("shop-2"); ok {
		t.Fatalf("expected cache cleared")
	}
}
