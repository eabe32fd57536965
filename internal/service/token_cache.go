package service

import (
	"strings"
	"sync"
	"time"

	"chat-relay/internal/domain"
)

// SafetyMargin descuenta latencia de red al evaluar la vigencia de un token.
const SafetyMargin = 100 * time.Millisecond

// TokenCache guarda un TokenInfo por tienda. Ante refrescos concurrentes gana la última escritura.
type TokenCache struct {
	mu    sync.RWMutex
	items map[string]domain.TokenInfo
	now   func() time.Time
}

func NewTokenCache() *TokenCache {
	return &TokenCache{
		items: make(map[string]domain.TokenInfo),
		now:   time.Now,
	}
}

func (c *TokenCache) Get(shopID string) (domain.TokenInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.items[strings.TrimSpace(shopID)]
	return info, ok
}

func (c *TokenCache) Set(shopID string, info domain.TokenInfo) {
	shopID = strings.TrimSpace(shopID)
	if shopID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[shopID] = info
}

// IsValid reporta si hay un token para shopID que no vence dentro del margen de seguridad.
func (c *TokenCache) IsValid(shopID string) bool {
	info, ok := c.Get(shopID)
	if !ok {
		return false
	}
	return info.Valid(c.now(), SafetyMargin)
}

func (c *TokenCache) Delete(shopID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, strings.TrimSpace(shopID))
}

func (c *TokenCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]domain.TokenInfo)
}
