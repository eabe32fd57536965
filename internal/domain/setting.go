package domain

import "time"

// ChatbotSetting es la configuración local del bot de una tienda.
type ChatbotSetting struct {
	ShopID      string    `json:"shop_id"`
	ShopName    string    `json:"shop_name,omitempty"`
	ShopLogoURL string    `json:"shop_logo_url,omitempty"`
	BotID       string    `json:"bot_id,omitempty"`
	TenantID    int64     `json:"tenant_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ShopInfo identifica a una tienda frente al servicio admin de bots.
type ShopInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Domain string `json:"domain,omitempty"`
}

// TenantConfig es la configuración del tenant expuesta por el servicio de bots.
type TenantConfig struct {
	ShopID     string   `json:"shopId"`
	Name       string   `json:"name,omitempty"`
	LogoURL    string   `json:"logoUrl,omitempty"`
	BotID      string   `json:"botId,omitempty"`
	SyncScopes []string `json:"syncScopes,omitempty"`
}

// ChatStatistics resume la actividad de chat del día.
type ChatStatistics struct {
	TodayCount     int     `json:"todayCount"`
	YesterdayCount int     `json:"yesterdayCount,omitempty"`
	IncreasePer    float64 `json:"increasePer,omitempty"`
}
