package domain

import "time"

// TokenInfo guarda las credenciales del servicio admin de bots para una tienda.
type TokenInfo struct {
	ShopID       string `json:"shopId"`
	UserID       int64  `json:"userId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresTime  int64  `json:"expiresTime"`
	TenantID     int64  `json:"tenantId"`
}

// Valid reporta si el token sigue vigente en now descontando margin.
func (t TokenInfo) Valid(now time.Time, margin time.Duration) bool {
	if t.AccessToken == "" {
		return false
	}
	return now.UnixMilli() < t.ExpiresTime-margin.Milliseconds()
}
