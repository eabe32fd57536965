package domain

import (
	"time"
	"unicode/utf8"
)

// Role identifica al emisor de un mensaje.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MaxMessageRunes es el tope práctico de contenido aceptado por mensaje.
const MaxMessageRunes = 4000

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	ShopID         string    `json:"shop_id,omitempty"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Valid indica si el rol es uno de los roles persistibles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// TruncateContent recorta content a MaxMessageRunes runas.
func TruncateContent(content string) string {
	if utf8.RuneCountInString(content) <= MaxMessageRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:MaxMessageRunes])
}

// HistoryPage es una página de mensajes ordenada del más antiguo al más reciente.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
	Total    int       `json:"total"`
}

// FallbackReply es la respuesta del asistente cuando ningún transporte pudo contestar.
const FallbackReply = "Sorry, the assistant is temporarily unavailable. Please try again later."
