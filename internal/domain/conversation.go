package domain

import "time"

type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationClosed ConversationStatus = "closed"
)

// Conversation es un hilo de mensajes entre un visitante y el asistente de una tienda.
type Conversation struct {
	ID            string             `json:"conversation_id"`
	ShopID        string             `json:"shop_id"`
	CustomerEmail string             `json:"customer_email,omitempty"`
	CustomerName  string             `json:"customer_name,omitempty"`
	Status        ConversationStatus `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}
