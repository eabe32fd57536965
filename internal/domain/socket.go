package domain

import (
	"encoding/json"
	"time"
)

// Nombres de eventos del canal persistente.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventSendMessageStream = "send_message_stream"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventGetChatHistory    = "get_chat_history"

	EventConnected          = "connected"
	EventAuthenticated      = "authenticated"
	EventMessageChunk       = "message_chunk"
	EventMessageComplete    = "message_complete"
	EventMessageError       = "message_error"
	EventMessageReceived    = "message_received"
	EventTypingIndicator    = "typing_indicator"
	EventJoinedConversation = "joined_conversation"
	EventPresenceUpdate     = "presence_update"
	EventAck                = "ack"
)

// SocketFrame es la unidad de transporte del canal persistente.
// ID solo viaja en peticiones que esperan ack y en el ack correspondiente.
type SocketFrame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack es la respuesta a una petición con acuse de recibo.
type Ack struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	BotID          string `json:"botId,omitempty"`
}

type HistoryRequest struct {
	ConversationID string `json:"conversationId"`
	Limit          int    `json:"limit"`
	PageNo         int    `json:"pageNo"`
}

type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

type TypingIndicator struct {
	ConversationID string `json:"conversationId,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

type MessageErrorPayload struct {
	ConversationID string `json:"conversationId"`
	Error          string `json:"error"`
}

type AuthenticatedPayload struct {
	UserID    string `json:"userId"`
	ShopID    string `json:"shopId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// ReceivedMessage es un mensaje ya persistido reenviado a los miembros de la sala.
type ReceivedMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	MessageType    Role      `json:"messageType"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewSocketFrame serializa data dentro de un frame.
func NewSocketFrame(event, id string, data any) (SocketFrame, error) {
	frame := SocketFrame{Event: event, ID: id}
	if data == nil {
		return frame, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return SocketFrame{}, err
	}
	frame.Data = raw
	return frame, nil
}
