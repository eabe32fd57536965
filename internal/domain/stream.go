package domain

import "time"

// StreamEventType discrimina los eventos de construcción de un mensaje.
type StreamEventType string

const (
	StreamChunk    StreamEventType = "chunk"
	StreamComplete StreamEventType = "complete"
	StreamError    StreamEventType = "error"
)

// StreamEvent es la codificación de transporte de un mensaje del asistente en construcción.
type StreamEvent struct {
	Type           StreamEventType `json:"type"`
	ConversationID string          `json:"conversationId"`
	ContentChunk   string          `json:"contentChunk,omitempty"`
	Content        string          `json:"content,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Error          string          `json:"error,omitempty"`
}
