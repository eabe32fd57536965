package socketclient

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"chat-relay/internal/domain"
)

// EventKind es el conjunto cerrado de eventos que publica el cliente.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventAuthenticated
	EventMessageChunk
	EventMessageComplete
	EventMessageError
	EventMessageReceived
	EventTypingIndicator
	EventJoinedConversation
	EventPresenceUpdate
	EventReconnectAttempt
	EventReconnectFailed
)

var eventNames = map[EventKind]string{
	EventConnected:          "connected",
	EventDisconnected:       "disconnected",
	EventAuthenticated:      "authenticated",
	EventMessageChunk:       "message_chunk",
	EventMessageComplete:    "message_complete",
	EventMessageError:       "message_error",
	EventMessageReceived:    "message_received",
	EventTypingIndicator:    "typing_indicator",
	EventJoinedConversation: "joined_conversation",
	EventPresenceUpdate:     "presence_update",
	EventReconnectAttempt:   "reconnect_attempt",
	EventReconnectFailed:    "reconnect_failed",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event lleva el payload correspondiente a su Kind; los demás campos quedan en cero.
type Event struct {
	Kind           EventKind
	ConversationID string
	Stream         domain.StreamEvent
	Received       domain.ReceivedMessage
	Auth           domain.AuthenticatedPayload
	IsTyping       bool
	Attempt        int
	Reason         string
	Err            error
	Raw            json.RawMessage
}

// Handler recibe eventos en la goroutine de lectura del cliente, en orden de llegada.
type Handler func(Event)

type subscription struct {
	id int
	fn Handler
}

type bus struct {
	logger *zap.Logger
	mu     sync.RWMutex
	nextID int
	subs   map[EventKind][]subscription
}

func newBus(logger *zap.Logger) *bus {
	return &bus{logger: logger, subs: make(map[EventKind][]subscription)}
}

// subscribe registra fn y devuelve la función que lo desregistra. Llamarla más de una vez no hace nada.
func (b *bus) subscribe(kind EventKind, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[kind]
			for i, s := range list {
				if s.id == id {
					b.subs[kind] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *bus) count(kind EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

func (b *bus) publish(ev Event) {
	b.mu.RLock()
	list := append([]subscription(nil), b.subs[ev.Kind]...)
	b.mu.RUnlock()

	for _, s := range list {
		b.call(s.fn, ev)
	}
}

func (b *bus) call(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("socket event handler panicked", zap.String("event", ev.Kind.String()), zap.Any("panic", r))
		}
	}()
	fn(ev)
}
