package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-relay/internal/domain"
	"chat-relay/internal/socketclient"
)

const (
	DefaultTypingTimeout = 3 * time.Second
	defaultErrorText     = "Failed to get response"
)

var (
	ErrEmptyMessage = errors.New("message content is required")
	ErrNoTransport  = errors.New("no chat transport available")
	ErrClosed       = errors.New("orchestrator closed")
)

// Socket es la parte del cliente de relay que consume el orquestador.
type Socket interface {
	IsConnected() bool
	Subscribe(kind socketclient.EventKind, fn socketclient.Handler) func()
	JoinConversation(conversationID string) error
	LeaveConversation(conversationID string) error
	SendStreamingMessage(ctx context.Context, conversationID, content, botID string) error
	StartTyping(conversationID string) error
	StopTyping(conversationID string) error
	LoadChatHistory(ctx context.Context, conversationID string, limit, page int) (domain.HistoryPage, error)
}

// Message es la forma de un mensaje en la vista, idéntica para ambos transportes.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Role           domain.Role `json:"messageType"`
	Content        string      `json:"content"`
	Timestamp      time.Time   `json:"timestamp"`
	Streaming      bool        `json:"streaming,omitempty"`
}

// View es una copia inmutable del estado para la UI.
type View struct {
	ConversationID string
	Messages       []Message
	Loading        bool
	LoadingHistory bool
	Typing         bool
	Connected      bool
	Error          string
	HasMore        bool
}

type Options struct {
	BotID         string
	ShopID        string
	CustomerEmail string
	CustomerName  string
	TypingTimeout time.Duration
	Clock         socketclient.Clock
	Logger        *zap.Logger
	Now           func() time.Time
}

// Orchestrator reconcilia el canal persistente y el fallback HTTP en una sola vista
// para exactamente una conversación.
type Orchestrator struct {
	conversationID string
	socket         Socket
	fallback       Fallback
	opts           Options
	logger         *zap.Logger
	clock          socketclient.Clock
	now            func() time.Time

	mu             sync.Mutex
	messages       []Message
	loading        bool
	loadingHistory bool
	typing         bool
	connected      bool
	errText        string
	hasMore        bool
	closed         bool
	typingTimer    socketclient.Timer
	typingGen      int
	onChange       func(View)
	unsubscribe    []func()
}

func New(conversationID string, socket Socket, fallback Fallback, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = socketclient.RealClock()
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	o := &Orchestrator{
		conversationID: strings.TrimSpace(conversationID),
		socket:         socket,
		fallback:       fallback,
		opts:           opts,
		logger:         opts.Logger.With(zap.String("conversation_id", conversationID)),
		clock:          opts.Clock,
		now:            opts.Now,
		hasMore:        true,
	}
	if socket != nil {
		o.connected = socket.IsConnected()
		o.unsubscribe = []func(){
			socket.Subscribe(socketclient.EventConnected, o.handleConnected),
			socket.Subscribe(socketclient.EventDisconnected, o.handleDisconnected),
			socket.Subscribe(socketclient.EventMessageChunk, o.handleChunk),
			socket.Subscribe(socketclient.EventMessageComplete, o.handleComplete),
			socket.Subscribe(socketclient.EventMessageError, o.handleError),
			socket.Subscribe(socketclient.EventMessageReceived, o.handleReceived),
			socket.Subscribe(socketclient.EventTypingIndicator, o.handleTyping),
			socket.Subscribe(socketclient.EventReconnectFailed, o.handleReconnectFailed),
		}
	}
	return o
}

func (o *Orchestrator) ConversationID() string { return o.conversationID }

// OnChange registra el callback que recibe cada nueva vista. Reemplaza al anterior.
func (o *Orchestrator) OnChange(fn func(View)) {
	o.mu.Lock()
	o.onChange = fn
	o.mu.Unlock()
}

func (o *Orchestrator) Snapshot() View {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.viewLocked()
}

func (o *Orchestrator) viewLocked() View {
	return View{
		ConversationID: o.conversationID,
		Messages:       slices.Clone(o.messages),
		Loading:        o.loading,
		LoadingHistory: o.loadingHistory,
		Typing:         o.typing,
		Connected:      o.connected,
		Error:          o.errText,
		HasMore:        o.hasMore,
	}
}

// update aplica fn bajo el lock y notifica la vista resultante fuera de él.
func (o *Orchestrator) update(fn func()) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	fn()
	view := o.viewLocked()
	cb := o.onChange
	o.mu.Unlock()
	if cb != nil {
		cb(view)
	}
}

func (o *Orchestrator) socketReady() bool {
	return o.socket != nil && o.socket.IsConnected()
}

// Join une el orquestador a la sala de su conversación si el canal está conectado.
func (o *Orchestrator) Join() error {
	if !o.socketReady() {
		return socketclient.ErrNotConnected
	}
	return o.socket.JoinConversation(o.conversationID)
}

func (o *Orchestrator) Leave() error {
	if o.socket == nil {
		return nil
	}
	return o.socket.LeaveConversation(o.conversationID)
}

func (o *Orchestrator) StartTyping() error {
	if !o.socketReady() {
		return nil
	}
	return o.socket.StartTyping(o.conversationID)
}

func (o *Orchestrator) StopTyping() error {
	if !o.socketReady() {
		return nil
	}
	return o.socket.StopTyping(o.conversationID)
}

// SendMessage agrega el mensaje del usuario y pide la respuesta por el canal persistente
// si está conectado, o por el fallback HTTP si no.
func (o *Orchestrator) SendMessage(ctx context.Context, content string) error {
	content = domain.TruncateContent(strings.TrimSpace(content))
	if content == "" {
		return ErrEmptyMessage
	}
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return ErrClosed
	}

	o.update(func() {
		o.messages = append(o.messages, Message{
			ID:             "local_" + uuid.NewString(),
			ConversationID: o.conversationID,
			Role:           domain.RoleUser,
			Content:        content,
			Timestamp:      o.now(),
		})
		o.loading = true
		o.errText = ""
	})

	if o.socketReady() {
		if err := o.socket.JoinConversation(o.conversationID); err != nil {
			o.logger.Warn("join before send failed", zap.Error(err))
		}
		// Un rechazo llega también como message_error local y queda en la transcripción.
		err := o.socket.SendStreamingMessage(ctx, o.conversationID, content, o.opts.BotID)
		if !errors.Is(err, socketclient.ErrNotConnected) {
			return err
		}
		o.logger.Info("socket dropped before send, using http fallback")
	}
	return o.sendViaFallback(ctx, content)
}

func (o *Orchestrator) sendViaFallback(ctx context.Context, content string) error {
	if o.fallback == nil {
		o.failTotally(ErrNoTransport)
		return ErrNoTransport
	}
	reply, err := o.fallback.Send(ctx, FallbackRequest{
		ShopID:         o.opts.ShopID,
		ConversationID: o.conversationID,
		Message:        content,
		CustomerEmail:  o.opts.CustomerEmail,
		CustomerName:   o.opts.CustomerName,
	})
	if err != nil {
		o.logger.Warn("fallback send failed", zap.Error(err))
		o.failTotally(err)
		return fmt.Errorf("send message: %w", err)
	}

	ts := reply.Timestamp
	if ts.IsZero() {
		ts = o.now()
	}
	o.update(func() {
		o.messages = append(o.messages, Message{
			ID:             "http_" + uuid.NewString(),
			ConversationID: o.conversationID,
			Role:           domain.RoleAssistant,
			Content:        reply.BotResponse,
			Timestamp:      ts,
		})
		o.loading = false
		o.errText = reply.Error
	})
	return nil
}

// failTotally deja la vista consistente cuando ningún transporte contestó.
func (o *Orchestrator) failTotally(cause error) {
	o.update(func() { o.failLocked(cause) })
}

// failLocked cierra la respuesta en curso y deja la respuesta de reemplazo en la transcripción.
func (o *Orchestrator) failLocked(cause error) {
	o.finishStreamingLocked()
	o.stopTypingTimerLocked()
	o.messages = append(o.messages, Message{
		ID:             "fallback_" + uuid.NewString(),
		ConversationID: o.conversationID,
		Role:           domain.RoleAssistant,
		Content:        domain.FallbackReply,
		Timestamp:      o.now(),
	})
	o.loading = false
	o.typing = false
	o.errText = cause.Error()
}

// LoadHistory trae una página y la mezcla con los mensajes en memoria, sin duplicados
// y ordenada del más antiguo al más reciente.
func (o *Orchestrator) LoadHistory(ctx context.Context, page, limit int) error {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	o.update(func() {
		o.loadingHistory = true
		o.errText = ""
	})

	var (
		result domain.HistoryPage
		err    error
	)
	switch {
	case o.socketReady():
		result, err = o.socket.LoadChatHistory(ctx, o.conversationID, limit, page)
	case o.fallback != nil:
		result, err = o.fallback.History(ctx, o.conversationID, limit, page)
	default:
		err = ErrNoTransport
	}
	if err != nil {
		o.logger.Warn("load history failed", zap.Error(err))
		o.update(func() {
			o.loadingHistory = false
			o.errText = err.Error()
		})
		return err
	}

	o.update(func() {
		o.mergeHistoryLocked(result.Messages)
		o.hasMore = result.HasMore
		o.loadingHistory = false
	})
	o.logger.Debug("chat history loaded",
		zap.Int("loaded", len(result.Messages)),
		zap.Int("total", result.Total),
		zap.Bool("has_more", result.HasMore),
	)
	return nil
}

func (o *Orchestrator) mergeHistoryLocked(page []domain.Message) {
	seen := make(map[string]struct{}, len(o.messages))
	for _, m := range o.messages {
		seen[m.ID] = struct{}{}
	}
	merged := slices.Clone(o.messages)
	for _, m := range page {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, Message{
			ID:             m.ID,
			ConversationID: o.conversationID,
			Role:           m.Role,
			Content:        m.Content,
			Timestamp:      m.CreatedAt,
		})
	}
	slices.SortStableFunc(merged, func(a, b Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	o.messages = merged
}

// Clear vacía la transcripción en memoria.
func (o *Orchestrator) Clear() {
	o.update(func() {
		o.messages = nil
		o.errText = ""
	})
}

// Close desregistra los handlers y cancela el timer de escritura.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.stopTypingTimerLocked()
	unsubs := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()
	for _, off := range unsubs {
		off()
	}
}

func (o *Orchestrator) handleConnected(socketclient.Event) {
	o.update(func() {
		o.connected = true
		o.errText = ""
	})
}

func (o *Orchestrator) handleDisconnected(socketclient.Event) {
	o.update(func() { o.connected = false })
}

func (o *Orchestrator) handleReconnectFailed(ev socketclient.Event) {
	cause := ev.Err
	if cause == nil {
		cause = socketclient.ErrMaxReconnectAttemptsExceeded
	}
	o.update(func() {
		o.connected = false
		if o.loading {
			o.failLocked(cause)
			return
		}
		o.errText = cause.Error()
	})
}

func (o *Orchestrator) handleChunk(ev socketclient.Event) {
	if ev.ConversationID != o.conversationID {
		return
	}
	chunk := ev.Stream.ContentChunk
	o.update(func() {
		if n := len(o.messages); n > 0 && o.messages[n-1].Streaming {
			o.messages[n-1].Content += chunk
			return
		}
		o.messages = append(o.messages, Message{
			ID:             "stream_" + uuid.NewString(),
			ConversationID: o.conversationID,
			Role:           domain.RoleAssistant,
			Content:        chunk,
			Timestamp:      o.eventTime(ev.Stream.Timestamp),
			Streaming:      true,
		})
	})
}

func (o *Orchestrator) handleComplete(ev socketclient.Event) {
	if ev.ConversationID != o.conversationID {
		return
	}
	final := ev.Stream.Content
	o.update(func() {
		n := len(o.messages)
		switch {
		case n > 0 && o.messages[n-1].Streaming:
			if final != "" {
				o.messages[n-1].Content = final
			}
			o.messages[n-1].Streaming = false
		case final != "":
			o.messages = append(o.messages, Message{
				ID:             "stream_" + uuid.NewString(),
				ConversationID: o.conversationID,
				Role:           domain.RoleAssistant,
				Content:        final,
				Timestamp:      o.eventTime(ev.Stream.Timestamp),
			})
		}
		o.loading = false
		o.errText = ""
		o.typing = false
		o.stopTypingTimerLocked()
	})
}

func (o *Orchestrator) handleError(ev socketclient.Event) {
	if ev.ConversationID != o.conversationID {
		return
	}
	text := defaultErrorText
	if ev.Err != nil && ev.Err.Error() != "" {
		text = ev.Err.Error()
	}
	o.update(func() {
		o.finishStreamingLocked()
		o.loading = false
		o.errText = text
		o.messages = append(o.messages, Message{
			ID:             "error_" + uuid.NewString(),
			ConversationID: o.conversationID,
			Role:           domain.RoleAssistant,
			Content:        "Error: " + text,
			Timestamp:      o.now(),
		})
	})
}

// handleReceived agrega mensajes de usuario enviados desde otra pestaña.
func (o *Orchestrator) handleReceived(ev socketclient.Event) {
	msg := ev.Received
	if msg.ConversationID != o.conversationID || msg.MessageType != domain.RoleUser {
		return
	}
	o.update(func() {
		if msg.ID != "" && slices.ContainsFunc(o.messages, func(m Message) bool { return m.ID == msg.ID }) {
			return
		}
		id := msg.ID
		if id == "" {
			id = "recv_" + uuid.NewString()
		}
		o.messages = append(o.messages, Message{
			ID:             id,
			ConversationID: o.conversationID,
			Role:           domain.RoleUser,
			Content:        msg.Content,
			Timestamp:      o.eventTime(msg.Timestamp),
		})
	})
}

func (o *Orchestrator) handleTyping(ev socketclient.Event) {
	if ev.ConversationID != "" && ev.ConversationID != o.conversationID {
		return
	}
	o.update(func() {
		o.stopTypingTimerLocked()
		o.typing = ev.IsTyping
		if !ev.IsTyping {
			return
		}
		gen := o.typingGen
		o.typingTimer = o.clock.AfterFunc(o.opts.TypingTimeout, func() {
			o.update(func() {
				if o.typingGen == gen {
					o.typing = false
					o.typingTimer = nil
				}
			})
		})
	})
}

// stopTypingTimerLocked cancela el timer y anula cualquier disparo ya en vuelo.
func (o *Orchestrator) stopTypingTimerLocked() {
	o.typingGen++
	if o.typingTimer != nil {
		o.typingTimer.Stop()
		o.typingTimer = nil
	}
}

func (o *Orchestrator) finishStreamingLocked() {
	if n := len(o.messages); n > 0 && o.messages[n-1].Streaming {
		o.messages[n-1].Streaming = false
	}
}

func (o *Orchestrator) eventTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return o.now()
	}
	return ts
}
