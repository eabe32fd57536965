package socketclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat-relay/internal/domain"
)

var (
	ErrNotConnected                 = errors.New("socket not connected")
	ErrMaxReconnectAttemptsExceeded = errors.New("max reconnect attempts exceeded")
	ErrAckTimeout                   = errors.New("acknowledgement timed out")
	ErrRequestRejected              = errors.New("request rejected by relay")
)

const (
	defaultAckTimeout       = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateJoined
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Config struct {
	URL        string
	Token      string
	SessionID  string
	Backoff    Backoff
	AckTimeout time.Duration
}

// Client es el extremo cliente del canal persistente: conecta, se une a salas,
// envía mensajes con ack y se reconecta con backoff acotado.
type Client struct {
	logger *zap.Logger
	dialer Dialer
	clock  Clock
	bus    *bus

	mu             sync.Mutex
	cfg            Config
	backoff        Backoff
	state          State
	conn           Conn
	gen            int
	attempts       int
	failedReported bool
	rooms          map[string]struct{}
	conversationID string
	pending        map[string]chan domain.Ack
	timer          Timer

	writeMu sync.Mutex
}

func New(logger *zap.Logger, dialer Dialer, clock Clock) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dialer == nil {
		dialer = WebsocketDialer{HandshakeTimeout: defaultHandshakeTimeout}
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Client{
		logger:  logger,
		dialer:  dialer,
		clock:   clock,
		bus:     newBus(logger),
		backoff: DefaultBackoff(),
		rooms:   make(map[string]struct{}),
		pending: make(map[string]chan domain.Ack),
	}
}

// Subscribe registra un handler para kind. La función devuelta lo desregistra.
func (c *Client) Subscribe(kind EventKind, fn Handler) func() {
	return c.bus.subscribe(kind, fn)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedLocked()
}

func (c *Client) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

func (c *Client) connectedLocked() bool {
	return c.state == StateConnected || c.state == StateAuthenticated || c.state == StateJoined
}

// Connect abre el canal y vuelve cuando el servidor confirma con `connected`.
// Un fallo antes de la primera conexión se devuelve y no dispara reconexiones.
func (c *Client) Connect(ctx context.Context, cfg Config) error {
	c.mu.Lock()
	if c.connectedLocked() || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.cfg = cfg
	c.backoff = cfg.Backoff.normalized()
	c.state = StateConnecting
	c.attempts = 0
	c.failedReported = false
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, cfg.URL, handshakeHeader(cfg))
	if err != nil {
		c.setState(StateDisconnected)
		c.logger.Warn("socket connect failed", zap.String("url", cfg.URL), zap.Error(err))
		return fmt.Errorf("connect: %w", err)
	}

	ready := make(chan error, 1)
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	gen := c.attachLocked(conn, ready)
	c.mu.Unlock()

	select {
	case err := <-ready:
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		if c.gen == gen {
			c.gen++
			c.conn = nil
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		_ = conn.Close()
		return ctx.Err()
	}
}

// Disconnect cierra el canal y detiene las reconexiones. Connect puede volver a llamarse.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.failPendingLocked("client disconnected")
	c.rooms = make(map[string]struct{})
	c.conversationID = ""
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.bus.publish(Event{Kind: EventDisconnected, Reason: "client disconnect"})
}

// JoinConversation se une a la sala. Unirse dos veces a la misma sala no envía nada.
func (c *Client) JoinConversation(conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	c.mu.Lock()
	if !c.connectedLocked() {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := c.rooms[conversationID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.rooms[conversationID] = struct{}{}
	c.conversationID = conversationID
	c.mu.Unlock()

	if err := c.writeFrame(domain.EventJoinConversation, "", domain.ConversationRef{ConversationID: conversationID}); err != nil {
		c.mu.Lock()
		delete(c.rooms, conversationID)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) LeaveConversation(conversationID string) error {
	c.mu.Lock()
	if _, ok := c.rooms[conversationID]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.rooms, conversationID)
	if c.conversationID == conversationID {
		c.conversationID = ""
		if c.state == StateJoined {
			c.state = StateAuthenticated
		}
	}
	c.mu.Unlock()
	return c.writeFrame(domain.EventLeaveConversation, "", domain.ConversationRef{ConversationID: conversationID})
}

// SendMessage envía un mensaje regular. Si el relay lo rechaza se publica un message_error local.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) error {
	return c.sendWithAck(ctx, domain.EventSendMessage, domain.SendMessagePayload{
		ConversationID: conversationID,
		Content:        domain.TruncateContent(content),
	})
}

// SendStreamingMessage pide la respuesta en streaming. Si el relay lo rechaza se publica un message_error local.
func (c *Client) SendStreamingMessage(ctx context.Context, conversationID, content, botID string) error {
	return c.sendWithAck(ctx, domain.EventSendMessageStream, domain.SendMessagePayload{
		ConversationID: conversationID,
		Content:        domain.TruncateContent(content),
		BotID:          botID,
	})
}

func (c *Client) sendWithAck(ctx context.Context, event string, payload domain.SendMessagePayload) error {
	ack, err := c.request(ctx, event, payload)
	if err == nil && !ack.Success {
		err = fmt.Errorf("%w: %s", ErrRequestRejected, ack.Error)
	}
	if errors.Is(err, ErrNotConnected) {
		// No se escribió nada: el llamador puede elegir otro transporte.
		return err
	}
	if err != nil {
		c.logger.Warn("socket send failed", zap.String("event", event), zap.Error(err))
		c.bus.publish(Event{Kind: EventMessageError, ConversationID: payload.ConversationID, Err: err})
		return err
	}
	return nil
}

func (c *Client) StartTyping(conversationID string) error {
	return c.writeFrame(domain.EventTypingStart, "", domain.ConversationRef{ConversationID: conversationID})
}

func (c *Client) StopTyping(conversationID string) error {
	return c.writeFrame(domain.EventTypingStop, "", domain.ConversationRef{ConversationID: conversationID})
}

// LoadChatHistory pide una página en un solo ida y vuelta.
func (c *Client) LoadChatHistory(ctx context.Context, conversationID string, limit, page int) (domain.HistoryPage, error) {
	ack, err := c.request(ctx, domain.EventGetChatHistory, domain.HistoryRequest{
		ConversationID: conversationID,
		Limit:          limit,
		PageNo:         page,
	})
	if err != nil {
		return domain.HistoryPage{}, err
	}
	if !ack.Success {
		msg := ack.Error
		if msg == "" {
			msg = "failed to load chat history"
		}
		return domain.HistoryPage{}, fmt.Errorf("%w: %s", ErrRequestRejected, msg)
	}
	var out domain.HistoryPage
	if len(ack.Data) > 0 {
		if err := json.Unmarshal(ack.Data, &out); err != nil {
			return domain.HistoryPage{}, fmt.Errorf("decode history: %w", err)
		}
	}
	return out, nil
}

func (c *Client) request(ctx context.Context, event string, data any) (domain.Ack, error) {
	id := uuid.NewString()
	ch := make(chan domain.Ack, 1)

	c.mu.Lock()
	if c.conn == nil || !c.connectedLocked() {
		c.mu.Unlock()
		return domain.Ack{}, ErrNotConnected
	}
	c.pending[id] = ch
	timeout := c.cfg.AckTimeout
	c.mu.Unlock()
	if timeout <= 0 {
		timeout = defaultAckTimeout
	}

	if err := c.writeFrame(event, id, data); err != nil {
		c.dropPending(id)
		return domain.Ack{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ack := <-ch:
		return ack, nil
	case <-ctx.Done():
		c.dropPending(id)
		return domain.Ack{}, ctx.Err()
	case <-timer.C:
		c.dropPending(id)
		return domain.Ack{}, ErrAckTimeout
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) failPendingLocked(reason string) {
	for id, ch := range c.pending {
		ch <- domain.Ack{Success: false, Error: reason}
		delete(c.pending, id)
	}
}

func (c *Client) writeFrame(event, id string, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	frame, err := domain.NewSocketFrame(event, id, data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Client) attachLocked(conn Conn, ready chan error) int {
	c.gen++
	c.conn = conn
	gen := c.gen
	go c.readLoop(conn, gen, ready)
	return gen
}

func (c *Client) readLoop(conn Conn, gen int, ready chan error) {
	connected := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connectionEnded(gen, connected, ready, err)
			return
		}
		var frame domain.SocketFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Debug("socket frame skipped", zap.Error(err))
			continue
		}
		if frame.Event == domain.EventConnected {
			connected = true
			c.onConnected(gen)
			if ready != nil {
				ready <- nil
				ready = nil
			}
			continue
		}
		c.handleFrame(gen, frame)
	}
}

func (c *Client) onConnected(gen int) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.attempts = 0
	c.failedReported = false
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	c.logger.Info("socket connected")
	c.bus.publish(Event{Kind: EventConnected})
	for _, id := range rooms {
		if err := c.writeFrame(domain.EventJoinConversation, "", domain.ConversationRef{ConversationID: id}); err != nil {
			c.logger.Warn("rejoin conversation failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}
}

func (c *Client) handleFrame(gen int, frame domain.SocketFrame) {
	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}

	switch frame.Event {
	case domain.EventAck:
		var ack domain.Ack
		if err := json.Unmarshal(frame.Data, &ack); err != nil {
			ack = domain.Ack{Success: false, Error: "invalid ack"}
		}
		c.mu.Lock()
		ch, ok := c.pending[frame.ID]
		delete(c.pending, frame.ID)
		c.mu.Unlock()
		if ok {
			ch <- ack
		}
	case domain.EventAuthenticated:
		var auth domain.AuthenticatedPayload
		_ = json.Unmarshal(frame.Data, &auth)
		c.mu.Lock()
		if c.state == StateConnected {
			c.state = StateAuthenticated
		}
		c.mu.Unlock()
		c.bus.publish(Event{Kind: EventAuthenticated, Auth: auth, Raw: frame.Data})
	case domain.EventMessageChunk, domain.EventMessageComplete:
		var ev domain.StreamEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			c.logger.Debug("stream frame skipped", zap.String("event", frame.Event), zap.Error(err))
			return
		}
		kind := EventMessageChunk
		if frame.Event == domain.EventMessageComplete {
			kind = EventMessageComplete
		}
		c.bus.publish(Event{Kind: kind, ConversationID: ev.ConversationID, Stream: ev, Raw: frame.Data})
	case domain.EventMessageError:
		var payload domain.MessageErrorPayload
		_ = json.Unmarshal(frame.Data, &payload)
		msg := payload.Error
		if msg == "" {
			msg = "message error"
		}
		c.bus.publish(Event{Kind: EventMessageError, ConversationID: payload.ConversationID, Err: errors.New(msg), Raw: frame.Data})
	case domain.EventMessageReceived:
		var msg domain.ReceivedMessage
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			return
		}
		c.bus.publish(Event{Kind: EventMessageReceived, ConversationID: msg.ConversationID, Received: msg, Raw: frame.Data})
	case domain.EventTypingIndicator:
		var ind domain.TypingIndicator
		_ = json.Unmarshal(frame.Data, &ind)
		c.bus.publish(Event{Kind: EventTypingIndicator, ConversationID: ind.ConversationID, IsTyping: ind.IsTyping, Raw: frame.Data})
	case domain.EventJoinedConversation:
		var ref domain.ConversationRef
		_ = json.Unmarshal(frame.Data, &ref)
		c.mu.Lock()
		c.conversationID = ref.ConversationID
		if c.connectedLocked() {
			c.state = StateJoined
		}
		c.mu.Unlock()
		c.bus.publish(Event{Kind: EventJoinedConversation, ConversationID: ref.ConversationID, Raw: frame.Data})
	case domain.EventPresenceUpdate:
		c.bus.publish(Event{Kind: EventPresenceUpdate, Raw: frame.Data})
	default:
		c.logger.Debug("socket event ignored", zap.String("event", frame.Event))
	}
}

func (c *Client) connectionEnded(gen int, connected bool, ready chan error, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.failPendingLocked("connection lost")
	if ready != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		ready <- cause
		return
	}
	c.mu.Unlock()

	if connected {
		c.logger.Warn("socket connection lost", zap.Error(cause))
		c.bus.publish(Event{Kind: EventDisconnected, Reason: cause.Error()})
	}
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	if c.backoff.Exhausted(attempt) {
		c.state = StateDisconnected
		c.timer = nil
		report := !c.failedReported
		c.failedReported = true
		c.mu.Unlock()
		if report {
			c.logger.Error("socket reconnection failed", zap.Int("attempts", attempt-1))
			c.bus.publish(Event{Kind: EventReconnectFailed, Attempt: attempt - 1, Err: ErrMaxReconnectAttemptsExceeded})
		}
		return
	}
	c.state = StateReconnecting
	c.timer = c.clock.AfterFunc(c.backoff.NextDelay(attempt), c.reconnect)
	c.mu.Unlock()
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	attempt := c.attempts
	maxAttempts := c.backoff.MaxAttempts
	cfg := c.cfg
	c.mu.Unlock()

	c.logger.Info("socket reconnection attempt", zap.Int("attempt", attempt), zap.Int("max", maxAttempts))
	c.bus.publish(Event{Kind: EventReconnectAttempt, Attempt: attempt})

	ctx, cancel := context.WithTimeout(context.Background(), defaultHandshakeTimeout)
	conn, err := c.dialer.Dial(ctx, cfg.URL, handshakeHeader(cfg))
	cancel()
	if err != nil {
		c.logger.Warn("socket reconnection failed", zap.Int("attempt", attempt), zap.Error(err))
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.attachLocked(conn, nil)
	c.mu.Unlock()
}

func handshakeHeader(cfg Config) http.Header {
	h := http.Header{}
	if cfg.Token != "" {
		h.Set("Authorization", "Bearer "+cfg.Token)
	}
	if cfg.SessionID != "" {
		h.Set("X-Session-Id", cfg.SessionID)
	}
	return h
}
