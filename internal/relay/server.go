package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat-relay/internal/chatbot"
	"chat-relay/internal/domain"
	"chat-relay/internal/service"
)

const (
	defaultInflightTimeout = 5 * time.Second
	maxFrameBytes          = 1 << 20
)

// ConversationStore es lo que el relay necesita del almacén de conversaciones.
type ConversationStore interface {
	Get(ctx context.Context, id string) (domain.Conversation, error)
	Append(ctx context.Context, conversationID string, role domain.Role, content string) (domain.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit, page int) (domain.HistoryPage, error)
}

// Streamer entrega la respuesta del bot como eventos en orden.
type Streamer interface {
	Stream(ctx context.Context, req chatbot.ChatRequest) (<-chan domain.StreamEvent, error)
}

// TokenVerifier valida el token del handshake.
type TokenVerifier interface {
	Verify(token string) (service.Claims, error)
}

// Server atiende el canal persistente: autentica el handshake, maneja salas y reparte eventos.
type Server struct {
	logger          *zap.Logger
	verifier        TokenVerifier
	store           ConversationStore
	streamer        Streamer
	limiter         service.ChatRateLimiter
	router          *Router
	upgrader        websocket.Upgrader
	inflightTimeout time.Duration
}

func NewServer(logger *zap.Logger, verifier TokenVerifier, store ConversationStore, streamer Streamer, limiter service.ChatRateLimiter) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:   logger,
		verifier: verifier,
		store:    store,
		streamer: streamer,
		limiter:  limiter,
		router:   NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		inflightTimeout: defaultInflightTimeout,
	}
}

func (s *Server) Router() *Router {
	return s.router
}

// Close desconecta a todos los clientes.
func (s *Server) Close() {
	s.router.Close()
}

// Authenticate resuelve la identidad del handshake: bearer token verificado o id de sesión.
func (s *Server) Authenticate(r *http.Request) (Identity, error) {
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	sessionID := strings.TrimSpace(r.Header.Get("X-Session-Id"))
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.URL.Query().Get("sessionId"))
	}

	if token != "" {
		if s.verifier == nil {
			return Identity{}, service.ErrNotConfigured
		}
		claims, err := s.verifier.Verify(token)
		if err != nil {
			return Identity{}, err
		}
		return Identity{UserID: "shop:" + claims.ShopID, ShopID: claims.ShopID, SessionID: sessionID}, nil
	}
	if sessionID != "" {
		return Identity{UserID: "session:" + sessionID, SessionID: sessionID}, nil
	}
	return Identity{}, service.ErrAuthenticationFailed
}

// Handle hace el upgrade y procesa frames hasta que el cliente se desconecta.
func (s *Server) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := s.Authenticate(c.Request)
		if err != nil {
			s.logger.Warn("socket handshake rejected", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		conn := NewConnection(identity, ws)
		s.router.Attach(conn)
		activeConnections.Inc()
		s.logger.Info("socket connected", zap.String("conn_id", conn.ID), zap.String("user_id", identity.UserID))
		defer func() {
			for _, roomID := range s.router.Detach(conn) {
				s.broadcast(roomID, domain.EventPresenceUpdate, presence{UserID: identity.UserID, Online: false}, conn.ID)
			}
			conn.Close(websocket.CloseNormalClosure, "session closed")
			activeConnections.Dec()
			s.logger.Info("socket disconnected", zap.String("conn_id", conn.ID))
		}()

		ws.SetReadLimit(maxFrameBytes)
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(readTimeout))
		})

		_ = conn.Emit(domain.EventConnected, "", gin.H{"connectionId": conn.ID})
		_ = conn.Emit(domain.EventAuthenticated, "", domain.AuthenticatedPayload{
			UserID:    identity.UserID,
			ShopID:    identity.ShopID,
			SessionID: identity.SessionID,
		})

		ctx := context.WithoutCancel(c.Request.Context())
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
					!errors.Is(err, websocket.ErrCloseSent) {
					s.logger.Debug("socket read ended", zap.String("conn_id", conn.ID), zap.Error(err))
				}
				return
			}
			_ = ws.SetReadDeadline(time.Now().Add(readTimeout))

			var frame domain.SocketFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				s.ack(conn, "", false, "invalid payload", nil)
				continue
			}
			s.dispatch(ctx, conn, frame)
		}
	}
}

type presence struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId,omitempty"`
	Online         bool   `json:"online"`
}

func (s *Server) dispatch(ctx context.Context, conn *Connection, frame domain.SocketFrame) {
	inboundFrames.WithLabelValues(frameLabel(frame.Event)).Inc()
	switch frame.Event {
	case domain.EventJoinConversation:
		s.handleJoin(ctx, conn, frame)
	case domain.EventLeaveConversation:
		s.handleLeave(conn, frame)
	case domain.EventSendMessage:
		s.handleSend(ctx, conn, frame)
	case domain.EventSendMessageStream:
		s.handleSendStream(ctx, conn, frame)
	case domain.EventTypingStart, domain.EventTypingStop:
		s.handleTyping(conn, frame)
	case domain.EventGetChatHistory:
		s.handleHistory(ctx, conn, frame)
	default:
		s.ack(conn, frame.ID, false, "unknown event", nil)
	}
}

func (s *Server) handleJoin(ctx context.Context, conn *Connection, frame domain.SocketFrame) {
	var ref domain.ConversationRef
	if err := decodeData(frame.Data, &ref); err != nil || ref.ConversationID == "" {
		s.ack(conn, frame.ID, false, "conversationId is required", nil)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.inflightTimeout)
	defer cancel()
	if err := s.checkAccess(ctx, conn, ref.ConversationID); err != nil {
		s.ack(conn, frame.ID, false, publicError(err), nil)
		return
	}

	if s.router.Join(ref.ConversationID, conn) {
		s.broadcast(ref.ConversationID, domain.EventPresenceUpdate, presence{
			UserID:         conn.Identity.UserID,
			ConversationID: ref.ConversationID,
			Online:         true,
		}, conn.ID)
	}
	_ = conn.Emit(domain.EventJoinedConversation, "", ref)
	s.ack(conn, frame.ID, true, "", ref)
}

// checkAccess exige que la conversación exista y, si la conexión viene con token de tienda,
// que pertenezca a esa tienda. Una conversación ajena se reporta como inexistente.
func (s *Server) checkAccess(ctx context.Context, conn *Connection, conversationID string) error {
	conv, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conn.Identity.ShopID != "" && conv.ShopID != conn.Identity.ShopID {
		return service.ErrConversationNotFound
	}
	return nil
}

func (s *Server) handleLeave(conn *Connection, frame domain.SocketFrame) {
	var ref domain.ConversationRef
	if err := decodeData(frame.Data, &ref); err != nil || ref.ConversationID == "" {
		s.ack(conn, frame.ID, false, "conversationId is required", nil)
		return
	}
	s.router.Leave(ref.ConversationID, conn)
	s.ack(conn, frame.ID, true, "", ref)
}

func (s *Server) handleTyping(conn *Connection, frame domain.SocketFrame) {
	var ref domain.ConversationRef
	if err := decodeData(frame.Data, &ref); err != nil || ref.ConversationID == "" {
		return
	}
	s.broadcast(ref.ConversationID, domain.EventTypingIndicator, domain.TypingIndicator{
		ConversationID: ref.ConversationID,
		IsTyping:       frame.Event == domain.EventTypingStart,
	}, conn.ID)
}

func (s *Server) handleHistory(ctx context.Context, conn *Connection, frame domain.SocketFrame) {
	var req domain.HistoryRequest
	if err := decodeData(frame.Data, &req); err != nil || req.ConversationID == "" {
		s.ack(conn, frame.ID, false, "conversationId is required", nil)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.inflightTimeout)
	defer cancel()
	if err := s.checkAccess(ctx, conn, req.ConversationID); err != nil {
		s.ack(conn, frame.ID, false, publicError(err), nil)
		return
	}
	page, err := s.store.ListMessages(ctx, req.ConversationID, req.Limit, req.PageNo)
	if err != nil {
		s.ack(conn, frame.ID, false, publicError(err), nil)
		return
	}
	s.ack(conn, frame.ID, true, "", page)
}

// acceptUserMessage valida, limita y persiste el mensaje del usuario. Responde el ack en caso de fallo.
func (s *Server) acceptUserMessage(ctx context.Context, conn *Connection, frame domain.SocketFrame) (domain.SendMessagePayload, domain.Message, bool) {
	var payload domain.SendMessagePayload
	if err := decodeData(frame.Data, &payload); err != nil {
		s.ack(conn, frame.ID, false, "invalid payload", nil)
		return payload, domain.Message{}, false
	}
	payload.ConversationID = strings.TrimSpace(payload.ConversationID)
	payload.Content = strings.TrimSpace(payload.Content)
	if payload.ConversationID == "" || payload.Content == "" {
		s.ack(conn, frame.ID, false, "conversationId and content are required", nil)
		return payload, domain.Message{}, false
	}
	if s.limiter != nil && !s.limiter.Allow(conn.Identity.UserID) {
		s.ack(conn, frame.ID, false, "rate limited", nil)
		return payload, domain.Message{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, s.inflightTimeout)
	defer cancel()
	if err := s.checkAccess(ctx, conn, payload.ConversationID); err != nil {
		s.ack(conn, frame.ID, false, publicError(err), nil)
		return payload, domain.Message{}, false
	}
	msg, err := s.store.Append(ctx, payload.ConversationID, domain.RoleUser, payload.Content)
	if err != nil {
		s.ack(conn, frame.ID, false, publicError(err), nil)
		return payload, domain.Message{}, false
	}
	s.router.Join(payload.ConversationID, conn)
	return payload, msg, true
}

func (s *Server) handleSend(ctx context.Context, conn *Connection, frame domain.SocketFrame) {
	payload, msg, ok := s.acceptUserMessage(ctx, conn, frame)
	if !ok {
		return
	}
	received := toReceived(msg)
	s.ack(conn, frame.ID, true, "", received)
	s.broadcast(payload.ConversationID, domain.EventMessageReceived, received, conn.ID)
}

func (s *Server) handleSendStream(ctx context.Context, conn *Connection, frame domain.SocketFrame) {
	payload, msg, ok := s.acceptUserMessage(ctx, conn, frame)
	if !ok {
		return
	}
	received := toReceived(msg)
	s.ack(conn, frame.ID, true, "", received)
	s.broadcast(payload.ConversationID, domain.EventMessageReceived, received, conn.ID)

	go s.relayStream(ctx, conn.Identity.UserID, payload)
}

// relayStream reparte los eventos del bot a la sala en orden y persiste la respuesta completa.
func (s *Server) relayStream(ctx context.Context, userID string, payload domain.SendMessagePayload) {
	convID := payload.ConversationID
	s.broadcast(convID, domain.EventTypingIndicator, domain.TypingIndicator{ConversationID: convID, IsTyping: true}, "")
	defer s.broadcast(convID, domain.EventTypingIndicator, domain.TypingIndicator{ConversationID: convID, IsTyping: false}, "")

	if s.streamer == nil {
		streamOutcomes.WithLabelValues("unavailable").Inc()
		s.broadcast(convID, domain.EventMessageError, domain.MessageErrorPayload{ConversationID: convID, Error: service.ErrNotConfigured.Error()}, "")
		return
	}
	events, err := s.streamer.Stream(ctx, chatbot.ChatRequest{
		Message:        payload.Content,
		UserID:         userID,
		ConversationID: convID,
	})
	if err != nil {
		s.logger.Error("bot stream failed", zap.String("conversation_id", convID), zap.Error(err))
		streamOutcomes.WithLabelValues("unavailable").Inc()
		s.broadcast(convID, domain.EventMessageError, domain.MessageErrorPayload{ConversationID: convID, Error: publicError(err)}, "")
		return
	}

	for ev := range events {
		ev.ConversationID = convID
		switch ev.Type {
		case domain.StreamChunk:
			s.broadcast(convID, domain.EventMessageChunk, ev, "")
		case domain.StreamComplete:
			if strings.TrimSpace(ev.Content) != "" {
				persistCtx, cancel := context.WithTimeout(ctx, s.inflightTimeout)
				if _, err := s.store.Append(persistCtx, convID, domain.RoleAssistant, ev.Content); err != nil {
					s.logger.Error("persist assistant message failed", zap.String("conversation_id", convID), zap.Error(err))
				}
				cancel()
			}
			streamOutcomes.WithLabelValues("complete").Inc()
			s.broadcast(convID, domain.EventMessageComplete, ev, "")
		case domain.StreamError:
			streamOutcomes.WithLabelValues("error").Inc()
			s.broadcast(convID, domain.EventMessageError, domain.MessageErrorPayload{ConversationID: convID, Error: ev.Error}, "")
		}
	}
}

func (s *Server) broadcast(conversationID, event string, data any, excludeConnID string) {
	frame, err := domain.NewSocketFrame(event, "", data)
	if err != nil {
		s.logger.Error("encode frame failed", zap.String("event", event), zap.Error(err))
		return
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("encode frame failed", zap.String("event", event), zap.Error(err))
		return
	}
	s.router.Broadcast(conversationID, payload, excludeConnID)
}

func (s *Server) ack(conn *Connection, id string, success bool, errMsg string, data any) {
	if id == "" {
		if !success {
			_ = conn.Emit(domain.EventMessageError, "", domain.MessageErrorPayload{Error: errMsg})
		}
		return
	}
	ack := domain.Ack{Success: success, Error: errMsg}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			ack = domain.Ack{Success: false, Error: "internal error"}
		} else {
			ack.Data = raw
		}
	}
	_ = conn.Emit(domain.EventAck, id, ack)
}

func decodeData(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return errors.New("empty data")
	}
	return json.Unmarshal(raw, out)
}

func toReceived(msg domain.Message) domain.ReceivedMessage {
	return domain.ReceivedMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		MessageType:    msg.Role,
		Timestamp:      msg.CreatedAt,
	}
}

func publicError(err error) string {
	switch {
	case errors.Is(err, service.ErrConversationNotFound):
		return "conversation not found"
	case errors.Is(err, service.ErrValidation):
		return err.Error()
	case errors.Is(err, service.ErrNotConfigured):
		return "chatbot not configured"
	case errors.Is(err, chatbot.ErrUpstreamUnavailable):
		return "bot temporarily unavailable"
	default:
		return "internal error"
	}
}
