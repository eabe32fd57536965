package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat-relay/internal/domain"
)

const (
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
	readTimeout = 60 * time.Second
	sendBuffer  = 128
)

var ErrConnectionClosed = errors.New("connection closed")

// Identity es el resultado de autenticar el handshake.
type Identity struct {
	UserID    string
	ShopID    string
	SessionID string
}

// Connection envuelve un websocket y serializa las escrituras por un canal con buffer.
// Es segura para uso concurrente.
type Connection struct {
	ID       string
	Identity Identity

	ws    *websocket.Conn
	send  chan []byte
	once  sync.Once
	close chan struct{}
}

func NewConnection(identity Identity, ws *websocket.Conn) *Connection {
	return &Connection{
		ID:       uuid.NewString(),
		Identity: identity,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		close:    make(chan struct{}),
	}
}

// Start lanza el loop de escritura. Se llama una sola vez por conexión.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Emit serializa y encola un frame.
func (c *Connection) Emit(event, id string, data any) error {
	frame, err := domain.NewSocketFrame(event, id, data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.Send(payload)
}

// Send encola payload. Un cliente lento que llena el buffer se desconecta.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.close:
		return ErrConnectionClosed
	default:
	}
	select {
	case <-c.close:
		return ErrConnectionClosed
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.close)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.close:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
