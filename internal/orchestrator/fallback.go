package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"chat-relay/internal/domain"
)

// ErrFallbackUnavailable se devuelve cuando el endpoint HTTP no pudo contestar.
var ErrFallbackUnavailable = errors.New("http fallback unavailable")

// FallbackRequest es el cuerpo de POST /api/chatbot/message.
type FallbackRequest struct {
	ShopID         string `json:"shop_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
	CustomerEmail  string `json:"customer_email,omitempty"`
	CustomerName   string `json:"customer_name,omitempty"`
}

// FallbackReply es la respuesta completa (no incremental) del camino HTTP.
type FallbackReply struct {
	ConversationID string    `json:"conversation_id"`
	UserMessage    string    `json:"user_message"`
	BotResponse    string    `json:"bot_response"`
	Timestamp      time.Time `json:"timestamp"`
	Error          string    `json:"error,omitempty"`
}

// Fallback es el transporte secundario cuando el canal persistente no está conectado.
type Fallback interface {
	Send(ctx context.Context, req FallbackRequest) (FallbackReply, error)
	History(ctx context.Context, conversationID string, limit, page int) (domain.HistoryPage, error)
}

// HTTPFallback habla con los endpoints regulares del servicio.
type HTTPFallback struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPFallback construye el cliente. timeout <= 0 usa 30s.
func NewHTTPFallback(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPFallback {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPFallback{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error,omitempty"`
}

func (f *HTTPFallback) Send(ctx context.Context, in FallbackRequest) (FallbackReply, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return FallbackReply{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/api/chatbot/message", bytes.NewReader(body))
	if err != nil {
		return FallbackReply{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	out, err := do[FallbackReply](f, req)
	if err != nil {
		return FallbackReply{}, err
	}
	return out, nil
}

// StartConversation obtiene o crea la conversación activa del cliente.
func (f *HTTPFallback) StartConversation(ctx context.Context, shopID, email, name string) (domain.Conversation, error) {
	body, err := json.Marshal(map[string]string{
		"shop_id":        shopID,
		"customer_email": email,
		"customer_name":  name,
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/api/chatbot/conversation", bytes.NewReader(body))
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return do[domain.Conversation](f, req)
}

func (f *HTTPFallback) History(ctx context.Context, conversationID string, limit, page int) (domain.HistoryPage, error) {
	q := url.Values{}
	q.Set("conversation_id", conversationID)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("page", strconv.Itoa(page))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/api/chatbot/history?"+q.Encode(), nil)
	if err != nil {
		return domain.HistoryPage{}, fmt.Errorf("create request: %w", err)
	}
	return do[domain.HistoryPage](f, req)
}

func do[T any](f *HTTPFallback, req *http.Request) (T, error) {
	var zero T
	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("fallback request failed", zap.String("path", req.URL.Path), zap.Error(err))
		return zero, fmt.Errorf("%w: %v", ErrFallbackUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return zero, fmt.Errorf("%w: read response: %v", ErrFallbackUnavailable, err)
	}
	var env envelope[T]
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode >= 400 {
		f.logger.Warn("fallback error status",
			zap.String("path", req.URL.Path),
			zap.Int("status", resp.StatusCode),
			zap.String("error", env.Error),
		)
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return zero, fmt.Errorf("%w: status=%d: %s", ErrFallbackUnavailable, resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return zero, fmt.Errorf("%w: decode response: %v", ErrFallbackUnavailable, decodeErr)
	}
	if !env.Success {
		return zero, fmt.Errorf("%w: %s", ErrFallbackUnavailable, env.Error)
	}
	return env.Data, nil
}
