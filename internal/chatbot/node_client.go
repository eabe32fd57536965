package chatbot

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"chat-relay/internal/domain"
	"chat-relay/internal/service"
)

const (
	defaultNodeURL     = "http://localhost:3000"
	defaultHTTPTimeout = 30 * time.Second
	streamPath         = "/api/coze/chat"
)

type NodeConfig struct {
	BaseURL       string
	ShopID        string
	SSOSecret     string
	WebhookSecret string
	Timeout       time.Duration
}

// ChatRequest es el cuerpo que espera el endpoint de chat en streaming del servicio de bots.
type ChatRequest struct {
	ShopID         string `json:"shopId"`
	Message        string `json:"message"`
	UserID         string `json:"userId"`
	UserRole       string `json:"userRole,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// NodeClient habla con chatbot-node usando credenciales firmadas con el secreto SSO.
type NodeClient struct {
	baseURL       string
	shopID        string
	auth          *service.Authenticator
	webhookSecret string
	client        *http.Client
	streamClient  *http.Client
	logger        *zap.Logger
}

func NewNodeClient(cfg NodeConfig, logger *zap.Logger) *NodeClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultNodeURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	c := &NodeClient{
		baseURL:       baseURL,
		shopID:        strings.TrimSpace(cfg.ShopID),
		auth:          service.NewAuthenticator(cfg.SSOSecret),
		webhookSecret: cfg.WebhookSecret,
		client:        &http.Client{Timeout: timeout},
		streamClient:  &http.Client{},
		logger:        logger,
	}
	if !c.IsConfigured() {
		logger.Warn("chatbot node client missing shop id or sso secret")
	}
	return c
}

// IsConfigured indica si hay tienda, secreto y URL base.
func (c *NodeClient) IsConfigured() bool {
	return c != nil && c.shopID != "" && c.auth.Configured() && c.baseURL != ""
}

func (c *NodeClient) ShopID() string {
	return c.shopID
}

// OpenStream abre el stream de chat y devuelve la respuesta cruda, sea cual sea su status.
// El llamador es dueño del cuerpo.
func (c *NodeClient) OpenStream(ctx context.Context, req ChatRequest) (*http.Response, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(req.ShopID) == "" {
		req.ShopID = c.shopID
	}
	token, err := c.auth.Issue(c.shopID)
	if err != nil {
		return nil, fmt.Errorf("%w: issue token: %v", ErrAuthenticationFailed, err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+streamPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return resp, nil
}

// Stream envía el mensaje y entrega los eventos por un canal que se cierra tras el evento terminal.
// Los fallos previos al primer byte se devuelven como error y no abren el canal.
func (c *NodeClient) Stream(ctx context.Context, req ChatRequest) (<-chan domain.StreamEvent, error) {
	resp, err := c.OpenStream(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || resp.Body == nil {
		if resp.Body != nil {
			resp.Body.Close()
		}
		c.logger.Error("chat stream upstream error", zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: status=%d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	events := make(chan domain.StreamEvent, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		ParseStream(ctx, resp.Body, req.ConversationID, c.logger, func(ev domain.StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return events, nil
}

// SendChatMessage adapta Stream a callbacks. Se invoca exactamente uno de onComplete u onError.
func (c *NodeClient) SendChatMessage(ctx context.Context, message, userID string, onChunk func(string), onComplete func(), onError func(error)) {
	events, err := c.Stream(ctx, ChatRequest{ShopID: c.shopID, Message: message, UserID: userID})
	if err != nil {
		onError(err)
		return
	}
	for ev := range events {
		switch ev.Type {
		case domain.StreamChunk:
			onChunk(ev.ContentChunk)
		case domain.StreamComplete:
			onComplete()
			return
		case domain.StreamError:
			onError(fmt.Errorf("%w: %s", ErrUpstreamUnavailable, ev.Error))
			return
		}
	}
	if err := ctx.Err(); err != nil {
		onError(err)
	}
}

func (c *NodeClient) GetTenantConfig(ctx context.Context) (*domain.TenantConfig, error) {
	var cfg domain.TenantConfig
	if err := c.getJSON(ctx, "/api/admin/tenants/"+url.PathEscape(c.shopID)+"/config", &cfg); err != nil {
		c.logger.Error("get tenant config failed", zap.Error(err))
		return nil, err
	}
	return &cfg, nil
}

func (c *NodeClient) GetChatStats(ctx context.Context) (*domain.ChatStatistics, error) {
	var stats domain.ChatStatistics
	if err := c.getJSON(ctx, "/api/chat-history/statistics/today", &stats); err != nil {
		c.logger.Error("get chat stats failed", zap.Error(err))
		return nil, err
	}
	return &stats, nil
}

func (c *NodeClient) getJSON(ctx context.Context, path string, out any) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}
	token, err := c.auth.Issue(c.shopID)
	if err != nil {
		return fmt.Errorf("%w: issue token: %v", ErrAuthenticationFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: status=%d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// VerifyWebhookSignature compara en tiempo constante el HMAC-SHA256 hex del payload.
// Sin secreto configurado siempre devuelve false.
func (c *NodeClient) VerifyWebhookSignature(payload []byte, signature string) bool {
	if c == nil || c.webhookSecret == "" {
		return false
	}
	expected := SignWebhookPayload(c.webhookSecret, payload)
	got := strings.ToLower(strings.TrimSpace(signature))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// SignWebhookPayload calcula la firma hex que envía el servicio de bots.
func SignWebhookPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
