package chatbot

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
	"chat-relay/internal/service"
)

const (
	defaultAdminURL = "http://localhost:48080"
	loginPath       = "/admin-api/mail/shopify/auth/login"
	envelopeOK      = 0
)

var errUnauthorized = errors.New("upstream rejected credentials")

// envelope es la forma {code, data, msg} de todas las respuestas del servicio admin.
type envelope[T any] struct {
	Code int    `json:"code"`
	Data T      `json:"data"`
	Msg  string `json:"msg"`
}

type RequestOptions struct {
	Path   string
	Method string
	Body   any
}

// BotSetting es la configuración del bot que guarda el servicio admin.
type BotSetting struct {
	ID       int64  `json:"id,omitempty"`
	ShopID   string `json:"shopId"`
	BotID    string `json:"botId,omitempty"`
	ShopName string `json:"shopName,omitempty"`
}

// AdminClient llama al servicio admin de bots con tokens por tienda guardados en un TokenCache.
type AdminClient struct {
	baseURL         string
	defaultTenantID int64
	cache           *service.TokenCache
	client          *http.Client
	logger          *zap.Logger
}

func NewAdminClient(baseURL string, defaultTenantID int64, cache *service.TokenCache, timeout time.Duration, logger *zap.Logger) *AdminClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultAdminURL
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if cache == nil {
		cache = service.NewTokenCache()
	}
	return &AdminClient{
		baseURL:         baseURL,
		defaultTenantID: defaultTenantID,
		cache:           cache,
		client:          &http.Client{Timeout: timeout},
		logger:          logger,
	}
}

// GetAuthToken hace login de la tienda y devuelve su TokenInfo sin tocar el cache.
func (c *AdminClient) GetAuthToken(ctx context.Context, shopID string) (*domain.TokenInfo, error) {
	body, err := json.Marshal(map[string]string{"shopName": shopID})
	if err != nil {
		return nil, fmt.Errorf("marshal login: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("tenant-id", strconv.FormatInt(c.defaultTenantID, 10))

	var env envelope[domain.TokenInfo]
	if err := c.do(req, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if env.Code != envelopeOK || env.Data.AccessToken == "" {
		return nil, fmt.Errorf("%w: login rejected: %s", ErrAuthenticationFailed, env.Msg)
	}
	info := env.Data
	info.ShopID = shopID
	return &info, nil
}

func (c *AdminClient) ensureToken(ctx context.Context, shopID string, force bool) (domain.TokenInfo, error) {
	if !force && c.cache.IsValid(shopID) {
		info, _ := c.cache.Get(shopID)
		return info, nil
	}
	info, err := c.GetAuthToken(ctx, shopID)
	if err != nil {
		return domain.TokenInfo{}, err
	}
	c.cache.Set(shopID, *info)
	return *info, nil
}

// Request hace una llamada autenticada y devuelve Data cuando code == 0.
// Si la credencial es rechazada se descarta del cache, se refresca y se reintenta una sola vez.
// Cualquier otro fallo devuelve nil y queda registrado.
func Request[T any](ctx context.Context, c *AdminClient, shop domain.ShopInfo, opts RequestOptions) (*T, error) {
	shopID := strings.TrimSpace(shop.ID)
	if shopID == "" {
		return nil, fmt.Errorf("%w: shop id is required", ErrNotConfigured)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.ensureToken(ctx, shopID, attempt > 0)
		if err != nil {
			c.logger.Error("get auth token failed", zap.String("shop_id", shopID), zap.Error(err))
			return nil, err
		}
		data, err := doRequest[T](ctx, c, token, opts)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !errors.Is(err, errUnauthorized) {
			break
		}
		c.logger.Warn("admin api rejected token, refreshing", zap.String("shop_id", shopID))
		c.cache.Delete(shopID)
	}
	c.logger.Error("admin api request failed",
		zap.String("shop_id", shopID),
		zap.String("path", opts.Path),
		zap.Error(lastErr),
	)
	if errors.Is(lastErr, errUnauthorized) {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, lastErr)
	}
	return nil, lastErr
}

func doRequest[T any](ctx context.Context, c *AdminClient, token domain.TokenInfo, opts RequestOptions) (*T, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if opts.Body != nil {
		raw, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+opts.Path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("tenant-id", strconv.FormatInt(token.TenantID, 10))
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	var env envelope[T]
	if err := c.do(req, &env); err != nil {
		return nil, err
	}
	if env.Code == http.StatusUnauthorized {
		return nil, errUnauthorized
	}
	if env.Code != envelopeOK {
		return nil, fmt.Errorf("%w: code=%d msg=%s", ErrUpstreamUnavailable, env.Code, env.Msg)
	}
	return &env.Data, nil
}

func (c *AdminClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: status=%d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: unmarshal response: %v", ErrUpstreamUnavailable, err)
	}
	return nil
}

func (c *AdminClient) GetBotSetting(ctx context.Context, shop domain.ShopInfo) (*BotSetting, error) {
	return Request[BotSetting](ctx, c, shop, RequestOptions{
		Path:   "/admin-api/mail/shopify/botSettings/shop/" + url.PathEscape(shop.ID),
		Method: http.MethodGet,
	})
}

func (c *AdminClient) GetChatNumberToday(ctx context.Context, shop domain.ShopInfo) (*domain.ChatStatistics, error) {
	return Request[domain.ChatStatistics](ctx, c, shop, RequestOptions{
		Path:   "/admin-api/mail/coze-chat-history/todayChatStatistics",
		Method: http.MethodGet,
	})
}

// ChatReply pide una respuesta completa al bot de la tienda. ok es false ante cualquier fallo.
func (c *AdminClient) ChatReply(ctx context.Context, shop domain.ShopInfo, content string) (string, bool) {
	raw, err := Request[json.RawMessage](ctx, c, shop, RequestOptions{
		Path:   "/admin-api/mail/coze/chat",
		Method: http.MethodPost,
		Body: map[string]any{
			"userId":  1,
			"content": content,
			"imgPath": []string{},
		},
	})
	if err != nil || raw == nil || len(*raw) == 0 || string(*raw) == "null" {
		return "", false
	}
	var text string
	if err := json.Unmarshal(*raw, &text); err == nil {
		return text, text != ""
	}
	return string(*raw), true
}
