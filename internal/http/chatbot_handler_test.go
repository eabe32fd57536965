package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"chat-relay/internal/chatbot"
	"chat-relay/internal/domain"
	"chat-relay/internal/service"
)

const testWebhookSecret = "hook-secret"

type fakeUpstream struct {
	configured bool
	status     int
	body       io.Reader
	openErr    error
	lastReq    chatbot.ChatRequest
	tenant     *domain.TenantConfig
}

func (f *fakeUpstream) IsConfigured() bool { return f.configured }

func (f *fakeUpstream) OpenStream(_ context.Context, req chatbot.ChatRequest) (*http.Response, error) {
	f.lastReq = req
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &http.Response{StatusCode: f.status, Body: io.NopCloser(f.body)}, nil
}

func (f *fakeUpstream) GetTenantConfig(context.Context) (*domain.TenantConfig, error) {
	return f.tenant, nil
}

func (f *fakeUpstream) GetChatStats(context.Context) (*domain.ChatStatistics, error) {
	return &domain.ChatStatistics{TodayCount: 7}, nil
}

func (f *fakeUpstream) VerifyWebhookSignature(payload []byte, signature string) bool {
	return chatbot.SignWebhookPayload(testWebhookSecret, payload) == signature
}

// brokenReader entrega data y luego falla, como un upstream que se corta.
type brokenReader struct {
	data []byte
	done bool
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if !r.done {
		r.done = true
		return copy(p, r.data), nil
	}
	return 0, errors.New("connection reset")
}

type fakeSender struct {
	result service.SendMessageResult
	err    error
	inputs []service.SendMessageInput
}

func (f *fakeSender) SendMessage(_ context.Context, in service.SendMessageInput) (service.SendMessageResult, error) {
	f.inputs = append(f.inputs, in)
	return f.result, f.err
}

type fakeHistory struct {
	conv domain.Conversation
	page domain.HistoryPage
}

func (f *fakeHistory) GetOrCreate(_ context.Context, shopID, identity, _ string) (domain.Conversation, error) {
	if shopID == "" {
		return domain.Conversation{}, service.ErrValidation
	}
	conv := f.conv
	conv.CustomerEmail = identity
	return conv, nil
}

func (f *fakeHistory) Get(_ context.Context, id string) (domain.Conversation, error) {
	if id != f.conv.ID {
		return domain.Conversation{}, service.ErrConversationNotFound
	}
	return f.conv, nil
}

func (f *fakeHistory) ListMessages(context.Context, string, int, int) (domain.HistoryPage, error) {
	return f.page, nil
}

type fakeSettings struct {
	items map[string]domain.ChatbotSetting
}

func (f *fakeSettings) GetByShopID(_ context.Context, shopID string) (domain.ChatbotSetting, error) {
	s, ok := f.items[shopID]
	if !ok {
		return domain.ChatbotSetting{}, pgx.ErrNoRows
	}
	return s, nil
}

func (f *fakeSettings) Upsert(_ context.Context, s domain.ChatbotSetting) error {
	f.items[s.ShopID] = s
	return nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(string) bool { return false }

type testDeps struct {
	upstream *fakeUpstream
	sender   *fakeSender
	history  *fakeHistory
	settings *fakeSettings
	limiter  service.ChatRateLimiter
	auth     *service.Authenticator
}

func newTestDeps() *testDeps {
	return &testDeps{
		upstream: &fakeUpstream{configured: true, status: http.StatusOK, body: strings.NewReader("")},
		sender:   &fakeSender{},
		history:  &fakeHistory{conv: domain.Conversation{ID: "conv-1", ShopID: "shop-1"}},
		settings: &fakeSettings{items: map[string]domain.ChatbotSetting{"shop-1": {ShopID: "shop-1", BotID: "bot-1"}}},
		auth:     service.NewAuthenticator("secret"),
	}
}

func (d *testDeps) router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewChatbotHandler(zap.NewNop(), d.upstream, d.sender, d.history, d.settings, d.limiter)
	return NewRouter(zap.NewNop(), h, d.auth, nil)
}

func doJSON(r http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestStream_RequiresMessageAndUser(t *testing.T) {
	d := newTestDeps()
	rec := doJSON(d.router(), http.MethodPost, "/api/chatbot/stream", map[string]string{"message": "hi"}, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "message and userId are required") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestStream_NotConfigured(t *testing.T) {
	d := newTestDeps()
	d.upstream.configured = false
	rec := doJSON(d.router(), http.MethodPost, "/api/chatbot/stream", map[string]string{"message": "hi", "userId": "u1"}, nil)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestStream_PropagatesUpstreamStatus(t *testing.T) {
	d := newTestDeps()
	d.upstream.status = http.StatusServiceUnavailable
	d.upstream.body = strings.NewReader(`{"error":"down"}`)
	rec := doJSON(d.router(), http.MethodPost, "/api/chatbot/stream", map[string]string{"message": "hi", "userId": "u1"}, nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Upstream chat error") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "text/event-stream") {
		t.Fatal("must not open an SSE stream on upstream failure")
	}
}

func TestStream_PipesBytesUnchanged(t *testing.T) {
	d := newTestDeps()
	upstream := "data: {\"type\":\"chunk\",\"content\":\"Hi\"}\n\ndata: {\"type\":\"done\"}\n\n"
	d.upstream.body = strings.NewReader(upstream)
	rec := doJSON(d.router(), http.MethodPost, "/api/chatbot/stream", map[string]string{"message": "hi", "userId": "u1"}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/event-stream") {
		t.Fatalf("unexpected content type %q", got)
	}
	if rec.Body.String() != upstream {
		t.Fatalf("expected byte-for-byte pipe, got %q", rec.Body.String())
	}
	if d.upstream.lastReq.UserRole != "visitor" || d.upstream.lastReq.UserID != "u1" {
		t.Fatalf("unexpected upstream request %+v", d.upstream.lastReq)
	}
}

func TestStream_MidStreamFailureWritesErrorFrame(t *testing.T) {
	d := newTestDeps()
	d.upstream.body = &brokenReader{data: []byte("data: {\"type\":\"chunk\",\"content\":\"Hi\"}\n\n")}
	rec := doJSON(d.router(), http.MethodPost, "/api/chatbot/stream", map[string]string{"message": "hi", "userId": "u1"}, nil)

	if !strings.HasSuffix(rec.Body.String(), proxyErrorFrame) {
		t.Fatalf("expected final error frame, got %q", rec.Body.String())
	}
}

func TestStream_RateLimited(t *testing.T) {
	d := newTestDeps()
	d.limiter = denyLimiter{}
	rec := doJSON(d.router(), http.MethodPost, "/api/chatbot/stream", map[string]string{"message": "hi", "userId": "u1"}, nil)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestSendMessage_ReturnsResult(t *testing.T) {
	d := newTestDeps()
	d.sender.result = service.SendMessageResult{ConversationID: "conv-1", UserMessage: "hola", BotResponse: "buenas", Timestamp: time.Now().UTC()}
	rec := doJSON(d.router(), http.MethodPost, "/api/chatbot/message", map[string]string{"shop_id": "shop-1", "message": "hola"}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Success bool                      `json:"success"`
		Data    service.SendMessageResult `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.Data.BotResponse != "buenas" {
		t.Fatalf("unexpected body %+v", body)
	}
	if d.sender.inputs[0].ShopID != "shop-1" || d.sender.inputs[0].Content != "hola" {
		t.Fatalf("unexpected input %+v", d.sender.inputs[0])
	}
}

func TestSendMessage_MapsErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{service.ErrValidation, http.StatusBadRequest},
		{service.ErrConversationNotFound, http.StatusNotFound},
		{service.ErrNotConfigured, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		d := newTestDeps()
		d.sender.err = tc.err
		rec := doJSON(d.router(), http.MethodPost, "/api/chatbot/message", map[string]string{"shop_id": "shop-1", "message": "hola"}, nil)
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestHistory(t *testing.T) {
	d := newTestDeps()
	d.history.page = domain.HistoryPage{Messages: []domain.Message{{ID: "m1", Content: "hola"}}, HasMore: true, Total: 2}
	r := d.router()

	rec := doJSON(r, http.MethodGet, "/api/chatbot/history?conversation_id=conv-1&limit=1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data domain.HistoryPage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data.Messages) != 1 || !body.Data.HasMore || body.Data.Total != 2 {
		t.Fatalf("unexpected page %+v", body.Data)
	}

	if rec := doJSON(r, http.MethodGet, "/api/chatbot/history", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := doJSON(r, http.MethodGet, "/api/chatbot/history?conversation_id=missing", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStatus_RequiresMatchingToken(t *testing.T) {
	d := newTestDeps()
	d.upstream.tenant = &domain.TenantConfig{ShopID: "shop-1", BotID: "bot-1"}
	r := d.router()

	if rec := doJSON(r, http.MethodGet, "/api/chatbot/status?shop_id=shop-1", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token, _ := d.auth.Issue("shop-1")
	auth := map[string]string{"Authorization": "Bearer " + token}
	rec := doJSON(r, http.MethodGet, "/api/chatbot/status?shop_id=shop-1", nil, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Success bool `json:"success"`
		Data    struct {
			TenantConfig *domain.TenantConfig   `json:"tenantConfig"`
			ChatStats    *domain.ChatStatistics `json:"chatStats"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.Data.TenantConfig == nil || body.Data.ChatStats.TodayCount != 7 {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	if rec := doJSON(r, http.MethodGet, "/api/chatbot/status?shop_id=shop-2", nil, auth); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another shop, got %d", rec.Code)
	}
}

func TestWebhook_VerifiesSignature(t *testing.T) {
	d := newTestDeps()
	r := d.router()
	payload := []byte(`{"event":"sync.completed","shopId":"shop-1"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/chatbot/webhook", bytes.NewReader(payload))
	req.Header.Set(signatureHeader, chatbot.SignWebhookPayload(testWebhookSecret, payload))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/chatbot/webhook", bytes.NewReader(payload))
	req.Header.Set(signatureHeader, chatbot.SignWebhookPayload("wrong", payload))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestStartConversation(t *testing.T) {
	d := newTestDeps()
	r := d.router()

	rec := doJSON(r, http.MethodPost, "/api/chatbot/conversation", map[string]string{"shop_id": "shop-1", "customer_email": "a@b.c"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data domain.Conversation `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.ID != "conv-1" || body.Data.CustomerEmail != "a@b.c" {
		t.Fatalf("unexpected conversation %+v", body.Data)
	}

	if rec := doJSON(r, http.MethodPost, "/api/chatbot/conversation", map[string]string{}, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
