package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chat-relay/internal/domain"
)

func TestHTTPFallback_Send(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chatbot/message" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req FallbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Message != "hola" || req.ShopID != "shop-1" {
			t.Errorf("unexpected body %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    FallbackReply{ConversationID: "conv-1", UserMessage: "hola", BotResponse: "buenas"},
		})
	}))
	defer srv.Close()

	f := NewHTTPFallback(srv.URL, time.Second, nil)
	reply, err := f.Send(context.Background(), FallbackRequest{ShopID: "shop-1", Message: "hola"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply.BotResponse != "buenas" || reply.ConversationID != "conv-1" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestHTTPFallback_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "Chatbot not configured"})
	}))
	defer srv.Close()

	f := NewHTTPFallback(srv.URL, time.Second, nil)
	_, err := f.Send(context.Background(), FallbackRequest{ShopID: "shop-1", Message: "hola"})
	if !errors.Is(err, ErrFallbackUnavailable) {
		t.Fatalf("expected ErrFallbackUnavailable, got %v", err)
	}
}

func TestHTTPFallback_History(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("conversation_id") != "conv-1" || r.URL.Query().Get("page") != "2" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    domain.HistoryPage{Messages: []domain.Message{{ID: "m1"}}, HasMore: true, Total: 5},
		})
	}))
	defer srv.Close()

	f := NewHTTPFallback(srv.URL, time.Second, nil)
	page, err := f.History(context.Background(), "conv-1", 20, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Messages) != 1 || !page.HasMore || page.Total != 5 {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestHTTPFallback_StartConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chatbot/conversation" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    domain.Conversation{ID: "conv-9", ShopID: "shop-1"},
		})
	}))
	defer srv.Close()

	conv, err := NewHTTPFallback(srv.URL, time.Second, nil).StartConversation(context.Background(), "shop-1", "a@b.c", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if conv.ID != "conv-9" {
		t.Fatalf("unexpected conversation %+v", conv)
	}
}
