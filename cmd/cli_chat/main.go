package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"chat-relay/internal/config"
	"chat-relay/internal/domain"
	"chat-relay/internal/orchestrator"
	"chat-relay/internal/service"
	"chat-relay/internal/socketclient"
)

func main() {
	ctx := context.Background()
	reader := bufio.NewReader(os.Stdin)

	_ = godotenv.Load()

	cfg, err := config.LoadClientConfig()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.ShopID == "" {
		log.Fatal("CHATBOT_SHOP_ID is required")
	}

	logger := zap.NewNop()
	if cfg.Debug {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	fallback := orchestrator.NewHTTPFallback(cfg.APIBaseURL, 30*time.Second, logger)
	conv, err := fallback.StartConversation(ctx, cfg.ShopID, cfg.UserEmail, cfg.UserName)
	if err != nil {
		log.Fatalf("iniciar conversación: %v", err)
	}

	token := ""
	if cfg.SSOSecret != "" {
		token, err = service.NewAuthenticator(cfg.SSOSecret).Issue(cfg.ShopID)
		if err != nil {
			log.Fatalf("firmar token: %v", err)
		}
	}

	client := socketclient.New(logger, socketclient.WebsocketDialer{}, socketclient.RealClock())
	defer client.Disconnect()
	client.Subscribe(socketclient.EventReconnectAttempt, func(ev socketclient.Event) {
		fmt.Printf("(reconectando, intento %d)\n", ev.Attempt)
	})
	client.Subscribe(socketclient.EventReconnectFailed, func(socketclient.Event) {
		fmt.Println("(sin conexión en tiempo real, se usa HTTP)")
	})

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = client.Connect(connectCtx, socketclient.Config{
		URL:       cfg.SocketURL,
		Token:     token,
		SessionID: uuid.NewString(),
		Backoff:   socketclient.DefaultBackoff(),
	})
	cancel()
	if err != nil {
		fmt.Printf("(canal en tiempo real no disponible: %v; se usa HTTP)\n", err)
	}

	orch := orchestrator.New(conv.ID, client, fallback, orchestrator.Options{
		BotID:         cfg.BotID,
		ShopID:        cfg.ShopID,
		CustomerEmail: cfg.UserEmail,
		CustomerName:  cfg.UserName,
		Logger:        logger,
	})
	defer orch.Close()

	p := &printer{}
	orch.OnChange(p.render)

	if client.IsConnected() {
		if err := orch.Join(); err != nil {
			fmt.Printf("(no se pudo unir a la conversación: %v)\n", err)
		}
	}
	if err := orch.LoadHistory(ctx, 1, 20); err != nil {
		fmt.Printf("(historial no disponible: %v)\n", err)
	}

	fmt.Printf("Conversación %s. Comandos: /history, /clear, /quit\n", conv.ID)
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return
		case "/clear":
			orch.Clear()
			continue
		case "/history":
			if err := orch.LoadHistory(ctx, 1, 50); err != nil {
				fmt.Printf("(historial no disponible: %v)\n", err)
			}
			continue
		}

		if err := orch.SendMessage(ctx, line); err != nil {
			logger.Debug("send message failed", zap.Error(err))
		}
		p.wait(orch, 60*time.Second)
	}
}

// printer imprime los mensajes terminados una sola vez.
type printer struct {
	mu      sync.Mutex
	printed map[string]struct{}
	lastErr string
}

func (p *printer) render(v orchestrator.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.printed == nil {
		p.printed = make(map[string]struct{})
	}
	for _, m := range v.Messages {
		if m.Streaming {
			continue
		}
		if _, ok := p.printed[m.ID]; ok {
			continue
		}
		p.printed[m.ID] = struct{}{}
		if m.Role == domain.RoleUser {
			if !strings.HasPrefix(m.ID, "local_") {
				fmt.Printf("[you] %s\n", m.Content)
			}
			continue
		}
		fmt.Printf("[bot] %s\n", m.Content)
	}
	if v.Error != "" && v.Error != p.lastErr {
		fmt.Printf("(error: %s)\n", v.Error)
	}
	p.lastErr = v.Error
}

// wait bloquea hasta que la respuesta en curso termina o vence timeout.
func (p *printer) wait(orch *orchestrator.Orchestrator, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !orch.Snapshot().Loading {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Println("(sin respuesta del asistente)")
}
