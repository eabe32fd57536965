package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chat-relay/internal/chatbot"
	"chat-relay/internal/config"
	"chat-relay/internal/db"
	"chat-relay/internal/domain"
	apihttp "chat-relay/internal/http"
	"chat-relay/internal/relay"
	"chat-relay/internal/repository"
	"chat-relay/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("db schema", zap.Error(err))
	}

	conversationRepo := repository.NewPgConversationRepository(pool)
	messageRepo := repository.NewPgMessageRepository(pool)
	settingRepo := repository.NewPgSettingRepository(pool)

	if cfg.ChatbotShopID != "" && cfg.ChatbotBotID != "" {
		now := time.Now().UTC()
		err := settingRepo.Upsert(ctx, domain.ChatbotSetting{
			ShopID:    cfg.ChatbotShopID,
			BotID:     cfg.ChatbotBotID,
			TenantID:  int64(cfg.ChatbotDefaultTenantID),
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			logger.Warn("seed chatbot setting failed", zap.Error(err))
		}
	}

	limiter := service.NewMemoryRateLimiter(cfg.ChatRateLimitWindow(), cfg.ChatRateLimitMax)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed, using in-memory rate limiter", zap.Error(err))
		} else {
			limiter = service.NewRedisRateLimiter(redisClient, cfg.ChatRateLimitWindow(), cfg.ChatRateLimitMax)
		}
		cancel()
	}

	authenticator := service.NewAuthenticator(cfg.ChatbotSSOSecret)
	if !cfg.ChatbotConfigured() {
		logger.Warn("chatbot not configured, streaming endpoints will answer 500")
	}
	nodeClient := chatbot.NewNodeClient(chatbot.NodeConfig{
		BaseURL:       cfg.ChatbotNodeURL,
		ShopID:        cfg.ChatbotShopID,
		SSOSecret:     cfg.ChatbotSSOSecret,
		WebhookSecret: cfg.ChatbotWebhookSecret,
		Timeout:       cfg.ChatbotHTTPTimeout(),
	}, logger)
	adminClient := chatbot.NewAdminClient(
		cfg.ChatbotAdminURL,
		int64(cfg.ChatbotDefaultTenantID),
		service.NewTokenCache(),
		cfg.ChatbotHTTPTimeout(),
		logger,
	)

	conversationSvc := service.NewConversationService(conversationRepo, messageRepo)
	chatSvc := service.NewChatService(logger, conversationSvc, settingRepo, adminClient)

	relayServer := relay.NewServer(logger, authenticator, conversationSvc, nodeClient, limiter)
	defer relayServer.Close()

	chatbotHandler := apihttp.NewChatbotHandler(logger, nodeClient, chatSvc, conversationSvc, settingRepo, limiter)
	router := apihttp.NewRouter(logger, chatbotHandler, authenticator, relayServer.Handle())

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		relayServer.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting server", zap.String("port", cfg.HTTPPort))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}
