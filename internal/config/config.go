package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort      string `env:"HTTP_PORT" envDefault:"8080"`
	DatabaseURL   string `env:"DATABASE_URL,required"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	ChatbotNodeURL         string `env:"CHATBOT_NODE_URL" envDefault:"http://localhost:3000"`
	ChatbotShopID          string `env:"CHATBOT_SHOP_ID"`
	ChatbotSSOSecret       string `env:"CHATBOT_SSO_SECRET"`
	ChatbotWebhookSecret   string `env:"CHATBOT_WEBHOOK_SECRET"`
	ChatbotBotID           string `env:"CHATBOT_BOT_ID"`
	ChatbotAdminURL        string `env:"CHATBOT_ADMIN_URL" envDefault:"http://localhost:48080"`
	ChatbotDefaultTenantID int    `env:"CHATBOT_DEFAULT_TENANT_ID" envDefault:"1"`
	ChatbotHTTPTimeoutSecs int    `env:"CHATBOT_HTTP_TIMEOUT_SECONDS" envDefault:"30"`

	ChatRateLimitWindowSecs int `env:"CHAT_RATE_LIMIT_WINDOW_SECONDS" envDefault:"60"`
	ChatRateLimitMax        int `env:"CHAT_RATE_LIMIT_MAX" envDefault:"20"`
}

// ClientConfig agrupa la configuración del cliente de terminal.
type ClientConfig struct {
	SocketURL  string `env:"SOCKET_URL" envDefault:"ws://localhost:8080/ws"`
	APIBaseURL string `env:"CHAT_API_URL" envDefault:"http://localhost:8080"`
	ShopID     string `env:"CHATBOT_SHOP_ID"`
	SSOSecret  string `env:"CHATBOT_SSO_SECRET"`
	BotID      string `env:"CHATBOT_BOT_ID"`
	UserEmail  string `env:"CHAT_USER_EMAIL" envDefault:"cli_test@example.com"`
	UserName   string `env:"CHAT_USER_NAME"`
	Debug      bool   `env:"CHAT_DEBUG" envDefault:"false"`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadClientConfig carga la configuración del cliente desde variables de entorno.
func LoadClientConfig() (*ClientConfig, error) {
	var cfg ClientConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ChatbotConfigured indica si hay tienda, secreto SSO y URL del servicio de bot.
func (c *Config) ChatbotConfigured() bool {
	return strings.TrimSpace(c.ChatbotShopID) != "" &&
		strings.TrimSpace(c.ChatbotSSOSecret) != "" &&
		strings.TrimSpace(c.ChatbotNodeURL) != ""
}

// ChatbotHTTPTimeout devuelve el timeout de las llamadas one-shot al servicio de bot.
func (c *Config) ChatbotHTTPTimeout() time.Duration {
	if c.ChatbotHTTPTimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ChatbotHTTPTimeoutSecs) * time.Second
}

// ChatRateLimitWindow devuelve la ventana del rate limiter de mensajes.
func (c *Config) ChatRateLimitWindow() time.Duration {
	if c.ChatRateLimitWindowSecs <= 0 {
		return time.Minute
	}
	return time.Duration(c.ChatRateLimitWindowSecs) * time.Second
}
