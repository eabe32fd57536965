package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaStatements crea las tablas del chatbot si no existen.
// El índice parcial garantiza una sola conversación activa por (tienda, cliente).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS chatbot_setting (
		shop_id VARCHAR(255) PRIMARY KEY,
		shop_name VARCHAR(255),
		shop_logo_url TEXT,
		bot_id VARCHAR(255),
		tenant_id BIGINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS chatbot_conversation (
		conversation_id VARCHAR(255) PRIMARY KEY,
		shop_id VARCHAR(255) NOT NULL,
		customer_email VARCHAR(255) NOT NULL DEFAULT '',
		customer_name VARCHAR(255),
		status VARCHAR(16) NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'closed')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_chatbot_conversation_active
		ON chatbot_conversation (shop_id, customer_email) WHERE status = 'active'`,
	`CREATE TABLE IF NOT EXISTS chatbot_message (
		message_id VARCHAR(64) PRIMARY KEY,
		conversation_id VARCHAR(255) NOT NULL REFERENCES chatbot_conversation (conversation_id) ON DELETE CASCADE,
		shop_id VARCHAR(255) NOT NULL,
		sender VARCHAR(16) NOT NULL CHECK (sender IN ('user', 'assistant')),
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chatbot_message_conversation
		ON chatbot_message (conversation_id, created_at)`,
}

// EnsureSchema aplica el esquema mínimo de conversaciones y mensajes.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
