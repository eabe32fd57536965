package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat-relay/internal/domain"
)

// ErrActiveConversationExists se devuelve cuando ya hay una conversación activa para la identidad.
var ErrActiveConversationExists = errors.New("active conversation already exists")

const pgUniqueViolation = "23505"

type ConversationRepository interface {
	Create(ctx context.Context, conversation domain.Conversation) error
	GetByID(ctx context.Context, id string) (domain.Conversation, error)
	GetActive(ctx context.Context, shopID, customerEmail string) (domain.Conversation, error)
	UpdateStatus(ctx context.Context, id string, status domain.ConversationStatus) error
}

type PgConversationRepository struct {
	pool *pgxpool.Pool
}

func NewPgConversationRepository(pool *pgxpool.Pool) *PgConversationRepository {
	return &PgConversationRepository{pool: pool}
}

func (r *PgConversationRepository) Create(ctx context.Context, conversation domain.Conversation) error {
	const query = `
		INSERT INTO chatbot_conversation (conversation_id, shop_id, customer_email, customer_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	var name interface{}
	if conversation.CustomerName != "" {
		name = conversation.CustomerName
	}
	_, err := r.pool.Exec(ctx, query,
		conversation.ID,
		conversation.ShopID,
		conversation.CustomerEmail,
		name,
		string(conversation.Status),
		conversation.CreatedAt,
		conversation.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrActiveConversationExists
	}
	return err
}

func (r *PgConversationRepository) GetByID(ctx context.Context, id string) (domain.Conversation, error) {
	const query = `
		SELECT conversation_id, shop_id, customer_email, customer_name, status, created_at, updated_at
		FROM chatbot_conversation
		WHERE conversation_id = $1
	`
	return scanConversation(r.pool.QueryRow(ctx, query, id))
}

func (r *PgConversationRepository) GetActive(ctx context.Context, shopID, customerEmail string) (domain.Conversation, error) {
	const query = `
		SELECT conversation_id, shop_id, customer_email, customer_name, status, created_at, updated_at
		FROM chatbot_conversation
		WHERE shop_id = $1 AND customer_email = $2 AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanConversation(r.pool.QueryRow(ctx, query, shopID, customerEmail))
}

func (r *PgConversationRepository) UpdateStatus(ctx context.Context, id string, status domain.ConversationStatus) error {
	const query = `
		UPDATE chatbot_conversation SET status = $1, updated_at = $2 WHERE conversation_id = $3
	`
	_, err := r.pool.Exec(ctx, query, string(status), time.Now().UTC(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (domain.Conversation, error) {
	var (
		conv   domain.Conversation
		name   *string
		status string
	)
	err := row.Scan(
		&conv.ID,
		&conv.ShopID,
		&conv.CustomerEmail,
		&name,
		&status,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		return domain.Conversation{}, err
	}
	if name != nil {
		conv.CustomerName = *name
	}
	conv.Status = domain.ConversationStatus(status)
	return conv, nil
}
