package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat-relay/internal/domain"
)

type MessageRepository interface {
	Append(ctx context.Context, message domain.Message) error
	ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]domain.Message, error)
	CountByConversation(ctx context.Context, conversationID string) (int, error)
}

type PgMessageRepository struct {
	pool *pgxpool.Pool
}

func NewPgMessageRepository(pool *pgxpool.Pool) *PgMessageRepository {
	return &PgMessageRepository{pool: pool}
}

// Append inserta el mensaje y toca updated_at de la conversación en la misma transacción.
func (r *PgMessageRepository) Append(ctx context.Context, message domain.Message) error {
	const insertQuery = `
		INSERT INTO chatbot_message (message_id, conversation_id, shop_id, sender, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	const touchQuery = `
		UPDATE chatbot_conversation SET updated_at = $1 WHERE conversation_id = $2
	`
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertQuery,
			message.ID,
			message.ConversationID,
			message.ShopID,
			string(message.Role),
			message.Content,
			message.CreatedAt,
		); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, touchQuery, message.CreatedAt, message.ConversationID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
}

func (r *PgMessageRepository) ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]domain.Message, error) {
	const query = `
		SELECT message_id, conversation_id, shop_id, sender, content, created_at
		FROM chatbot_message
		WHERE conversation_id = $1
		ORDER BY created_at ASC, message_id ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]domain.Message, 0, limit)
	for rows.Next() {
		var (
			msg    domain.Message
			sender string
		)
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.ShopID,
			&sender,
			&msg.Content,
			&msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		msg.Role = domain.Role(sender)
		messages = append(messages, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *PgMessageRepository) CountByConversation(ctx context.Context, conversationID string) (int, error) {
	const query = `SELECT COUNT(*) FROM chatbot_message WHERE conversation_id = $1`
	var total int
	err := r.pool.QueryRow(ctx, query, conversationID).Scan(&total)
	return total, err
}
