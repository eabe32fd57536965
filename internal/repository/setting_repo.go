package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"chat-relay/internal/domain"
)

type SettingRepository interface {
	GetByShopID(ctx context.Context, shopID string) (domain.ChatbotSetting, error)
	Upsert(ctx context.Context, setting domain.ChatbotSetting) error
}

type PgSettingRepository struct {
	pool *pgxpool.Pool
}

func NewPgSettingRepository(pool *pgxpool.Pool) *PgSettingRepository {
	return &PgSettingRepository{pool: pool}
}

func (r *PgSettingRepository) GetByShopID(ctx context.Context, shopID string) (domain.ChatbotSetting, error) {
	const query = `
		SELECT shop_id, COALESCE(shop_name, ''), COALESCE(shop_logo_url, ''), COALESCE(bot_id, ''),
		       COALESCE(tenant_id, 0), created_at, updated_at
		FROM chatbot_setting
		WHERE shop_id = $1
	`
	var s domain.ChatbotSetting
	err := r.pool.QueryRow(ctx, query, shopID).Scan(
		&s.ShopID,
		&s.ShopName,
		&s.ShopLogoURL,
		&s.BotID,
		&s.TenantID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return domain.ChatbotSetting{}, err
	}
	return s, nil
}

func (r *PgSettingRepository) Upsert(ctx context.Context, setting domain.ChatbotSetting) error {
	const query = `
		INSERT INTO chatbot_setting (shop_id, shop_name, shop_logo_url, bot_id, tenant_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (shop_id) DO UPDATE SET
			shop_name = EXCLUDED.shop_name,
			shop_logo_url = EXCLUDED.shop_logo_url,
			bot_id = EXCLUDED.bot_id,
			tenant_id = EXCLUDED.tenant_id,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.pool.Exec(ctx, query,
		setting.ShopID,
		setting.ShopName,
		setting.ShopLogoURL,
		setting.BotID,
		setting.TenantID,
		time.Now().UTC(),
	)
	return err
}
